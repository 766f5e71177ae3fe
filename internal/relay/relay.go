// Package relay turns engine message traffic into durable records and
// broadcast notifications, and validates outbound sends.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hivelink/hivelink/internal/bus"
	"github.com/hivelink/hivelink/internal/engine"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/store"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when a send is attempted without an active
// session. Recoverable by the caller: start the workspace and retry.
var ErrNotConnected = errors.New("workspace is not connected")

// SessionSource provides connection state and live engine handles. The
// supervisor implements it.
type SessionSource interface {
	Status(workspaceID string) registry.Instance
	Session(workspaceID string) (engine.Session, bool)
}

// Relay persists message traffic for all workspaces. Inbound events are
// consumed from the bus on a single goroutine, keeping the persistence
// path serialized per the engine's delivery order.
type Relay struct {
	db     *store.DB
	bus    *bus.Bus
	src    SessionSource
	logger *zap.Logger
	cancel context.CancelFunc
}

// New creates a relay.
func New(db *store.DB, b *bus.Bus, src SessionSource, logger *zap.Logger) *Relay {
	return &Relay{
		db:     db,
		bus:    b,
		src:    src,
		logger: logger,
	}
}

// Start subscribes to engine traffic events on the bus.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("engine.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				r.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the relay loop.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Relay) handleEvent(evt bus.Event) {
	switch payload := evt.Payload.(type) {
	case engine.Inbound:
		r.OnInbound(evt.WorkspaceID, payload)
	case engine.StatusUpdate:
		r.OnStatusUpdate(evt.WorkspaceID, payload)
	}
}

// Send delivers a text message for a connected workspace and records it.
// The record is created only after the engine accepts the message, so a
// failed send leaves no trace.
func (r *Relay) Send(ctx context.Context, workspaceID, counterpartyID, text string) (string, error) {
	if r.src.Status(workspaceID).Status != registry.StatusConnected {
		return "", ErrNotConnected
	}
	sess, ok := r.src.Session(workspaceID)
	if !ok {
		return "", ErrNotConnected
	}

	jid := NormalizeCounterparty(counterpartyID)
	providerMsgID, err := sess.SendText(ctx, jid, text)
	if err != nil {
		return "", err
	}

	rec := &store.MessageRecord{
		ID:            uuid.New().String(),
		WorkspaceID:   workspaceID,
		Direction:     store.DirectionOutbound,
		Counterparty:  jid,
		Body:          text,
		MessageType:   "text",
		Status:        "sent",
		ProviderMsgID: providerMsgID,
		Timestamp:     time.Now().UnixMilli(),
	}
	if err := r.db.InsertMessage(rec); err != nil {
		// The message left anyway; report the record id loss, not a send failure.
		r.logger.Error("persist outbound message", zap.String("workspace", workspaceID), zap.Error(err))
	}
	r.logger.Info("message sent",
		zap.String("workspace", workspaceID),
		zap.String("provider_msg_id", providerMsgID))
	return rec.ID, nil
}

// OnInbound persists a received message and broadcasts it. Echoes of our
// own sends are ignored.
func (r *Relay) OnInbound(workspaceID string, msg engine.Inbound) {
	if msg.FromMe {
		return
	}

	ts := msg.Timestamp
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	rec := &store.MessageRecord{
		ID:            uuid.New().String(),
		WorkspaceID:   workspaceID,
		Direction:     store.DirectionInbound,
		Counterparty:  msg.Counterparty,
		Body:          msg.Body,
		MessageType:   msg.MessageType,
		Status:        "received",
		ProviderMsgID: msg.ProviderMsgID,
		Timestamp:     ts,
	}
	if err := r.db.InsertMessage(rec); err != nil {
		r.logger.Error("persist inbound message", zap.String("workspace", workspaceID), zap.Error(err))
		return
	}

	r.bus.Publish(bus.Event{
		Kind:        "message.received",
		WorkspaceID: workspaceID,
		Timestamp:   time.Now(),
		Payload: MessageReceivedPayload{
			MessageID:    rec.ID,
			Counterparty: rec.Counterparty,
			Body:         rec.Body,
			MessageType:  rec.MessageType,
			Timestamp:    rec.Timestamp,
		},
	})
}

// OnStatusUpdate applies a delivery receipt to the matching records.
// Receipts for unknown provider ids are dropped: the update raced the
// send persistence and delivery tracking is best-effort.
func (r *Relay) OnStatusUpdate(workspaceID string, update engine.StatusUpdate) {
	status := canonicalStatus(update.Code)
	if status == "unknown" {
		r.logger.Warn("unmapped receipt code",
			zap.String("workspace", workspaceID),
			zap.String("code", update.Code))
	}

	for _, providerMsgID := range update.ProviderMsgIDs {
		matched, err := r.db.UpdateMessageStatus(workspaceID, providerMsgID, status)
		if err != nil {
			r.logger.Error("update message status", zap.String("workspace", workspaceID), zap.Error(err))
			continue
		}
		if !matched {
			r.logger.Warn("receipt for unknown message, dropped",
				zap.String("workspace", workspaceID),
				zap.String("provider_msg_id", providerMsgID))
			continue
		}
		r.bus.Publish(bus.Event{
			Kind:        "message.status",
			WorkspaceID: workspaceID,
			Timestamp:   time.Now(),
			Payload: MessageStatusPayload{
				ProviderMsgID: providerMsgID,
				Status:        status,
			},
		})
	}
}

// NormalizeCounterparty converts a bare phone number into the engine's
// addressing form. Identifiers already carrying a server suffix pass
// through unchanged.
func NormalizeCounterparty(id string) string {
	if strings.Contains(id, "@") {
		return id
	}
	return id + "@s.whatsapp.net"
}

// canonicalStatus maps the provider receipt vocabulary onto the bridge's
// canonical set. Unmapped codes become "unknown" rather than being
// coerced or rejected.
func canonicalStatus(code string) string {
	switch code {
	case "pending":
		return "pending"
	case "sent":
		return "sent"
	case "delivered":
		return "delivered"
	case "read", "read-self", "played":
		return "read"
	default:
		return "unknown"
	}
}

// MessageReceivedPayload accompanies message.received.
type MessageReceivedPayload struct {
	MessageID    string `json:"messageId"`
	Counterparty string `json:"counterpartyId"`
	Body         string `json:"text"`
	MessageType  string `json:"type"`
	Timestamp    int64  `json:"timestamp"`
}

// MessageStatusPayload accompanies message.status.
type MessageStatusPayload struct {
	ProviderMsgID string `json:"providerMessageId"`
	Status        string `json:"status"`
}
