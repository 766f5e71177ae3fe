// Package hub fans lifecycle and message events out to the WebSocket
// subscribers of each workspace. Delivery is at-most-once, best-effort:
// a subscriber that errors is dropped, never retried.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn is the subset of a WebSocket connection the hub writes to.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Envelope is the JSON frame delivered to subscribers.
type Envelope struct {
	Event       string `json:"event"`
	Data        any    `json:"data"`
	WorkspaceID string `json:"workspaceId"`
}

type subscriber struct {
	mu   sync.Mutex // serializes writes to the connection
	conn Conn
}

// Hub maps workspace ids to their live subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	logger *zap.Logger
}

// New creates an empty hub.
func New(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a connection for a workspace's events. The
// returned function removes the subscription; it does not close conn.
func (h *Hub) Subscribe(workspaceID string, conn Conn) func() {
	sub := &subscriber{conn: conn}
	h.mu.Lock()
	set, ok := h.subs[workspaceID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[workspaceID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.remove(workspaceID, sub)
	}
}

func (h *Hub) remove(workspaceID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[workspaceID]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, workspaceID)
	}
}

// Publish serializes the envelope once and writes it to every live
// subscriber of the workspace. Subscribers whose write fails are closed
// and removed.
func (h *Hub) Publish(workspaceID, event string, data any) {
	frame, err := json.Marshal(Envelope{
		Event:       event,
		Data:        data,
		WorkspaceID: workspaceID,
	})
	if err != nil {
		h.logger.Error("marshal event envelope", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	set := h.subs[workspaceID]
	targets := make([]*subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.mu.Lock()
		err := sub.conn.WriteMessage(websocket.TextMessage, frame)
		sub.mu.Unlock()
		if err != nil {
			_ = sub.conn.Close()
			h.remove(workspaceID, sub)
		}
	}
}

// SubscriberCount reports the live subscribers for a workspace.
func (h *Hub) SubscriberCount(workspaceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[workspaceID])
}
