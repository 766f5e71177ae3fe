package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hivelink/hivelink/internal/workspace"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// WhatsAppSession wraps a whatsmeow client for one workspace. Events from
// the client handler and the QR pairing channel are funneled through a
// single pump goroutine so the sink always sees them serialized.
type WhatsAppSession struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	sink      Sink
	logger    *zap.Logger
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewFactory returns a Factory producing whatsmeow-backed sessions with
// credential material stored under dataDir.
func NewFactory(dataDir string, logger *zap.Logger) Factory {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("Hivelink", [3]uint32{0, 1, 0})

	return func(ctx context.Context, workspaceID string, sink Sink) (Session, error) {
		return newWhatsAppSession(ctx, dataDir, workspaceID, sink, logger)
	}
}

func newWhatsAppSession(ctx context.Context, dataDir, workspaceID string, sink Sink, logger *zap.Logger) (*WhatsAppSession, error) {
	if err := workspace.EnsureDir(dataDir, workspaceID); err != nil {
		return nil, fmt.Errorf("ensure workspace dir: %w", err)
	}

	dbPath := workspace.CredentialDBPath(dataDir, workspaceID)
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	s := &WhatsAppSession{
		client:    whatsmeow.NewClient(deviceStore, nil),
		container: container,
		sink:      sink,
		logger:    logger.With(zap.String("workspace", workspaceID)),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}
	// Reconnection policy belongs to the supervisor.
	s.client.EnableAutoReconnect = false
	s.client.AddEventHandler(s.handleClientEvent)
	go s.pump()
	return s, nil
}

// pump delivers events to the sink one at a time, preserving arrival order.
func (s *WhatsAppSession) pump() {
	for {
		select {
		case evt := <-s.events:
			s.sink(evt)
		case <-s.done:
			return
		}
	}
}

func (s *WhatsAppSession) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.done:
	}
}

// Connect starts the connection. For an unpaired workspace it opens the
// QR channel first and streams pairing codes as events.
func (s *WhatsAppSession) Connect() error {
	if s.IsLoggedIn() {
		s.logger.Info("connecting with existing credentials")
		return s.client.Connect()
	}

	// GetQRChannel must be called before Connect.
	qrChan, err := s.client.GetQRChannel(context.Background())
	if err != nil {
		return fmt.Errorf("get QR channel: %w", err)
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	go func() {
		for item := range qrChan {
			switch item.Event {
			case "code":
				s.emit(PairingCode{Code: item.Code})
			case "success":
				// The Connected client event follows; nothing to do here.
				return
			case "timeout":
				s.logger.Warn("QR pairing timed out")
				s.emit(Closed{Reason: ReasonConnectionLost})
				return
			default:
				if item.Error != nil {
					s.logger.Warn("QR pairing failed", zap.Error(item.Error))
					s.emit(Closed{Reason: ReasonConnectionLost})
					return
				}
			}
		}
	}()
	return nil
}

func (s *WhatsAppSession) handleClientEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		s.logger.Info("connection opened", zap.String("identity", s.Identity()))
		s.emit(Opened{Identity: s.Identity()})
	case *events.LoggedOut:
		s.logger.Warn("logged out by account", zap.String("reason", evt.Reason.String()))
		s.emit(Closed{Reason: ReasonLoggedOut})
	case *events.Disconnected:
		s.logger.Warn("connection closed")
		s.emit(Closed{Reason: ReasonConnectionLost})
	case *events.StreamError:
		s.logger.Warn("stream error", zap.String("code", evt.Code))
		s.emit(Closed{Reason: ReasonConnectionLost})
	case *events.Message:
		s.emit(parseInbound(evt))
	case *events.Receipt:
		if update, ok := parseReceipt(evt); ok {
			s.emit(update)
		}
	}
}

// SendText sends a text message to the given JID. Returns the provider
// message id used to correlate later receipts.
func (s *WhatsAppSession) SendText(ctx context.Context, jid, text string) (string, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	resp, err := s.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

// Logout invalidates the pairing on the provider side.
func (s *WhatsAppSession) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

// Disconnect tears down the connection and stops event delivery. Safe to
// call more than once.
func (s *WhatsAppSession) Disconnect() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Disconnect()
		_ = s.container.Close()
	})
}

// IsLoggedIn reports whether the credential store holds a paired device.
func (s *WhatsAppSession) IsLoggedIn() bool {
	return s.client.Store.ID != nil
}

// Identity returns the paired phone number, or "" before pairing.
func (s *WhatsAppSession) Identity() string {
	if s.client.Store.ID == nil {
		return ""
	}
	return s.client.Store.ID.User
}
