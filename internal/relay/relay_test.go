package relay

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hivelink/hivelink/internal/bus"
	"github.com/hivelink/hivelink/internal/engine"
	"github.com/hivelink/hivelink/internal/registry"
	"github.com/hivelink/hivelink/internal/store"
	"go.uber.org/zap"
)

type fakeSource struct {
	status  registry.Status
	session *fakeSession
}

func (f *fakeSource) Status(workspaceID string) registry.Instance {
	return registry.Instance{WorkspaceID: workspaceID, Status: f.status}
}

func (f *fakeSource) Session(string) (engine.Session, bool) {
	if f.session == nil {
		return nil, false
	}
	return f.session, true
}

type fakeSession struct {
	sentJID  string
	sentText string
	sendErr  error
}

func (f *fakeSession) Connect() error { return nil }

func (f *fakeSession) SendText(_ context.Context, jid, text string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sentJID = jid
	f.sentText = text
	return "SRV1", nil
}

func (f *fakeSession) Logout(context.Context) error { return nil }
func (f *fakeSession) Disconnect()                  {}
func (f *fakeSession) IsLoggedIn() bool             { return true }
func (f *fakeSession) Identity() string             { return "5551234" }

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestRelay(t *testing.T, src *fakeSource) (*Relay, *store.DB, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	logger, _ := zap.NewDevelopment()
	return New(db, b, src, logger), db, b
}

func TestSendRequiresConnected(t *testing.T) {
	for _, status := range []registry.Status{
		registry.StatusDisconnected,
		registry.StatusConnecting,
		registry.StatusWaitingQR,
		registry.StatusError,
	} {
		t.Run(string(status), func(t *testing.T) {
			r, db, _ := newTestRelay(t, &fakeSource{status: status, session: &fakeSession{}})

			_, err := r.Send(context.Background(), "w1", "5559999", "hi")
			if !errors.Is(err, ErrNotConnected) {
				t.Fatalf("err = %v, want ErrNotConnected", err)
			}

			n, err := db.MessageCount("w1")
			if err != nil {
				t.Fatal(err)
			}
			if n != 0 {
				t.Errorf("message count = %d, want 0 (failed send leaves no record)", n)
			}
		})
	}
}

func TestSendPersistsOutboundRecord(t *testing.T) {
	sess := &fakeSession{}
	r, db, _ := newTestRelay(t, &fakeSource{status: registry.StatusConnected, session: sess})

	id, err := r.Send(context.Background(), "w1", "5559999", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("Send should return the record id")
	}
	if sess.sentJID != "5559999@s.whatsapp.net" {
		t.Errorf("sent JID = %q, want normalized address", sess.sentJID)
	}

	rec, err := db.GetMessageByProviderID("w1", "SRV1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("outbound record not persisted")
	}
	if rec.Direction != store.DirectionOutbound || rec.Status != "sent" {
		t.Errorf("record = %s/%s, want outbound/sent", rec.Direction, rec.Status)
	}
	if rec.Body != "hi" {
		t.Errorf("body = %q, want hi", rec.Body)
	}
}

func TestSendEngineErrorLeavesNoRecord(t *testing.T) {
	sess := &fakeSession{sendErr: errors.New("socket closed")}
	r, db, _ := newTestRelay(t, &fakeSource{status: registry.StatusConnected, session: sess})

	_, err := r.Send(context.Background(), "w1", "5559999", "hi")
	if err == nil {
		t.Fatal("Send should propagate engine error")
	}

	n, _ := db.MessageCount("w1")
	if n != 0 {
		t.Errorf("message count = %d, want 0", n)
	}
}

func TestOnInboundPersistsAndBroadcasts(t *testing.T) {
	r, db, b := newTestRelay(t, &fakeSource{status: registry.StatusConnected})
	ch, unsub := b.Subscribe("message.received", 10)
	defer unsub()

	r.OnInbound("w1", engine.Inbound{
		ProviderMsgID: "IN1",
		Counterparty:  "5559999@s.whatsapp.net",
		Body:          "hello",
		MessageType:   "text",
		Timestamp:     time.Now().UnixMilli(),
	})

	rec, err := db.GetMessageByProviderID("w1", "IN1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Direction != store.DirectionInbound || rec.Status != "received" {
		t.Errorf("record = %+v, want inbound/received", rec)
	}

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(MessageReceivedPayload)
		if !ok || payload.Body != "hello" {
			t.Errorf("payload = %#v", evt.Payload)
		}
		if evt.WorkspaceID != "w1" {
			t.Errorf("workspace = %q, want w1", evt.WorkspaceID)
		}
	default:
		t.Error("expected message.received broadcast")
	}
}

func TestOnInboundIgnoresOwnEchoes(t *testing.T) {
	r, db, b := newTestRelay(t, &fakeSource{status: registry.StatusConnected})
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	r.OnInbound("w1", engine.Inbound{ProviderMsgID: "ECHO", FromMe: true, Body: "hi"})

	n, _ := db.MessageCount("w1")
	if n != 0 {
		t.Errorf("message count = %d, want 0 (echo ignored)", n)
	}
	if len(ch) != 0 {
		t.Error("echo should not broadcast")
	}
}

func TestOnStatusUpdateAppliesReceipt(t *testing.T) {
	sess := &fakeSession{}
	r, db, b := newTestRelay(t, &fakeSource{status: registry.StatusConnected, session: sess})
	ch, unsub := b.Subscribe("message.status", 10)
	defer unsub()

	if _, err := r.Send(context.Background(), "w1", "5559999", "hi"); err != nil {
		t.Fatal(err)
	}

	r.OnStatusUpdate("w1", engine.StatusUpdate{ProviderMsgIDs: []string{"SRV1"}, Code: "read"})

	rec, err := db.GetMessageByProviderID("w1", "SRV1")
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil || rec.Status != "read" {
		t.Errorf("status = %v, want read", rec)
	}

	select {
	case evt := <-ch:
		payload, ok := evt.Payload.(MessageStatusPayload)
		if !ok || payload.Status != "read" || payload.ProviderMsgID != "SRV1" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	default:
		t.Error("expected message.status broadcast")
	}
}

func TestOnStatusUpdateUnknownIDDropped(t *testing.T) {
	r, db, b := newTestRelay(t, &fakeSource{status: registry.StatusConnected})
	ch, unsub := b.Subscribe("message.status", 10)
	defer unsub()

	// Must not panic and must not create a record.
	r.OnStatusUpdate("w1", engine.StatusUpdate{ProviderMsgIDs: []string{"GHOST"}, Code: "delivered"})

	n, _ := db.MessageCount("w1")
	if n != 0 {
		t.Errorf("message count = %d, want 0", n)
	}
	if len(ch) != 0 {
		t.Error("dropped receipt should not broadcast")
	}
}

func TestCanonicalStatusMapping(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"delivered", "delivered"},
		{"read", "read"},
		{"read-self", "read"},
		{"played", "read"},
		{"sent", "sent"},
		{"pending", "pending"},
		{"retry", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		if got := canonicalStatus(tt.code); got != tt.want {
			t.Errorf("canonicalStatus(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestNormalizeCounterparty(t *testing.T) {
	if got := NormalizeCounterparty("5559999"); got != "5559999@s.whatsapp.net" {
		t.Errorf("bare number = %q", got)
	}
	if got := NormalizeCounterparty("5559999@s.whatsapp.net"); got != "5559999@s.whatsapp.net" {
		t.Errorf("full JID = %q", got)
	}
}

func TestRelayConsumesEngineEventsFromBus(t *testing.T) {
	r, db, b := newTestRelay(t, &fakeSource{status: registry.StatusConnected})
	r.Start(context.Background())
	defer r.Stop()

	b.Publish(bus.Event{
		Kind:        "engine.message",
		WorkspaceID: "w1",
		Timestamp:   time.Now(),
		Payload: engine.Inbound{
			ProviderMsgID: "IN2",
			Counterparty:  "5559999@s.whatsapp.net",
			Body:          "via bus",
			MessageType:   "text",
			Timestamp:     time.Now().UnixMilli(),
		},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := db.GetMessageByProviderID("w1", "IN2"); rec != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("inbound event from bus was not persisted")
}
