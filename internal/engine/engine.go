// Package engine defines the protocol-engine contract the supervisor and
// relay program against, plus the whatsmeow-backed implementation. The
// rest of the bridge never sees whatsmeow types.
package engine

import "context"

// Session is one live protocol connection for a single workspace.
// Implementations deliver events to the sink passed at construction,
// serialized per session and in arrival order.
type Session interface {
	// Connect starts the connection attempt and returns immediately;
	// progress is reported through events.
	Connect() error
	// SendText sends a text message and returns the provider message id.
	SendText(ctx context.Context, jid, text string) (string, error)
	// Logout invalidates the account pairing on the provider side.
	Logout(ctx context.Context) error
	// Disconnect tears the connection down without invalidating pairing.
	Disconnect()
	// IsLoggedIn reports whether credential material is present.
	IsLoggedIn() bool
	// Identity returns the confirmed account id, or "" before pairing.
	Identity() string
}

// Sink receives session events. The supervisor installs one per workspace.
type Sink func(Event)

// Factory opens a new session for a workspace, loading or creating its
// credential material. The supervisor owns the returned handle.
type Factory func(ctx context.Context, workspaceID string, sink Sink) (Session, error)

// CloseReason classifies why a connection ended.
type CloseReason string

const (
	// ReasonLoggedOut means the account explicitly unlinked this session.
	// Terminal: credentials must be wiped and the workspace re-paired.
	ReasonLoggedOut CloseReason = "logged_out"
	// ReasonConnectionLost is a transient network or stream failure.
	ReasonConnectionLost CloseReason = "connection_lost"
)

// Event is a protocol engine event. Concrete types below.
type Event interface {
	isEvent()
}

// PairingCode carries a fresh pairing challenge.
type PairingCode struct {
	Code string
}

// Opened signals a confirmed connection.
type Opened struct {
	Identity string
}

// Closed signals the connection ended.
type Closed struct {
	Reason CloseReason
}

// Inbound is a received message.
type Inbound struct {
	ProviderMsgID string
	Counterparty  string
	Body          string
	MessageType   string
	FromMe        bool
	Timestamp     int64 // unix ms
}

// StatusUpdate is a delivery receipt for previously sent messages.
type StatusUpdate struct {
	ProviderMsgIDs []string
	Code           string // provider vocabulary, mapped by the relay
}

func (PairingCode) isEvent()  {}
func (Opened) isEvent()       {}
func (Closed) isEvent()       {}
func (Inbound) isEvent()      {}
func (StatusUpdate) isEvent() {}
