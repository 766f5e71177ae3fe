package store

// InstanceRecord is the durable mirror of a workspace's connection state.
// It is advisory: the in-memory registry is authoritative while the
// process is alive. Used to decide which sessions to restore on boot.
type InstanceRecord struct {
	WorkspaceID string
	Status      string
	Identity    string
	LastSeen    int64 // unix ms, 0 when never connected
	UpdatedAt   int64 // unix ms
}

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// MessageRecord is a durable message row. Append-only except for Status,
// which later delivery receipts update via ProviderMsgID.
type MessageRecord struct {
	ID            string // uuid assigned by the relay
	WorkspaceID   string
	Direction     string // inbound | outbound
	Counterparty  string
	Body          string
	MessageType   string
	Status        string // pending | sent | delivered | read | received | unknown
	ProviderMsgID string
	Timestamp     int64 // unix ms
}
