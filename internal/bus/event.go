package bus

import "time"

// Event represents a domain event published on the bus. WorkspaceID
// scopes the event to a single tenant; fan-out layers use it to route
// the event to that workspace's subscribers only.
type Event struct {
	Kind        string
	WorkspaceID string
	Timestamp   time.Time
	Payload     any
}
