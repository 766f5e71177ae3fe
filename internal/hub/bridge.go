package hub

import (
	"context"

	"github.com/hivelink/hivelink/internal/bus"
)

// wsEventNames maps internal bus kinds onto the public WebSocket event
// vocabulary. Bus kinds without an entry stay internal.
var wsEventNames = map[string]string{
	"instance.qr_updated":   "qr_updated",
	"instance.connected":    "connected",
	"instance.disconnected": "disconnected",
	"message.received":      "message_received",
	"message.status":        "message_status",
}

// Bridge pipes bus events into the hub.
type Bridge struct {
	bus    *bus.Bus
	hub    *Hub
	cancel context.CancelFunc
}

// NewBridge creates a bridge between the bus and the hub.
func NewBridge(b *bus.Bus, h *Hub) *Bridge {
	return &Bridge{bus: b, hub: h}
}

// Start subscribes to all broadcastable events.
func (br *Bridge) Start(ctx context.Context) {
	ctx, br.cancel = context.WithCancel(ctx)
	ch, unsub := br.bus.Subscribe("", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				name, ok := wsEventNames[evt.Kind]
				if !ok {
					continue
				}
				br.hub.Publish(evt.WorkspaceID, name, evt.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bridge loop.
func (br *Bridge) Stop() {
	if br.cancel != nil {
		br.cancel()
	}
}
