package supervisor

// Broadcast payloads carried on the bus and serialized into WebSocket
// envelopes by the hub bridge.

// QRUpdatedPayload accompanies instance.qr_updated.
type QRUpdatedPayload struct {
	QR string `json:"qr"`
}

// ConnectedPayload accompanies instance.connected.
type ConnectedPayload struct {
	Identity string `json:"identity"`
}

// DisconnectedPayload accompanies instance.disconnected.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
}
