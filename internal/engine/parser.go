package engine

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// parseInbound normalizes a live whatsmeow message event. Non-text
// payloads get a bracketed placeholder body so the record is still
// useful to consumers that only render text.
func parseInbound(evt *events.Message) Inbound {
	msgType := detectMessageType(evt.Message)
	body := extractTextBody(evt.Message)
	if body == "" && msgType != "text" {
		body = "[" + msgType + "]"
	}

	return Inbound{
		ProviderMsgID: evt.Info.ID,
		Counterparty:  evt.Info.Chat.ToNonAD().String(),
		Body:          body,
		MessageType:   msgType,
		FromMe:        evt.Info.IsFromMe,
		Timestamp:     evt.Info.Timestamp.UnixMilli(),
	}
}

// parseReceipt maps a whatsmeow receipt onto a StatusUpdate. Receipts
// that do not concern message delivery report ok=false.
func parseReceipt(evt *events.Receipt) (StatusUpdate, bool) {
	if len(evt.MessageIDs) == 0 {
		return StatusUpdate{}, false
	}
	code := string(evt.Type)
	if evt.Type == types.ReceiptTypeDelivered {
		code = "delivered"
	}
	return StatusUpdate{
		ProviderMsgIDs: evt.MessageIDs,
		Code:           code,
	}, true
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
