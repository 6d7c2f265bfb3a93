package bus

import "context"

// InboundMessage represents a chatbot message received from DingTalk,
// normalized by the transport before it reaches the router.
type InboundMessage struct {
	MsgID            string            `json:"msg_id"`            // transport message identifier (empty for system events)
	SenderID         string            `json:"sender_id"`         // stable sender identity (staff ID when available)
	SenderNick       string            `json:"sender_nick,omitempty"`
	ConversationID   string            `json:"conversation_id"`
	ConversationKind string            `json:"conversation_kind"` // "direct" or "group"
	MsgType          string            `json:"msg_type"`          // text, richText, audio, picture, video, file
	Content          string            `json:"content"`           // extracted text (may be empty for non-text chatter)
	SessionWebhook   string            `json:"session_webhook,omitempty"`
	WebhookExpiry    int64             `json:"webhook_expiry,omitempty"` // unix ms
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a reply to be delivered to a DingTalk conversation.
type OutboundMessage struct {
	ConversationID   string   `json:"conversation_id"`
	ConversationKind string   `json:"conversation_kind"`
	Content          string   `json:"content"`
	AtUserIDs        []string `json:"at_user_ids,omitempty"`
}

// Transport is the narrow contract the router holds on the DingTalk side.
// Ack is best-effort: failures are logged, never surfaced to the sender.
type Transport interface {
	Ack(ctx context.Context, msg InboundMessage) error
	Reply(ctx context.Context, msg InboundMessage, text string) error
}

// MessageHandler handles one inbound message end to end.
type MessageHandler func(ctx context.Context, msg InboundMessage)
