package dingtalk

import (
	"encoding/json"
	"strings"

	"github.com/nextlevelbuilder/dingclaw/internal/bus"
)

// Chatbot message types delivered on the /v1.0/im/bot/messages/get topic.
const (
	MsgTypeText     = "text"
	MsgTypeRichText = "richText"
	MsgTypeAudio    = "audio"
	MsgTypePicture  = "picture"
	MsgTypeVideo    = "video"
	MsgTypeFile     = "file"
)

// Placeholders forwarded instead of binary content.
const (
	placeholderAudio = "[voice message]"
	placeholderImage = "[image]"
	placeholderVideo = "[video]"
	placeholderFile  = "[file]"
)

// ChatbotMessage is the payload of a DingTalk stream CALLBACK frame.
type ChatbotMessage struct {
	MsgID             string `json:"msgId"`
	MsgType           string `json:"msgtype"`
	ConversationID    string `json:"conversationId"`
	ConversationType  string `json:"conversationType"` // "1" = DM, "2" = group
	ConversationTitle string `json:"conversationTitle,omitempty"`
	SenderID          string `json:"senderId"`
	SenderStaffID     string `json:"senderStaffId,omitempty"`
	SenderNick        string `json:"senderNick,omitempty"`
	SessionWebhook    string `json:"sessionWebhook,omitempty"`
	// Unix ms after which the session webhook stops accepting replies.
	SessionWebhookExpiredTime int64 `json:"sessionWebhookExpiredTime,omitempty"`
	CreateAt                  int64 `json:"createAt,omitempty"`

	Text    *TextContent    `json:"text,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // msgtype-specific payload
}

// TextContent is the body of a plain text message.
type TextContent struct {
	Content string `json:"content"`
}

// richTextContent is the body of a richText message: an ordered list of
// parts, each either a text run or a media reference.
type richTextContent struct {
	RichText []richTextPart `json:"richText"`
}

type richTextPart struct {
	Text string `json:"text,omitempty"`
	Type string `json:"type,omitempty"` // "picture" for embedded images
}

// audioContent is the body of an audio message. Recognition carries the
// speech-to-text transcript when the platform produced one.
type audioContent struct {
	Recognition string `json:"recognition,omitempty"`
}

// SenderIdentity returns the stable per-user identity for session routing.
// Staff ID is preferred; the opaque sender ID is the fallback for users
// outside the organization.
func (m *ChatbotMessage) SenderIdentity() string {
	if m.SenderStaffID != "" {
		return m.SenderStaffID
	}
	return m.SenderID
}

// ExtractContent pulls forwardable text out of a chatbot message.
// Non-text payloads become fixed placeholders; an empty result means
// the message carries nothing worth sending to the agent.
func ExtractContent(m *ChatbotMessage) string {
	switch m.MsgType {
	case MsgTypeText:
		if m.Text != nil {
			return strings.TrimSpace(m.Text.Content)
		}
		return ""

	case MsgTypeRichText:
		var rc richTextContent
		if err := json.Unmarshal(m.Content, &rc); err != nil {
			return ""
		}
		var parts []string
		for _, p := range rc.RichText {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		return strings.TrimSpace(strings.Join(parts, ""))

	case MsgTypeAudio:
		var ac audioContent
		if err := json.Unmarshal(m.Content, &ac); err == nil && strings.TrimSpace(ac.Recognition) != "" {
			return strings.TrimSpace(ac.Recognition)
		}
		return placeholderAudio

	case MsgTypePicture:
		return placeholderImage
	case MsgTypeVideo:
		return placeholderVideo
	case MsgTypeFile:
		return placeholderFile

	default:
		// Unknown types fall back to the plain text field when present.
		if m.Text != nil {
			return strings.TrimSpace(m.Text.Content)
		}
		return ""
	}
}

// ToInbound normalizes a chatbot message for the router.
func ToInbound(m *ChatbotMessage) bus.InboundMessage {
	kind := "direct"
	if m.ConversationType == "2" {
		kind = "group"
	}
	return bus.InboundMessage{
		MsgID:            m.MsgID,
		SenderID:         m.SenderIdentity(),
		SenderNick:       m.SenderNick,
		ConversationID:   m.ConversationID,
		ConversationKind: kind,
		MsgType:          m.MsgType,
		Content:          ExtractContent(m),
		SessionWebhook:   m.SessionWebhook,
		WebhookExpiry:    m.SessionWebhookExpiredTime,
	}
}
