package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/dingclaw/internal/bus"
)

const (
	openEndpoint     = "/v1.0/gateway/connections/open"
	TopicBotMessages = "/v1.0/im/bot/messages/get"
	topicPing        = "ping"
	topicDisconnect  = "disconnect"

	maxBackoff = 60 * time.Second
)

// Stream maintains the DingTalk stream-mode connection: it opens the
// gateway, dials the websocket, dispatches chatbot callbacks to the
// handler, and reconnects with capped backoff. It also implements
// bus.Transport: Ack answers the stream frame, Reply routes through the
// session webhook with robot-API fallback.
type Stream struct {
	client       *Client
	clientID     string
	clientSecret string
	handler      bus.MessageHandler
	userAgent    string

	mu     sync.Mutex // guards conn writes
	conn   *websocket.Conn
	stopCh chan struct{}
}

// NewStream creates a stream client. handler is invoked on its own
// goroutine for every chatbot message so a slow agent run never stalls
// the read loop.
func NewStream(client *Client, clientID, clientSecret, userAgent string, handler bus.MessageHandler) *Stream {
	return &Stream{
		client:       client,
		clientID:     clientID,
		clientSecret: clientSecret,
		handler:      handler,
		userAgent:    userAgent,
		stopCh:       make(chan struct{}),
	}
}

// frame is the envelope DingTalk pushes down the stream connection.
type frame struct {
	SpecVersion string       `json:"specVersion,omitempty"`
	Type        string       `json:"type"` // SYSTEM, CALLBACK, EVENT
	Headers     frameHeaders `json:"headers"`
	Data        string       `json:"data"`
}

type frameHeaders struct {
	Topic       string `json:"topic,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// ackFrame is the upstream response acknowledging a pushed frame.
type ackFrame struct {
	Code    int          `json:"code"`
	Headers frameHeaders `json:"headers"`
	Message string       `json:"message"`
	Data    string       `json:"data,omitempty"`
}

// Run connects and serves until ctx is cancelled or Stop is called.
func (s *Stream) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		default:
		}

		start := time.Now()
		err := s.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		// A connection that survived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		slog.Warn("dingtalk stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// Stop terminates the stream. Idempotent.
func (s *Stream) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close(websocket.StatusNormalClosure, "shutting down")
		s.conn = nil
	}
	s.mu.Unlock()
}

func (s *Stream) connectAndServe(ctx context.Context) error {
	endpoint, ticket, err := s.openConnection(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, endpoint+"?ticket="+ticket, nil)
	if err != nil {
		return fmt.Errorf("dingtalk stream dial: %w", err)
	}
	conn.SetReadLimit(1 << 20) // 1MB

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	slog.Info("dingtalk stream connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("dingtalk stream read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("dingtalk stream: undecodable frame skipped", "error", err)
			continue
		}
		s.handleFrame(ctx, &f)
	}
}

// openConnection performs the gateway handshake and returns the websocket
// endpoint plus a one-time ticket.
func (s *Stream) openConnection(ctx context.Context) (endpoint, ticket string, err error) {
	body, _ := json.Marshal(map[string]interface{}{
		"clientId":     s.clientID,
		"clientSecret": s.clientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": TopicBotMessages},
		},
		"ua":      s.userAgent,
		"localIp": localIP(),
	})

	req, err := http.NewRequestWithContext(ctx, "POST", s.client.baseURL+openEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("dingtalk open connection: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Endpoint string `json:"endpoint"`
		Ticket   string `json:"ticket"`
		Code     string `json:"code"`
		Message  string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("dingtalk open connection decode: %w", err)
	}
	if result.Endpoint == "" || result.Ticket == "" {
		return "", "", fmt.Errorf("dingtalk open connection rejected: code=%s msg=%s", result.Code, result.Message)
	}
	return result.Endpoint, result.Ticket, nil
}

func (s *Stream) handleFrame(ctx context.Context, f *frame) {
	switch f.Type {
	case "SYSTEM":
		switch f.Headers.Topic {
		case topicPing:
			// Pong echoes the ping data.
			s.writeAck(ctx, f.Headers.MessageID, f.Data)
		case topicDisconnect:
			slog.Info("dingtalk stream: server requested disconnect")
			s.mu.Lock()
			if s.conn != nil {
				s.conn.Close(websocket.StatusNormalClosure, "server disconnect")
			}
			s.mu.Unlock()
		default:
			s.writeAck(ctx, f.Headers.MessageID, "")
		}

	case "CALLBACK":
		if f.Headers.Topic != TopicBotMessages {
			s.writeAck(ctx, f.Headers.MessageID, "")
			return
		}
		var msg ChatbotMessage
		if err := json.Unmarshal([]byte(f.Data), &msg); err != nil {
			slog.Warn("dingtalk stream: bad chatbot payload", "error", err)
			s.writeAck(ctx, f.Headers.MessageID, "")
			return
		}
		inbound := ToInbound(&msg)
		inbound.Metadata = map[string]string{"stream_message_id": f.Headers.MessageID}
		go s.handler(ctx, inbound)

	default: // EVENT and unknown types: acknowledge and move on
		s.writeAck(ctx, f.Headers.MessageID, "")
	}
}

func (s *Stream) writeAck(ctx context.Context, messageID, data string) {
	if messageID == "" {
		return
	}
	ack := ackFrame{
		Code:    200,
		Headers: frameHeaders{ContentType: "application/json", MessageID: messageID},
		Message: "OK",
		Data:    data,
	}
	payload, _ := json.Marshal(ack)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		slog.Warn("dingtalk stream: ack write failed", "message_id", messageID, "error", err)
	}
}

// --- bus.Transport ---

// Ack acknowledges the stream frame carrying msg. Best effort.
func (s *Stream) Ack(ctx context.Context, msg bus.InboundMessage) error {
	mid := msg.Metadata["stream_message_id"]
	if mid == "" {
		return nil
	}
	s.writeAck(ctx, mid, "")
	return nil
}

// Reply delivers text back to the conversation msg came from. The session
// webhook is preferred; expired webhooks fall back to the robot API.
func (s *Stream) Reply(ctx context.Context, msg bus.InboundMessage, text string) error {
	if msg.SessionWebhook != "" && (msg.WebhookExpiry == 0 || time.Now().UnixMilli() < msg.WebhookExpiry) {
		if err := s.client.PostSessionWebhook(ctx, msg.SessionWebhook, text, nil); err == nil {
			return nil
		} else {
			slog.Warn("session webhook reply failed, falling back to robot api", "error", err)
		}
	}

	if msg.ConversationKind == "group" {
		return s.client.SendGroupText(ctx, msg.ConversationID, text)
	}
	if msg.SenderID != "" {
		return s.client.SendUserText(ctx, []string{msg.SenderID}, text)
	}
	return s.client.SendWebhookText(ctx, text)
}

// localIP reports the first non-loopback IPv4 address, used in the gateway
// handshake for connection diagnostics on the DingTalk side.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}
