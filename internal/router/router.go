// Package router maps inbound chat identities to durable agent
// sessions: dedupe → session resolution → control dispatch → prompt
// forwarding → history → reply.
package router

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/dingclaw/internal/bus"
)

// User-facing canned replies.
const (
	resetReply = "🆕 New conversation started. Previous context has been cleared."
	// Backend reported a failure.
	errorReplyPrefix = "Sorry, I encountered an error: "
	// Anything else blew up while handling the message.
	genericErrorReply = "Sorry, I encountered an error processing your request."
	emptyResultReply  = "No response from the agent."
)

// Router orchestrates message handling. All collaborators are injected
// so multiple routers can coexist in tests.
type Router struct {
	transport bus.Transport
	registry  *Registry
	history   *History
	dedup     *Dedup
	commands  *Dispatcher
	limiter   *rate.Limiter // outbound reply quota, nil = unlimited
}

// New wires a router. limiter may be nil.
func New(transport bus.Transport, registry *Registry, history *History, dedup *Dedup, limiter *rate.Limiter) *Router {
	return &Router{
		transport: transport,
		registry:  registry,
		history:   history,
		dedup:     dedup,
		commands:  NewDispatcher(registry),
		limiter:   limiter,
	}
}

// Handle processes one inbound event end to end. It never panics out
// and never returns an error to the transport: every delivered message
// terminates in a reply, a logged diagnostic, or a silent drop.
func (r *Router) Handle(ctx context.Context, msg bus.InboundMessage) {
	// No identifier means transport chatter (heartbeats, system
	// events): skip both dedup and processing.
	if msg.MsgID == "" {
		slog.Debug("skipping message without identifier", "msg_type", msg.MsgType)
		return
	}

	if r.dedup.Seen(msg.MsgID) {
		slog.Debug("duplicate message dropped", "msg_id", msg.MsgID)
		return
	}
	r.dedup.MarkSeen(msg.MsgID)

	// Acknowledge immediately after dedup-marking so transport retries
	// stop regardless of how long the agent takes.
	if err := r.transport.Ack(ctx, msg); err != nil {
		slog.Warn("transport ack failed", "msg_id", msg.MsgID, "error", err)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic while handling message", "msg_id", msg.MsgID, "panic", rec)
			r.reply(ctx, msg, genericErrorReply)
		}
	}()

	content := strings.TrimSpace(msg.Content)
	if content == "" {
		// Intentionally silent: replying to non-text system chatter
		// would spam the conversation.
		slog.Debug("message with no extractable content dropped", "msg_id", msg.MsgID, "msg_type", msg.MsgType)
		return
	}

	identity := msg.SenderID
	slog.Info("inbound message",
		"msg_id", msg.MsgID,
		"sender", identity,
		"conversation", msg.ConversationID,
		"kind", msg.ConversationKind,
		"chars", len(content),
	)

	if IsReset(content) {
		if key, ok := r.registry.Peek(identity); ok {
			// Registry and history are deliberately decoupled; reset
			// must clear both.
			r.history.Clear(key)
			r.registry.Clear(key)
		}
		r.reply(ctx, msg, resetReply)
		return
	}

	key, isNew := r.registry.Resolve(identity, false)
	if isNew {
		slog.Info("session renewed after idle timeout", "sender", identity)
	}

	if handled, response := r.commands.TryHandle(content, key); handled {
		r.reply(ctx, msg, response)
		return
	}

	handle, err := r.registry.Handle(key)
	if err != nil {
		slog.Error("backend handle unavailable", "sender", identity, "error", err)
		r.reply(ctx, msg, genericErrorReply)
		return
	}

	prompt := r.history.BuildPrompt(key, content)
	result, err := handle.Run(ctx, prompt)
	if err != nil {
		slog.Error("agent run failed", "sender", identity, "error", err)
		r.reply(ctx, msg, errorReplyPrefix+err.Error())
		return
	}
	if result == "" {
		r.reply(ctx, msg, emptyResultReply)
		return
	}

	r.history.Append(key, content, result)
	r.reply(ctx, msg, result)
}

// reply delivers text back through the transport, honoring the outbound
// rate limit. Failures are logged, never retried.
func (r *Router) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			slog.Warn("reply rate limiter interrupted", "error", err)
			return
		}
	}
	if err := r.transport.Reply(ctx, msg, text); err != nil {
		slog.Error("reply delivery failed", "msg_id", msg.MsgID, "error", err)
	}
}
