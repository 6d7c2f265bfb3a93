package router

import (
	"strings"
	"sync"
)

const (
	// maxHistoryEntries bounds stored context per session: 20 entries,
	// i.e. 10 user/assistant exchanges, oldest dropped first.
	maxHistoryEntries = 20
	// promptWindowEntries is how much history a prompt carries: the 10
	// most recent entries (5 exchanges). Fixed trade-off between context
	// fidelity and prompt size.
	promptWindowEntries = 10
)

// History keeps a bounded per-session log of prior exchanges, keyed by
// session key. It does not expire with its session: the owner must call
// Clear alongside Registry.Clear on reset.
type History struct {
	mu      sync.RWMutex
	entries map[string][]string
}

// NewHistory creates an empty store.
func NewHistory() *History {
	return &History{entries: make(map[string][]string)}
}

// Append records one exchange (user line + assistant line), truncating
// to the most recent maxHistoryEntries.
func (h *History) Append(sessionKey, userText, agentText string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.entries[sessionKey], "User: "+userText, "Assistant: "+agentText)
	if len(entries) > maxHistoryEntries {
		entries = entries[len(entries)-maxHistoryEntries:]
	}
	h.entries[sessionKey] = entries
}

// Get returns a copy of the session's stored entries.
func (h *History) Get(sessionKey string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := h.entries[sessionKey]
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, len(entries))
	copy(out, entries)
	return out
}

// Clear drops the session's history entirely.
func (h *History) Clear(sessionKey string) {
	h.mu.Lock()
	delete(h.entries, sessionKey)
	h.mu.Unlock()
}

// BuildPrompt concatenates the most recent promptWindowEntries history
// entries with the current message, blank-line separated.
func (h *History) BuildPrompt(sessionKey, currentText string) string {
	h.mu.RLock()
	entries := h.entries[sessionKey]
	if len(entries) > promptWindowEntries {
		entries = entries[len(entries)-promptWindowEntries:]
	}
	parts := make([]string, 0, len(entries)+1)
	parts = append(parts, entries...)
	h.mu.RUnlock()

	parts = append(parts, currentText)
	return strings.Join(parts, "\n\n")
}
