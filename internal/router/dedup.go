package router

import (
	"sync"
	"time"
)

const (
	dedupTTL       = 5 * time.Minute
	dedupSweepSize = 100
)

// Dedup is a short-lived ledger of recently seen message identifiers.
// Sweeping happens opportunistically inside MarkSeen once the ledger
// reaches the sweep threshold, so no background timer is needed. The
// guarantee is no duplicate delivery within the TTL window, not global
// exactly-once.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	size int // sweep threshold
}

// NewDedup creates a ledger with the standard TTL and sweep threshold.
func NewDedup() *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  dedupTTL,
		size: dedupSweepSize,
	}
}

// Seen reports whether id was marked within the dedup window. An empty
// id is never seen: identifier-less events are not deliverable messages.
func (d *Dedup) Seen(id string) bool {
	if id == "" {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[id]
	if !ok {
		return false
	}
	if time.Since(at) > d.ttl {
		delete(d.seen, id)
		return false
	}
	return true
}

// MarkSeen records id as processed. No-op for empty ids.
func (d *Dedup) MarkSeen(id string) {
	if id == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.seen) >= d.size {
		cutoff := time.Now().Add(-d.ttl)
		for k, at := range d.seen {
			if at.Before(cutoff) {
				delete(d.seen, k)
			}
		}
	}
	d.seen[id] = time.Now()
}
