// Package admission implements the per-session admission controller
// (C7): it rejects a second concurrent request for the same session and
// suppresses exact duplicates inside a short window (spec.md §4.7).
package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ccrelay/ccrelay/internal/store"
)

// Decision is the result of Begin.
type Decision struct {
	Accepted bool
	Reason   string
}

type activeEntry struct {
	startedAt    time.Time
	contentHash  string
	cancelHandle func()
}

type dedupeEntry struct {
	firstSeenAt time.Time
	inProgress  bool
}

// Controller owns the active-request table (keyed by session key) and
// the dedupe table (keyed by content hash).
type Controller struct {
	active        *store.TTLMap[activeEntry]
	dedupe        *store.TTLMap[dedupeEntry]
	sessionTTL    time.Duration
	dedupeWindow  time.Duration
	dedupeTableTTL time.Duration
}

// New builds a Controller. sessionTTL bounds how long an active-request
// entry survives without an End call (5 minutes per spec.md §3);
// dedupeWindow is the duplicate-suppression window (2s default);
// dedupeTableTTL is how long a dedupe entry is kept for bookkeeping after
// the window closes (60s per spec.md §3).
func New(sessionTTL, dedupeWindow, dedupeTableTTL time.Duration) *Controller {
	return &Controller{
		active:         store.NewTTLMap[activeEntry](),
		dedupe:         store.NewTTLMap[dedupeEntry](),
		sessionTTL:     sessionTTL,
		dedupeWindow:   dedupeWindow,
		dedupeTableTTL: dedupeTableTTL,
	}
}

// Begin attempts to admit a request for sessionKey carrying the given
// raw body. It computes the body's content hash and checks both tables
// under the same effective critical section (spec.md §4.7).
func (c *Controller) Begin(sessionKey string, body []byte, cancel func()) Decision {
	hash := contentHash(body)

	if entry, ok := c.dedupe.Get(hash); ok {
		if entry.inProgress && time.Since(entry.firstSeenAt) < c.dedupeWindow {
			return Decision{Accepted: false, Reason: "Duplicate request suppressed"}
		}
	}

	inserted := c.active.SetIfAbsent(sessionKey, activeEntry{
		startedAt:    time.Now(),
		contentHash:  hash,
		cancelHandle: cancel,
	}, c.sessionTTL)
	if !inserted {
		return Decision{Accepted: false, Reason: "session busy"}
	}

	c.dedupe.Set(hash, dedupeEntry{firstSeenAt: time.Now(), inProgress: true}, c.dedupeTableTTL)
	return Decision{Accepted: true}
}

// End releases sessionKey and flips its dedupe entry's inProgress flag,
// but leaves the dedupe entry itself in place for the rest of its window
// (spec.md §4.7).
func (c *Controller) End(sessionKey string) {
	entry, ok := c.active.GetAndDelete(sessionKey)
	if !ok {
		return
	}
	c.dedupe.Update(entry.contentHash, func(e *dedupeEntry) {
		e.inProgress = false
	}, c.dedupeTableTTL)
}

// RunSweep evicts stale entries from both tables. The caller is expected
// to invoke this on a 30s ticker (spec.md §4.7).
func (c *Controller) RunSweep() {
	c.active.Cleanup()
	c.dedupe.Cleanup()
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// SessionKey derives the session key for a raw decoded request body per
// spec.md §3: explicit session_id wins; otherwise the key folds in the
// turn count so successive tool-calling-loop requests against the same
// first message don't collide.
func SessionKey(body map[string]any) string {
	if sid, ok := body["session_id"].(string); ok && sid != "" {
		return sid
	}
	if meta, ok := body["metadata"].(map[string]any); ok {
		if sid, ok := meta["session_id"].(string); ok && sid != "" {
			return sid
		}
	}

	if messages, ok := body["messages"].([]any); ok && len(messages) > 0 {
		first, _ := json.Marshal(messages[0])
		return fmt.Sprintf("msg_%d_%s", len(messages), shortHash(first))
	}
	if input, ok := body["input"].([]any); ok && len(input) > 0 {
		first, _ := json.Marshal(input[0])
		return fmt.Sprintf("input_%d_%s", len(input), shortHash(first))
	}

	whole, _ := json.Marshal(body)
	return fmt.Sprintf("req_%s", shortHash(whole))
}

func shortHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}
