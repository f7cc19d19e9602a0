package fleet

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultRunTTL = 30 * time.Minute
	defaultRunMax = 4096
)

// runTracker remembers per-run facts the reducer needs across frames: tool calls already
// rendered, runs whose assistant text is fed by chat deltas, and runs that already ended.
// Entries expire after ttl; the set is bounded by max.
type runTracker struct {
	mu  sync.Mutex
	ttl time.Duration
	max int

	tools     map[string]time.Time
	chatOwned map[string]time.Time
	ended     map[string]time.Time

	lastSweep time.Time
}

func newRunTracker(ttl time.Duration, max int) *runTracker {
	if ttl <= 0 {
		ttl = defaultRunTTL
	}
	if max <= 0 {
		max = defaultRunMax
	}
	return &runTracker{
		ttl:       ttl,
		max:       max,
		tools:     make(map[string]time.Time),
		chatOwned: make(map[string]time.Time),
		ended:     make(map[string]time.Time),
	}
}

// markTool records a tool call and reports whether it was new.
func (t *runTracker) markTool(runID, toolCallID string, now time.Time) bool {
	return t.use(t.tools, runID+"\x00"+toolCallID, now)
}

func (t *runTracker) claimChatStream(runID string, now time.Time) {
	if strings.TrimSpace(runID) == "" {
		return
	}
	t.use(t.chatOwned, runID, now)
}

func (t *runTracker) chatOwnsStream(runID string, now time.Time) bool {
	return t.has(t.chatOwned, runID, now)
}

func (t *runTracker) markEnded(runID string, now time.Time) {
	if strings.TrimSpace(runID) == "" {
		return
	}
	t.use(t.ended, runID, now)
}

func (t *runTracker) hasEnded(runID string, now time.Time) bool {
	return t.has(t.ended, runID, now)
}

func (t *runTracker) has(m map[string]time.Time, key string, now time.Time) bool {
	if strings.TrimSpace(key) == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := m[key]
	return ok && now.Before(exp)
}

func (t *runTracker) use(m map[string]time.Time, key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Opportunistic sweep.
	if t.lastSweep.IsZero() || now.Sub(t.lastSweep) > t.ttl/2 {
		for _, set := range []map[string]time.Time{t.tools, t.chatOwned, t.ended} {
			sweep(set, now)
		}
		t.lastSweep = now
	}

	if exp, ok := m[key]; ok && now.Before(exp) {
		return false
	}
	if len(m) >= t.max {
		sweep(m, now)
		if len(m) >= t.max {
			clear(m)
		}
	}
	m[key] = now.Add(t.ttl)
	return true
}

func sweep(m map[string]time.Time, now time.Time) {
	for k, exp := range m {
		if !now.Before(exp) {
			delete(m, k)
		}
	}
}
