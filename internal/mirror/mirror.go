// Package mirror publishes agent status summaries to a shared store so other consoles
// and dashboards can see the fleet without their own gateway connection.
package mirror

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetconsole/internal/fleet"
)

type Options struct {
	Source *fleet.Store
	Store  Store
	TTL    time.Duration
	// Interval is the minimum gap between publishes of the same agent.
	Interval time.Duration
	// Owner identifies this console in published summaries.
	Owner string
	Now   func() time.Time
	Logf  func(format string, args ...any)
}

// Mirror watches a fleet.Store and publishes changed agents, throttled per agent.
// Every agent is republished before its key would expire.
type Mirror struct {
	source   *fleet.Store
	dst      Store
	ttl      time.Duration
	interval time.Duration
	owner    string
	now      func() time.Time
	logf     func(format string, args ...any)

	mu        sync.Mutex
	dirty     map[string]bool
	published map[string]time.Time
	wake      chan struct{}
}

func New(opts Options) *Mirror {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Mirror{
		source:    opts.Source,
		dst:       opts.Store,
		ttl:       ttl,
		interval:  interval,
		owner:     strings.TrimSpace(opts.Owner),
		now:       now,
		logf:      logf,
		dirty:     make(map[string]bool),
		published: make(map[string]time.Time),
		wake:      make(chan struct{}, 1),
	}
}

// Run publishes until ctx ends. Keys this mirror wrote are deleted on the way out.
func (m *Mirror) Run(ctx context.Context) error {
	if m.source == nil || m.dst == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	unsub := m.source.Subscribe(m.markDirty)
	defer unsub()

	for _, a := range m.source.Snapshot() {
		m.markDirty([]string{a.AgentID})
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.withdraw()
			return ctx.Err()
		case <-m.wake:
		case <-ticker.C:
		}
		m.flush(ctx)
	}
}

func (m *Mirror) markDirty(changed []string) {
	m.mu.Lock()
	for _, id := range changed {
		m.dirty[id] = true
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// flush publishes dirty agents whose throttle window has passed, plus any agent whose
// last publish is older than half the TTL.
func (m *Mirror) flush(ctx context.Context) {
	now := m.now()
	var due []string

	m.mu.Lock()
	for id := range m.dirty {
		if last, ok := m.published[id]; ok && now.Sub(last) < m.interval {
			continue
		}
		due = append(due, id)
		delete(m.dirty, id)
	}
	for id, last := range m.published {
		if now.Sub(last) >= m.ttl/2 && !m.dirty[id] && !slices.Contains(due, id) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(due)

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		st, ok := m.source.Get(id)
		if !ok {
			if err := m.dst.Delete(ctx, id); err != nil {
				m.logf("mirror delete %s failed: %v", id, err)
			}
			m.mu.Lock()
			delete(m.published, id)
			m.mu.Unlock()
			continue
		}
		if err := m.dst.Put(ctx, m.summarize(st, now), m.ttl); err != nil {
			m.logf("mirror publish %s failed: %v", id, err)
			m.mu.Lock()
			m.dirty[id] = true
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		m.published[id] = now
		m.mu.Unlock()
	}
}

func (m *Mirror) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.mu.Lock()
	ids := make([]string, 0, len(m.published))
	for id := range m.published {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := m.dst.Delete(ctx, id); err != nil {
			m.logf("mirror withdraw %s failed: %v", id, err)
		}
	}
}

func (m *Mirror) summarize(a fleet.AgentState, now time.Time) Summary {
	return Summary{
		AgentID:        a.AgentID,
		Name:           a.Name,
		Status:         string(a.Status),
		RunID:          a.RunID,
		SessionKey:     a.SessionKey,
		LatestUpdate:   a.LatestUpdate(),
		LastActivityAt: a.LastActivityAt,
		Owner:          m.owner,
		PublishedAt:    now.UTC(),
	}
}
