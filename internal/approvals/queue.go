package approvals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const MethodResolve = "exec.approval.resolve"

// recordBacklog bounds the journal records waiting for the writer goroutine.
const recordBacklog = 256

var (
	ErrNotFound = errors.New("approval not found")
	ErrBusy     = errors.New("approval decision already in flight")
)

// Caller is the slice of the gateway transport the queue needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// Recorder receives queue transitions, e.g. a Journal.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

type Options struct {
	Caller   Caller
	Recorder Recorder
	Now      func() time.Time
	Logf     func(format string, args ...any)
	// OnChange is called after the pending set changes, outside the queue lock.
	OnChange func()
	// OnRequested is called once for every newly queued entry.
	OnRequested func(Entry)
}

// Queue holds approval requests in arrival order. Only the head is presented for a decision.
type Queue struct {
	caller   Caller
	recorder Recorder
	now      func() time.Time
	logf     func(format string, args ...any)
	onChange func()
	onAdded  func(Entry)

	recMu     sync.RWMutex
	records   chan Record
	recClosed bool
	written   chan struct{}

	mu      sync.Mutex
	entries []Entry
	busy    map[string]bool
	lastErr map[string]string
}

func NewQueue(opts Options) *Queue {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	q := &Queue{
		caller:   opts.Caller,
		recorder: opts.Recorder,
		now:      now,
		logf:     logf,
		onChange: opts.OnChange,
		onAdded:  opts.OnRequested,
		busy:     make(map[string]bool),
		lastErr:  make(map[string]string),
	}
	if q.recorder != nil {
		q.records = make(chan Record, recordBacklog)
		q.written = make(chan struct{})
		go q.writeRecords()
	}
	return q
}

// Close stops the journal writer once every queued record is written.
func (q *Queue) Close() {
	if q.records == nil {
		return
	}
	q.recMu.Lock()
	if !q.recClosed {
		q.recClosed = true
		close(q.records)
	}
	q.recMu.Unlock()
	<-q.written
}

// Add appends e unless an entry with the same id is already queued. A missing creation
// time defaults to the queue clock and a missing expiry to DefaultTTL after creation.
func (q *Queue) Add(e Entry) bool {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return false
	}
	e.ID = id
	if e.CreatedAtMs <= 0 {
		e.CreatedAtMs = q.now().UnixMilli()
	}
	if e.ExpiresAtMs <= 0 {
		e.ExpiresAtMs = e.CreatedAtMs + DefaultTTL.Milliseconds()
	}

	q.mu.Lock()
	for _, cur := range q.entries {
		if cur.ID == id {
			q.mu.Unlock()
			return false
		}
	}
	q.entries = append(q.entries, e)
	q.mu.Unlock()

	q.logf("approval requested id=%s agent=%s command=%q", id, e.Request.AgentID, e.Request.Command)
	q.record(Record{Kind: RecordRequested, Entry: e})
	q.changed()
	if q.onAdded != nil {
		q.onAdded(e)
	}
	return true
}

// Resolve drops an entry resolved elsewhere (another console, e-mail reply, gateway timeout).
func (q *Queue) Resolve(id string, decision Decision) bool {
	e, ok := q.remove(id)
	if !ok {
		return false
	}
	q.logf("approval resolved id=%s decision=%s", e.ID, decision)
	q.record(Record{Kind: RecordResolved, Entry: e, Decision: decision})
	q.changed()
	return true
}

// Prune removes every entry whose expiry is at or before now and returns them.
func (q *Queue) Prune(now time.Time) []Entry {
	q.mu.Lock()
	var expired []Entry
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.Expired(now) && !q.busy[e.ID] {
			expired = append(expired, e)
			delete(q.lastErr, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	q.mu.Unlock()

	for _, e := range expired {
		q.logf("approval expired id=%s", e.ID)
		q.record(Record{Kind: RecordExpired, Entry: e})
	}
	if len(expired) > 0 {
		q.changed()
	}
	return expired
}

// Pending returns the unexpired entries in arrival order.
func (q *Queue) Pending(now time.Time) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out
}

func (q *Queue) Head(now time.Time) (Entry, bool) {
	pending := q.Pending(now)
	if len(pending) == 0 {
		return Entry{}, false
	}
	return pending[0], true
}

func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Decide sends the operator's decision. The entry is removed only once the gateway accepts it;
// on failure it stays queued and LastError reports why.
func (q *Queue) Decide(ctx context.Context, id string, decision Decision) error {
	if !decision.Valid() {
		return fmt.Errorf("invalid decision %q", decision)
	}
	if q.caller == nil {
		return errors.New("approval queue has no gateway")
	}
	id = strings.TrimSpace(id)

	q.mu.Lock()
	found := false
	for _, e := range q.entries {
		if e.ID == id {
			found = true
			break
		}
	}
	if !found {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if q.busy[id] {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrBusy)
	}
	q.busy[id] = true
	delete(q.lastErr, id)
	q.mu.Unlock()

	err := q.caller.Call(ctx, MethodResolve, map[string]any{"id": id, "decision": string(decision)}, nil)

	q.mu.Lock()
	delete(q.busy, id)
	if err != nil {
		q.lastErr[id] = err.Error()
	}
	q.mu.Unlock()

	if err != nil {
		q.logf("approval decision failed id=%s decision=%s err=%v", id, decision, err)
		q.changed()
		return err
	}
	if e, ok := q.remove(id); ok {
		q.record(Record{Kind: RecordDecided, Entry: e, Decision: decision})
	}
	q.logf("approval decided id=%s decision=%s", id, decision)
	q.changed()
	return nil
}

func (q *Queue) LastError(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastErr[id]
}

func (q *Queue) Busy(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy[id]
}

// Clear drops every entry without recording, e.g. after a gateway restart.
func (q *Queue) Clear() {
	q.mu.Lock()
	n := len(q.entries)
	q.entries = nil
	q.lastErr = make(map[string]string)
	q.mu.Unlock()
	if n > 0 {
		q.changed()
	}
}

// Run prunes expired entries every interval until ctx ends.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Prune(q.now())
		}
	}
}

func (q *Queue) remove(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			delete(q.lastErr, id)
			return e, true
		}
	}
	return Entry{}, false
}

// record hands rec to the writer goroutine without blocking the caller.
func (q *Queue) record(rec Record) {
	if q.records == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = q.now()
	}
	q.recMu.RLock()
	defer q.recMu.RUnlock()
	if q.recClosed {
		return
	}
	select {
	case q.records <- rec:
	default:
		q.logf("approval journal backlog full, dropped id=%s kind=%s", rec.Entry.ID, rec.Kind)
	}
}

func (q *Queue) writeRecords() {
	defer close(q.written)
	for rec := range q.records {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := q.recorder.Record(ctx, rec); err != nil {
			q.logf("approval journal write failed id=%s kind=%s err=%v", rec.Entry.ID, rec.Kind, err)
		}
		cancel()
	}
}

func (q *Queue) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}
