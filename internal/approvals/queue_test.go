package approvals

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleetconsole/internal/gateway/gatewaytest"
)

var base = time.Date(2026, 2, 10, 8, 0, 0, 0, time.UTC)

func entry(id string, ttl time.Duration) Entry {
	return Entry{
		ID:          id,
		Request:     Request{Command: "rm -rf build", AgentID: "ops"},
		CreatedAtMs: base.UnixMilli(),
		ExpiresAtMs: base.Add(ttl).UnixMilli(),
	}
}

func TestQueueAddDedupesAndKeepsArrivalOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue(Options{Now: func() time.Time { return base }})
	if !q.Add(entry("a", time.Minute)) || !q.Add(entry("b", time.Minute)) {
		t.Fatalf("Add should accept new ids")
	}
	if q.Add(entry("a", 2*time.Minute)) {
		t.Fatalf("duplicate id must be ignored")
	}
	pending := q.Pending(base)
	if len(pending) != 2 || pending[0].ID != "a" || pending[1].ID != "b" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
	head, ok := q.Head(base)
	if !ok || head.ID != "a" {
		t.Fatalf("Head() = %+v, %v", head, ok)
	}
	if !q.Resolve("a", AllowOnce) || q.Resolve("a", AllowOnce) {
		t.Fatalf("Resolve should remove exactly once")
	}
	head, _ = q.Head(base)
	if head.ID != "b" {
		t.Fatalf("head after resolve = %q", head.ID)
	}
}

func TestQueuePruneDropsExpiredEntries(t *testing.T) {
	t.Parallel()

	q := NewQueue(Options{})
	q.Add(entry("old", -time.Second))
	q.Add(entry("edge", 0))
	q.Add(entry("fresh", time.Minute))

	if got := q.Pending(base); len(got) != 1 || got[0].ID != "fresh" {
		t.Fatalf("expired entries must not be pending: %+v", got)
	}
	expired := q.Prune(base)
	if len(expired) != 2 {
		t.Fatalf("Prune() removed %d entries, want 2", len(expired))
	}
	if _, ok := q.Get("old"); ok {
		t.Fatalf("expired entry still queued")
	}
	if _, ok := q.Get("fresh"); !ok {
		t.Fatalf("fresh entry lost")
	}
}

func TestQueueDecide(t *testing.T) {
	t.Parallel()

	tr := gatewaytest.New()
	changes := 0
	q := NewQueue(Options{Caller: tr, OnChange: func() { changes++ }})
	q.Add(entry("a", time.Hour))

	tr.Fail(MethodResolve, errors.New("gateway says no"))
	if err := q.Decide(context.Background(), "a", Deny); err == nil {
		t.Fatalf("expected failure")
	}
	if _, ok := q.Get("a"); !ok {
		t.Fatalf("failed decision must keep the entry")
	}
	if q.LastError("a") != "gateway says no" {
		t.Fatalf("LastError = %q", q.LastError("a"))
	}

	tr.Handle(MethodResolve, func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ID       string `json:"id"`
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if p.ID != "a" || p.Decision != "allow-always" {
			t.Errorf("unexpected params: %+v", p)
		}
		return map[string]any{"ok": true}, nil
	})
	if err := q.Decide(context.Background(), "a", AllowAlways); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if _, ok := q.Get("a"); ok {
		t.Fatalf("accepted decision must remove the entry")
	}
	if q.LastError("a") != "" {
		t.Fatalf("LastError should clear")
	}
	if err := q.Decide(context.Background(), "a", Deny); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := q.Decide(context.Background(), "a", Decision("maybe")); err == nil {
		t.Fatalf("expected invalid decision error")
	}
	if changes < 3 {
		t.Fatalf("OnChange called %d times", changes)
	}
}

func TestQueueDecideRejectsConcurrentDecision(t *testing.T) {
	t.Parallel()

	tr := gatewaytest.New()
	release := make(chan struct{})
	entered := make(chan struct{})
	tr.Handle(MethodResolve, func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	q := NewQueue(Options{Caller: tr})
	q.Add(entry("a", time.Hour))

	done := make(chan error, 1)
	go func() { done <- q.Decide(context.Background(), "a", AllowOnce) }()
	<-entered
	if err := q.Decide(context.Background(), "a", Deny); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !q.Busy("a") {
		t.Fatalf("Busy should report the in-flight decision")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first decision: %v", err)
	}
}

func TestDecodeRequestedDefaults(t *testing.T) {
	t.Parallel()

	e, err := DecodeRequested(json.RawMessage(`{"id":" x1 ","request":{"command":"ls","cwd":"/tmp","agentId":"ops"},"createdAtMs":1000}`))
	if err != nil {
		t.Fatalf("DecodeRequested: %v", err)
	}
	if e.ID != "x1" || e.Request.Cwd != "/tmp" || e.CreatedAtMs != 1000 || e.ExpiresAtMs != 0 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	if _, err := DecodeRequested(json.RawMessage(`{"request":{}}`)); err == nil {
		t.Fatalf("missing id must fail")
	}
	id, d, err := DecodeResolved(json.RawMessage(`{"id":"x1","decision":"allow-once"}`))
	if err != nil || id != "x1" || d != AllowOnce {
		t.Fatalf("DecodeResolved = %q %q %v", id, d, err)
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	cases := map[string]Decision{
		"allow-once":   AllowOnce,
		"Allow Once":   AllowOnce,
		"approve":      AllowOnce,
		"allow_always": AllowAlways,
		"DENY":         Deny,
	}
	for in, want := range cases {
		got, ok := ParseDecision(in)
		if !ok || got != want {
			t.Fatalf("ParseDecision(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseDecision("later"); ok {
		t.Fatalf("unexpected decision parsed")
	}
}

func TestJournalRecordsTransitions(t *testing.T) {
	t.Parallel()

	j, err := OpenJournal(filepath.Join(t.TempDir(), "state", "approvals.db"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	tr := gatewaytest.New()
	tr.Reply(MethodResolve, map[string]any{"ok": true})
	q := NewQueue(Options{Caller: tr, Recorder: j, Now: func() time.Time { return base }})
	q.Add(entry("a", time.Hour))
	q.Add(entry("b", -time.Minute))
	q.Prune(base)
	if err := q.Decide(context.Background(), "a", Deny); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	q.Close()

	recs, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	var kinds []RecordKind
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	want := []RecordKind{RecordDecided, RecordExpired, RecordRequested, RecordRequested}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if recs[0].Decision != Deny || recs[0].Entry.ID != "a" || recs[0].Entry.Request.AgentID != "ops" {
		t.Fatalf("unexpected decided record: %+v", recs[0])
	}
	if !recs[0].At.Equal(base) {
		t.Fatalf("record time = %s", recs[0].At)
	}
}

func TestQueueAddDefaultsTimestampsFromClock(t *testing.T) {
	t.Parallel()

	q := NewQueue(Options{Now: func() time.Time { return base }})
	raw, err := DecodeRequested(json.RawMessage(`{"id":"x1","request":{"command":"ls"}}`))
	if err != nil {
		t.Fatalf("DecodeRequested: %v", err)
	}
	if !q.Add(raw) {
		t.Fatalf("Add rejected %+v", raw)
	}
	got, ok := q.Get("x1")
	if !ok {
		t.Fatalf("entry not queued")
	}
	if got.CreatedAtMs != base.UnixMilli() || got.ExpiresAtMs != base.Add(DefaultTTL).UnixMilli() {
		t.Fatalf("timestamps = %d/%d, want clock-based defaults", got.CreatedAtMs, got.ExpiresAtMs)
	}
	if len(q.Pending(base)) != 1 || len(q.Pending(base.Add(DefaultTTL))) != 0 {
		t.Fatalf("expiry should follow the queue clock")
	}

	explicit := Entry{ID: "x2", Request: Request{Command: "ls"}, CreatedAtMs: 1000}
	q.Add(explicit)
	if got, _ := q.Get("x2"); got.CreatedAtMs != 1000 || got.ExpiresAtMs != 1000+DefaultTTL.Milliseconds() {
		t.Fatalf("explicit creation time not kept: %+v", got)
	}
}

type blockingRecorder struct {
	release chan struct{}
	mu      sync.Mutex
	got     []Record
}

func (r *blockingRecorder) Record(_ context.Context, rec Record) error {
	<-r.release
	r.mu.Lock()
	r.got = append(r.got, rec)
	r.mu.Unlock()
	return nil
}

func TestQueueAddDoesNotWaitForJournal(t *testing.T) {
	t.Parallel()

	rec := &blockingRecorder{release: make(chan struct{})}
	q := NewQueue(Options{Recorder: rec, Now: func() time.Time { return base }})

	added := make(chan struct{})
	go func() {
		defer close(added)
		q.Add(entry("a", time.Minute))
		q.Resolve("a", AllowOnce)
	}()
	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatalf("Add blocked on a stalled journal write")
	}

	close(rec.release)
	q.Close()
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.got) != 2 || rec.got[0].Kind != RecordRequested || rec.got[1].Kind != RecordResolved {
		t.Fatalf("records = %+v", rec.got)
	}
	if !rec.got[0].At.Equal(base) {
		t.Fatalf("record time = %s", rec.got[0].At)
	}

	q.Add(entry("b", time.Minute))
	q.Close()
	if len(rec.got) != 2 {
		t.Fatalf("records written after Close: %d", len(rec.got))
	}
}
