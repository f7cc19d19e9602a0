package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"fleetconsole/internal/fleet"
)

type fakeStore struct {
	mu      sync.Mutex
	puts    []Summary
	deletes []string
	keys    map[string]Summary
}

func newFakeStore() *fakeStore { return &fakeStore{keys: make(map[string]Summary)} }

func (f *fakeStore) Put(_ context.Context, s Summary, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, s)
	f.keys[s.AgentID] = s
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	delete(f.keys, id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts)
}

func (f *fakeStore) key(id string) (Summary, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.keys[id]
	return s, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMirrorPublishesAndWithdraws(t *testing.T) {
	t.Parallel()

	src := fleet.NewStore()
	src.Hydrate([]fleet.AgentSeed{
		{AgentID: "alpha", Name: "Alpha", SessionKey: "agent:alpha:main"},
		{AgentID: "beta", Name: "Beta", SessionKey: "agent:beta:main"},
	})
	dst := newFakeStore()
	m := New(Options{Source: src, Store: dst, Interval: 10 * time.Millisecond, Owner: "console-1"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, "initial publish", func() bool {
		_, a := dst.key("alpha")
		_, b := dst.key("beta")
		return a && b
	})
	if s, _ := dst.key("alpha"); s.Name != "Alpha" || s.Status != "idle" || s.Owner != "console-1" {
		t.Fatalf("alpha summary = %+v", s)
	}

	running := fleet.StatusRunning
	runID := "run-7"
	src.Dispatch(fleet.Update{AgentID: "alpha", Patch: fleet.Patch{Status: &running, RunID: &runID}})
	waitFor(t, "running status", func() bool {
		s, _ := dst.key("alpha")
		return s.Status == "running" && s.RunID == "run-7"
	})

	src.Remove("beta")
	waitFor(t, "beta removal", func() bool {
		_, ok := dst.key("beta")
		return !ok
	})

	cancel()
	<-done
	if _, ok := dst.key("alpha"); ok {
		t.Fatalf("alpha should be withdrawn on shutdown")
	}
}

func TestFlushThrottlesAndRefreshes(t *testing.T) {
	t.Parallel()

	src := fleet.NewStore()
	src.Hydrate([]fleet.AgentSeed{{AgentID: "alpha"}})
	dst := newFakeStore()

	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	m := New(Options{
		Source:   src,
		Store:    dst,
		TTL:      10 * time.Second,
		Interval: time.Second,
		Now:      func() time.Time { return now },
	})
	ctx := context.Background()

	m.markDirty([]string{"alpha"})
	m.flush(ctx)
	if dst.putCount() != 1 {
		t.Fatalf("puts = %d, want 1", dst.putCount())
	}

	now = now.Add(100 * time.Millisecond)
	m.markDirty([]string{"alpha"})
	m.flush(ctx)
	if dst.putCount() != 1 {
		t.Fatalf("change inside the throttle window should wait, puts = %d", dst.putCount())
	}

	now = now.Add(time.Second)
	m.flush(ctx)
	if dst.putCount() != 2 {
		t.Fatalf("pending change should publish once the window passes, puts = %d", dst.putCount())
	}

	now = now.Add(2 * time.Second)
	m.flush(ctx)
	if dst.putCount() != 2 {
		t.Fatalf("nothing changed and the key is fresh, puts = %d", dst.putCount())
	}

	now = now.Add(4 * time.Second)
	m.flush(ctx)
	if dst.putCount() != 3 {
		t.Fatalf("key past half its ttl should be refreshed, puts = %d", dst.putCount())
	}
}
