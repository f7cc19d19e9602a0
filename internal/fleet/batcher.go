package fleet

import (
	"sync"
	"time"
)

const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler defers fn to the next frame. The returned cancel prevents fn from running.
type Scheduler interface {
	Defer(fn func()) (cancel func())
}

// TimerScheduler fires deferred callbacks after a fixed frame interval.
type TimerScheduler struct {
	Interval time.Duration
}

func (s TimerScheduler) Defer(fn func()) func() {
	d := s.Interval
	if d <= 0 {
		d = DefaultFrameInterval
	}
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// ManualScheduler queues callbacks until Fire is called.
type ManualScheduler struct {
	mu     sync.Mutex
	nextID int
	queued map[int]func()
}

func (s *ManualScheduler) Defer(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		s.queued = make(map[int]func())
	}
	s.nextID++
	id := s.nextID
	s.queued[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.queued, id)
		s.mu.Unlock()
	}
}

// Pending reports how many callbacks are waiting.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued)
}

// Fire runs every queued callback and returns how many ran.
func (s *ManualScheduler) Fire() int {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.queued))
	for id := 1; id <= s.nextID; id++ {
		if fn, ok := s.queued[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.queued = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Batcher coalesces Schedule calls into at most one outstanding flush.
type Batcher struct {
	sched Scheduler
	flush func()

	mu      sync.Mutex
	pending bool
	cancel  func()
}

func NewBatcher(sched Scheduler, flush func()) *Batcher {
	if sched == nil {
		sched = TimerScheduler{}
	}
	return &Batcher{sched: sched, flush: flush}
}

func (b *Batcher) Schedule() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending {
		return
	}
	b.pending = true
	b.cancel = b.sched.Defer(b.fire)
}

func (b *Batcher) fire() {
	b.mu.Lock()
	if !b.pending {
		b.mu.Unlock()
		return
	}
	b.pending = false
	b.cancel = nil
	b.mu.Unlock()
	if b.flush != nil {
		b.flush()
	}
}

// Cancel drops the outstanding flush without running it.
func (b *Batcher) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.cancel = nil
	b.pending = false
}
