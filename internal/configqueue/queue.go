package configqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"fleetconsole/internal/gateway"
)

var (
	ErrQueueClosed    = errors.New("config queue closed")
	ErrRestartTimeout = errors.New("gateway restart timed out")
	ErrBlocked        = errors.New("agent is blocked by a pending config change")
)

type Kind string

const (
	KindCreateAgent Kind = "create-agent"
	KindRenameAgent Kind = "rename-agent"
	KindDeleteAgent Kind = "delete-agent"
)

// Mutation is one structural change that makes the gateway restart.
type Mutation struct {
	Kind  Kind
	Label string
	Run   func(ctx context.Context) error
}

// StatusSource is the part of the transport the queue watches.
type StatusSource interface {
	Status() gateway.Status
	OnStatus(fn func(gateway.Status)) func()
}

type Options struct {
	Status StatusSource
	// Running reports how many agents are mid-turn; mutations wait for zero.
	Running func() int
	Logf    func(format string, args ...any)
	// OnChange is called after the queue or its holds change.
	OnChange func()
}

type job struct {
	m    Mutation
	done chan error
}

// Queue runs mutations strictly one at a time, in enqueue order.
type Queue struct {
	status   StatusSource
	running  func() int
	logf     func(format string, args ...any)
	onChange func()
	kick     chan struct{}

	mu       sync.Mutex
	ctx      context.Context
	queued   []*job
	active   *job
	holds    map[int]string
	nextHold int
	closed   bool
}

func NewQueue(opts Options) *Queue {
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	running := opts.Running
	if running == nil {
		running = func() int { return 0 }
	}
	return &Queue{
		status:   opts.Status,
		running:  running,
		logf:     logf,
		onChange: opts.OnChange,
		kick:     make(chan struct{}, 1),
		ctx:      context.Background(),
		holds:    make(map[int]string),
	}
}

// Enqueue adds m and blocks until it has run. If ctx ends while m is still queued it is
// dropped and ctx's error returned.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) error {
	if m.Run == nil {
		return errors.New("mutation has no run function")
	}
	if strings.TrimSpace(m.Label) == "" {
		m.Label = string(m.Kind)
	}
	j := &job{m: m, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.queued = append(q.queued, j)
	q.mu.Unlock()
	q.logf("queued %s", m.Label)
	q.changed()
	q.Kick()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if q.drop(j) {
			q.logf("dropped %s: %v", m.Label, ctx.Err())
			q.changed()
			return ctx.Err()
		}
		// already started; the outcome is still reported
		return <-j.done
	}
}

func (q *Queue) drop(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.queued {
		if cur == j {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			return true
		}
	}
	return false
}

// Kick asks the pump to re-check whether the head can start. Call it when the running
// agent count changes.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Hold blocks dequeuing until release is called. Lifecycle hooks hold the queue from the
// moment their mutation starts until the gateway restart settles.
func (q *Queue) Hold(reason string) (release func()) {
	q.mu.Lock()
	q.nextHold++
	id := q.nextHold
	q.holds[id] = reason
	q.mu.Unlock()
	q.changed()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.holds, id)
			q.mu.Unlock()
			q.changed()
			q.Kick()
		})
	}
}

// BlockingReason explains why the head mutation is not starting; empty when nothing is
// queued or it can start now.
func (q *Queue) BlockingReason() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return ""
	}
	return q.blockingReasonLocked()
}

func (q *Queue) blockingReasonLocked() string {
	if q.active != nil {
		return "waiting for " + q.active.m.Label
	}
	if ids := q.holdIDsLocked(); len(ids) > 0 {
		return q.holds[ids[0]]
	}
	if q.status != nil && q.status.Status() != gateway.StatusConnected {
		return "gateway " + string(q.status.Status())
	}
	if n := q.running(); n > 0 {
		if n == 1 {
			return "1 agent is running"
		}
		return fmt.Sprintf("%d agents are running", n)
	}
	return ""
}

func (q *Queue) holdIDsLocked() []int {
	ids := make([]int, 0, len(q.holds))
	for id := range q.holds {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Pending returns the labels of queued mutations, head first.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.queued))
	for _, j := range q.queued {
		out = append(out, j.m.Label)
	}
	return out
}

// Active returns the label of the running mutation.
func (q *Queue) Active() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return "", false
	}
	return q.active.m.Label, true
}

// Run pumps the queue until ctx ends, then fails whatever is still queued with
// ErrQueueClosed.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	q.ctx = ctx
	q.mu.Unlock()

	if q.status != nil {
		unsub := q.status.OnStatus(func(gateway.Status) { q.Kick() })
		defer unsub()
	}
	q.Kick()
	for {
		select {
		case <-ctx.Done():
			q.Close()
			return ctx.Err()
		case <-q.kick:
			q.tryStart()
		}
	}
}

func (q *Queue) tryStart() {
	q.mu.Lock()
	if q.closed || len(q.queued) == 0 || q.blockingReasonLocked() != "" {
		q.mu.Unlock()
		return
	}
	j := q.queued[0]
	q.queued = q.queued[1:]
	q.active = j
	ctx := q.ctx
	q.mu.Unlock()
	q.changed()

	go q.execute(ctx, j)
}

func (q *Queue) execute(ctx context.Context, j *job) {
	q.logf("running %s", j.m.Label)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", j.m.Label, r)
			}
		}()
		return j.m.Run(ctx)
	}()
	if err != nil {
		q.logf("%s failed: %v", j.m.Label, err)
	} else {
		q.logf("%s done", j.m.Label)
	}

	q.mu.Lock()
	q.active = nil
	q.mu.Unlock()
	j.done <- err
	q.changed()
	q.Kick()
}

// Close fails every queued mutation with ErrQueueClosed. A running mutation finishes.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	queued := q.queued
	q.queued = nil
	q.mu.Unlock()

	for _, j := range queued {
		j.done <- ErrQueueClosed
	}
	if len(queued) > 0 {
		q.changed()
	}
}

func (q *Queue) changed() {
	if q.onChange != nil {
		q.onChange()
	}
}
