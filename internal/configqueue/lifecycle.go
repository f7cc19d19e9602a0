package configqueue

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetconsole/internal/cron"
	"fleetconsole/internal/gateway"
)

const (
	MethodAgentsCreate = "agents.create"
	MethodAgentsUpdate = "agents.update"
	MethodAgentsDelete = "agents.delete"

	DefaultPhaseTimeout = 90 * time.Second
)

type Phase string

const (
	PhaseQueued          Phase = "queued"
	PhaseCreating        Phase = "creating"
	PhaseRenaming        Phase = "renaming"
	PhaseDeleting        Phase = "deleting"
	PhaseAwaitingRestart Phase = "awaiting-restart"
)

// Block is a lifecycle change in progress. While it exists the UI must not act on AgentID.
type Block struct {
	Kind           Kind
	AgentID        string
	Name           string
	Phase          Phase
	PhaseStartedAt time.Time
}

type LifecycleOptions struct {
	Transport gateway.Transport
	Queue     *Queue
	// PhaseTimeout bounds each phase; defaults to DefaultPhaseTimeout.
	PhaseTimeout time.Duration
	Now          func() time.Time
	Logf         func(format string, args ...any)
	OnChange     func()
}

// Lifecycle creates, renames and deletes agents through the mutation queue and waits for the
// gateway restart each change triggers.
type Lifecycle struct {
	transport gateway.Transport
	queue     *Queue
	timeout   time.Duration
	now       func() time.Time
	logf      func(format string, args ...any)
	onChange  func()

	mu      sync.Mutex
	blocks  map[Kind]*Block
	lastErr string
}

func NewLifecycle(opts LifecycleOptions) (*Lifecycle, error) {
	if opts.Transport == nil || opts.Queue == nil {
		return nil, errors.New("lifecycle requires a transport and a queue")
	}
	timeout := opts.PhaseTimeout
	if timeout <= 0 {
		timeout = DefaultPhaseTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Lifecycle{
		transport: opts.Transport,
		queue:     opts.Queue,
		timeout:   timeout,
		now:       now,
		logf:      logf,
		onChange:  opts.OnChange,
		blocks:    make(map[Kind]*Block),
	}, nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// AgentIDFor derives an agent id from a display name.
func AgentIDFor(name string) string {
	id := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-"), "-")
	if len(id) > 32 {
		id = strings.TrimRight(id[:32], "-")
	}
	if id == "" {
		id = "agent-" + uuid.NewString()[:8]
	}
	return id
}

// CreateAgent adds an agent and returns its id once the gateway is back.
func (l *Lifecycle) CreateAgent(ctx context.Context, name string) (string, error) {
	display := strings.TrimSpace(name)
	if display == "" {
		return "", errors.New("agent name is required")
	}
	id := AgentIDFor(display)
	err := l.change(ctx, KindCreateAgent, id, display, PhaseCreating, func(ctx context.Context) error {
		params := map[string]any{"agentId": id, "name": display}
		return l.transport.Call(ctx, MethodAgentsCreate, params, nil)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (l *Lifecycle) RenameAgent(ctx context.Context, agentID, name string) error {
	display := strings.TrimSpace(name)
	if strings.TrimSpace(agentID) == "" || display == "" {
		return errors.New("agent id and name are required")
	}
	return l.change(ctx, KindRenameAgent, agentID, display, PhaseRenaming, func(ctx context.Context) error {
		params := map[string]any{"agentId": agentID, "name": display}
		return l.transport.Call(ctx, MethodAgentsUpdate, params, nil)
	})
}

// DeleteAgent removes the agent's cron jobs, then the agent.
func (l *Lifecycle) DeleteAgent(ctx context.Context, agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return errors.New("agent id is required")
	}
	return l.change(ctx, KindDeleteAgent, agentID, agentID, PhaseDeleting, func(ctx context.Context) error {
		l.removeCronJobs(ctx, agentID)
		return l.transport.Call(ctx, MethodAgentsDelete, map[string]any{"agentId": agentID}, nil)
	})
}

func (l *Lifecycle) removeCronJobs(ctx context.Context, agentID string) {
	var list cron.ListResponse
	if err := l.transport.Call(ctx, cron.MethodList, cron.ListParams{IncludeDisabled: true}, &list); err != nil {
		l.logf("cron cleanup for %s skipped: %v", agentID, err)
		return
	}
	for _, job := range cron.JobsForAgent(list.Jobs, agentID) {
		if err := l.transport.Call(ctx, cron.MethodRemove, cron.RemoveParams{ID: job.ID}, nil); err != nil {
			l.logf("cron.remove %s (%s): %v", job.ID, job.Name, err)
			continue
		}
		l.logf("removed cron job %s (%s) of %s", job.ID, job.Name, agentID)
	}
}

// change runs the queued → working → awaiting-restart state machine for one mutation.
func (l *Lifecycle) change(ctx context.Context, kind Kind, agentID, name string, working Phase, do func(context.Context) error) error {
	if err := l.begin(kind, agentID, name); err != nil {
		return err
	}
	defer l.clear(kind)

	label := describe(kind, agentID, name)
	var (
		watch   *restartWatch
		release func()
	)
	defer func() {
		if watch != nil {
			watch.stop()
		}
		if release != nil {
			release()
		}
	}()

	queuedCtx, cancelQueued := context.WithTimeout(ctx, l.timeout)
	err := l.queue.Enqueue(queuedCtx, Mutation{Kind: kind, Label: label, Run: func(runCtx context.Context) error {
		release = l.queue.Hold(label + " is awaiting the gateway restart")
		l.setPhase(kind, working)
		watch = newRestartWatch(l.transport)

		callCtx, cancel := context.WithTimeout(runCtx, l.timeout)
		defer cancel()
		if err := do(callCtx); err != nil {
			if gateway.IsDisconnectLikeError(err) {
				// the gateway dropped us mid-call: the restart has begun
				l.logf("%s: connection dropped during call, assuming restart", label)
				watch.markDisconnected()
				return nil
			}
			return err
		}
		return nil
	}})
	cancelQueued()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%s timed out after %s: %w", label, l.timeout, err)
		} else {
			err = fmt.Errorf("%s: %w", label, err)
		}
		return l.fail(err)
	}

	l.setPhase(kind, PhaseAwaitingRestart)
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()
	select {
	case <-watch.done:
		l.logf("%s: gateway restarted", label)
		l.setLastError("")
		return nil
	case <-timer.C:
		return l.fail(fmt.Errorf("%s: %w after %s", label, ErrRestartTimeout, l.timeout))
	case <-ctx.Done():
		return l.fail(fmt.Errorf("%s: %w", label, ctx.Err()))
	}
}

func describe(kind Kind, agentID, name string) string {
	switch kind {
	case KindCreateAgent:
		return fmt.Sprintf("create agent %q", name)
	case KindRenameAgent:
		return fmt.Sprintf("rename agent %s to %q", agentID, name)
	case KindDeleteAgent:
		return "delete agent " + agentID
	default:
		return string(kind) + " " + agentID
	}
}

func (l *Lifecycle) begin(kind Kind, agentID, name string) error {
	l.mu.Lock()
	if cur, ok := l.blocks[kind]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%s of %s already in progress: %w", kind, cur.AgentID, ErrBlocked)
	}
	for _, b := range l.blocks {
		if b.AgentID == agentID {
			l.mu.Unlock()
			return fmt.Errorf("%s: %w", agentID, ErrBlocked)
		}
	}
	l.blocks[kind] = &Block{Kind: kind, AgentID: agentID, Name: name, Phase: PhaseQueued, PhaseStartedAt: l.now()}
	l.mu.Unlock()
	l.changed()
	return nil
}

func (l *Lifecycle) setPhase(kind Kind, phase Phase) {
	l.mu.Lock()
	b, ok := l.blocks[kind]
	if ok {
		b.Phase = phase
		b.PhaseStartedAt = l.now()
	}
	l.mu.Unlock()
	if ok {
		l.logf("%s %s: %s", kind, b.AgentID, phase)
		l.changed()
	}
}

func (l *Lifecycle) clear(kind Kind) {
	l.mu.Lock()
	delete(l.blocks, kind)
	l.mu.Unlock()
	l.changed()
}

func (l *Lifecycle) fail(err error) error {
	l.logf("%v", err)
	l.setLastError(err.Error())
	return err
}

func (l *Lifecycle) setLastError(msg string) {
	l.mu.Lock()
	l.lastErr = msg
	l.mu.Unlock()
}

// Block returns the most advanced lifecycle change in progress, if any.
func (l *Lifecycle) Block() (Block, bool) {
	blocks := l.Blocks()
	if len(blocks) == 0 {
		return Block{}, false
	}
	best := blocks[0]
	for _, b := range blocks[1:] {
		if phaseRank(b.Phase) > phaseRank(best.Phase) {
			best = b
		}
	}
	return best, true
}

// Blocks returns every change in progress in kind order.
func (l *Lifecycle) Blocks() []Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Block, 0, len(l.blocks))
	for _, kind := range []Kind{KindCreateAgent, KindRenameAgent, KindDeleteAgent} {
		if b, ok := l.blocks[kind]; ok {
			out = append(out, *b)
		}
	}
	return out
}

func (l *Lifecycle) IsBlocked(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.blocks {
		if b.AgentID == agentID {
			return true
		}
	}
	return false
}

// LastError is the message of the most recent failed change; cleared by a success.
func (l *Lifecycle) LastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func phaseRank(p Phase) int {
	switch p {
	case PhaseQueued:
		return 0
	case PhaseAwaitingRestart:
		return 2
	default:
		return 1
	}
}

func (l *Lifecycle) changed() {
	if l.onChange != nil {
		l.onChange()
	}
}

// restartWatch fires once the transport has dropped and come back, on a different gateway
// instance when instance ids are reported.
type restartWatch struct {
	tr     gateway.Transport
	prevID string
	done   chan struct{}
	unsub  func()

	mu       sync.Mutex
	sawDrop  bool
	finished bool
}

func newRestartWatch(tr gateway.Transport) *restartWatch {
	w := &restartWatch{tr: tr, prevID: tr.InstanceID(), done: make(chan struct{})}
	w.unsub = tr.OnStatus(w.observe)
	return w
}

func (w *restartWatch) observe(s gateway.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	if s != gateway.StatusConnected {
		w.sawDrop = true
		return
	}
	// a connected status before any drop is the old connection
	if !w.sawDrop {
		return
	}
	if id := w.tr.InstanceID(); w.prevID != "" && id != "" && id == w.prevID {
		// same instance: a network blip, not the restart
		w.sawDrop = false
		return
	}
	w.finished = true
	close(w.done)
}

func (w *restartWatch) markDisconnected() {
	w.mu.Lock()
	w.sawDrop = true
	w.mu.Unlock()
	// the reconnect may already have happened before the call returned
	if w.tr.Status() == gateway.StatusConnected && w.tr.InstanceID() != w.prevID {
		w.observe(gateway.StatusConnected)
	}
}

func (w *restartWatch) stop() {
	if w.unsub != nil {
		w.unsub()
	}
}
