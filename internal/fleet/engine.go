package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"fleetconsole/internal/approvals"
	"fleetconsole/internal/gateway"
)

const MethodAgentsList = "agents.list"

type agentIdentity struct {
	Name   string `json:"name"`
	Emoji  string `json:"emoji"`
	Avatar string `json:"avatar"`
}

type agentRow struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Identity *agentIdentity `json:"identity"`
}

type agentsListResponse struct {
	DefaultID string     `json:"defaultId"`
	MainKey   string     `json:"mainKey"`
	Agents    []agentRow `json:"agents"`
}

// MainSessionKey is the key of an agent's primary chat session.
func MainSessionKey(agentID, mainKey string) string {
	key := strings.TrimSpace(mainKey)
	if key == "" {
		key = "main"
	}
	return "agent:" + agentID + ":" + key
}

type EngineOptions struct {
	Transport gateway.Transport
	// Store defaults to a new empty store.
	Store *Store
	// Approvals receives exec approval events; nil ignores them.
	Approvals *approvals.Queue
	// Scheduler paces live patches; defaults to a 16ms TimerScheduler.
	Scheduler    Scheduler
	HistoryLimit int
	Now          func() time.Time
	Logf         func(format string, args ...any)
	Debugf       func(format string, args ...any)
}

// Engine keeps the store in sync with the gateway event stream.
type Engine struct {
	transport gateway.Transport
	store     *Store
	approvals *approvals.Queue
	live      *LivePatchQueue
	reducer   *Reducer
	history   *HistoryReconciler
	special   *SpecialResolver
	now       func() time.Time
	logf      func(format string, args ...any)
	debugf    func(format string, args ...any)

	mu     sync.Mutex
	ctx    context.Context
	wg     sync.WaitGroup
	unsubs []func()
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Transport == nil {
		return nil, errors.New("engine requires a transport")
	}
	store := opts.Store
	if store == nil {
		store = NewStore()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	debugf := opts.Debugf
	if debugf == nil {
		debugf = func(string, ...any) {}
	}
	e := &Engine{
		transport: opts.Transport,
		store:     store,
		approvals: opts.Approvals,
		live:      NewLivePatchQueue(store, opts.Scheduler),
		reducer:   NewReducer(now),
		now:       now,
		logf:      logf,
		debugf:    debugf,
		ctx:       context.Background(),
	}
	e.history = NewHistoryReconciler(HistoryOptions{
		Transport: opts.Transport,
		Store:     store,
		Limit:     opts.HistoryLimit,
		Now:       now,
		Logf:      debugf,
	})
	e.special = NewSpecialResolver(SpecialOptions{
		Transport:    opts.Transport,
		Store:        store,
		HistoryLimit: opts.HistoryLimit,
		Now:          now,
		Logf:         debugf,
	})
	return e, nil
}

func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Approvals() *approvals.Queue { return e.approvals }

// Run subscribes to the transport and hydrates the fleet after every (re)connect.
// It returns when ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	connected := make(chan struct{}, 1)
	signal := func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	}
	e.unsubs = append(e.unsubs,
		e.transport.OnEvent(e.HandleFrame),
		e.transport.OnStatus(func(s gateway.Status) {
			if s == gateway.StatusConnected {
				signal()
			}
		}),
	)
	if e.transport.Status() == gateway.StatusConnected {
		signal()
	}

	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connected:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.Hydrate(ctx); err != nil {
					e.report("hydrate", err)
				}
			}()
		}
	}
}

func (e *Engine) shutdown() {
	for _, fn := range e.unsubs {
		fn()
	}
	e.unsubs = nil
	e.live.Close()
	e.wg.Wait()
}

// Wait blocks until follow-up work started by earlier frames has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// Flush commits pending live patches now.
func (e *Engine) Flush() { e.live.Flush() }

// HandleFrame applies one push event. A panic while handling is logged and swallowed so one
// bad frame cannot stop the stream.
func (e *Engine) HandleFrame(frame gateway.EventFrame) {
	defer func() {
		if r := recover(); r != nil {
			e.logf("panic handling %s frame seq=%d: %v\n%s", frame.Event, frame.Seq, r, debug.Stack())
		}
	}()

	ev, err := DecodeEvent(frame)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			e.debugf("ignored event %s", frame.Event)
		} else {
			e.logf("bad %s frame seq=%d: %v", frame.Event, frame.Seq, err)
		}
		return
	}

	switch ev := ev.(type) {
	case ApprovalRequestedEvent:
		if e.approvals != nil {
			e.approvals.Add(ev.Entry)
		}
		return
	case ApprovalResolvedEvent:
		if e.approvals != nil {
			e.approvals.Resolve(ev.ID, ev.Decision)
		}
		return
	}

	red, ok := e.live.Apply(func() (Reduction, bool) {
		return e.reducer.Reduce(ev, effectiveView{store: e.store, live: e.live})
	})
	if !ok {
		return
	}
	for _, eff := range red.Effects {
		e.runEffect(eff)
	}
}

func (e *Engine) runEffect(eff Effect) {
	ctx := e.context()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		switch eff.Kind {
		case EffectLoadHistory:
			if err := e.LoadHistory(ctx, eff.AgentID); err != nil {
				e.report("history", err)
			}
		case EffectSpecialUpdate:
			if err := e.special.Resolve(ctx, eff.AgentID, eff.Text); err != nil {
				e.report("latest update", err)
			}
		}
	}()
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// report logs an effect failure; disconnects are expected and only traced.
func (e *Engine) report(what string, err error) {
	if gateway.IsDisconnectLikeError(err) || errors.Is(err, context.Canceled) {
		e.debugf("%s skipped: %v", what, err)
		return
	}
	e.logf("%s failed: %v", what, err)
}

// LoadHistory reconciles one agent's transcript and refreshes its latest update from the
// reconciled last user turn.
func (e *Engine) LoadHistory(ctx context.Context, agentID string) error {
	tr, ok, err := e.history.Load(ctx, agentID)
	if err != nil || !ok {
		return err
	}
	text := tr.LastUser
	if agent, found := e.store.Get(agentID); found && pendingLocalTurn(agent, tr) {
		text = agent.LastUserMessage
	}
	return e.special.Resolve(ctx, agentID, text)
}

// Hydrate lists the configured agents, refreshes the store and loads every transcript.
func (e *Engine) Hydrate(ctx context.Context) error {
	var res agentsListResponse
	if err := e.transport.Call(ctx, MethodAgentsList, map[string]any{}, &res); err != nil {
		return fmt.Errorf("%s: %w", MethodAgentsList, err)
	}
	seeds := make([]AgentSeed, 0, len(res.Agents))
	for _, row := range res.Agents {
		id := strings.TrimSpace(row.ID)
		if id == "" {
			continue
		}
		name := strings.TrimSpace(row.Name)
		seed := id
		if row.Identity != nil {
			if n := strings.TrimSpace(row.Identity.Name); n != "" {
				name = n
			}
			if a := strings.TrimSpace(row.Identity.Avatar); a != "" {
				seed = a
			} else if em := strings.TrimSpace(row.Identity.Emoji); em != "" {
				seed = em
			}
		}
		seeds = append(seeds, AgentSeed{
			AgentID:    id,
			Name:       name,
			SessionKey: MainSessionKey(id, res.MainKey),
			AvatarSeed: seed,
		})
	}
	e.store.Hydrate(seeds)
	e.logf("hydrated %d agents", len(seeds))

	var wg sync.WaitGroup
	errs := make([]error, len(seeds))
	for i, seed := range seeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.LoadHistory(ctx, seed.AgentID)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			e.report("history", err)
		}
	}
	return nil
}

// effectiveView overlays unflushed live patches on the store for the reducer.
type effectiveView struct {
	store *Store
	live  *LivePatchQueue
}

func (v effectiveView) overlay(a AgentState) AgentState {
	if p, ok := v.live.Peek(a.AgentID); ok {
		return p.Apply(a)
	}
	return a
}

func (v effectiveView) FindBySessionKey(sessionKey string) (AgentState, bool) {
	a, ok := v.store.FindBySessionKey(sessionKey)
	if !ok {
		return AgentState{}, false
	}
	return v.overlay(a), true
}

func (v effectiveView) FindByRunID(runID string) (AgentState, bool) {
	if runID == "" {
		return AgentState{}, false
	}
	for _, a := range v.store.Snapshot() {
		if eff := v.overlay(a); eff.RunID == runID {
			return eff, true
		}
	}
	return AgentState{}, false
}
