package configqueue

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetconsole/internal/cron"
	"fleetconsole/internal/gateway"
	"fleetconsole/internal/gateway/gatewaytest"
)

type harness struct {
	tr *gatewaytest.Transport
	q  *Queue
	l  *Lifecycle

	mu     sync.Mutex
	phases []Phase
}

func newHarness(t *testing.T, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{tr: gatewaytest.New()}
	h.tr.SetInstanceID("gw-1")
	h.q = startQueue(t, Options{Status: h.tr})
	l, err := NewLifecycle(LifecycleOptions{
		Transport:    h.tr,
		Queue:        h.q,
		PhaseTimeout: timeout,
		OnChange:     h.record,
	})
	if err != nil {
		t.Fatalf("NewLifecycle: %v", err)
	}
	h.l = l
	return h
}

func (h *harness) record() {
	if h.l == nil {
		return
	}
	b, ok := h.l.Block()
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.phases); n == 0 || h.phases[n-1] != b.Phase {
		h.phases = append(h.phases, b.Phase)
	}
}

func (h *harness) seenPhases() []Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.phases)
}

// restartAfter simulates the gateway restarting onto a new instance shortly after a call.
func (h *harness) restartAfter(d time.Duration, instanceID string) {
	time.AfterFunc(d, func() { h.tr.Restart(instanceID) })
}

func TestCreateAgentWaitsForRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	h.tr.Handle(MethodAgentsCreate, func(context.Context, json.RawMessage) (any, error) {
		h.restartAfter(10*time.Millisecond, "gw-2")
		return map[string]any{"ok": true}, nil
	})

	id, err := h.l.CreateAgent(context.Background(), "Research Bot")
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if id != "research-bot" {
		t.Fatalf("id = %q", id)
	}
	var params map[string]string
	if err := h.tr.CallsTo(MethodAgentsCreate)[0].Decode(&params); err != nil || params["agentId"] != "research-bot" || params["name"] != "Research Bot" {
		t.Fatalf("agents.create params = %v, %v", params, err)
	}
	want := []Phase{PhaseQueued, PhaseCreating, PhaseAwaitingRestart}
	if got := h.seenPhases(); !slices.Equal(got, want) {
		t.Fatalf("phases = %v, want %v", got, want)
	}
	if _, ok := h.l.Block(); ok || h.l.IsBlocked("research-bot") {
		t.Fatalf("block not cleared after restart")
	}
}

func TestConnectedBeforeDropIsNotARestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 150*time.Millisecond)
	h.tr.Handle(MethodAgentsUpdate, func(context.Context, json.RawMessage) (any, error) {
		// a reconnect onto the same instance is a blip, not the restart
		time.AfterFunc(10*time.Millisecond, func() { h.tr.Restart("gw-1") })
		return nil, nil
	})

	err := h.l.RenameAgent(context.Background(), "ops", "Operations")
	if !errors.Is(err, ErrRestartTimeout) {
		t.Fatalf("RenameAgent() = %v, want ErrRestartTimeout", err)
	}
	if !strings.Contains(h.l.LastError(), "gateway restart timed out") {
		t.Fatalf("LastError() = %q", h.l.LastError())
	}
	if h.l.IsBlocked("ops") {
		t.Fatalf("timed out block must be force-cleared")
	}
}

func TestDisconnectDuringCallCountsAsRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	h.tr.Handle(MethodAgentsUpdate, func(context.Context, json.RawMessage) (any, error) {
		h.tr.SetStatus(gateway.StatusDisconnected)
		time.AfterFunc(10*time.Millisecond, func() {
			h.tr.SetInstanceID("gw-2")
			h.tr.SetStatus(gateway.StatusConnected)
		})
		return nil, gateway.ErrDisconnected
	})

	if err := h.l.RenameAgent(context.Background(), "ops", "Operations"); err != nil {
		t.Fatalf("RenameAgent: %v", err)
	}
}

func TestRejectedMutationDoesNotWaitForRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	h.tr.Fail(MethodAgentsCreate, &gateway.RPCError{Method: MethodAgentsCreate, Code: "INVALID_REQUEST", Message: "agent exists"})

	start := time.Now()
	_, err := h.l.CreateAgent(context.Background(), "ops")
	var rpcErr *gateway.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != "INVALID_REQUEST" {
		t.Fatalf("CreateAgent() = %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("rejected create waited for a restart")
	}
	if h.l.LastError() == "" || h.l.IsBlocked("ops") {
		t.Fatalf("error not surfaced or block left behind")
	}
}

func TestDeleteAgentRemovesCronJobsFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	h.tr.Reply(cron.MethodList, cron.ListResponse{Jobs: []cron.Job{
		{ID: "j1", AgentID: "ops", Name: "sweep"},
		{ID: "j2", AgentID: "qa", Name: "other"},
		{ID: "j3", AgentID: "ops", Name: "digest"},
	}})
	h.tr.Handle(cron.MethodRemove, func(_ context.Context, params json.RawMessage) (any, error) {
		var p cron.RemoveParams
		_ = json.Unmarshal(params, &p)
		if p.ID == "j3" {
			return nil, errors.New("locked")
		}
		return nil, nil
	})
	h.tr.Handle(MethodAgentsDelete, func(context.Context, json.RawMessage) (any, error) {
		h.restartAfter(10*time.Millisecond, "gw-2")
		return nil, nil
	})

	if err := h.l.DeleteAgent(context.Background(), "ops"); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
	var methods []string
	var removed []string
	for _, c := range h.tr.Calls() {
		methods = append(methods, c.Method)
		if c.Method == cron.MethodRemove {
			var p cron.RemoveParams
			_ = c.Decode(&p)
			removed = append(removed, p.ID)
		}
	}
	if !slices.Equal(removed, []string{"j1", "j3"}) {
		t.Fatalf("removed = %v", removed)
	}
	if methods[len(methods)-1] != MethodAgentsDelete {
		t.Fatalf("agents.delete should come last, calls = %v", methods)
	}
}

func TestSecondMutationWaitsForFirstRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	h.tr.Reply(MethodAgentsCreate, nil)
	h.tr.Reply(MethodAgentsUpdate, nil)

	createDone := make(chan error, 1)
	go func() {
		_, err := h.l.CreateAgent(context.Background(), "alpha")
		createDone <- err
	}()
	waitFor(t, "create awaiting restart", func() bool {
		b, ok := h.l.Block()
		return ok && b.Phase == PhaseAwaitingRestart
	})

	renameDone := make(chan error, 1)
	go func() { renameDone <- h.l.RenameAgent(context.Background(), "beta", "Beta") }()
	waitFor(t, "rename queued", func() bool { return len(h.q.Pending()) == 1 })
	if reason := h.q.BlockingReason(); !strings.Contains(reason, "awaiting the gateway restart") {
		t.Fatalf("BlockingReason() = %q", reason)
	}
	if n := len(h.tr.CallsTo(MethodAgentsUpdate)); n != 0 {
		t.Fatalf("rename ran during the create restart")
	}

	h.tr.Restart("gw-2")
	if err := <-createDone; err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	waitFor(t, "rename started", func() bool { return len(h.tr.CallsTo(MethodAgentsUpdate)) == 1 })
	waitFor(t, "rename awaiting restart", func() bool {
		b, ok := h.l.Block()
		return ok && b.Kind == KindRenameAgent && b.Phase == PhaseAwaitingRestart
	})
	h.tr.Restart("gw-3")
	if err := <-renameDone; err != nil {
		t.Fatalf("RenameAgent: %v", err)
	}
}

func TestLifecycleRejectsConflictingChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2*time.Second)
	h.tr.Reply(cron.MethodList, cron.ListResponse{})
	release := make(chan struct{})
	h.tr.Handle(MethodAgentsDelete, func(context.Context, json.RawMessage) (any, error) {
		<-release
		h.restartAfter(time.Millisecond, "gw-2")
		return nil, nil
	})

	done := make(chan error, 1)
	go func() { done <- h.l.DeleteAgent(context.Background(), "ops") }()
	waitFor(t, "delete blocked", func() bool { return h.l.IsBlocked("ops") })

	if err := h.l.RenameAgent(context.Background(), "ops", "Ops"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("RenameAgent() = %v, want ErrBlocked", err)
	}
	if err := h.l.DeleteAgent(context.Background(), "qa"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("second delete = %v, want ErrBlocked", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}
}

func TestAgentIDFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Research Bot":   "research-bot",
		"  ops  ":        "ops",
		"QA / Staging 2": "qa-staging-2",
	}
	for in, want := range cases {
		if got := AgentIDFor(in); got != want {
			t.Fatalf("AgentIDFor(%q) = %q, want %q", in, got, want)
		}
	}
	if got := AgentIDFor("✨"); !strings.HasPrefix(got, "agent-") || len(got) != len("agent-")+8 {
		t.Fatalf("fallback id = %q", got)
	}
}
