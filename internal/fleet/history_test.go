package fleet

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
	"time"
)

func TestMergeHistoryLinesIsIdempotent(t *testing.T) {
	t.Parallel()

	local := []string{"> hi", "local only", "hello"}
	fetched := []string{"> hi", "[[trace]]\nthought", "hello", "> next", "reply"}

	once := MergeHistoryLines(local, fetched)
	twice := MergeHistoryLines(once, fetched)
	if !slices.Equal(once, twice) {
		t.Fatalf("merge not idempotent:\n once=%q\ntwice=%q", once, twice)
	}
	want := []string{"> hi", "[[trace]]\nthought", "local only", "hello", "> next", "reply"}
	if !slices.Equal(once, want) {
		t.Fatalf("merge = %q, want %q", once, want)
	}
}

func TestMergeHistoryLinesPreservesLocalLines(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		local   []string
		fetched []string
		want    []string
	}{
		{name: "empty_local", local: nil, fetched: []string{"> a", "b"}, want: []string{"> a", "b"}},
		{name: "empty_fetched", local: []string{"> a", "pending"}, fetched: nil, want: []string{"> a", "pending"}},
		{name: "local_ahead", local: []string{"> a", "b", "> c"}, fetched: []string{"> a", "b"}, want: []string{"> a", "b", "> c"}},
		{name: "interleaved", local: []string{"x", "> a", "y"}, fetched: []string{"> a", "b"}, want: []string{"x", "> a", "b", "y"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MergeHistoryLines(tc.local, tc.fetched)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("merge = %q, want %q", got, tc.want)
			}
			for _, line := range tc.local {
				if !slices.Contains(got, line) {
					t.Fatalf("local line %q dropped", line)
				}
			}
		})
	}
}

func TestBuildTranscriptSkipsHeartbeatPrompts(t *testing.T) {
	t.Parallel()

	var msgs []Message
	raw := `[
		{"role":"user","content":"Read HEARTBEAT.md and reply HEARTBEAT_OK if nothing needs attention"},
		{"role":"assistant","content":[{"type":"text","text":"HEARTBEAT_OK"}]},
		{"role":"user","content":"deploy it"},
		{"role":"assistant","content":[{"type":"thinking","thinking":"plan"},{"type":"toolCall","name":"exec","arguments":{"cmd":"make deploy"}},{"type":"text","text":"Deployed."}],"timestamp":1700000000000},
		{"role":"toolResult","content":"ok"}
	]`
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tr := BuildTranscript(msgs)
	want := []string{"HEARTBEAT_OK", "> deploy it", "[[trace]]\nplan", `[[tool]] exec {"cmd":"make deploy"}`, "Deployed."}
	if !slices.Equal(tr.Lines, want) {
		t.Fatalf("lines = %q, want %q", tr.Lines, want)
	}
	if tr.LastUser != "deploy it" || tr.LastAssistant != "Deployed." || tr.LastRole != RoleAssistant {
		t.Fatalf("unexpected summary: %+v", tr)
	}
	if tr.LastAssistantAt.UnixMilli() != 1700000000000 {
		t.Fatalf("timestamp = %v", tr.LastAssistantAt)
	}
}

func TestHistoryLoadRepairsStuckRunning(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	e.Store().Dispatch(Update{AgentID: "ops", Patch: Patch{
		Status:      ptr(StatusRunning),
		StreamText:  ptr("stuck"),
		AppendLines: []string{"> hi"},
	}})
	tr.Handle(MethodChatHistory, func(_ context.Context, params json.RawMessage) (any, error) {
		var p historyParams
		_ = json.Unmarshal(params, &p)
		if p.SessionKey != opsKey || p.Limit != DefaultHistoryLimit {
			t.Errorf("unexpected params: %+v", p)
		}
		return map[string]any{"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
			map[string]any{"role": "assistant", "content": "hello"},
		}}, nil
	})

	if _, ok, err := e.history.Load(context.Background(), "ops"); err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	a := mustGet(t, e, "ops")
	if !slices.Equal(a.OutputLines, []string{"> hi", "hello"}) {
		t.Fatalf("lines = %q", a.OutputLines)
	}
	if a.Status != StatusIdle || a.StreamText != "" {
		t.Fatalf("stuck running not repaired: %+v", a)
	}
	if a.LastResult != "hello" || !a.HistoryLoadedAt.Equal(t0) {
		t.Fatalf("summary = %+v", a)
	}
}

func TestHistoryLoadDedupesInFlightSession(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	tr.Handle(MethodChatHistory, func(context.Context, json.RawMessage) (any, error) {
		close(entered)
		<-release
		return map[string]any{"messages": []any{}}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, _, err := e.history.Load(context.Background(), "ops")
		done <- err
	}()
	<-entered
	if _, ok, err := e.history.Load(context.Background(), "ops"); ok || err != nil {
		t.Fatalf("second concurrent load should be skipped, got ok=%v err=%v", ok, err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}
	if n := len(tr.CallsTo(MethodChatHistory)); n != 1 {
		t.Fatalf("chat.history called %d times, want 1", n)
	}
}

func TestHistoryLoadDropsResultAfterSessionChange(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	tr.Handle(MethodChatHistory, func(context.Context, json.RawMessage) (any, error) {
		e.Store().Dispatch(Update{AgentID: "ops", Patch: Patch{SessionKey: ptr("agent:ops:other")}})
		return map[string]any{"messages": []any{map[string]any{"role": "assistant", "content": "old session"}}}, nil
	})
	if _, ok, err := e.history.Load(context.Background(), "ops"); ok || err != nil {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	if lines := mustGet(t, e, "ops").OutputLines; len(lines) != 0 {
		t.Fatalf("stale history applied: %q", lines)
	}
}

func TestHistoryLoadRefreshesStaleSummary(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	e.Store().Dispatch(Update{AgentID: "ops", Patch: Patch{
		AppendLines:     []string{"> first", "first answer"},
		LastUserMessage: ptr("first"),
		LastResult:      ptr("first answer"),
		LatestPreview:   ptr("first answer"),
	}})
	tr.Reply(MethodChatHistory, map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "first"},
		map[string]any{"role": "assistant", "content": "first answer"},
		map[string]any{"role": "user", "content": "second"},
		map[string]any{"role": "assistant", "content": "second answer", "timestamp": t0.Add(-time.Minute).UnixMilli()},
	}})

	if _, ok, err := e.history.Load(context.Background(), "ops"); err != nil || !ok {
		t.Fatalf("Load = %v, %v", ok, err)
	}
	a := mustGet(t, e, "ops")
	if a.LastUserMessage != "second" || a.LastResult != "second answer" || a.LatestPreview != "second answer" {
		t.Fatalf("summary not refreshed: %+v", a)
	}
	if !a.LastAssistantMessageAt.Equal(t0.Add(-time.Minute)) {
		t.Fatalf("lastAssistantMessageAt = %v", a.LastAssistantMessageAt)
	}
}

func TestHistoryLoadKeepsUnpersistedLocalTurn(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	e.Store().Dispatch(Update{AgentID: "ops", Patch: Patch{
		AppendLines:     []string{"> first", "first answer", "> still sending"},
		LastUserMessage: ptr("still sending"),
		Status:          ptr(StatusRunning),
		RunID:           ptr("r2"),
	}})
	tr.Reply(MethodChatHistory, map[string]any{"messages": []any{
		map[string]any{"role": "user", "content": "first"},
		map[string]any{"role": "assistant", "content": "first answer"},
	}})

	if err := e.LoadHistory(context.Background(), "ops"); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	a := mustGet(t, e, "ops")
	if a.LastUserMessage != "still sending" {
		t.Fatalf("local turn replaced by %q", a.LastUserMessage)
	}
	if !slices.Equal(a.OutputLines, []string{"> first", "first answer", "> still sending"}) {
		t.Fatalf("lines = %q", a.OutputLines)
	}
}
