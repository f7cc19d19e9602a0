package fleet

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fleetconsole/internal/cron"
)

func TestClassifySpecial(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want OverrideKind
	}{
		{"Read HEARTBEAT.md if it exists", OverrideHeartbeat},
		{"[cron:daily] summarize inbox", OverrideCron},
		{"the cron job failed, check the heartbeat", OverrideHeartbeat},
		{"heartbeat prompt: run the cron summary", OverrideCron},
		{"please deploy", OverrideNone},
		{"", OverrideNone},
	}
	for _, tc := range cases {
		if got := ClassifySpecial(tc.in); got != tc.want {
			t.Fatalf("ClassifySpecial(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractHeartbeatReply(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		{Role: "user", Text: "Read HEARTBEAT.md"},
		{Role: "assistant", Text: "All quiet"},
		{Role: "user", Text: "what's up?"},
		{Role: "assistant", Text: "not a heartbeat reply"},
		{Role: "user", Text: "Read HEARTBEAT.md"},
		{Role: "assistant", Text: "Disk 91% full"},
		{Role: "assistant", Text: "second message"},
	}
	if got := ExtractHeartbeatReply(msgs); got != "Disk 91% full" {
		t.Fatalf("reply = %q", got)
	}
	if got := ExtractHeartbeatReply(msgs[:5]); got != "" {
		t.Fatalf("unanswered prompt should yield empty reply, got %q", got)
	}
}

func TestSpecialResolverHeartbeat(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	tr.Reply(MethodSessionsList, map[string]any{"sessions": []any{
		map[string]any{"key": opsKey, "updatedAt": 500},
		map[string]any{"key": "agent:ops:hb-1", "updatedAt": 100, "origin": map[string]any{"label": "heartbeat"}},
		map[string]any{"key": "agent:ops:hb-2", "updatedAt": 300, "origin": map[string]any{"label": "heartbeat"}},
	}})
	tr.Handle(MethodChatHistory, func(_ context.Context, params json.RawMessage) (any, error) {
		var p historyParams
		_ = json.Unmarshal(params, &p)
		if p.SessionKey != "agent:ops:hb-2" {
			t.Errorf("history fetched for %q", p.SessionKey)
		}
		return map[string]any{"messages": []any{
			map[string]any{"role": "user", "content": "Read HEARTBEAT.md"},
			map[string]any{"role": "assistant", "content": "Disk 91% full"},
		}}, nil
	})

	if err := e.special.Resolve(context.Background(), "ops", "Read HEARTBEAT.md if it exists"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a := mustGet(t, e, "ops")
	if a.LatestOverrideKind != OverrideHeartbeat || a.LatestOverride != "Disk 91% full" {
		t.Fatalf("override = %q/%q", a.LatestOverrideKind, a.LatestOverride)
	}
	if a.LatestUpdate() != "Disk 91% full" {
		t.Fatalf("LatestUpdate() = %q", a.LatestUpdate())
	}

	var p sessionsListParams
	if err := tr.CallsTo(MethodSessionsList)[0].Decode(&p); err != nil || p.AgentID != "ops" {
		t.Fatalf("sessions.list params = %+v, %v", p, err)
	}

	if err := e.special.Resolve(context.Background(), "ops", "thanks"); err != nil {
		t.Fatalf("Resolve(clear): %v", err)
	}
	if a := mustGet(t, e, "ops"); a.LatestOverrideKind != OverrideNone || a.LatestOverride != "" {
		t.Fatalf("override not cleared: %+v", a)
	}
}

func TestSpecialResolverCron(t *testing.T) {
	t.Parallel()

	e, tr, _ := newTestEngine(t)
	tr.Reply(MethodCronList, cron.ListResponse{Jobs: []cron.Job{
		{ID: "j1", AgentID: "ops", Name: "Inbox sweep", Enabled: true, State: cron.JobState{LastRunAtMs: t0.Add(-2 * time.Minute).UnixMilli(), LastStatus: "ok"}},
		{ID: "j2", AgentID: "qa", Name: "Other", Enabled: true},
	}})
	tr.Handle(MethodCronRuns, func(_ context.Context, params json.RawMessage) (any, error) {
		var p cron.RunsParams
		_ = json.Unmarshal(params, &p)
		if p.ID != "j1" || p.Limit != 1 {
			t.Errorf("cron.runs params = %+v", p)
		}
		return cron.RunsResponse{Entries: []cron.RunEntry{{JobID: "j1", Status: "ok", Summary: "2 emails filed", RunAtMs: t0.Add(-2 * time.Minute).UnixMilli()}}}, nil
	})

	if err := e.special.Resolve(context.Background(), "ops", "[cron] sweep the inbox"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	a := mustGet(t, e, "ops")
	want := `Cron "Inbox sweep" ran 2m ago [ok]: 2 emails filed`
	if a.LatestOverrideKind != OverrideCron || a.LatestOverride != want {
		t.Fatalf("override = %q/%q, want %q", a.LatestOverrideKind, a.LatestOverride, want)
	}
	var p cron.ListParams
	if err := tr.CallsTo(MethodCronList)[0].Decode(&p); err != nil || !p.IncludeDisabled {
		t.Fatalf("cron.list must include disabled jobs: %+v %v", p, err)
	}
}
