package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetconsole/internal/approvals"
	"fleetconsole/internal/cron"
	"fleetconsole/internal/fleet"
	"fleetconsole/internal/gateway"
	"fleetconsole/internal/gateway/gatewaytest"
)

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *lineLog) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

func TestWatcherLogsTransitions(t *testing.T) {
	t.Parallel()

	store := fleet.NewStore()
	store.Hydrate([]fleet.AgentSeed{{AgentID: "ops", Name: "Ops"}})
	log := &lineLog{}
	w := newWatcher(store, log.logf)
	unsub := store.Subscribe(w.observe)
	defer unsub()

	running, idle := fleet.StatusRunning, fleet.StatusIdle
	runID, result := "r1", "Deployed v2."
	store.Dispatch(fleet.Update{AgentID: "ops", Patch: fleet.Patch{Status: &running, RunID: &runID}})
	store.Dispatch(fleet.Update{AgentID: "ops", Patch: fleet.Patch{Status: &idle, LastResult: &result}})
	store.Hydrate([]fleet.AgentSeed{{AgentID: "ops", Name: "Ops"}, {AgentID: "qa", Name: "QA"}})
	store.Remove("ops")

	got := log.joined()
	for _, want := range []string{"ops: idle -> running run=r1", "ops: running -> idle", "ops: Deployed v2.", "qa added (QA)", "ops removed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("watch log missing %q:\n%s", want, got)
		}
	}
}

func TestPrintAgentsWithCron(t *testing.T) {
	t.Parallel()

	agents := []fleet.AgentState{
		{AgentID: "ops", Name: "Ops", Status: fleet.StatusIdle, LastResult: "all green"},
		{AgentID: "qa", Status: fleet.StatusRunning},
	}
	jobs := []cron.Job{{
		ID:       "j1",
		AgentID:  "ops",
		Name:     "nightly",
		Enabled:  true,
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: int64(time.Hour / time.Millisecond)},
	}}
	var buf bytes.Buffer
	printAgents(&buf, agents, jobs, time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC))
	out := buf.String()
	for _, want := range []string{"ID", "ops", "all green", "qa", "running", "cron nightly", "has not run yet"} {
		if !strings.Contains(out, want) {
			t.Fatalf("agents output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintJournal(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	printJournal(&buf, nil)
	if !strings.Contains(buf.String(), "no approval events") {
		t.Fatalf("empty journal output = %q", buf.String())
	}
	buf.Reset()
	printJournal(&buf, []approvals.Record{{
		Kind:     approvals.RecordDecided,
		Decision: approvals.Deny,
		Entry:    approvals.Entry{ID: "ap-1", Request: approvals.Request{Command: "rm -rf /", AgentID: "ops"}},
		At:       time.Now(),
	}})
	if out := buf.String(); !strings.Contains(out, "decided deny") || !strings.Contains(out, "rm -rf /") {
		t.Fatalf("journal output = %q", out)
	}
}

func TestTranscriptLine(t *testing.T) {
	t.Parallel()

	if got := transcriptLine(fleet.FormatUserLine("hi")); got != "you › hi" {
		t.Fatalf("user line = %q", got)
	}
	if got := transcriptLine("plain reply"); got != "plain reply" {
		t.Fatalf("assistant line = %q", got)
	}
}

func TestWaitConnected(t *testing.T) {
	t.Parallel()

	tr := gatewaytest.New()
	if err := waitConnected(context.Background(), tr, time.Second); err != nil {
		t.Fatalf("already connected: %v", err)
	}

	tr.SetStatus(gateway.StatusDisconnected)
	if err := waitConnected(context.Background(), tr, 20*time.Millisecond); !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("timeout err = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- waitConnected(context.Background(), tr, 2*time.Second) }()
	deadline := time.After(2 * time.Second)
	for {
		tr.SetStatus(gateway.StatusDisconnected)
		tr.SetStatus(gateway.StatusConnected)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("waitConnected: %v", err)
			}
			return
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("waitConnected never returned")
		}
	}
}
