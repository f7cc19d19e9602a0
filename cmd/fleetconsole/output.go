package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fleetconsole/internal/approvals"
	"fleetconsole/internal/consolelog"
	"fleetconsole/internal/cron"
	"fleetconsole/internal/fleet"
)

func printAgents(w io.Writer, agents []fleet.AgentState, jobs []cron.Job, now time.Time) {
	if len(agents) == 0 {
		fmt.Fprintln(w, "(no agents)")
		return
	}
	fmt.Fprintf(w, "%s %s %s %s\n", column("ID", 20), column("NAME", 20), column("STATUS", 8), "LATEST")
	for _, a := range agents {
		fmt.Fprintf(w, "%s %s %s %s\n",
			column(a.AgentID, 20),
			column(orDash(a.Name), 20),
			column(string(a.Status), 8),
			consolelog.Preview(a.LatestUpdate(), 80))
		for _, job := range cron.JobsForAgent(jobs, a.AgentID) {
			state := "enabled"
			if !job.Enabled {
				state = "disabled"
			}
			fmt.Fprintf(w, "    cron %s (%s, %s): %s\n", orDash(job.Name), cron.DescribeSchedule(job.Schedule), state,
				cron.FormatLastRun(job, nil, now))
		}
	}
}

func printJournal(w io.Writer, recs []approvals.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "(no approval events)")
		return
	}
	for _, r := range recs {
		at := "-"
		if !r.At.IsZero() {
			at = r.At.Local().Format("2006-01-02 15:04:05")
		}
		what := string(r.Kind)
		if r.Decision != "" {
			what += " " + string(r.Decision)
		}
		fmt.Fprintf(w, "%s %s %s %s %s\n", at, column(r.Entry.ID, 14), column(what, 22),
			column(orDash(r.Entry.Request.AgentID), 12), consolelog.Preview(r.Entry.Request.Command, 80))
	}
}

// watcher logs agent transitions as they land in the store.
type watcher struct {
	store *fleet.Store
	logf  func(format string, args ...any)

	mu   sync.Mutex
	seen map[string]watchedState
}

type watchedState struct {
	status fleet.Status
	update string
}

func newWatcher(store *fleet.Store, logf func(format string, args ...any)) *watcher {
	w := &watcher{store: store, logf: logf, seen: make(map[string]watchedState)}
	for _, a := range store.Snapshot() {
		w.seen[a.AgentID] = watchedState{status: a.Status, update: a.LatestUpdate()}
	}
	return w
}

func (w *watcher) observe(changed []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, id := range changed {
		a, ok := w.store.Get(id)
		prev, known := w.seen[id]
		if !ok {
			if known {
				delete(w.seen, id)
				w.logf("%s removed", id)
			}
			continue
		}
		next := watchedState{status: a.Status, update: a.LatestUpdate()}
		w.seen[id] = next
		if !known {
			w.logf("%s added (%s)", id, orDash(a.Name))
			continue
		}
		if next.status != prev.status {
			line := fmt.Sprintf("%s: %s -> %s", id, prev.status, next.status)
			if a.RunID != "" && next.status == fleet.StatusRunning {
				line += " run=" + a.RunID
			}
			w.logf("%s", line)
		}
		finished := prev.status == fleet.StatusRunning && next.status != fleet.StatusRunning
		if (next.update != prev.update || finished) && strings.TrimSpace(next.update) != "" && next.status != fleet.StatusRunning {
			w.logf("%s: %s", id, consolelog.Preview(next.update, 160))
		}
	}
}
