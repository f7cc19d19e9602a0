package cron

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// JobsForAgent returns the jobs owned by agentID. Jobs without an agent id belong to "main".
func JobsForAgent(jobs []Job, agentID string) []Job {
	id := strings.TrimSpace(agentID)
	if id == "" {
		return nil
	}
	var out []Job
	for _, job := range jobs {
		owner := strings.TrimSpace(job.AgentID)
		if owner == "" {
			owner = "main"
		}
		if owner == id {
			out = append(out, job)
		}
	}
	return out
}

// ResolveJobForAgent picks the job whose result should represent the agent: the most
// recently run job, preferring enabled ones, then the most recently updated.
func ResolveJobForAgent(jobs []Job, agentID string) (Job, bool) {
	candidates := JobsForAgent(jobs, agentID)
	if len(candidates) == 0 {
		return Job{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.State.LastRunAtMs != b.State.LastRunAtMs {
			return a.State.LastRunAtMs > b.State.LastRunAtMs
		}
		if a.Enabled != b.Enabled {
			return a.Enabled
		}
		return a.UpdatedAtMs > b.UpdatedAtMs
	})
	return candidates[0], true
}

// FormatLastRun renders the latest-update text for a cron-triggered turn.
// entry is the newest run log line, if any.
func FormatLastRun(job Job, entry *RunEntry, now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	name := strings.TrimSpace(job.Name)
	if name == "" {
		name = job.ID
	}

	status := strings.TrimSpace(job.State.LastStatus)
	lastRun := job.State.LastRunAt()
	errText := strings.TrimSpace(job.State.LastError)
	summary := ""
	if entry != nil {
		if s := strings.TrimSpace(entry.Status); s != "" {
			status = s
		}
		ts := entry.RunAtMs
		if ts <= 0 {
			ts = entry.TS
		}
		if t := msTime(ts); !t.IsZero() {
			lastRun = t
		}
		if e := strings.TrimSpace(entry.Error); e != "" {
			errText = e
		}
		summary = strings.TrimSpace(entry.Summary)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron %q", name)
	if lastRun.IsZero() {
		b.WriteString(" has not run yet")
		if next, err := NextRunAt(job, now); err == nil && !next.IsZero() {
			fmt.Fprintf(&b, "; next run %s", Relative(next, now))
		}
		fmt.Fprintf(&b, " (%s)", DescribeSchedule(job.Schedule))
		return b.String()
	}

	fmt.Fprintf(&b, " ran %s", Relative(lastRun, now))
	if status != "" {
		fmt.Fprintf(&b, " [%s]", status)
	}
	if summary != "" {
		b.WriteString(": ")
		b.WriteString(summary)
	} else if errText != "" {
		b.WriteString(": ")
		b.WriteString(errText)
	}
	return b.String()
}

// Relative formats t against now as "5m ago" or "in 2h".
func Relative(t, now time.Time) string {
	d := now.Sub(t)
	future := d < 0
	if future {
		d = -d
	}
	var text string
	switch {
	case d < time.Minute:
		if !future {
			return "just now"
		}
		text = fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		text = fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 48*time.Hour:
		text = fmt.Sprintf("%dh", int(d/time.Hour))
	default:
		text = fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	}
	if future {
		return "in " + text
	}
	return text + " ago"
}
