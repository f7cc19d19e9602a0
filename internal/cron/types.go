package cron

import "time"

// Gateway RPC methods for cron jobs.
const (
	MethodList   = "cron.list"
	MethodRuns   = "cron.runs"
	MethodRemove = "cron.remove"
)

const (
	ScheduleCron  = "cron"
	ScheduleEvery = "every"
	ScheduleAt    = "at"
)

// Job is a gateway cron job as returned by cron.list.
type Job struct {
	ID          string `json:"id"`
	AgentID     string `json:"agentId,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`

	Schedule      Schedule `json:"schedule"`
	SessionTarget string   `json:"sessionTarget,omitempty"` // main|isolated
	Payload       Payload  `json:"payload"`
	State         JobState `json:"state"`

	CreatedAtMs int64 `json:"createdAtMs,omitempty"`
	UpdatedAtMs int64 `json:"updatedAtMs,omitempty"`
}

type Schedule struct {
	Kind    string `json:"kind"` // cron|every|at
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

type Payload struct {
	Kind    string `json:"kind"` // agentTurn|systemEvent
	Message string `json:"message,omitempty"`
	Text    string `json:"text,omitempty"`
}

type JobState struct {
	NextRunAtMs    int64  `json:"nextRunAtMs,omitempty"`
	RunningAtMs    int64  `json:"runningAtMs,omitempty"`
	LastRunAtMs    int64  `json:"lastRunAtMs,omitempty"`
	LastStatus     string `json:"lastStatus,omitempty"` // ok|error|skipped
	LastError      string `json:"lastError,omitempty"`
	LastDurationMs int64  `json:"lastDurationMs,omitempty"`
}

// RunEntry is one line of a job's run log (cron.runs).
type RunEntry struct {
	TS         int64  `json:"ts"`
	JobID      string `json:"jobId"`
	Action     string `json:"action,omitempty"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	Summary    string `json:"summary,omitempty"`
	RunAtMs    int64  `json:"runAtMs,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type ListParams struct {
	IncludeDisabled bool `json:"includeDisabled"`
}

type ListResponse struct {
	Jobs []Job `json:"jobs"`
}

type RunsParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

type RunsResponse struct {
	Entries []RunEntry `json:"entries"`
}

type RemoveParams struct {
	ID string `json:"id"`
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (s JobState) LastRunAt() time.Time { return msTime(s.LastRunAtMs) }
func (s JobState) NextRunAt() time.Time { return msTime(s.NextRunAtMs) }
