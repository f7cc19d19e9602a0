package cron

import (
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestResolveJobForAgentPrefersLatestRun(t *testing.T) {
	t.Parallel()

	jobs := []Job{
		{ID: "a", AgentID: "ops", Name: "old", Enabled: true, State: JobState{LastRunAtMs: testNow.Add(-2 * time.Hour).UnixMilli()}},
		{ID: "b", AgentID: "ops", Name: "recent", Enabled: false, State: JobState{LastRunAtMs: testNow.Add(-10 * time.Minute).UnixMilli()}},
		{ID: "c", AgentID: "other", Name: "foreign", Enabled: true, State: JobState{LastRunAtMs: testNow.UnixMilli()}},
		{ID: "d", Name: "main job", Enabled: true},
	}

	job, ok := ResolveJobForAgent(jobs, "ops")
	if !ok || job.ID != "b" {
		t.Fatalf("ResolveJobForAgent(ops) = %+v, %v", job, ok)
	}
	job, ok = ResolveJobForAgent(jobs, "main")
	if !ok || job.ID != "d" {
		t.Fatalf("unowned jobs should belong to main, got %+v, %v", job, ok)
	}
	if _, ok := ResolveJobForAgent(jobs, "nobody"); ok {
		t.Fatalf("expected no job for unknown agent")
	}
}

func TestFormatLastRun(t *testing.T) {
	t.Parallel()

	job := Job{
		ID:       "j1",
		Name:     "Daily digest",
		Enabled:  true,
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: int64(time.Hour / time.Millisecond)},
		State:    JobState{LastRunAtMs: testNow.Add(-5 * time.Minute).UnixMilli(), LastStatus: "error", LastError: "timeout"},
	}

	got := FormatLastRun(job, nil, testNow)
	if got != `Cron "Daily digest" ran 5m ago [error]: timeout` {
		t.Fatalf("FormatLastRun(no entry) = %q", got)
	}

	entry := &RunEntry{JobID: "j1", Status: "ok", Summary: "3 new tickets triaged", RunAtMs: testNow.Add(-3 * time.Hour).UnixMilli()}
	got = FormatLastRun(job, entry, testNow)
	if got != `Cron "Daily digest" ran 3h ago [ok]: 3 new tickets triaged` {
		t.Fatalf("FormatLastRun(entry) = %q", got)
	}

	job.State = JobState{}
	got = FormatLastRun(job, nil, testNow)
	if !strings.HasPrefix(got, `Cron "Daily digest" has not run yet; next run in 1h`) || !strings.HasSuffix(got, "(every 1h)") {
		t.Fatalf("FormatLastRun(never) = %q", got)
	}
}

func TestNextRunAtAndDescribe(t *testing.T) {
	t.Parallel()

	job := Job{ID: "c", Enabled: true, Schedule: Schedule{Kind: ScheduleCron, Expr: "0 9 * * *", TZ: "UTC"}}
	next, err := NextRunAt(job, testNow)
	if err != nil {
		t.Fatalf("NextRunAt: %v", err)
	}
	want := time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextRunAt = %s, want %s", next, want)
	}
	if got := DescribeSchedule(job.Schedule); got != "cron 0 9 * * * (UTC)" {
		t.Fatalf("DescribeSchedule = %q", got)
	}

	every := Job{ID: "e", Enabled: true, Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 30 * 60 * 1000}, State: JobState{LastRunAtMs: testNow.Add(-70 * time.Minute).UnixMilli()}}
	next, err = NextRunAt(every, testNow)
	if err != nil {
		t.Fatalf("NextRunAt(every): %v", err)
	}
	if !next.Equal(testNow.Add(20 * time.Minute)) {
		t.Fatalf("NextRunAt(every) = %s", next)
	}

	if _, err := NextRunAt(Job{Enabled: true, Schedule: Schedule{Kind: ScheduleCron, Expr: "bogus"}}, testNow); err == nil {
		t.Fatalf("expected parse error")
	}
	if got := DescribeSchedule(Schedule{Kind: ScheduleCron, Expr: "bogus"}); got != "cron (invalid: bogus)" {
		t.Fatalf("DescribeSchedule(invalid) = %q", got)
	}
}

func TestRelative(t *testing.T) {
	t.Parallel()

	cases := []struct {
		at   time.Time
		want string
	}{
		{testNow.Add(-10 * time.Second), "just now"},
		{testNow.Add(-90 * time.Minute), "1h ago"},
		{testNow.Add(-72 * time.Hour), "3d ago"},
		{testNow.Add(45 * time.Second), "in 45s"},
		{testNow.Add(2 * time.Hour), "in 2h"},
	}
	for _, tc := range cases {
		if got := Relative(tc.at, testNow); got != tc.want {
			t.Fatalf("Relative(%s) = %q, want %q", tc.at, got, tc.want)
		}
	}
}
