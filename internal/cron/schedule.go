package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

var parser = robcron.NewParser(robcron.Minute | robcron.Hour | robcron.Dom | robcron.Month | robcron.Dow | robcron.Descriptor)

// NextRunAt computes the next fire time after now. The gateway's own state.nextRunAtMs
// wins when set; this is the fallback for jobs that have not been scheduled yet.
func NextRunAt(job Job, now time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	now = now.UTC()
	if next := job.State.NextRunAt(); !next.IsZero() && next.After(now) {
		return next, nil
	}
	if !job.Enabled {
		return time.Time{}, nil
	}

	s := job.Schedule
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case ScheduleCron:
		expr := strings.TrimSpace(s.Expr)
		if expr == "" {
			return time.Time{}, errors.New("schedule.expr is required for cron")
		}
		loc, err := loadLocation(s.TZ)
		if err != nil {
			return time.Time{}, err
		}
		schedule, err := parser.Parse(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expr: %w", err)
		}
		return schedule.Next(now.In(loc)).UTC(), nil
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return time.Time{}, errors.New("schedule.everyMs must be > 0")
		}
		every := time.Duration(s.EveryMs) * time.Millisecond
		last := job.State.LastRunAt()
		if last.IsZero() {
			return now.Add(every), nil
		}
		next := last.Add(every)
		for !next.After(now) {
			next = next.Add(every)
		}
		return next, nil
	case ScheduleAt:
		at := msTime(s.AtMs)
		if at.IsZero() {
			return time.Time{}, errors.New("schedule.atMs is required for at")
		}
		if !at.After(now) {
			return time.Time{}, nil
		}
		return at, nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule.kind: %s", s.Kind)
	}
}

// DescribeSchedule renders a short human label such as "every 30m" or "cron 0 9 * * * (UTC)".
func DescribeSchedule(s Schedule) string {
	switch strings.ToLower(strings.TrimSpace(s.Kind)) {
	case ScheduleCron:
		expr := strings.TrimSpace(s.Expr)
		if _, err := parser.Parse(expr); err != nil {
			return "cron (invalid: " + expr + ")"
		}
		if tz := strings.TrimSpace(s.TZ); tz != "" {
			return fmt.Sprintf("cron %s (%s)", expr, tz)
		}
		return "cron " + expr
	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return "every ?"
		}
		return "every " + shortDuration(time.Duration(s.EveryMs)*time.Millisecond)
	case ScheduleAt:
		at := msTime(s.AtMs)
		if at.IsZero() {
			return "once"
		}
		return "once at " + at.Format("2006-01-02 15:04 UTC")
	default:
		return strings.TrimSpace(s.Kind)
	}
}

func loadLocation(raw string) (*time.Location, error) {
	name := strings.TrimSpace(raw)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", name, err)
	}
	return loc, nil
}

func shortDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	switch {
	case d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return d.String()
	}
}
