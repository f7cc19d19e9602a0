package fleet

import (
	"slices"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusError   Status = "error"
)

type OverrideKind string

const (
	OverrideNone      OverrideKind = ""
	OverrideHeartbeat OverrideKind = "heartbeat"
	OverrideCron      OverrideKind = "cron"
)

// AgentState is the console's view of one configured agent.
// Empty strings and zero times stand for "no value".
type AgentState struct {
	AgentID    string
	Name       string
	SessionKey string
	AvatarSeed string

	Status Status
	RunID  string

	StreamText    string
	ThinkingTrace string

	OutputLines []string

	LastResult             string
	LatestPreview          string
	LastUserMessage        string
	LastAssistantMessageAt time.Time
	LastActivityAt         time.Time
	HistoryLoadedAt        time.Time

	LatestOverride     string
	LatestOverrideKind OverrideKind

	Draft string
}

func (a AgentState) Clone() AgentState {
	a.OutputLines = slices.Clone(a.OutputLines)
	return a
}

// LatestUpdate is the text shown as the agent's most recent result.
func (a AgentState) LatestUpdate() string {
	if a.LatestOverrideKind != OverrideNone && a.LatestOverride != "" {
		return a.LatestOverride
	}
	if a.LatestPreview != "" {
		return a.LatestPreview
	}
	return a.LastResult
}

// Patch is a partial AgentState update. Nil fields are left untouched.
type Patch struct {
	Name       *string
	SessionKey *string
	AvatarSeed *string

	Status *Status
	RunID  *string

	StreamText    *string
	ThinkingTrace *string

	// OutputLines replaces the transcript; AppendLines is applied after it.
	OutputLines *[]string
	AppendLines []string

	LastResult             *string
	LatestPreview          *string
	LastUserMessage        *string
	LastAssistantMessageAt *time.Time
	LastActivityAt         *time.Time
	HistoryLoadedAt        *time.Time

	LatestOverride     *string
	LatestOverrideKind *OverrideKind

	Draft *string
}

func ptr[T any](v T) *T { return &v }

func (p Patch) IsZero() bool {
	return p.Name == nil && p.SessionKey == nil && p.AvatarSeed == nil &&
		p.Status == nil && p.RunID == nil &&
		p.StreamText == nil && p.ThinkingTrace == nil &&
		p.OutputLines == nil && len(p.AppendLines) == 0 &&
		p.LastResult == nil && p.LatestPreview == nil && p.LastUserMessage == nil &&
		p.LastAssistantMessageAt == nil && p.LastActivityAt == nil && p.HistoryLoadedAt == nil &&
		p.LatestOverride == nil && p.LatestOverrideKind == nil &&
		p.Draft == nil
}

// Merge folds later into p; fields set in later win.
func (p Patch) Merge(later Patch) Patch {
	out := p
	pick(&out.Name, later.Name)
	pick(&out.SessionKey, later.SessionKey)
	pick(&out.AvatarSeed, later.AvatarSeed)
	pick(&out.Status, later.Status)
	pick(&out.RunID, later.RunID)
	pick(&out.StreamText, later.StreamText)
	pick(&out.ThinkingTrace, later.ThinkingTrace)
	if later.OutputLines != nil {
		out.OutputLines = later.OutputLines
		out.AppendLines = slices.Clone(later.AppendLines)
	} else if len(later.AppendLines) > 0 {
		out.AppendLines = append(slices.Clone(p.AppendLines), later.AppendLines...)
	}
	pick(&out.LastResult, later.LastResult)
	pick(&out.LatestPreview, later.LatestPreview)
	pick(&out.LastUserMessage, later.LastUserMessage)
	pick(&out.LastAssistantMessageAt, later.LastAssistantMessageAt)
	pick(&out.LastActivityAt, later.LastActivityAt)
	pick(&out.HistoryLoadedAt, later.HistoryLoadedAt)
	pick(&out.LatestOverride, later.LatestOverride)
	pick(&out.LatestOverrideKind, later.LatestOverrideKind)
	pick(&out.Draft, later.Draft)
	return out
}

func pick[T any](dst **T, v *T) {
	if v != nil {
		*dst = v
	}
}

// Apply returns a copy of a with p applied.
func (p Patch) Apply(a AgentState) AgentState {
	out := a.Clone()
	set(&out.Name, p.Name)
	set(&out.SessionKey, p.SessionKey)
	set(&out.AvatarSeed, p.AvatarSeed)
	set(&out.Status, p.Status)
	set(&out.RunID, p.RunID)
	set(&out.StreamText, p.StreamText)
	set(&out.ThinkingTrace, p.ThinkingTrace)
	if p.OutputLines != nil {
		out.OutputLines = slices.Clone(*p.OutputLines)
	}
	if len(p.AppendLines) > 0 {
		out.OutputLines = append(out.OutputLines, p.AppendLines...)
	}
	set(&out.LastResult, p.LastResult)
	set(&out.LatestPreview, p.LatestPreview)
	set(&out.LastUserMessage, p.LastUserMessage)
	set(&out.LastAssistantMessageAt, p.LastAssistantMessageAt)
	set(&out.LastActivityAt, p.LastActivityAt)
	set(&out.HistoryLoadedAt, p.HistoryLoadedAt)
	set(&out.LatestOverride, p.LatestOverride)
	set(&out.LatestOverrideKind, p.LatestOverrideKind)
	set(&out.Draft, p.Draft)
	return out
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// clearBuffers ends the streaming state of a turn.
func clearBuffers(p *Patch) {
	p.StreamText = ptr("")
	p.ThinkingTrace = ptr("")
}
