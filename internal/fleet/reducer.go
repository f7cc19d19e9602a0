package fleet

import (
	"strings"
	"time"
)

// Lookup resolves agents for the reducer. Implementations return the effective state,
// including patches that have not been flushed yet.
type Lookup interface {
	FindBySessionKey(sessionKey string) (AgentState, bool)
	FindByRunID(runID string) (AgentState, bool)
}

type EffectKind int

const (
	EffectLoadHistory EffectKind = iota + 1
	EffectSpecialUpdate
)

// Effect is follow-up work requested by a reduction.
type Effect struct {
	Kind    EffectKind
	AgentID string
	// Text is the user turn to classify for EffectSpecialUpdate.
	Text string
}

// Reduction is the outcome of one event for one agent. Live goes through the frame batcher;
// Commit is dispatched immediately.
type Reduction struct {
	AgentID string
	Live    Patch
	Commit  Patch
	Effects []Effect
}

func (r Reduction) Empty() bool {
	return r.Live.IsZero() && r.Commit.IsZero() && len(r.Effects) == 0
}

const (
	abortedLine   = "Run aborted."
	runErrorLine  = "Run error."
	errorLineHead = "Error: "
)

// Reducer maps chat and agent events onto patches. It never writes the store.
type Reducer struct {
	runs *runTracker
	now  func() time.Time
}

func NewReducer(now func() time.Time) *Reducer {
	if now == nil {
		now = time.Now
	}
	return &Reducer{runs: newRunTracker(0, 0), now: now}
}

// Reduce returns false when the event does not concern any known agent or is stale.
func (r *Reducer) Reduce(ev Event, agents Lookup) (Reduction, bool) {
	switch e := ev.(type) {
	case ChatEvent:
		agent, ok := resolveAgent(agents, e.SessionKey, e.RunID)
		if !ok {
			return Reduction{}, false
		}
		return r.reduceChat(e, agent)
	case AgentEvent:
		agent, ok := resolveAgent(agents, e.SessionKey, e.RunID)
		if !ok {
			return Reduction{}, false
		}
		return r.reduceAgent(e, agent)
	default:
		return Reduction{}, false
	}
}

func resolveAgent(agents Lookup, sessionKey, runID string) (AgentState, bool) {
	if sessionKey != "" {
		if a, ok := agents.FindBySessionKey(sessionKey); ok {
			return a, true
		}
	}
	if runID != "" {
		return agents.FindByRunID(runID)
	}
	return AgentState{}, false
}

// superseded reports whether a frame belongs to a run other than the agent's current one.
func superseded(agent AgentState, runID string) bool {
	return runID != "" && agent.RunID != "" && runID != agent.RunID
}

func (r *Reducer) reduceChat(e ChatEvent, agent AgentState) (Reduction, bool) {
	if superseded(agent, e.RunID) {
		return Reduction{}, false
	}
	now := r.now()
	out := Reduction{AgentID: agent.AgentID}

	switch e.State {
	case ChatDelta:
		if e.Message == nil || e.Message.Role != "assistant" {
			return Reduction{}, false
		}
		if r.runs.hasEnded(e.RunID, now) {
			return Reduction{}, false
		}
		text := e.Message.Text
		if text == "" {
			return Reduction{}, false
		}
		r.runs.claimChatStream(e.RunID, now)
		out.Live = Patch{StreamText: ptr(text), Status: ptr(StatusRunning)}
		return out, true

	case ChatFinal:
		if e.Message != nil && e.Message.Role != "" && e.Message.Role != "assistant" {
			return Reduction{}, false
		}
		return r.reduceFinal(e, agent, now), true

	case ChatAborted, ChatError:
		line := abortedLine
		if e.State == ChatError {
			line = runErrorLine
			if e.ErrorMessage != "" {
				line = errorLineHead + e.ErrorMessage
			}
		}
		clearBuffers(&out.Commit)
		out.Commit.AppendLines = []string{line}
		out.Commit.LastActivityAt = ptr(now)
		return out, true
	}
	return Reduction{}, false
}

func (r *Reducer) reduceFinal(e ChatEvent, agent AgentState, now time.Time) Reduction {
	out := Reduction{AgentID: agent.AgentID}

	var text, trace string
	at := now
	if e.Message != nil {
		text = e.Message.Text
		trace = e.Message.Thinking
		if !e.Message.Timestamp.IsZero() {
			at = e.Message.Timestamp
		}
	}
	if text == "" {
		text = strings.TrimSpace(agent.StreamText)
	}
	if trace == "" {
		trace = strings.TrimSpace(agent.ThinkingTrace)
	}

	lines := agent.OutputLines
	var add []string
	if text != "" && lastAssistantSinceLastUser(lines) != text {
		if trace != "" && !hasTraceSinceLastUser(lines) {
			add = append(add, FormatTraceLine(trace))
		}
		add = append(add, text)
	}
	clearBuffers(&out.Commit)
	out.Commit.AppendLines = add
	out.Commit.LastActivityAt = ptr(now)
	if text != "" {
		out.Commit.LastResult = ptr(text)
		out.Commit.LatestPreview = ptr(text)
		out.Commit.LastAssistantMessageAt = ptr(at)
	}

	merged := append(append([]string(nil), lines...), add...)
	if trace == "" && !hasTraceSinceLastUser(merged) {
		// the reload classifies the fetched user turn, which also covers gateway-triggered runs
		out.Effects = append(out.Effects, Effect{Kind: EffectLoadHistory, AgentID: agent.AgentID})
		return out
	}
	out.Effects = append(out.Effects, Effect{Kind: EffectSpecialUpdate, AgentID: agent.AgentID, Text: agent.LastUserMessage})
	return out
}

func (r *Reducer) reduceAgent(e AgentEvent, agent AgentState) (Reduction, bool) {
	now := r.now()
	out := Reduction{AgentID: agent.AgentID}

	if e.Stream == StreamLifecycle {
		return r.reduceLifecycle(e, agent, now)
	}
	if superseded(agent, e.RunID) || r.runs.hasEnded(e.RunID, now) {
		return Reduction{}, false
	}

	switch e.Stream {
	case StreamReasoning:
		if e.Reasoning == nil || strings.TrimSpace(e.Reasoning.Text) == "" {
			return Reduction{}, false
		}
		out.Live = Patch{ThinkingTrace: ptr(e.Reasoning.Text), Status: ptr(StatusRunning)}
		if e.RunID != "" {
			out.Live.RunID = ptr(e.RunID)
		}
		return out, true

	case StreamAssistant:
		if e.Assistant == nil {
			return Reduction{}, false
		}
		out.Live = Patch{Status: ptr(StatusRunning)}
		if e.RunID != "" {
			out.Live.RunID = ptr(e.RunID)
		}
		if !r.runs.chatOwnsStream(e.RunID, now) {
			text := e.Assistant.Text
			if text == "" && e.Assistant.Delta != "" {
				text = agent.StreamText + e.Assistant.Delta
			}
			if text != "" {
				out.Live.StreamText = ptr(text)
			}
		}
		return out, true

	case StreamTool:
		if e.Tool == nil || e.Tool.Phase != "call" {
			return Reduction{}, false
		}
		key := e.Tool.ToolCallID
		if key == "" {
			key = e.Tool.Name + "\x00" + string(e.Tool.Arguments)
		}
		if !r.runs.markTool(e.RunID, key, now) {
			return Reduction{}, false
		}
		out.Commit.AppendLines = []string{FormatToolLine(e.Tool.Name, e.Tool.Arguments)}
		out.Commit.LastActivityAt = ptr(now)
		return out, true
	}
	return Reduction{}, false
}

func (r *Reducer) reduceLifecycle(e AgentEvent, agent AgentState, now time.Time) (Reduction, bool) {
	if e.Lifecycle == nil {
		return Reduction{}, false
	}
	out := Reduction{AgentID: agent.AgentID}

	switch e.Lifecycle.Phase {
	case LifecycleStart:
		if r.runs.hasEnded(e.RunID, now) {
			return Reduction{}, false
		}
		out.Commit = Patch{Status: ptr(StatusRunning), LastActivityAt: ptr(now)}
		if e.RunID != "" {
			out.Commit.RunID = ptr(e.RunID)
		}
		return out, true

	case LifecycleEnd, LifecycleError:
		if superseded(agent, e.RunID) {
			return Reduction{}, false
		}
		r.runs.markEnded(e.RunID, now)
		next := StatusIdle
		if e.Lifecycle.Phase == LifecycleError {
			next = StatusError
		}
		clearBuffers(&out.Commit)
		out.Commit.LastActivityAt = ptr(now)

		if agent.RunID == "" && e.RunID != "" {
			// the run was already closed by another path; only settle leftovers.
			if agent.Status == StatusRunning {
				out.Commit.Status = ptr(next)
			}
			return out, true
		}

		out.Commit.Status = ptr(next)
		out.Commit.RunID = ptr("")
		text := strings.TrimSpace(agent.StreamText)
		if e.Lifecycle.Phase == LifecycleEnd && text != "" && lastAssistantSinceLastUser(agent.OutputLines) != text {
			out.Commit.AppendLines = []string{text}
			out.Commit.LastResult = ptr(text)
			out.Commit.LatestPreview = ptr(text)
			out.Commit.LastAssistantMessageAt = ptr(now)
		}
		return out, true
	}
	return Reduction{}, false
}
