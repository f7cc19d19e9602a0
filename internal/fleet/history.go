package fleet

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"fleetconsole/internal/gateway"
)

const (
	MethodChatHistory   = "chat.history"
	DefaultHistoryLimit = 200
)

type historyParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit"`
}

type historyResponse struct {
	SessionKey string    `json:"sessionKey"`
	Messages   []Message `json:"messages"`
}

// Transcript is the display form of a fetched history.
type Transcript struct {
	Lines           []string
	LastAssistant   string
	LastAssistantAt time.Time
	LastUser        string
	LastRole        LineRole
}

// BuildTranscript flattens messages into display lines. Heartbeat prompts are left out of
// the lines but still count as the last user turn.
func BuildTranscript(messages []Message) Transcript {
	var t Transcript
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			if msg.Text == "" {
				continue
			}
			t.LastUser = msg.Text
			t.LastRole = RoleUser
			if IsHeartbeatPrompt(msg.Text) {
				continue
			}
			t.Lines = append(t.Lines, FormatUserLine(msg.Text))
		case "assistant":
			if msg.Thinking != "" {
				t.Lines = append(t.Lines, FormatTraceLine(msg.Thinking))
			}
			for _, call := range msg.ToolCalls {
				t.Lines = append(t.Lines, FormatToolLine(call.Name, call.Arguments))
			}
			if msg.Text != "" {
				t.Lines = append(t.Lines, msg.Text)
				t.LastAssistant = msg.Text
				t.LastAssistantAt = msg.Timestamp
				t.LastRole = RoleAssistant
			}
		}
	}
	return t
}

// MergeHistoryLines folds fetched lines into local ones. Fetched lines found at or after the
// cursor are kept where they are; missing ones are inserted at the cursor. Local lines the
// server does not know about are never dropped.
func MergeHistoryLines(local, fetched []string) []string {
	merged := slices.Clone(local)
	cursor := 0
	for _, line := range fetched {
		found := -1
		for i := cursor; i < len(merged); i++ {
			if merged[i] == line {
				found = i
				break
			}
		}
		if found >= 0 {
			cursor = found + 1
			continue
		}
		merged = slices.Insert(merged, cursor, line)
		cursor++
	}
	return merged
}

type HistoryOptions struct {
	Transport gateway.Transport
	Store     *Store
	Limit     int
	Now       func() time.Time
	Logf      func(format string, args ...any)
}

// HistoryReconciler loads authoritative transcripts, one request per session at a time.
type HistoryReconciler struct {
	transport gateway.Transport
	store     *Store
	limit     int
	now       func() time.Time
	logf      func(format string, args ...any)

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewHistoryReconciler(opts HistoryOptions) *HistoryReconciler {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &HistoryReconciler{
		transport: opts.Transport,
		store:     opts.Store,
		limit:     limit,
		now:       now,
		logf:      logf,
		inFlight:  make(map[string]bool),
	}
}

func (h *HistoryReconciler) begin(sessionKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFlight[sessionKey] {
		return false
	}
	h.inFlight[sessionKey] = true
	return true
}

func (h *HistoryReconciler) end(sessionKey string) {
	h.mu.Lock()
	delete(h.inFlight, sessionKey)
	h.mu.Unlock()
}

// Load fetches the agent's transcript and merges it. It returns the transcript, or a zero
// Transcript with ok=false when skipped (unknown agent, load already running, or the
// agent's session changed while the request was out).
func (h *HistoryReconciler) Load(ctx context.Context, agentID string) (Transcript, bool, error) {
	agent, ok := h.store.Get(agentID)
	if !ok || agent.SessionKey == "" {
		return Transcript{}, false, nil
	}
	sessionKey := agent.SessionKey
	if !h.begin(sessionKey) {
		return Transcript{}, false, nil
	}
	defer h.end(sessionKey)

	var res historyResponse
	if err := h.transport.Call(ctx, MethodChatHistory, historyParams{SessionKey: sessionKey, Limit: h.limit}, &res); err != nil {
		return Transcript{}, false, fmt.Errorf("%s %s: %w", MethodChatHistory, sessionKey, err)
	}
	tr := BuildTranscript(res.Messages)
	now := h.now()

	applied := h.store.Update(agentID, func(cur AgentState) (Patch, bool) {
		if cur.SessionKey != sessionKey {
			return Patch{}, false
		}
		p := Patch{HistoryLoadedAt: ptr(now)}
		merged := MergeHistoryLines(cur.OutputLines, tr.Lines)
		if !slices.Equal(merged, cur.OutputLines) {
			p.OutputLines = &merged
		}
		if tr.LastAssistant != "" && !newerLocalReply(cur, tr) {
			set := func(dst **string, have, next string) {
				if have != next {
					*dst = ptr(next)
				}
			}
			set(&p.LastResult, cur.LastResult, tr.LastAssistant)
			set(&p.LatestPreview, cur.LatestPreview, tr.LastAssistant)
			if !tr.LastAssistantAt.IsZero() && !tr.LastAssistantAt.Equal(cur.LastAssistantMessageAt) {
				p.LastAssistantMessageAt = ptr(tr.LastAssistantAt)
			}
		}
		if tr.LastUser != "" && tr.LastUser != cur.LastUserMessage && !pendingLocalTurn(cur, tr) {
			p.LastUserMessage = ptr(tr.LastUser)
		}
		if cur.RunID == "" && cur.Status == StatusRunning && tr.LastRole == RoleAssistant {
			p.Status = ptr(StatusIdle)
			clearBuffers(&p)
		}
		return p, true
	})
	if !applied {
		h.logf("history for %s dropped: session changed", agentID)
		return Transcript{}, false, nil
	}
	return tr, true, nil
}

// pendingLocalTurn reports a message sent from this console that the server has not
// persisted yet; its text stays the agent's last user turn.
func pendingLocalTurn(cur AgentState, tr Transcript) bool {
	if cur.Status != StatusRunning || cur.LastUserMessage == "" {
		return false
	}
	return !slices.Contains(tr.Lines, FormatUserLine(cur.LastUserMessage))
}

// newerLocalReply reports a reply committed from the live stream after the newest one the
// server returned.
func newerLocalReply(cur AgentState, tr Transcript) bool {
	if cur.LastAssistantMessageAt.IsZero() || tr.LastAssistantAt.IsZero() {
		return false
	}
	return cur.LastAssistantMessageAt.After(tr.LastAssistantAt)
}
