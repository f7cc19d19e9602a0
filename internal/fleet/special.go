package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fleetconsole/internal/cron"
	"fleetconsole/internal/gateway"
)

const (
	MethodSessionsList = "sessions.list"
	MethodCronList     = cron.MethodList
	MethodCronRuns     = cron.MethodRuns
)

// ClassifySpecial detects a heartbeat or cron trigger in a user turn. When both words
// appear, the one occurring later wins.
func ClassifySpecial(text string) OverrideKind {
	lower := strings.ToLower(text)
	hb := strings.LastIndex(lower, "heartbeat")
	cr := strings.LastIndex(lower, "cron")
	switch {
	case hb < 0 && cr < 0:
		return OverrideNone
	case hb > cr:
		return OverrideHeartbeat
	default:
		return OverrideCron
	}
}

// ExtractHeartbeatReply returns the assistant reply that followed the newest heartbeat prompt.
func ExtractHeartbeatReply(messages []Message) string {
	awaiting := false
	reply := ""
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			awaiting = IsHeartbeatPrompt(msg.Text)
			if awaiting {
				reply = ""
			}
		case "assistant":
			if awaiting && msg.Text != "" {
				reply = msg.Text
				awaiting = false
			}
		}
	}
	return reply
}

type sessionsListParams struct {
	AgentID        string `json:"agentId"`
	IncludeGlobal  bool   `json:"includeGlobal"`
	IncludeUnknown bool   `json:"includeUnknown"`
	Limit          int    `json:"limit"`
}

type sessionOrigin struct {
	Label string `json:"label"`
}

type sessionRow struct {
	Key       string         `json:"key"`
	UpdatedAt int64          `json:"updatedAt"`
	Origin    *sessionOrigin `json:"origin"`
}

type sessionsListResponse struct {
	Sessions []sessionRow `json:"sessions"`
}

type SpecialOptions struct {
	Transport    gateway.Transport
	Store        *Store
	HistoryLimit int
	Now          func() time.Time
	Logf         func(format string, args ...any)
}

// SpecialResolver replaces an agent's latest update with the out-of-band result of a
// heartbeat or cron trigger.
type SpecialResolver struct {
	transport    gateway.Transport
	store        *Store
	historyLimit int
	now          func() time.Time
	logf         func(format string, args ...any)

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewSpecialResolver(opts SpecialOptions) *SpecialResolver {
	limit := opts.HistoryLimit
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
	return &SpecialResolver{
		transport:    opts.Transport,
		store:        opts.Store,
		historyLimit: limit,
		now:          now,
		logf:         logf,
		inFlight:     make(map[string]bool),
	}
}

// Resolve classifies userText and updates the agent's override. A resolution already
// running for the agent makes this call a no-op.
func (s *SpecialResolver) Resolve(ctx context.Context, agentID, userText string) error {
	s.mu.Lock()
	if s.inFlight[agentID] {
		s.mu.Unlock()
		return nil
	}
	s.inFlight[agentID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, agentID)
		s.mu.Unlock()
	}()

	kind := ClassifySpecial(userText)
	var (
		text string
		err  error
	)
	switch kind {
	case OverrideNone:
		s.apply(agentID, OverrideNone, "")
		return nil
	case OverrideHeartbeat:
		text, err = s.heartbeatReply(ctx, agentID)
	case OverrideCron:
		text, err = s.cronSummary(ctx, agentID)
	}
	if err != nil {
		return err
	}
	if text == "" {
		kind = OverrideNone
	}
	s.apply(agentID, kind, text)
	return nil
}

func (s *SpecialResolver) apply(agentID string, kind OverrideKind, text string) {
	s.store.Update(agentID, func(cur AgentState) (Patch, bool) {
		if cur.LatestOverrideKind == kind && cur.LatestOverride == text {
			return Patch{}, false
		}
		return Patch{LatestOverride: ptr(text), LatestOverrideKind: ptr(kind)}, true
	})
}

func (s *SpecialResolver) heartbeatReply(ctx context.Context, agentID string) (string, error) {
	var list sessionsListResponse
	params := sessionsListParams{AgentID: agentID, IncludeGlobal: false, IncludeUnknown: false, Limit: 48}
	if err := s.transport.Call(ctx, MethodSessionsList, params, &list); err != nil {
		return "", fmt.Errorf("%s %s: %w", MethodSessionsList, agentID, err)
	}
	candidates := make([]sessionRow, 0, len(list.Sessions))
	for _, row := range list.Sessions {
		if row.Origin != nil && strings.EqualFold(strings.TrimSpace(row.Origin.Label), "heartbeat") {
			candidates = append(candidates, row)
		}
	}
	if len(candidates) == 0 {
		candidates = list.Sessions
	}
	var latest *sessionRow
	for i := range candidates {
		row := &candidates[i]
		if strings.TrimSpace(row.Key) == "" {
			continue
		}
		if latest == nil || row.UpdatedAt > latest.UpdatedAt {
			latest = row
		}
	}
	if latest == nil {
		return "", nil
	}

	var hist historyResponse
	if err := s.transport.Call(ctx, MethodChatHistory, historyParams{SessionKey: latest.Key, Limit: s.historyLimit}, &hist); err != nil {
		return "", fmt.Errorf("%s %s: %w", MethodChatHistory, latest.Key, err)
	}
	return ExtractHeartbeatReply(hist.Messages), nil
}

func (s *SpecialResolver) cronSummary(ctx context.Context, agentID string) (string, error) {
	var list cron.ListResponse
	if err := s.transport.Call(ctx, MethodCronList, cron.ListParams{IncludeDisabled: true}, &list); err != nil {
		return "", fmt.Errorf("%s: %w", MethodCronList, err)
	}
	job, ok := cron.ResolveJobForAgent(list.Jobs, agentID)
	if !ok {
		return "", nil
	}
	var runs cron.RunsResponse
	var entry *cron.RunEntry
	if err := s.transport.Call(ctx, MethodCronRuns, cron.RunsParams{ID: job.ID, Limit: 1}, &runs); err != nil {
		s.logf("cron runs for %s unavailable: %v", job.ID, err)
	} else if len(runs.Entries) > 0 {
		entry = &runs.Entries[len(runs.Entries)-1]
	}
	return cron.FormatLastRun(job, entry, s.now()), nil
}
