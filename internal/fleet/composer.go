package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	MethodChatSend      = "chat.send"
	MethodChatAbort     = "chat.abort"
	MethodSessionsReset = "sessions.reset"
)

var ErrUnknownAgent = errors.New("unknown agent")

type chatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type chatSendResponse struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

func (e *Engine) agent(agentID string) (AgentState, error) {
	a, ok := e.store.Get(agentID)
	if !ok {
		return AgentState{}, fmt.Errorf("%s: %w", agentID, ErrUnknownAgent)
	}
	return a, nil
}

// SendMessage shows the user turn immediately, then asks the gateway to start a run.
func (e *Engine) SendMessage(ctx context.Context, agentID, text string) error {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return errors.New("message is empty")
	}
	a, err := e.agent(agentID)
	if err != nil {
		return err
	}
	now := e.now()
	e.store.Dispatch(Update{AgentID: agentID, Patch: Patch{
		AppendLines:        []string{FormatUserLine(msg)},
		LastUserMessage:    ptr(msg),
		Status:             ptr(StatusRunning),
		LastActivityAt:     ptr(now),
		Draft:              ptr(""),
		LatestOverride:     ptr(""),
		LatestOverrideKind: ptr(OverrideNone),
	}})

	var res chatSendResponse
	params := chatSendParams{SessionKey: a.SessionKey, Message: msg, IdempotencyKey: uuid.NewString()}
	if err := e.transport.Call(ctx, MethodChatSend, params, &res); err != nil {
		e.live.Commit(agentID, Patch{
			AppendLines: []string{errorLineHead + err.Error()},
			Status:      ptr(StatusError),
		})
		return err
	}
	if run := strings.TrimSpace(res.RunID); run != "" {
		e.store.Update(agentID, func(cur AgentState) (Patch, bool) {
			if cur.RunID != "" || e.reducer.runs.hasEnded(run, e.now()) {
				return Patch{}, false
			}
			return Patch{RunID: ptr(run)}, true
		})
	}
	return nil
}

// Abort asks the gateway to stop the agent's current run.
func (e *Engine) Abort(ctx context.Context, agentID string) error {
	a, err := e.agent(agentID)
	if err != nil {
		return err
	}
	params := map[string]any{"sessionKey": a.SessionKey}
	if a.RunID != "" {
		params["runId"] = a.RunID
	}
	return e.transport.Call(ctx, MethodChatAbort, params, nil)
}

// ResetSession starts a fresh session and clears the local transcript.
func (e *Engine) ResetSession(ctx context.Context, agentID string) error {
	a, err := e.agent(agentID)
	if err != nil {
		return err
	}
	if err := e.transport.Call(ctx, MethodSessionsReset, map[string]any{"key": a.SessionKey}, nil); err != nil {
		return err
	}
	empty := []string{}
	p := Patch{
		OutputLines:        &empty,
		Status:             ptr(StatusIdle),
		RunID:              ptr(""),
		LastResult:         ptr(""),
		LatestPreview:      ptr(""),
		LastUserMessage:    ptr(""),
		LatestOverride:     ptr(""),
		LatestOverrideKind: ptr(OverrideNone),
		LastActivityAt:     ptr(e.now()),
	}
	clearBuffers(&p)
	e.live.Replace(agentID, p)
	return nil
}

func (e *Engine) SetDraft(agentID, text string) {
	e.store.Dispatch(Update{AgentID: agentID, Patch: Patch{Draft: ptr(text)}})
}
