package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fleetconsole/internal/approvals"
	"fleetconsole/internal/gateway"
)

const (
	EventChat              = "chat"
	EventAgent             = "agent"
	EventApprovalRequested = "exec.approval.requested"
	EventApprovalResolved  = "exec.approval.resolved"
)

var ErrUnknownEvent = errors.New("unknown event")

// Event is one of ChatEvent, AgentEvent, ApprovalRequestedEvent or ApprovalResolvedEvent.
type Event interface {
	event()
}

type ChatState string

const (
	ChatDelta   ChatState = "delta"
	ChatFinal   ChatState = "final"
	ChatAborted ChatState = "aborted"
	ChatError   ChatState = "error"
)

type ChatEvent struct {
	RunID        string
	SessionKey   string
	State        ChatState
	Message      *Message
	ErrorMessage string
}

type AgentStream string

const (
	StreamReasoning AgentStream = "reasoning"
	StreamAssistant AgentStream = "assistant"
	StreamTool      AgentStream = "tool"
	StreamLifecycle AgentStream = "lifecycle"
)

// AgentEvent carries exactly one of the stream payloads, matching Stream.
type AgentEvent struct {
	RunID      string
	SessionKey string
	Stream     AgentStream

	Reasoning *ReasoningData
	Assistant *AssistantData
	Tool      *ToolData
	Lifecycle *LifecycleData
}

type ReasoningData struct {
	Text string `json:"text"`
}

type AssistantData struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

type ToolData struct {
	Phase      string          `json:"phase"`
	Name       string          `json:"name"`
	ToolCallID string          `json:"toolCallId"`
	Arguments  json.RawMessage `json:"arguments"`
}

type LifecyclePhase string

const (
	LifecycleStart LifecyclePhase = "start"
	LifecycleEnd   LifecyclePhase = "end"
	LifecycleError LifecyclePhase = "error"
)

type LifecycleData struct {
	Phase LifecyclePhase `json:"phase"`
	Error string         `json:"error"`
}

type ApprovalRequestedEvent struct {
	Entry approvals.Entry
}

type ApprovalResolvedEvent struct {
	ID       string
	Decision approvals.Decision
}

func (ChatEvent) event()              {}
func (AgentEvent) event()             {}
func (ApprovalRequestedEvent) event() {}
func (ApprovalResolvedEvent) event()  {}

type chatPayload struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message"`
	ErrorMessage string          `json:"errorMessage"`
}

type agentPayload struct {
	RunID      string          `json:"runId"`
	SessionKey string          `json:"sessionKey"`
	Stream     string          `json:"stream"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEvent maps a push frame onto the closed event set. Unknown event names, streams
// and states return ErrUnknownEvent; missing optional fields decode as zero values.
func DecodeEvent(frame gateway.EventFrame) (Event, error) {
	switch frame.Event {
	case EventChat:
		return decodeChat(frame.Payload)
	case EventAgent:
		return decodeAgent(frame.Payload)
	case EventApprovalRequested:
		entry, err := approvals.DecodeRequested(frame.Payload)
		if err != nil {
			return nil, err
		}
		return ApprovalRequestedEvent{Entry: entry}, nil
	case EventApprovalResolved:
		id, decision, err := approvals.DecodeResolved(frame.Payload)
		if err != nil {
			return nil, err
		}
		return ApprovalResolvedEvent{ID: id, Decision: decision}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Event)
	}
}

func decodeChat(raw json.RawMessage) (Event, error) {
	var p chatPayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, fmt.Errorf("decode chat event: %w", err)
	}
	ev := ChatEvent{
		RunID:        strings.TrimSpace(p.RunID),
		SessionKey:   strings.TrimSpace(p.SessionKey),
		State:        ChatState(strings.ToLower(strings.TrimSpace(p.State))),
		ErrorMessage: strings.TrimSpace(p.ErrorMessage),
	}
	switch ev.State {
	case ChatDelta, ChatFinal, ChatAborted, ChatError:
	default:
		return nil, fmt.Errorf("%w: chat state %q", ErrUnknownEvent, p.State)
	}
	if len(p.Message) > 0 && string(p.Message) != "null" {
		var msg Message
		if err := json.Unmarshal(p.Message, &msg); err == nil {
			ev.Message = &msg
		}
	}
	return ev, nil
}

func decodeAgent(raw json.RawMessage) (Event, error) {
	var p agentPayload
	if err := unmarshalPayload(raw, &p); err != nil {
		return nil, fmt.Errorf("decode agent event: %w", err)
	}
	ev := AgentEvent{
		RunID:      strings.TrimSpace(p.RunID),
		SessionKey: strings.TrimSpace(p.SessionKey),
		Stream:     AgentStream(strings.ToLower(strings.TrimSpace(p.Stream))),
	}
	switch ev.Stream {
	case StreamReasoning:
		var d ReasoningData
		_ = unmarshalPayload(p.Data, &d)
		ev.Reasoning = &d
	case StreamAssistant:
		var d AssistantData
		_ = unmarshalPayload(p.Data, &d)
		ev.Assistant = &d
	case StreamTool:
		var d ToolData
		_ = unmarshalPayload(p.Data, &d)
		d.Phase = strings.ToLower(strings.TrimSpace(d.Phase))
		d.ToolCallID = strings.TrimSpace(d.ToolCallID)
		ev.Tool = &d
	case StreamLifecycle:
		var d LifecycleData
		_ = unmarshalPayload(p.Data, &d)
		d.Phase = LifecyclePhase(strings.ToLower(strings.TrimSpace(string(d.Phase))))
		ev.Lifecycle = &d
	default:
		return nil, fmt.Errorf("%w: agent stream %q", ErrUnknownEvent, p.Stream)
	}
	return ev, nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
