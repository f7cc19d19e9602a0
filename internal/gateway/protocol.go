package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const ProtocolVersion = 3

const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

const MethodConnect = "connect"

// Frame is the single JSON envelope used for requests, responses and push events.
type Frame struct {
	Type string `json:"type"`

	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	Event string `json:"event,omitempty"`
	Seq   int64  `json:"seq,omitempty"`
}

type ErrorShape struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// EventFrame is a push event as delivered to OnEvent handlers.
type EventFrame struct {
	Event   string
	Payload json.RawMessage
	Seq     int64
}

func NewRequestID() string {
	return "req-" + uuid.NewString()
}

func NewRequest(method string, id string, params any) (Frame, error) {
	m := strings.TrimSpace(method)
	if m == "" {
		return Frame{}, errors.New("method is required")
	}
	if strings.TrimSpace(id) == "" {
		id = NewRequestID()
	}
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s params: %w", m, err)
		}
		raw = data
	}
	return Frame{
		Type:   FrameTypeRequest,
		ID:     strings.TrimSpace(id),
		Method: m,
		Params: raw,
	}, nil
}

func (f Frame) Marshal() ([]byte, error) {
	switch f.Type {
	case FrameTypeRequest:
		if strings.TrimSpace(f.ID) == "" || strings.TrimSpace(f.Method) == "" {
			return nil, errors.New("request frame requires id and method")
		}
	case FrameTypeResponse:
		if strings.TrimSpace(f.ID) == "" {
			return nil, errors.New("response frame requires id")
		}
	case FrameTypeEvent:
		if strings.TrimSpace(f.Event) == "" {
			return nil, errors.New("event frame requires event")
		}
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return json.Marshal(f)
}

func UnmarshalFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	f.Type = strings.TrimSpace(f.Type)
	f.ID = strings.TrimSpace(f.ID)
	f.Event = strings.TrimSpace(f.Event)
	switch f.Type {
	case FrameTypeResponse:
		if f.ID == "" {
			return Frame{}, errors.New("invalid response frame (missing id)")
		}
	case FrameTypeEvent:
		if f.Event == "" {
			return Frame{}, errors.New("invalid event frame (missing event)")
		}
	case FrameTypeRequest:
		if f.ID == "" || strings.TrimSpace(f.Method) == "" {
			return Frame{}, fmt.Errorf("invalid request frame (id=%q method=%q)", f.ID, f.Method)
		}
	default:
		return Frame{}, fmt.Errorf("invalid frame type %q", f.Type)
	}
	return f, nil
}

type ConnectClient struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

type ConnectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Token       string        `json:"token,omitempty"`
	Client      ConnectClient `json:"client"`
}

type ServerInfo struct {
	InstanceID string `json:"instanceId,omitempty"`
	Version    string `json:"version,omitempty"`
	Host       string `json:"host,omitempty"`
}

type HelloPayload struct {
	Protocol int        `json:"protocol,omitempty"`
	Server   ServerInfo `json:"server"`
}
