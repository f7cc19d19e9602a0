package fleet

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Message is a transcript message as carried by chat events and chat.history.
// Content may arrive as a plain string or as typed parts; both flatten into Text.
type Message struct {
	Role      string
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Timestamp time.Time
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type wireMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type wirePart struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Input     json.RawMessage `json:"input"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Message{
		Role:      strings.ToLower(strings.TrimSpace(w.Role)),
		Thinking:  strings.TrimSpace(w.Thinking),
		Timestamp: parseTimestamp(w.Timestamp),
	}

	var texts, thoughts []string
	var content string
	if len(w.Content) > 0 && json.Unmarshal(w.Content, &content) == nil {
		if content != "" {
			texts = append(texts, content)
		}
	} else {
		var parts []wirePart
		if len(w.Content) > 0 && json.Unmarshal(w.Content, &parts) == nil {
			for _, p := range parts {
				switch strings.ToLower(strings.TrimSpace(p.Type)) {
				case "text", "output_text", "":
					if p.Text != "" {
						texts = append(texts, p.Text)
					}
				case "thinking", "reasoning":
					t := p.Thinking
					if t == "" {
						t = p.Text
					}
					if strings.TrimSpace(t) != "" {
						thoughts = append(thoughts, t)
					}
				case "toolcall", "tool_call", "tool_use":
					args := p.Arguments
					if len(args) == 0 {
						args = p.Input
					}
					out.ToolCalls = append(out.ToolCalls, ToolCall{ID: p.ID, Name: p.Name, Arguments: args})
				}
			}
		}
	}
	if len(texts) == 0 && w.Text != "" {
		texts = append(texts, w.Text)
	}
	out.Text = strings.TrimSpace(strings.Join(texts, "\n"))
	if out.Thinking == "" {
		out.Thinking = strings.TrimSpace(strings.Join(thoughts, "\n"))
	}
	*m = out
	return nil
}

// parseTimestamp accepts epoch milliseconds (number or numeric string) and RFC3339.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(int64(ms)).UTC()
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return time.Time{}
	}
	text = strings.TrimSpace(text)
	if n, err := strconv.ParseInt(text, 10, 64); err == nil && n > 0 {
		return time.UnixMilli(n).UTC()
	}
	if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
