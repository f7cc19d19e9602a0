package fleet

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mattn/go-runewidth"
)

const (
	userPrefix  = "> "
	tracePrefix = "[[trace]]"
	toolPrefix  = "[[tool]]"

	toolArgsWidth = 120
)

type LineRole string

const (
	RoleUser      LineRole = "user"
	RoleAssistant LineRole = "assistant"
	RoleTool      LineRole = "tool"
	RoleTrace     LineRole = "trace"
)

func FormatUserLine(text string) string { return userPrefix + strings.TrimSpace(text) }

func FormatTraceLine(trace string) string { return tracePrefix + "\n" + strings.TrimSpace(trace) }

// FormatToolLine renders a one-line tool call summary: name plus compacted arguments.
func FormatToolLine(name string, args json.RawMessage) string {
	n := strings.TrimSpace(name)
	if n == "" {
		n = "tool"
	}
	compact := compactArgs(args)
	if compact == "" {
		return toolPrefix + " " + n
	}
	return toolPrefix + " " + n + " " + runewidth.Truncate(compact, toolArgsWidth, "…")
}

func compactArgs(args json.RawMessage) string {
	raw := bytes.TrimSpace(args)
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "{}" {
		return ""
	}
	// arguments are sometimes a JSON string holding JSON
	var nested string
	if json.Unmarshal(raw, &nested) == nil {
		raw = bytes.TrimSpace([]byte(nested))
		if len(raw) == 0 {
			return ""
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return strings.Join(strings.Fields(string(raw)), " ")
	}
	return buf.String()
}

func RoleOf(line string) LineRole {
	switch {
	case strings.HasPrefix(line, userPrefix):
		return RoleUser
	case strings.HasPrefix(line, tracePrefix):
		return RoleTrace
	case strings.HasPrefix(line, toolPrefix):
		return RoleTool
	default:
		return RoleAssistant
	}
}

// LineText strips the role marker from a transcript line.
func LineText(line string) string {
	switch RoleOf(line) {
	case RoleUser:
		return strings.TrimPrefix(line, userPrefix)
	case RoleTrace:
		return strings.TrimPrefix(strings.TrimPrefix(line, tracePrefix), "\n")
	case RoleTool:
		return strings.TrimSpace(strings.TrimPrefix(line, toolPrefix))
	default:
		return line
	}
}

func lastUserIndex(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		if RoleOf(lines[i]) == RoleUser {
			return i
		}
	}
	return -1
}

// hasTraceSinceLastUser reports whether a reasoning trace follows the latest user turn.
func hasTraceSinceLastUser(lines []string) bool {
	for _, line := range lines[lastUserIndex(lines)+1:] {
		if RoleOf(line) == RoleTrace {
			return true
		}
	}
	return false
}

// lastAssistantSinceLastUser returns the newest assistant line after the latest user turn.
func lastAssistantSinceLastUser(lines []string) string {
	start := lastUserIndex(lines) + 1
	for i := len(lines) - 1; i >= start; i-- {
		if RoleOf(lines[i]) == RoleAssistant {
			return lines[i]
		}
	}
	return ""
}

// IsHeartbeatPrompt reports whether a user turn was generated by the heartbeat scheduler.
func IsHeartbeatPrompt(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "heartbeat.md") || strings.Contains(lower, "heartbeat_ok")
}
