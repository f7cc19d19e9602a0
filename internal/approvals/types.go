package approvals

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const DefaultTTL = 2 * time.Minute

type Decision string

const (
	AllowOnce   Decision = "allow-once"
	AllowAlways Decision = "allow-always"
	Deny        Decision = "deny"
)

func (d Decision) Valid() bool {
	switch d {
	case AllowOnce, AllowAlways, Deny:
		return true
	default:
		return false
	}
}

// ParseDecision accepts the canonical decisions plus a few operator spellings.
func ParseDecision(raw string) (Decision, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	switch s {
	case "allow-once", "allow", "approve", "once", "yes":
		return AllowOnce, true
	case "allow-always", "always", "trust":
		return AllowAlways, true
	case "deny", "reject", "no":
		return Deny, true
	default:
		return "", false
	}
}

// Request describes the command an agent wants to run.
type Request struct {
	Command    string `json:"command"`
	Cwd        string `json:"cwd,omitempty"`
	Host       string `json:"host,omitempty"`
	Security   string `json:"security,omitempty"`
	Ask        string `json:"ask,omitempty"`
	AgentID    string `json:"agentId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

type Entry struct {
	ID          string  `json:"id"`
	Request     Request `json:"request"`
	CreatedAtMs int64   `json:"createdAtMs"`
	ExpiresAtMs int64   `json:"expiresAtMs"`
}

func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAtMs <= now.UnixMilli()
}

func (e Entry) ExpiresAt() time.Time { return time.UnixMilli(e.ExpiresAtMs) }

// DecodeRequested parses an exec.approval.requested payload. Missing timestamps stay zero
// and are filled in by Queue.Add.
func DecodeRequested(raw json.RawMessage) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("decode approval request: %w", err)
	}
	e.ID = strings.TrimSpace(e.ID)
	if e.ID == "" {
		return Entry{}, errors.New("approval request missing id")
	}
	return e, nil
}

type resolvedPayload struct {
	ID       string `json:"id"`
	Decision string `json:"decision"`
}

func DecodeResolved(raw json.RawMessage) (string, Decision, error) {
	var p resolvedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", "", fmt.Errorf("decode approval resolution: %w", err)
	}
	id := strings.TrimSpace(p.ID)
	if id == "" {
		return "", "", errors.New("approval resolution missing id")
	}
	d, _ := ParseDecision(p.Decision)
	return id, d, nil
}
