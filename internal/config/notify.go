package config

import (
	"errors"
	"os"
	"strings"
	"time"
)

// NotifyConfig configures e-mail notifications for exec approvals.
type NotifyConfig struct {
	Enabled           bool         `json:"enabled" yaml:"enabled"`
	EmailAddress      string       `json:"email_address" yaml:"email_address"`
	AuthorizationCode string       `json:"authorization_code" yaml:"authorization_code"`
	To                string       `json:"to" yaml:"to"`
	SubjectPrefix     string       `json:"subject_prefix" yaml:"subject_prefix"`
	IMAP              ServerConfig `json:"imap" yaml:"imap"`
	SMTP              ServerConfig `json:"smtp" yaml:"smtp"`

	PollIntervalSeconds int    `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	AllowedSenders      string `json:"allowed_senders" yaml:"allowed_senders"`
}

type ServerConfig struct {
	Server string `json:"server" yaml:"server"`
	Port   int    `json:"port" yaml:"port"`
	UseSSL bool   `json:"use_ssl" yaml:"use_ssl"`
}

func (c *NotifyConfig) applyDefaults() {
	if c == nil {
		return
	}
	if c.PollIntervalSeconds <= 0 {
		c.PollIntervalSeconds = 10
	}
	if c.IMAP.Port <= 0 {
		c.IMAP.Port = 993
	}
	if c.SMTP.Port <= 0 {
		c.SMTP.Port = 465
	}
	if strings.TrimSpace(c.SubjectPrefix) == "" {
		c.SubjectPrefix = "[FleetConsole]"
	}
}

func (c NotifyConfig) PollInterval() time.Duration {
	sec := c.PollIntervalSeconds
	if sec <= 0 {
		sec = 10
	}
	return time.Duration(sec) * time.Second
}

// Recipients is the notification list; it defaults to the account's own address.
func (c NotifyConfig) Recipients() []string {
	if list := ParseEmailList(c.To); len(list) > 0 {
		return list
	}
	return ParseEmailList(c.EmailAddress)
}

// AllowedSendersList is who may decide approvals by reply; empty means the recipients.
func (c NotifyConfig) AllowedSendersList() []string {
	if list := ParseEmailList(c.AllowedSenders); len(list) > 0 {
		return list
	}
	return c.Recipients()
}

func (c NotifyConfig) Validate() error {
	if strings.TrimSpace(c.EmailAddress) == "" {
		return errors.New("notify.email_address is required")
	}
	if strings.TrimSpace(c.AuthorizationCode) == "" {
		return errors.New("notify.authorization_code is required")
	}
	if strings.TrimSpace(c.SMTP.Server) == "" {
		return errors.New("notify.smtp.server is required")
	}
	if c.SMTP.Port <= 0 {
		return errors.New("notify.smtp.port is required")
	}
	if strings.TrimSpace(c.IMAP.Server) == "" {
		return errors.New("notify.imap.server is required")
	}
	if c.IMAP.Port <= 0 {
		return errors.New("notify.imap.port is required")
	}
	return nil
}

// ParseEmailList splits a comma, semicolon or whitespace separated address list, lowercases
// it and drops duplicates.
func ParseEmailList(raw string) []string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	parts := strings.FieldsFunc(text, func(r rune) bool {
		switch r {
		case ',', '，', ';', '；', '\n', '\t', ' ':
			return true
		default:
			return false
		}
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		addr := strings.ToLower(strings.TrimSpace(p))
		if strings.HasPrefix(addr, "<") && strings.HasSuffix(addr, ">") {
			addr = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(addr, "<"), ">"))
		}
		if addr == "" || seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out
}

func boolFromEnv(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true, true
	case "0", "false", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}
