package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPath = "config.json"

type Config struct {
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Console   ConsoleConfig   `json:"console" yaml:"console"`
	Approvals ApprovalsConfig `json:"approvals" yaml:"approvals"`
	Mirror    MirrorConfig    `json:"mirror" yaml:"mirror"`
	Notify    NotifyConfig    `json:"notify" yaml:"notify"`
}

type GatewayConfig struct {
	URL                string `json:"url" yaml:"url"`
	Token              string `json:"token" yaml:"token"`
	ClientName         string `json:"client_name" yaml:"client_name"`
	CallTimeout        string `json:"call_timeout" yaml:"call_timeout"`
	MaxMessageBytes    int64  `json:"max_message_bytes" yaml:"max_message_bytes"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	BackoffMax         string `json:"backoff_max" yaml:"backoff_max"`
}

type ConsoleConfig struct {
	LogFile        string `json:"log_file" yaml:"log_file"`
	HistoryLimit   int    `json:"history_limit" yaml:"history_limit"`
	FrameInterval  string `json:"frame_interval" yaml:"frame_interval"`
	RestartTimeout string `json:"restart_timeout" yaml:"restart_timeout"`
	UI             string `json:"ui" yaml:"ui"`
}

type ApprovalsConfig struct {
	// JournalPath is the SQLite decision log; "-" disables it.
	JournalPath   string `json:"journal_path" yaml:"journal_path"`
	PruneInterval string `json:"prune_interval" yaml:"prune_interval"`
}

type MirrorConfig struct {
	RedisURL   string `json:"redis_url" yaml:"redis_url"`
	TTLSeconds int    `json:"ttl_seconds" yaml:"ttl_seconds"`
	KeyPrefix  string `json:"key_prefix" yaml:"key_prefix"`
}

func DefaultConfig() Config {
	return Config{
		Gateway: GatewayConfig{
			URL:             "ws://127.0.0.1:18789",
			ClientName:      "fleetconsole",
			CallTimeout:     "30s",
			MaxMessageBytes: 4 << 20,
			BackoffMax:      "30s",
		},
		Console: ConsoleConfig{
			LogFile:        ".fleetconsole/console.log",
			HistoryLimit:   200,
			FrameInterval:  "16ms",
			RestartTimeout: "90s",
			UI:             "tui",
		},
		Approvals: ApprovalsConfig{
			JournalPath:   ".fleetconsole/approvals.db",
			PruneInterval: "1s",
		},
		Mirror: MirrorConfig{
			TTLSeconds: 30,
			KeyPrefix:  "fleet",
		},
		Notify: NotifyConfig{
			PollIntervalSeconds: 10,
			IMAP:                ServerConfig{Port: 993, UseSSL: true},
			SMTP:                ServerConfig{Port: 465, UseSSL: true},
		},
	}
}

// Load reads path (JSON, or YAML for .yaml/.yml), fills defaults and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, err
	default:
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg = cfg.WithDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	default:
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", name, err)
		}
	}
	return nil
}

func (c Config) WithDefaults() Config {
	out := c
	def := DefaultConfig()

	if strings.TrimSpace(out.Gateway.URL) == "" {
		out.Gateway.URL = def.Gateway.URL
	}
	if strings.TrimSpace(out.Gateway.ClientName) == "" {
		out.Gateway.ClientName = def.Gateway.ClientName
	}
	if out.Gateway.MaxMessageBytes <= 0 {
		out.Gateway.MaxMessageBytes = def.Gateway.MaxMessageBytes
	}
	out.Gateway.CallTimeout = durationOr(out.Gateway.CallTimeout, def.Gateway.CallTimeout)
	out.Gateway.BackoffMax = durationOr(out.Gateway.BackoffMax, def.Gateway.BackoffMax)

	if strings.TrimSpace(out.Console.LogFile) == "" {
		out.Console.LogFile = def.Console.LogFile
	}
	if out.Console.HistoryLimit <= 0 {
		out.Console.HistoryLimit = def.Console.HistoryLimit
	}
	out.Console.FrameInterval = durationOr(out.Console.FrameInterval, def.Console.FrameInterval)
	out.Console.RestartTimeout = durationOr(out.Console.RestartTimeout, def.Console.RestartTimeout)
	switch strings.ToLower(strings.TrimSpace(out.Console.UI)) {
	case "plain":
		out.Console.UI = "plain"
	default:
		out.Console.UI = def.Console.UI
	}

	if strings.TrimSpace(out.Approvals.JournalPath) == "" {
		out.Approvals.JournalPath = def.Approvals.JournalPath
	}
	out.Approvals.PruneInterval = durationOr(out.Approvals.PruneInterval, def.Approvals.PruneInterval)

	if out.Mirror.TTLSeconds <= 0 {
		out.Mirror.TTLSeconds = def.Mirror.TTLSeconds
	}
	if strings.TrimSpace(out.Mirror.KeyPrefix) == "" {
		out.Mirror.KeyPrefix = def.Mirror.KeyPrefix
	}

	out.Notify.applyDefaults()
	return out
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("FLEET_GATEWAY_URL")); v != "" {
		c.Gateway.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEET_GATEWAY_TOKEN")); v != "" {
		c.Gateway.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("FLEET_REDIS_URL")); v != "" {
		c.Mirror.RedisURL = v
	}
	if v, ok := boolFromEnv("FLEET_NOTIFY_ENABLED"); ok {
		c.Notify.Enabled = v
	}
}

// durationOr keeps raw when it parses, otherwise returns def.
func durationOr(raw, def string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err != nil || d <= 0 {
		return def
	}
	return v
}

func mustDuration(raw string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return d
}

func (c GatewayConfig) CallTimeoutDuration() time.Duration { return mustDuration(c.CallTimeout) }
func (c GatewayConfig) BackoffMaxDuration() time.Duration  { return mustDuration(c.BackoffMax) }

func (c ConsoleConfig) FrameIntervalDuration() time.Duration  { return mustDuration(c.FrameInterval) }
func (c ConsoleConfig) RestartTimeoutDuration() time.Duration { return mustDuration(c.RestartTimeout) }

func (c ApprovalsConfig) PruneIntervalDuration() time.Duration { return mustDuration(c.PruneInterval) }

// JournalEnabled reports whether decisions are written to the SQLite journal.
func (c ApprovalsConfig) JournalEnabled() bool {
	return strings.TrimSpace(c.JournalPath) != "-"
}

func (c MirrorConfig) Enabled() bool { return strings.TrimSpace(c.RedisURL) != "" }

func (c MirrorConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }
