package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultAgentID = "flipgate"
	DefaultHost    = "0.0.0.0"
	DefaultPort    = 18890
	DefaultBufSize = 100

	DefaultBatchMode    = "debounce"
	DefaultDebounceMs   = 800
	DefaultMaxBatchSize = 6
	DefaultMaxWaitMs    = 5000

	DefaultDMScope      = "main"
	DefaultHistoryLimit = 100

	DefaultResetMode         = "idle"
	DefaultResetAtHour       = 4
	DefaultResetIdleMinutes  = 240
	DefaultCleanupMaxAgeDays = 30
	DefaultCleanupIdleDays   = 7
)

// DefaultResetTriggers are the commands recognized as manual session resets.
var DefaultResetTriggers = []string{"/new", "/reset"}

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Gateway  GatewayConfig  `json:"gateway"`
	Channels ChannelsConfig `json:"channels"`
	Batch    BatchConfig    `json:"batch"`
	Session  SessionConfig  `json:"session"`
	Store    StoreConfig    `json:"store"`
}

type AgentConfig struct {
	ID string `json:"id"`
}

type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

// BatchConfig controls per-chat inbound batching.
// Mode is one of "immediate", "debounce", "collect".
type BatchConfig struct {
	Mode         string `json:"mode"`
	DebounceMs   int    `json:"debounceMs"`
	MaxBatchSize int    `json:"maxBatchSize"`
	MaxWaitMs    int    `json:"maxWaitMs"`
}

// SessionConfig controls session identity and lifecycle.
// DMScope is one of "main", "per-peer", "per-channel-peer".
type SessionConfig struct {
	DMScope       string        `json:"dmScope"`
	HistoryLimit  int           `json:"historyLimit"`
	Reset         ResetConfig   `json:"reset"`
	ResetTriggers []string      `json:"resetTriggers"`
	Cleanup       CleanupConfig `json:"cleanup"`
}

// ResetConfig controls automatic session resets.
// Mode is one of "daily", "idle", "both", "manual".
type ResetConfig struct {
	Mode        string `json:"mode"`
	AtHour      int    `json:"atHour"`
	IdleMinutes int    `json:"idleMinutes"`
}

type CleanupConfig struct {
	Enabled    bool `json:"enabled"`
	MaxAgeDays int  `json:"maxAgeDays"`
	IdleDays   int  `json:"idleDays"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{ID: DefaultAgentID},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Channels: ChannelsConfig{},
		Batch: BatchConfig{
			Mode:         DefaultBatchMode,
			DebounceMs:   DefaultDebounceMs,
			MaxBatchSize: DefaultMaxBatchSize,
			MaxWaitMs:    DefaultMaxWaitMs,
		},
		Session: SessionConfig{
			DMScope:      DefaultDMScope,
			HistoryLimit: DefaultHistoryLimit,
			Reset: ResetConfig{
				Mode:        DefaultResetMode,
				AtHour:      DefaultResetAtHour,
				IdleMinutes: DefaultResetIdleMinutes,
			},
			ResetTriggers: append([]string(nil), DefaultResetTriggers...),
			Cleanup: CleanupConfig{
				Enabled:    true,
				MaxAgeDays: DefaultCleanupMaxAgeDays,
				IdleDays:   DefaultCleanupIdleDays,
			},
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".flipgate")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// DBPath resolves the session database path, falling back to the default
// location under the config dir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Store.DBPath); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "data", "sessions.db")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if id := os.Getenv("FLIPGATE_AGENT_ID"); id != "" {
		cfg.Agent.ID = id
	}
	if token := os.Getenv("FLIPGATE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if dbPath := os.Getenv("FLIPGATE_DB_PATH"); dbPath != "" {
		cfg.Store.DBPath = dbPath
	}

	cfg.normalize()
	return cfg, nil
}

// normalize fills zero values with documented defaults so a partial config
// file never leaves a policy knob unset.
func (c *Config) normalize() {
	if strings.TrimSpace(c.Agent.ID) == "" {
		c.Agent.ID = DefaultAgentID
	}
	if c.Batch.Mode == "" {
		c.Batch.Mode = DefaultBatchMode
	}
	if c.Batch.DebounceMs <= 0 {
		c.Batch.DebounceMs = DefaultDebounceMs
	}
	if c.Batch.MaxBatchSize <= 0 {
		c.Batch.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.Batch.MaxWaitMs <= 0 {
		c.Batch.MaxWaitMs = DefaultMaxWaitMs
	}
	if c.Session.DMScope == "" {
		c.Session.DMScope = DefaultDMScope
	}
	if c.Session.HistoryLimit <= 0 {
		c.Session.HistoryLimit = DefaultHistoryLimit
	}
	if c.Session.Reset.Mode == "" {
		c.Session.Reset.Mode = DefaultResetMode
	}
	if c.Session.Reset.AtHour < 0 || c.Session.Reset.AtHour > 23 {
		c.Session.Reset.AtHour = DefaultResetAtHour
	}
	if c.Session.Reset.IdleMinutes <= 0 {
		c.Session.Reset.IdleMinutes = DefaultResetIdleMinutes
	}
	if len(c.Session.ResetTriggers) == 0 {
		c.Session.ResetTriggers = append([]string(nil), DefaultResetTriggers...)
	}
	if c.Session.Cleanup.MaxAgeDays <= 0 {
		c.Session.Cleanup.MaxAgeDays = DefaultCleanupMaxAgeDays
	}
	if c.Session.Cleanup.IdleDays <= 0 {
		c.Session.Cleanup.IdleDays = DefaultCleanupIdleDays
	}
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
