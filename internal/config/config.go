// Package config defines the runtime configuration surface and its loader.
// Config files are JSON5; environment variables (MOZI_*) overlay file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Database  DatabaseConfig  `json:"database"`
	Queue     QueueConfig     `json:"queue"`
	Reminders RemindersConfig `json:"reminders"`
	Channels  ChannelsConfig  `json:"channels"`
	Egress    EgressConfig    `json:"egress"`
	Log       LogConfig       `json:"log"`
}

// AgentConfig identifies the agent instance.
type AgentConfig struct {
	ID string `json:"id"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// QueueConfig tunes the kernel's admission policy and pump.
type QueueConfig struct {
	// Mode is one of followup, collect, interrupt, steer, steer-backlog.
	Mode            string `json:"mode"`
	CollectWindowMs int    `json:"collectWindowMs"`
	MaxBacklog      int    `json:"maxBacklog"`
	PollIntervalMs  int    `json:"pollIntervalMs"`
}

// RemindersConfig tunes the reminder runner.
type RemindersConfig struct {
	PollMs int `json:"pollMs"`
	Batch  int `json:"batch"`
}

// ChannelsConfig holds per-platform adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Local    LocalConfig    `json:"local"`
}

// TelegramConfig configures the Telegram adapter (long polling).
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	Proxy     string   `json:"proxy,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

// LocalConfig configures the stdin/stdout console adapter.
type LocalConfig struct {
	Enabled bool   `json:"enabled"`
	PeerID  string `json:"peerId,omitempty"`
}

// EgressConfig throttles outbound delivery per channel.
type EgressConfig struct {
	RatePerSec float64 `json:"ratePerSec"`
	Burst      int     `json:"burst"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `json:"level"` // debug|info|warn|error
}

// Validate checks cross-field constraints the loader cannot default away.
func (c *Config) Validate() error {
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return fmt.Errorf("telegram channel enabled without a token")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return fmt.Errorf("discord channel enabled without a token")
	}
	if c.Queue.CollectWindowMs < 0 {
		return fmt.Errorf("queue.collectWindowMs must be >= 0")
	}
	if c.Queue.MaxBacklog < 0 {
		return fmt.Errorf("queue.maxBacklog must be >= 1 or unset")
	}
	return nil
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mozi.json"
	}
	return filepath.Join(home, ".mozi", "config.json")
}

// ExpandHome resolves a leading "~/" against the user's home directory.
func ExpandHome(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
