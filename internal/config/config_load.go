package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			ID: "mozi",
		},
		Database: DatabaseConfig{
			Path: "~/.mozi/mozi.db",
		},
		Queue: QueueConfig{
			Mode:            "steer-backlog",
			CollectWindowMs: 400,
			PollIntervalMs:  250,
		},
		Reminders: RemindersConfig{
			PollMs: 1000,
			Batch:  32,
		},
		Egress: EgressConfig{
			RatePerSec: 25,
			Burst:      5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("MOZI_AGENT_ID", &c.Agent.ID)
	envStr("MOZI_DB_PATH", &c.Database.Path)
	envStr("MOZI_LOG_LEVEL", &c.Log.Level)

	envStr("MOZI_QUEUE_MODE", &c.Queue.Mode)
	envInt("MOZI_QUEUE_COLLECT_WINDOW_MS", &c.Queue.CollectWindowMs)
	envInt("MOZI_QUEUE_MAX_BACKLOG", &c.Queue.MaxBacklog)
	envInt("MOZI_QUEUE_POLL_INTERVAL_MS", &c.Queue.PollIntervalMs)

	envInt("MOZI_REMINDERS_POLL_MS", &c.Reminders.PollMs)
	envInt("MOZI_REMINDERS_BATCH", &c.Reminders.Batch)

	envStr("MOZI_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("MOZI_TELEGRAM_PROXY", &c.Channels.Telegram.Proxy)
	envStr("MOZI_DISCORD_TOKEN", &c.Channels.Discord.Token)

	// Auto-enable channels when credentials arrive via env.
	if os.Getenv("MOZI_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("MOZI_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if v := os.Getenv("MOZI_LOCAL_ENABLED"); v == "true" || v == "1" {
		c.Channels.Local.Enabled = true
	}
}
