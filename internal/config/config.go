// Package config provides configuration types and loading for chatwarden.
//
// Configuration is file-based (chatwarden.yaml) with environment variable
// overrides under the CHATWARDEN_ prefix. Durations are YAML strings in
// Go duration syntax ("5m", "60s", "200ms") and are parsed at wiring time.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the top-level chatwarden configuration.
type Config struct {
	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// StatePath is the SQLite file holding cascade state, the session
	// allow-list, and lock tokens. Defaults to ~/.chatwarden/chatwarden.db.
	StatePath string `yaml:"state_path" mapstructure:"state_path"`

	// FailMode decides what the hook reports when no decision was
	// obtained (deadline expired, lock never acquired): "closed" denies,
	// "open" lets the caller's own permission flow continue.
	// Defaults to "closed".
	FailMode string `yaml:"fail_mode" mapstructure:"fail_mode" validate:"omitempty,oneof=open closed"`

	// Negotiation tunes the decision and reason dialogs.
	Negotiation NegotiationConfig `yaml:"negotiation" mapstructure:"negotiation"`

	// Session configures the per-session tool allow-list.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// RejectLog configures the append-only rejection log.
	RejectLog RejectLogConfig `yaml:"reject_log" mapstructure:"reject_log"`

	// Telegram configures the operator chat.
	Telegram TelegramConfig `yaml:"telegram" mapstructure:"telegram"`
}

// NegotiationConfig tunes one permission negotiation.
type NegotiationConfig struct {
	// RequestTimeout is the total budget for one negotiation, lock wait
	// and reason dialog included. Defaults to "5m".
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`

	// ReasonTimeout bounds the reason sub-dialog after a rejection.
	// Defaults to "60s". Never extends past the request timeout.
	ReasonTimeout string `yaml:"reason_timeout" mapstructure:"reason_timeout" validate:"omitempty,duration"`

	// ReasonMaxLength truncates stored rejection reasons, in characters.
	// Defaults to 500.
	ReasonMaxLength int `yaml:"reason_max_length" mapstructure:"reason_max_length" validate:"omitempty,gt=0"`

	// CascadeWindow is how long a rejection auto-rejects follow-up
	// requests for the same operator. Defaults to "5s".
	CascadeWindow string `yaml:"cascade_window" mapstructure:"cascade_window" validate:"omitempty,duration"`

	// LockPollInterval paces retries while waiting for the operator lock.
	// Defaults to "200ms".
	LockPollInterval string `yaml:"lock_poll_interval" mapstructure:"lock_poll_interval" validate:"omitempty,duration"`

	// DecisionPollInterval paces decision and reason polling.
	// Defaults to "1s".
	DecisionPollInterval string `yaml:"decision_poll_interval" mapstructure:"decision_poll_interval" validate:"omitempty,duration"`

	// NoReasonKeywords are replies treated as "no reason given".
	// Defaults to ["skip", "no", "-"]. Matched case-insensitively.
	NoReasonKeywords []string `yaml:"no_reason_keywords" mapstructure:"no_reason_keywords"`
}

// SessionConfig configures the per-session tool allow-list.
type SessionConfig struct {
	// CacheTTL is how long a session-wide approval stays valid, counted
	// from the session's first approval. Defaults to "24h".
	CacheTTL string `yaml:"cache_ttl" mapstructure:"cache_ttl" validate:"omitempty,duration"`
}

// RejectLogConfig configures the rejection log file.
type RejectLogConfig struct {
	// Path is the active log file.
	// Defaults to ~/.chatwarden/logs/rejections.log.
	Path string `yaml:"path" mapstructure:"path"`

	// RotateBytes rotates the active file once it exceeds this size.
	// Defaults to 1048576 (1 MiB).
	RotateBytes int64 `yaml:"rotate_bytes" mapstructure:"rotate_bytes" validate:"omitempty,gt=0"`

	// MaxFiles is the number of rotated generations to keep. Zero means
	// truncate instead of rotate. Defaults to 3.
	MaxFiles int `yaml:"max_files" mapstructure:"max_files" validate:"omitempty,gte=0"`
}

// TelegramConfig configures the operator's Telegram chat.
type TelegramConfig struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token" mapstructure:"token" validate:"required"`

	// ChatID is the chat where prompts are posted and answered.
	ChatID int64 `yaml:"chat_id" mapstructure:"chat_id" validate:"required"`

	// UserID optionally narrows the lock to one operator within the chat.
	UserID string `yaml:"user_id" mapstructure:"user_id"`
}

// SetDefaults applies default values to the configuration.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.FailMode == "" {
		c.FailMode = "closed"
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(homeDir(), ".chatwarden", "chatwarden.db")
	}

	if c.Negotiation.RequestTimeout == "" {
		c.Negotiation.RequestTimeout = "5m"
	}
	if c.Negotiation.ReasonTimeout == "" {
		c.Negotiation.ReasonTimeout = "60s"
	}
	if c.Negotiation.ReasonMaxLength == 0 {
		c.Negotiation.ReasonMaxLength = 500
	}
	if c.Negotiation.CascadeWindow == "" {
		c.Negotiation.CascadeWindow = "5s"
	}
	if c.Negotiation.LockPollInterval == "" {
		c.Negotiation.LockPollInterval = "200ms"
	}
	if c.Negotiation.DecisionPollInterval == "" {
		c.Negotiation.DecisionPollInterval = "1s"
	}
	if len(c.Negotiation.NoReasonKeywords) == 0 {
		c.Negotiation.NoReasonKeywords = []string{"skip", "no", "-"}
	}

	if c.Session.CacheTTL == "" {
		c.Session.CacheTTL = "24h"
	}

	if c.RejectLog.Path == "" {
		c.RejectLog.Path = filepath.Join(homeDir(), ".chatwarden", "logs", "rejections.log")
	}
	if c.RejectLog.RotateBytes == 0 {
		c.RejectLog.RotateBytes = 1 << 20
	}
	// MaxFiles zero is meaningful (truncate instead of rotate), so the
	// default only applies when the key was never set.
	// viper.IsSet distinguishes "not set" from an explicit zero.
	if !viper.IsSet("reject_log.max_files") && c.RejectLog.MaxFiles == 0 {
		c.RejectLog.MaxFiles = 3
	}
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
