package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for chatwarden.yaml/.yml
// in standard locations. The search requires an explicit YAML extension so
// the binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("chatwarden")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CHATWARDEN_TELEGRAM_TOKEN
	viper.SetEnvPrefix("CHATWARDEN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a chatwarden config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".chatwarden"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "chatwarden"))
		}
	} else {
		paths = append(paths, "/etc/chatwarden")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for chatwarden.yaml
// or .yml. Returns the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "chatwarden"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable
// support. Example: CHATWARDEN_NEGOTIATION_REQUEST_TIMEOUT overrides
// negotiation.request_timeout.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("state_path")
	_ = viper.BindEnv("fail_mode")

	_ = viper.BindEnv("negotiation.request_timeout")
	_ = viper.BindEnv("negotiation.reason_timeout")
	_ = viper.BindEnv("negotiation.reason_max_length")
	_ = viper.BindEnv("negotiation.cascade_window")
	_ = viper.BindEnv("negotiation.lock_poll_interval")
	_ = viper.BindEnv("negotiation.decision_poll_interval")
	// Note: negotiation.no_reason_keywords is an array, use the config file.

	_ = viper.BindEnv("session.cache_ttl")

	_ = viper.BindEnv("reject_log.path")
	_ = viper.BindEnv("reject_log.rotate_bytes")
	_ = viper.BindEnv("reject_log.max_files")

	_ = viper.BindEnv("telegram.token")
	_ = viper.BindEnv("telegram.chat_id")
	_ = viper.BindEnv("telegram.user_id")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the Config.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or an empty string when running on env vars only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
