// Package config loads codexbridge's configuration from environment
// variables, an optional config file, and defaults, grounded on the
// teacher's internal/common/config viper setup narrowed to the
// sections this bridge actually has: the hub connection, the Codex
// subprocess/binary, logging, and debug tracing.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every configuration section codexbridge reads at startup.
type Config struct {
	Hub     HubConfig     `mapstructure:"hub"`
	Codex   CodexConfig   `mapstructure:"codex"`
	Logging LoggingConfig `mapstructure:"logging"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

// HubConfig addresses the remote hub this bridge relays to.
type HubConfig struct {
	URL               string `mapstructure:"url"`
	SessionID         string `mapstructure:"sessionId"`
	ReconnectInterval int    `mapstructure:"reconnectIntervalSeconds"`
}

// CodexConfig selects the Codex binary, its working directory, and
// which transport dialect drives it.
type CodexConfig struct {
	Command string `mapstructure:"command"`
	WorkDir string `mapstructure:"workDir"`

	// UseSDK and UseMCPServer select the transport per spec section
	// 4.7's precedence (SDK > MCP > app-server); both default false,
	// selecting the app-server transport.
	UseSDK       bool `mapstructure:"useSdk"`
	UseMCPServer bool `mapstructure:"useMcpServer"`
}

// LoggingConfig mirrors internal/common/logger.LoggingConfig's shape so
// it can be unmarshaled directly into it.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DebugConfig controls optional JSONL tracing of every canonical event,
// independent of structured logging.
type DebugConfig struct {
	TraceEvents bool   `mapstructure:"traceEvents"`
	TraceDir    string `mapstructure:"traceDir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hub.url", "ws://localhost:8080/ws")
	v.SetDefault("hub.sessionId", "")
	v.SetDefault("hub.reconnectIntervalSeconds", 5)

	v.SetDefault("codex.command", "codex")
	v.SetDefault("codex.workDir", ".")
	v.SetDefault("codex.useSdk", false)
	v.SetDefault("codex.useMcpServer", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("debug.traceEvents", false)
	v.SetDefault("debug.traceDir", "")
}

// Load reads configuration from environment variables (prefix
// CODEXBRIDGE_), an optional ./config.yaml or /etc/codexbridge/config.yaml,
// and the defaults above, in that order of decreasing precedence: env
// wins over the file, and the file over the defaults, matching viper's
// AutomaticEnv semantics.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CODEXBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// USE_SDK/USE_MCP_SERVER (launcher construction precedence, section
	// 4.7) and CODEX_USE_SDK/CODEX_USE_MCP_SERVER (section 6.4's
	// consumed-environment list) both name these flags; bind every
	// spelling alongside the prefixed equivalent so any of them works.
	_ = v.BindEnv("codex.useSdk", "USE_SDK", "CODEX_USE_SDK", "CODEXBRIDGE_CODEX_USESDK")
	_ = v.BindEnv("codex.useMcpServer", "USE_MCP_SERVER", "CODEX_USE_MCP_SERVER", "CODEXBRIDGE_CODEX_USEMCPSERVER")
	_ = v.BindEnv("debug.traceEvents", "CODEXBRIDGE_DEBUG_EVENTS")
	_ = v.BindEnv("debug.traceDir", "CODEXBRIDGE_DEBUG_LOG_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/codexbridge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Hub.URL == "" {
		errs = append(errs, "hub.url is required")
	}
	if cfg.Codex.Command == "" {
		errs = append(errs, "codex.command is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
