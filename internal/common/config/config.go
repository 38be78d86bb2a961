// Package config provides configuration management for the relay broker.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Bus       BusConfig       `mapstructure:"bus"`
	Replay    ReplayConfig    `mapstructure:"replay"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds control-plane HTTP/WS server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// BusConfig holds external relay bus configuration.
type BusConfig struct {
	// NATSURL empty means use the in-memory bus (single-process/dev mode).
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	Namespace     string `mapstructure:"namespace"`
}

// ReplayConfig holds event sequencer / replay ring configuration.
type ReplayConfig struct {
	// RingSize is the maximum number of events retained for replay per broker.
	RingSize int `mapstructure:"ringSize"`
	// SubscriberBuffer is the per-subscriber outbound channel depth.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
}

// LifecycleConfig holds delivery lifecycle tracking configuration.
type LifecycleConfig struct {
	// MessageGraceSeconds is the fixed grace period before an unconfirmed
	// fire-and-forget delivery is marked uncertain.
	MessageGraceSeconds int `mapstructure:"messageGraceSeconds"`
	// DefaultAwaitTimeoutSeconds bounds AWAIT deliveries that omit an
	// explicit timeout; zero means the caller must always supply one.
	DefaultAwaitTimeoutSeconds int `mapstructure:"defaultAwaitTimeoutSeconds"`
	// IdleVerifySeconds is the idle threshold after post-injection
	// activity that upgrades a delivery to verified.read; zero disables
	// activity-based verification.
	IdleVerifySeconds int `mapstructure:"idleVerifySeconds"`
	// PresenceOnlineSeconds is the activity window within which a worker
	// is reported online.
	PresenceOnlineSeconds int `mapstructure:"presenceOnlineSeconds"`
	// PresenceStuckSeconds is the inactivity threshold after which a
	// live worker is reported stuck.
	PresenceStuckSeconds int `mapstructure:"presenceStuckSeconds"`
}

// IdentityConfig holds agent identity/routing table configuration.
type IdentityConfig struct {
	// StrictNames, when true, makes spawn_pty on a live name a fatal broker
	// error instead of surfacing NameConflict to the caller.
	StrictNames bool `mapstructure:"strictNames"`
	// AllowedCLIs, when non-empty, restricts spawn_pty to the listed
	// vendor commands; anything else is rejected as unsupported.
	AllowedCLIs []string `mapstructure:"allowedClis"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("bus.natsUrl", "")
	v.SetDefault("bus.clientId", "relay-broker")
	v.SetDefault("bus.maxReconnects", 10)
	v.SetDefault("bus.namespace", "")

	v.SetDefault("replay.ringSize", 1024)
	v.SetDefault("replay.subscriberBuffer", 256)

	v.SetDefault("lifecycle.messageGraceSeconds", 30)
	v.SetDefault("lifecycle.defaultAwaitTimeoutSeconds", 0)
	v.SetDefault("lifecycle.idleVerifySeconds", 0)
	v.SetDefault("lifecycle.presenceOnlineSeconds", 30)
	v.SetDefault("lifecycle.presenceStuckSeconds", 300)

	v.SetDefault("identity.strictNames", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the RELAY_ prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("bus.natsUrl", "RELAY_BUS_NATS_URL")
	_ = v.BindEnv("logging.level", "RELAY_LOG_LEVEL")
	_ = v.BindEnv("replay.ringSize", "RELAY_REPLAY_RING_SIZE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay-broker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Replay.RingSize <= 0 {
		errs = append(errs, "replay.ringSize must be positive")
	}
	if cfg.Replay.SubscriberBuffer <= 0 {
		errs = append(errs, "replay.subscriberBuffer must be positive")
	}

	if cfg.Lifecycle.MessageGraceSeconds <= 0 {
		errs = append(errs, "lifecycle.messageGraceSeconds must be positive")
	}
	if cfg.Lifecycle.PresenceOnlineSeconds <= 0 {
		errs = append(errs, "lifecycle.presenceOnlineSeconds must be positive")
	}
	if cfg.Lifecycle.PresenceStuckSeconds <= cfg.Lifecycle.PresenceOnlineSeconds {
		errs = append(errs, "lifecycle.presenceStuckSeconds must exceed presenceOnlineSeconds")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
