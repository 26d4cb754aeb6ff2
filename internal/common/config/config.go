// Package config provides configuration management for the session broker.
// It supports loading configuration from environment variables, a config
// file, and built-in defaults, using spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session broker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Session  SessionConfig  `mapstructure:"session"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StoreConfig holds the relational store connection configuration.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"` // "postgres" | "sqlite"
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// QueueConfig holds the send-task queue configuration.
type QueueConfig struct {
	Driver  string `mapstructure:"driver"` // "memory" | "nats"
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// SessionConfig holds session lifecycle tunables.
type SessionConfig struct {
	DefaultMaxInactiveMinutesBot   int `mapstructure:"defaultMaxInactiveMinutesBot"`
	DefaultMaxInactiveMinutesHuman int `mapstructure:"defaultMaxInactiveMinutesHuman"`
	PendingGraceSeconds            int `mapstructure:"pendingGraceSeconds"`
	ReapIntervalSeconds            int `mapstructure:"reapIntervalSeconds"`
}

func (s SessionConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSeconds) * time.Second
}

// IngestConfig holds message-ingestion tunables.
type IngestConfig struct {
	SessionGapMinutes       int `mapstructure:"sessionGapMinutes"`
	SendMatchWindowSeconds  int `mapstructure:"sendMatchWindowSeconds"`
}

func (i IngestConfig) SessionGap() time.Duration {
	return time.Duration(i.SessionGapMinutes) * time.Minute
}

func (i IngestConfig) SendMatchWindow() time.Duration {
	return time.Duration(i.SendMatchWindowSeconds) * time.Second
}

// DispatchConfig holds send-task dispatch tunables.
type DispatchConfig struct {
	ReconcileIntervalSeconds int               `mapstructure:"reconcileIntervalSeconds"`
	SendURLTemplates         map[string]string `mapstructure:"sendUrlTemplates"`
}

func (d DispatchConfig) ReconcileInterval() time.Duration {
	return time.Duration(d.ReconcileIntervalSeconds) * time.Second
}

// NotifyConfig holds the notification outbox dispatcher tunables.
type NotifyConfig struct {
	DispatchIntervalSeconds int    `mapstructure:"dispatchIntervalSeconds"`
	Subject                 string `mapstructure:"subject"`
}

func (n NotifyConfig) DispatchInterval() time.Duration {
	return time.Duration(n.DispatchIntervalSeconds) * time.Second
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "./sessionbroker.db")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.url", "")
	v.SetDefault("queue.subject", "sessionbroker.tasks")

	v.SetDefault("session.defaultMaxInactiveMinutesBot", 60)
	v.SetDefault("session.defaultMaxInactiveMinutesHuman", 480)
	v.SetDefault("session.pendingGraceSeconds", 60)
	v.SetDefault("session.reapIntervalSeconds", 60)

	v.SetDefault("ingest.sessionGapMinutes", 30)
	v.SetDefault("ingest.sendMatchWindowSeconds", 120)

	v.SetDefault("dispatch.reconcileIntervalSeconds", 30)
	v.SetDefault("dispatch.sendUrlTemplates", map[string]string{})

	v.SetDefault("notify.dispatchIntervalSeconds", 5)
	v.SetDefault("notify.subject", "sessionbroker.notifications")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix SESSIONBROKER_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the given directory (or the
// default search path if empty).
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SESSIONBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sessionbroker/")

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

	switch cfg.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be one of: postgres, sqlite")
	}
	if cfg.Store.DSN == "" {
		errs = append(errs, "store.dsn is required")
	}

	switch cfg.Queue.Driver {
	case "memory", "nats":
	default:
		errs = append(errs, "queue.driver must be one of: memory, nats")
	}
	if cfg.Queue.Driver == "nats" && cfg.Queue.URL == "" {
		errs = append(errs, "queue.url is required when queue.driver=nats")
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
