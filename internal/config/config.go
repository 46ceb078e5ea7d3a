package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"     validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"      validate:"required"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"   validate:"required"`
	Session    SessionConfig    `mapstructure:"session"    validate:"required"`
	Worker     WorkerConfig     `mapstructure:"worker"     validate:"required"`
	Classifier ClassifierConfig `mapstructure:"classifier" validate:"required"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
// URL may be empty, in which case resource records live in memory and are
// lost on restart.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// QueueConfig selects and tunes the task queue backend. The DSN scheme picks
// the backend: postgres:// for the durable queue, memory:// for a volatile
// in-process queue (tests, single-node development).
type QueueConfig struct {
	DSN          string        `mapstructure:"dsn"           validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// UpstreamConfig contains settings for the external file-sharing service.
type UpstreamConfig struct {
	BaseURL        string        `mapstructure:"base_url"        validate:"required,url"`
	ShareBaseURL   string        `mapstructure:"share_base_url"  validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gt=0"`
	RetryAttempts  int           `mapstructure:"retry_attempts"  validate:"gt=0"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"  validate:"gt=0"`
}

// SessionConfig contains the upstream credential and validity-cache settings.
type SessionConfig struct {
	Credential         string        `mapstructure:"credential"`
	ValidationInterval time.Duration `mapstructure:"validation_interval" validate:"gt=0"`
}

// WorkerConfig tunes the provisioning worker pool.
type WorkerConfig struct {
	Count      int `mapstructure:"count"       validate:"gt=0"`
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`
}

// ClassifierConfig selects the classifier engine and destination template.
type ClassifierConfig struct {
	Engine       string `mapstructure:"engine"        validate:"required,oneof=rules gemini"`
	DestTemplate string `mapstructure:"dest_template" validate:"required"`
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	GeminiModel  string `mapstructure:"gemini_model"`
}
