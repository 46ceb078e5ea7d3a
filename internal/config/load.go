package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// envPrefix is the prefix for all environment variables read by Load,
// e.g. PROVISIOND_SERVER_PORT maps to server.port.
const envPrefix = "PROVISIOND"

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over values from the config file.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything can come from the
		// environment. Any other read error is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers defaults for every setting that has a sensible one.
// Required secrets (database URL, upstream credential) have no defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("queue.dsn", "memory://")
	v.SetDefault("queue.poll_interval", 100*time.Millisecond)

	v.SetDefault("upstream.base_url", "https://drive.quark.cn")
	v.SetDefault("upstream.share_base_url", "https://drive-h.quark.cn")
	v.SetDefault("upstream.request_timeout", 30*time.Second)
	v.SetDefault("upstream.max_connections", 8)
	v.SetDefault("upstream.retry_attempts", 3)
	v.SetDefault("upstream.retry_base_delay", time.Second)
	v.SetDefault("upstream.retry_max_delay", 8*time.Second)

	v.SetDefault("session.validation_interval", time.Hour)

	v.SetDefault("worker.count", 5)
	v.SetDefault("worker.max_retries", 3)

	v.SetDefault("classifier.engine", "rules")
	v.SetDefault("classifier.dest_template", "/Media/{type}/{year}/{title} ({year})")
	v.SetDefault("classifier.gemini_model", "gemini-2.0-flash")
}
