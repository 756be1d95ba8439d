// Package config loads and watches the process configuration file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix for environment overrides (KIMIKURI_BOT_TOKEN, ...).
const envPrefix = "kimikuri"

// Load reads, parses, env-overrides, defaults and validates the config file.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	// Environment wins over the file, so secrets can stay out of it.
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes the file strictly (unknown fields rejected) without applying
// env overrides, defaults or validation.
func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	jb, format, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s as %s: %w", path, format, err)
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("config: %s: trailing data", path)
		}
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Telegram.PollTimeout == "" {
		cfg.Telegram.PollTimeout = "10s"
	}
	if cfg.Telegram.RatePerSec == 0 {
		cfg.Telegram.RatePerSec = 25
	}
	if cfg.Web.MaxBodyBytes == 0 {
		cfg.Web.MaxBodyBytes = 16 * 1024
	}
	if cfg.Storage.PoolSize == 0 {
		cfg.Storage.PoolSize = 16
	}
	if cfg.Storage.BusyTimeout == "" {
		cfg.Storage.BusyTimeout = "5s"
	}
	if cfg.Stats.Schedule == "" {
		cfg.Stats.Schedule = "@hourly"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks field constraints and all duration fields.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"web.read_timeout", cfg.Web.ReadTimeout},
		{"web.write_timeout", cfg.Web.WriteTimeout},
		{"web.idle_timeout", cfg.Web.IdleTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
