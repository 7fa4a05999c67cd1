// Package config loads the daemon's environment configuration using
// koanf/v2 with the env provider, plus an optional TOML tunables file
// for the knobs that aren't secrets and don't belong in the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is the environment-sourced configuration every operator binary
// loads at startup, read from SERIAL_DEVICE, DATABASE_URL, and RUST_LOG
// with no prefix or renaming.
type Config struct {
	SerialDevice string `koanf:"serial_device"`
	DatabaseURL  string `koanf:"database_url"`
	LogFilter    string `koanf:"log_filter"`
}

// ErrMissingDatabaseURL is a configuration error (exit code 2): daqd
// cannot run without somewhere to write samples.
var ErrMissingDatabaseURL = fmt.Errorf("config: DATABASE_URL is required")

// envKeyMapper maps each environment variable onto its koanf key. Most
// variables lowercase directly onto their struct tag; RUST_LOG is the
// one exception, since the daemon's logging knob is named LogFilter
// rather than RustLog.
func envKeyMapper(s string) string {
	if s == "RUST_LOG" {
		return "log_filter"
	}
	return strings.ToLower(s)
}

// loadDefaults sets the configuration's base layer before any
// environment overlay is applied.
func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"serial_device": "/dev/ttyUSB0",
		"database_url":  "",
		"log_filter":    "info",
	}
	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

func loadEnv() (*Config, error) {
	k := koanf.New(".")
	if err := loadDefaults(k); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// Load reads SERIAL_DEVICE, DATABASE_URL, and RUST_LOG from the
// environment, requiring DatabaseURL to be non-empty.
func Load() (*Config, error) {
	cfg, err := loadEnv()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, ErrMissingDatabaseURL
	}
	return cfg, nil
}

// LoadWithoutDatabase is Load without the DatabaseURL requirement, for
// callers that do not need the database.
func LoadWithoutDatabase() (*Config, error) {
	return loadEnv()
}
