// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading for relay.
//
// Supports both TOML and JSON formats, with sensible defaults, environment
// variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.relay/config.toml
//   - ~/.relay/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/relaycore/internal/catalog"
)

// ============================================================================
// CONFIG STRUCTURES
// ============================================================================

// Config is the complete relay configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Models   []ModelConfig  `toml:"models" json:"models"`
	Council  CouncilConfig  `toml:"council" json:"council"`
	Provider ProviderConfig `toml:"provider" json:"provider"`
	Ledger   LedgerConfig   `toml:"ledger" json:"ledger"`
	Server   ServerConfig   `toml:"server" json:"server"`
}

// ModelConfig is one cost table row.
type ModelConfig struct {
	ID string `toml:"id" json:"id"`
	// Credits is the price per 1K total tokens.
	Credits      int64 `toml:"credits" json:"credits"`
	SupportsJSON bool  `toml:"supports_json" json:"supports_json"`
}

// CouncilConfig tunes supermode.
type CouncilConfig struct {
	// Models is the fixed roster; empty means every configured model.
	Models []string `toml:"models" json:"models"`
	// Multiplier is the surcharge on summed council cost.
	Multiplier float64 `toml:"multiplier" json:"multiplier"`
	// DeadlineSeconds is the shared fan-out deadline.
	DeadlineSeconds int `toml:"deadline_seconds" json:"deadline_seconds"`
}

// ProviderConfig points at the upstream gateway.
type ProviderConfig struct {
	// BaseURL is the OpenRouter-compatible endpoint.
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey authenticates against the gateway. The RELAY_API_KEY
	// environment variable overrides it.
	APIKey string `toml:"api_key" json:"api_key"`
	// TimeoutSeconds bounds one provider attempt.
	TimeoutSeconds int `toml:"timeout_seconds" json:"timeout_seconds"`
}

// LedgerConfig locates the credit store.
type LedgerConfig struct {
	// Path is the SQLite database file. ":memory:" is valid for tests.
	Path string `toml:"path" json:"path"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Port int `toml:"port" json:"port"`
	// RatePerSecond is the per-client request rate limit (0 = unlimited).
	RatePerSecond float64 `toml:"rate_per_second" json:"rate_per_second"`
	// RateBurst is the per-client burst allowance.
	RateBurst int `toml:"rate_burst" json:"rate_burst"`
	// PrivilegedUsers bypass credit enforcement (responses carry
	// enforced=false).
	PrivilegedUsers []string `toml:"privileged_users" json:"privileged_users"`
}

// ============================================================================
// DEFAULTS
// ============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	models := make([]ModelConfig, 0, len(catalog.DefaultModels))
	for _, m := range catalog.DefaultModels {
		models = append(models, ModelConfig{ID: m.ID, Credits: m.Credits, SupportsJSON: m.SupportsJSON})
	}
	return &Config{
		Version: "1",
		Models:  models,
		Council: CouncilConfig{
			Multiplier:      catalog.DefaultCouncilMultiplier,
			DeadlineSeconds: 90,
		},
		Provider: ProviderConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			TimeoutSeconds: 60,
		},
		Ledger: LedgerConfig{Path: defaultLedgerPath()},
		Server: ServerConfig{
			Port:          8790,
			RatePerSecond: 10,
			RateBurst:     20,
		},
	}
}

func defaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.db"
	}
	return filepath.Join(home, ".relay", "ledger.db")
}

// DefaultPath returns the preferred config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".relay", "config.toml")
}

// ============================================================================
// LOADING
// ============================================================================

// Load reads configuration from path, falling back to defaults when the
// file does not exist. TOML is tried first, then JSON, matching the file
// extension when one is present. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		return nil
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("RELAY_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("RELAY_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("config: at least one model is required")
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config: model with empty id")
		}
		if m.Credits <= 0 {
			return fmt.Errorf("config: model %s has non-positive credits", m.ID)
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate model %s", m.ID)
		}
		seen[m.ID] = true
	}
	for _, id := range c.Council.Models {
		if !seen[id] {
			return fmt.Errorf("config: council model %s not in models table", id)
		}
	}
	if c.Council.Multiplier < 0 {
		return fmt.Errorf("config: negative council multiplier")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	return nil
}

// Catalog builds the immutable cost table from the configuration.
func (c *Config) Catalog() (*catalog.Catalog, error) {
	specs := make([]catalog.ModelSpec, 0, len(c.Models))
	for _, m := range c.Models {
		specs = append(specs, catalog.ModelSpec{ID: m.ID, Credits: m.Credits, SupportsJSON: m.SupportsJSON})
	}
	return catalog.New(specs, c.Council.Models, c.Council.Multiplier)
}
