// Copyright 2024-2026 Aiku AI

// Package config loads the YAML configuration file and carries the
// embedded example config written out on first run.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// ErrExampleWritten signals that no config existed and a fresh example was
// written to the requested path for the operator to fill in.
var ErrExampleWritten = errors.New("example config written, edit it and restart")

// GatewayConfig points at the MTProto gateway sidecar.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// AdminConfig covers the control/health HTTP surface and bootstrap.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// OperatorID is granted admin rights on first boot if not yet listed.
	OperatorID int64 `yaml:"operator_id"`
}

// Config is the full configuration file.
type Config struct {
	Gateway  GatewayConfig     `yaml:"gateway"`
	Database dbutil.Config     `yaml:"database"`
	Admin    AdminConfig       `yaml:"admin"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

// Load reads and validates the config at path. When the file does not
// exist, the embedded example is written there and ErrExampleWritten is
// returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if writeErr := os.WriteFile(path, []byte(ExampleConfig), 0o600); writeErr != nil {
			return nil, fmt.Errorf("config not found and failed to write example: %w", writeErr)
		}
		return nil, ErrExampleWritten
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fills defaults and rejects configs that cannot possibly work.
func (c *Config) Validate() error {
	if c.Gateway.BaseURL == "" {
		return errors.New("gateway.base_url is required")
	}
	if c.Database.Type == "" || c.Database.URI == "" {
		return errors.New("database.type and database.uri are required")
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":29330"
	}
	return nil
}
