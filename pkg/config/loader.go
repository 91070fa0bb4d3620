// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/mcprouter/mcprouter/pkg/router"
)

// Parse decodes a YAML document, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.EnsureDefaults()
	if err := NewValidator().Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Provider serves the active backend set from the current configuration.
// Swapping in a new document (from a file watcher or remote poller) takes
// effect on the next ListActive call.
type Provider struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewProvider creates a provider serving cfg.
func NewProvider(cfg *Config) *Provider {
	return &Provider{cfg: cfg}
}

// SetConfig replaces the current configuration document.
func (p *Provider) SetConfig(cfg *Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

// Config returns the current configuration document.
func (p *Provider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// ListActive returns the backend specs selected by the active profile, or
// every configured server when no profile is active.
func (p *Provider) ListActive(_ context.Context) ([]router.ConnectionSpec, error) {
	p.mu.RLock()
	cfg := p.cfg
	p.mu.RUnlock()

	if cfg == nil {
		return nil, nil
	}
	if cfg.ActiveProfile == "" {
		specs := make([]router.ConnectionSpec, len(cfg.Servers))
		copy(specs, cfg.Servers)
		return specs, nil
	}

	ids, ok := cfg.Profiles[cfg.ActiveProfile]
	if !ok {
		return nil, fmt.Errorf("%w: active profile %q is not defined", ErrInvalidConfig, cfg.ActiveProfile)
	}
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	specs := make([]router.ConnectionSpec, 0, len(ids))
	for i := range cfg.Servers {
		if selected[cfg.Servers[i].ID] {
			specs = append(specs, cfg.Servers[i])
		}
	}
	return specs, nil
}
