// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned when a configuration document fails validation.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validator performs configuration validation.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the whole document and reports every problem at once.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrInvalidConfig)
	}

	var problems []string

	if cfg.Port < 0 || cfg.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d is out of range", cfg.Port))
	}

	if cfg.QueueSize < 0 {
		problems = append(problems, fmt.Sprintf("queue_size %d must not be negative", cfg.QueueSize))
	}

	problems = append(problems, v.validateServers(cfg)...)
	problems = append(problems, v.validateProfiles(cfg)...)

	if cfg.Tunnel != nil && cfg.Tunnel.Enabled && cfg.Tunnel.AuthToken == "" {
		problems = append(problems, "tunnel.auth_token is required when the tunnel is enabled")
	}

	if cfg.RemoteSource != nil && cfg.RemoteSource.URL == "" {
		problems = append(problems, "remote_source.url is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (*Validator) validateServers(cfg *Config) []string {
	var problems []string
	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		spec := &cfg.Servers[i]
		if err := spec.Validate(); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		if seen[spec.ID] {
			problems = append(problems, fmt.Sprintf("duplicate server id %q", spec.ID))
		}
		seen[spec.ID] = true
	}
	return problems
}

func (*Validator) validateProfiles(cfg *Config) []string {
	known := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		known[cfg.Servers[i].ID] = true
	}

	var problems []string
	for name, ids := range cfg.Profiles {
		for _, id := range ids {
			if !known[id] {
				problems = append(problems, fmt.Sprintf("profile %q references unknown server %q", name, id))
			}
		}
	}
	if cfg.ActiveProfile != "" {
		if _, ok := cfg.Profiles[cfg.ActiveProfile]; !ok {
			problems = append(problems, fmt.Sprintf("active_profile %q is not defined", cfg.ActiveProfile))
		}
	}
	return problems
}
