// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP router.
//
// A single YAML document describes the HTTP surface, the backend servers to
// connect, and named profiles that select subsets of those servers.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcprouter/mcprouter/pkg/router"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a
// duration string. This ensures duration values are serialized as "30s",
// "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration document for the router.
type Config struct {
	// Host and Port bind the upstream HTTP surface.
	Host string `json:"host,omitempty" yaml:"host,omitempty"`
	Port int    `json:"port,omitempty" yaml:"port,omitempty"`

	// APIKey, when set, requires a matching bearer token on every request.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Strict makes capability name collisions a registration error instead
	// of renaming the later arrival.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`

	// ConnectTimeout bounds each backend connection attempt.
	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`

	// SessionTTL is how long an idle upstream session survives.
	SessionTTL Duration `json:"session_ttl,omitempty" yaml:"session_ttl,omitempty"`

	// KeepAliveInterval is the SSE keep-alive comment cadence.
	KeepAliveInterval Duration `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`

	// QueueSize is the per-session message queue buffer. Zero means
	// rendezvous hand-off.
	QueueSize int `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`

	// Servers lists every backend the router knows about.
	Servers []router.ConnectionSpec `json:"servers" yaml:"servers"`

	// Profiles name subsets of Servers by id. A session that announces a
	// profile is routed against that subset's active set; the special
	// default profile is the full server list.
	Profiles map[string][]string `json:"profiles,omitempty" yaml:"profiles,omitempty"`

	// ActiveProfile selects which profile's servers are connected. Empty
	// means all servers.
	ActiveProfile string `json:"active_profile,omitempty" yaml:"active_profile,omitempty"`

	// Tunnel configures optional public sharing of the router.
	Tunnel *TunnelConfig `json:"tunnel,omitempty" yaml:"tunnel,omitempty"`

	// RemoteSource configures polling a remote endpoint for this document
	// instead of watching a local file.
	RemoteSource *RemoteSourceConfig `json:"remote_source,omitempty" yaml:"remote_source,omitempty"`
}

// TunnelConfig configures the ngrok tunnel provider.
type TunnelConfig struct {
	Enabled   bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AuthToken string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
	Domain    string `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// RemoteSourceConfig configures a polled remote configuration source.
type RemoteSourceConfig struct {
	URL          string   `json:"url" yaml:"url"`
	PollInterval Duration `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
}

// Default values applied by EnsureDefaults.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 8975
	DefaultConnectTimeout    = 30 * time.Second
	DefaultSessionTTL        = 5 * time.Minute
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultPollInterval      = 30 * time.Second
)

// EnsureDefaults fills unset fields with their default values. User-provided
// values are preserved.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = Duration(DefaultSessionTTL)
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = Duration(DefaultKeepAliveInterval)
	}
	if c.RemoteSource != nil && c.RemoteSource.PollInterval <= 0 {
		c.RemoteSource.PollInterval = Duration(DefaultPollInterval)
	}
}
