// Copyright 2026 The Taskweave Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a Taskweave replica.
type Config struct {
	// Room is the synchronization namespace shared by all replicas
	// of one task list.
	Room string `yaml:"room" json:"room"`

	// Secret is the shared key material; the signaling payload key is
	// derived from it and the room name.
	Secret string `yaml:"secret" json:"secret"`

	// Insecure permits an empty secret; payloads then cross the relay
	// in clear. Only sensible on a trusted private relay.
	Insecure bool `yaml:"insecure" json:"insecure"`

	// Signaling lists the relay websocket URLs.
	Signaling []string `yaml:"signaling" json:"signaling"`

	// TURN configures the credential provider for relayed transport.
	TURN TURNConfig `yaml:"turn" json:"turn"`

	// Device captures platform quirks for reconnect policy.
	Device DeviceConfig `yaml:"device" json:"device"`

	// Compression selects the data-channel codec: zstd, lz4, none.
	Compression string `yaml:"compression" json:"compression"`

	// MaxPeers caps direct connections per room.
	MaxPeers int `yaml:"max_peers" json:"max_peers"`

	// Tuning overrides the reconnect and resync policy knobs. Zero
	// fields keep their defaults.
	Tuning TuningConfig `yaml:"tuning" json:"tuning"`

	// LogLevel selects the slog level: debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// TURNConfig configures the TURN credential provider.
type TURNConfig struct {
	// Enabled gates any TURN usage; without it the session stays
	// STUN-only.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Endpoint is the credential provider URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// APIKey is appended to the endpoint as the apikey query param.
	APIKey string `yaml:"api_key" json:"api_key"`
}

// DeviceConfig marks platform quirks.
type DeviceConfig struct {
	// ExclusiveICE avoids merged TURN+STUN candidate lists.
	ExclusiveICE bool `yaml:"exclusive_ice" json:"exclusive_ice"`

	// AggressiveSuspend marks platforms that silently kill background
	// sockets; resumes then always rebuild.
	AggressiveSuspend bool `yaml:"aggressive_suspend" json:"aggressive_suspend"`
}

// Duration parses from a YAML/JSON string like "15s" or "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw string) error {
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TuningConfig exposes the policy knobs. Every field is optional;
// zero keeps the built-in default.
type TuningConfig struct {
	ResyncAttempts      int      `yaml:"resync_attempts" json:"resync_attempts"`
	ResyncInterval      Duration `yaml:"resync_interval" json:"resync_interval"`
	ResyncCooldown      Duration `yaml:"resync_cooldown" json:"resync_cooldown"`
	StalePeerThreshold  Duration `yaml:"stale_peer_threshold" json:"stale_peer_threshold"`
	SignalingStaleAfter Duration `yaml:"signaling_stale_after" json:"signaling_stale_after"`
	WatchdogInterval    Duration `yaml:"watchdog_interval" json:"watchdog_interval"`
	EscalationDelay     Duration `yaml:"escalation_delay" json:"escalation_delay"`
	EscalationGrace     Duration `yaml:"escalation_grace" json:"escalation_grace"`
	MaxEscalationWait   Duration `yaml:"max_escalation_wait" json:"max_escalation_wait"`
	RelayCooldown       Duration `yaml:"relay_cooldown" json:"relay_cooldown"`
}

// Default returns a Config with defaults applied. They exist to give
// every field a sensible zero-state, not as a substitute for the
// config file: room, secret, and relays always come from the file.
func Default() *Config {
	return &Config{
		Compression: "zstd",
		MaxPeers:    20,
		LogLevel:    "info",
	}
}

// Load loads configuration from the TASKWEAVE_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	path := os.Getenv("TASKWEAVE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TASKWEAVE_CONFIG environment variable not set; " +
			"set it to the path of your taskweave.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables never override
// its values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Room == "" {
		errs = append(errs, fmt.Errorf("room is required"))
	}
	if c.Secret == "" && !c.Insecure {
		errs = append(errs, fmt.Errorf("secret is required (or set insecure: true)"))
	}
	if len(c.Signaling) == 0 {
		errs = append(errs, fmt.Errorf("at least one signaling relay url is required"))
	}
	if c.TURN.Enabled && c.TURN.Endpoint == "" {
		errs = append(errs, fmt.Errorf("turn.endpoint is required when turn.enabled"))
	}

	switch c.Compression {
	case "", "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("compression must be one of: zstd, lz4, none"))
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of: debug, info, warn, error"))
	}
	if c.MaxPeers < 0 {
		errs = append(errs, fmt.Errorf("max_peers must not be negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
