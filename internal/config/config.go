// SPDX-License-Identifier: MIT

// Package config loads and validates the ingest core's YAML
// configuration: the source list, manager tunables, decoder defaults,
// and the health HTTP surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/eas-station-sub008/config.yaml"

// Config is the complete ingest core configuration.
type Config struct {
	Sources []SourceConfig `yaml:"sources" koanf:"sources"`
	Manager ManagerConfig  `yaml:"manager" koanf:"manager"`
	Decoder DecoderConfig  `yaml:"decoder" koanf:"decoder"`
	Health  HealthConfig   `yaml:"health" koanf:"health"`
}

// SourceConfig describes one configured audio source, corresponding
// 1:1 to a source.Adapter the manager will construct.
type SourceConfig struct {
	Name               string        `yaml:"name" koanf:"name"`
	Kind               string        `yaml:"kind" koanf:"kind"` // "http", "sdr", "line"
	URI                string        `yaml:"uri" koanf:"uri"`
	Priority           int           `yaml:"priority" koanf:"priority"` // lower = preferred
	SilenceThresholdDB float64       `yaml:"silence_threshold_db" koanf:"silence_threshold_db"`
	SilenceDuration    time.Duration `yaml:"silence_duration" koanf:"silence_duration"`
	WatchdogTimeout    time.Duration `yaml:"watchdog_timeout" koanf:"watchdog_timeout"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts" koanf:"max_restart_attempts"`
	Enabled            bool          `yaml:"enabled" koanf:"enabled"`
	ExtraArgs          []string      `yaml:"extra_args" koanf:"extra_args"`
}

// ManagerConfig contains the SourceManager's failover and buffering
// tunables.
type ManagerConfig struct {
	SampleRate           int           `yaml:"sample_rate" koanf:"sample_rate"`
	SourceRingSeconds    int           `yaml:"source_ring_seconds" koanf:"source_ring_seconds"`
	MasterBufferSeconds  int           `yaml:"master_buffer_seconds" koanf:"master_buffer_seconds"`
	FailoverPollInterval time.Duration `yaml:"failover_poll_interval" koanf:"failover_poll_interval"`
	StallWindow          time.Duration `yaml:"stall_window" koanf:"stall_window"`
	PreemptHysteresis    time.Duration `yaml:"preempt_hysteresis" koanf:"preempt_hysteresis"`
	FailoverHistorySize  int           `yaml:"failover_history_size" koanf:"failover_history_size"`
	LockPath             string        `yaml:"lock_path" koanf:"lock_path"`
}

// DecoderConfig contains defaults applied to every DecoderProcess the
// manager spawns, unless a SourceConfig overrides them.
type DecoderConfig struct {
	Binary          string        `yaml:"binary" koanf:"binary"`
	LogDir          string        `yaml:"log_dir" koanf:"log_dir"`
	StopGrace       time.Duration `yaml:"stop_grace" koanf:"stop_grace"`
	MonitorInterval time.Duration `yaml:"monitor_interval" koanf:"monitor_interval"`
}

// HealthConfig configures the passive HTTP health/metrics surface.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Addr    string `yaml:"addr" koanf:"addr"`
}

// LoadConfig reads and parses the configuration file at path.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to a YAML file, atomically: write to
// a temp file in the same directory, sync, chmod, then rename. A
// crash mid-write leaves either the old file or the new one, never a
// partially-written file.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}

	// Config may embed source URIs with embedded credentials; restrict
	// to owner+group.
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil { // #nosec G703 -- path is from CLI flag/config, not web request input
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// Validate checks the configuration for invalid or contradictory
// values, failing fast (per the spec's InvalidConfiguration
// semantics) before any adapter is constructed.
func (c *Config) Validate() error {
	seenNames := make(map[string]bool, len(c.Sources))
	seenPriority := make(map[int]string, len(c.Sources))

	for i, src := range c.Sources {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("source[%d] %q: %w", i, src.Name, err)
		}
		if seenNames[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seenNames[src.Name] = true

		if other, ok := seenPriority[src.Priority]; ok && src.Enabled {
			return fmt.Errorf("source %q and %q share priority %d", src.Name, other, src.Priority)
		}
		if src.Enabled {
			seenPriority[src.Priority] = src.Name
		}
	}

	if err := c.Manager.Validate(); err != nil {
		return fmt.Errorf("manager config: %w", err)
	}

	return nil
}

// Validate checks one source configuration for invalid values. Zero
// durations/counts are treated as "inherit the manager-wide default",
// not an error, mirroring the teacher's device-config merge pattern.
func (s *SourceConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if s.URI == "" {
		return fmt.Errorf("uri cannot be empty")
	}
	switch s.Kind {
	case "", "http", "sdr", "line":
	default:
		return fmt.Errorf("kind must be one of http, sdr, line (got %q)", s.Kind)
	}
	if s.MaxRestartAttempts < 0 {
		return fmt.Errorf("max_restart_attempts must not be negative")
	}
	return nil
}

// Validate checks manager configuration for invalid values.
func (m *ManagerConfig) Validate() error {
	if m.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive")
	}
	if m.SourceRingSeconds <= 0 {
		return fmt.Errorf("source_ring_seconds must be positive")
	}
	if m.MasterBufferSeconds <= 0 {
		return fmt.Errorf("master_buffer_seconds must be positive")
	}
	if m.FailoverHistorySize < 0 {
		return fmt.Errorf("failover_history_size must not be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with the spec's canonical
// numeric defaults (sample rate 22050 Hz, 10s source ring, 5s master
// buffer, 5s watchdog timeout, -50 dBFS / 10s silence, 10 max restart
// attempts, 500ms stall window, 5s preempt hysteresis, 256-entry
// failover history).
func DefaultConfig() *Config {
	return &Config{
		Sources: nil,
		Manager: ManagerConfig{
			SampleRate:           22050,
			SourceRingSeconds:    10,
			MasterBufferSeconds:  5,
			FailoverPollInterval: 100 * time.Millisecond,
			StallWindow:          500 * time.Millisecond,
			PreemptHysteresis:    5 * time.Second,
			FailoverHistorySize:  256,
			LockPath:             "/run/eas-station-sub008/manager.lock",
		},
		Decoder: DecoderConfig{
			Binary:          "ffmpeg",
			LogDir:          "/var/log/eas-station-sub008",
			StopGrace:       2 * time.Second,
			MonitorInterval: 10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9998",
		},
	}
}

// WatchdogTimeoutOrDefault returns s.WatchdogTimeout, falling back to
// 5s (the spec's canonical default) when unset.
func (s SourceConfig) WatchdogTimeoutOrDefault() time.Duration {
	if s.WatchdogTimeout > 0 {
		return s.WatchdogTimeout
	}
	return 5 * time.Second
}

// SilenceDurationOrDefault returns s.SilenceDuration, falling back to
// 10s when unset.
func (s SourceConfig) SilenceDurationOrDefault() time.Duration {
	if s.SilenceDuration > 0 {
		return s.SilenceDuration
	}
	return 10 * time.Second
}

// SilenceThresholdOrDefault returns s.SilenceThresholdDB, falling back
// to -50 dBFS when unset (0 is a valid-looking zero value but not a
// plausible configured threshold, so it is treated as unset).
func (s SourceConfig) SilenceThresholdOrDefault() float64 {
	if s.SilenceThresholdDB != 0 {
		return s.SilenceThresholdDB
	}
	return -50.0
}

// MaxRestartAttemptsOrDefault returns s.MaxRestartAttempts, falling
// back to 10 when unset.
func (s SourceConfig) MaxRestartAttemptsOrDefault() int {
	if s.MaxRestartAttempts > 0 {
		return s.MaxRestartAttempts
	}
	return 10
}
