// Package config provides TOML configuration for the governance layer.
// Every tunable here is a configurable constant, not a hard-coded invariant:
// quorum fraction, background intervals, mailbox TTLs, and the
// revision/delegation toggles all load from governance.toml.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultFileName is the expected config file name.
const DefaultFileName = "governance.toml"

// Config holds configuration for all four subsystems.
type Config struct {
	Discovery DiscoveryConfig `toml:"discovery"`
	Broker    BrokerConfig    `toml:"broker"`
	Events    EventsConfig    `toml:"events"`
	Consensus ConsensusConfig `toml:"consensus"`
}

// DiscoveryConfig configures agent discovery.
type DiscoveryConfig struct {
	// DefaultTTL for registrations when the caller does not specify one.
	DefaultTTL duration `toml:"default_ttl"`

	// SweepInterval between expiry sweeps.
	SweepInterval duration `toml:"sweep_interval"`

	// HealthCheckInterval between background health-check cycles.
	HealthCheckInterval duration `toml:"health_check_interval"`

	// HealthHistorySize bounds the per-agent health history ring.
	HealthHistorySize int `toml:"health_history_size"`
}

// BrokerConfig configures the message broker.
type BrokerConfig struct {
	// BufferSize for subscription channels.
	BufferSize int `toml:"buffer_size"`

	// MailboxTTL is the default TTL for direct messages (0 = no expiry).
	MailboxTTL duration `toml:"mailbox_ttl"`

	// MaxRedeliveries bounds durable-stream redelivery attempts per message.
	MaxRedeliveries int `toml:"max_redeliveries"`

	// MaxStreamLength bounds per-topic retained messages (0 = unbounded).
	MaxStreamLength int `toml:"max_stream_length"`
}

// EventsConfig configures the event system.
type EventsConfig struct {
	// BufferSize for subscription channels.
	BufferSize int `toml:"buffer_size"`

	// CorrelationInterval between correlation-rule processing runs.
	CorrelationInterval duration `toml:"correlation_interval"`

	// MaxStreamLength bounds per-stream retained events (0 = unbounded).
	MaxStreamLength int `toml:"max_stream_length"`
}

// ConsensusConfig configures the consensus coordinator.
type ConsensusConfig struct {
	// QuorumFraction is the default fraction of participants whose votes
	// must be recorded before outcome evaluation.
	QuorumFraction float64 `toml:"quorum_fraction"`

	// DefaultDeadline for sessions when the caller does not specify one.
	DefaultDeadline duration `toml:"default_deadline"`

	// EmergencyDeadline for emergency sessions.
	EmergencyDeadline duration `toml:"emergency_deadline"`

	// MonitorInterval between deadline-monitor sweeps.
	MonitorInterval duration `toml:"monitor_interval"`

	// AllowRevision enables vote revision.
	AllowRevision bool `toml:"allow_revision"`

	// AllowDelegation enables vote delegation.
	AllowDelegation bool `toml:"allow_delegation"`
}

// duration wraps time.Duration for TOML decoding of strings like "30s".
type duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		Discovery: DiscoveryConfig{
			DefaultTTL:          duration(5 * time.Minute),
			SweepInterval:       duration(30 * time.Second),
			HealthCheckInterval: duration(time.Minute),
			HealthHistorySize:   32,
		},
		Broker: BrokerConfig{
			BufferSize:      256,
			MailboxTTL:      0,
			MaxRedeliveries: 5,
			MaxStreamLength: 0,
		},
		Events: EventsConfig{
			BufferSize:          256,
			CorrelationInterval: duration(10 * time.Second),
			MaxStreamLength:     0,
		},
		Consensus: ConsensusConfig{
			QuorumFraction:    0.5,
			DefaultDeadline:   duration(10 * time.Minute),
			EmergencyDeadline: duration(time.Minute),
			MonitorInterval:   duration(5 * time.Second),
			AllowRevision:     false,
			AllowDelegation:   false,
		},
	}
}

// LoadFile loads configuration from a TOML file, layered over defaults.
func LoadFile(path string) (Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(string(content))
}

// Parse parses configuration from TOML content, layered over defaults.
func Parse(content string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks configuration bounds.
func (c Config) Validate() error {
	if c.Consensus.QuorumFraction <= 0 || c.Consensus.QuorumFraction > 1 {
		return fmt.Errorf("quorum_fraction must be in (0, 1], got %v", c.Consensus.QuorumFraction)
	}
	if c.Discovery.HealthHistorySize <= 0 {
		return fmt.Errorf("health_history_size must be positive")
	}
	if c.Broker.BufferSize <= 0 || c.Events.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	return nil
}
