package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Consensus.QuorumFraction != 0.5 {
		t.Errorf("quorum fraction = %v, want 0.5", cfg.Consensus.QuorumFraction)
	}
	if cfg.Consensus.AllowRevision {
		t.Error("revision should default to disabled")
	}
	if cfg.Discovery.DefaultTTL.Duration() != 5*time.Minute {
		t.Errorf("default ttl = %v", cfg.Discovery.DefaultTTL.Duration())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParseLayersOverDefaults(t *testing.T) {
	cfg, err := Parse(`
[consensus]
quorum_fraction = 0.67
allow_revision = true
default_deadline = "2m"

[discovery]
sweep_interval = "5s"
`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Consensus.QuorumFraction != 0.67 {
		t.Errorf("quorum fraction = %v", cfg.Consensus.QuorumFraction)
	}
	if !cfg.Consensus.AllowRevision {
		t.Error("allow_revision not applied")
	}
	if cfg.Consensus.DefaultDeadline.Duration() != 2*time.Minute {
		t.Errorf("deadline = %v", cfg.Consensus.DefaultDeadline.Duration())
	}
	if cfg.Discovery.SweepInterval.Duration() != 5*time.Second {
		t.Errorf("sweep interval = %v", cfg.Discovery.SweepInterval.Duration())
	}
	// Untouched sections keep defaults
	if cfg.Broker.BufferSize != 256 {
		t.Errorf("broker buffer = %d, want default 256", cfg.Broker.BufferSize)
	}
}

func TestParseRejectsBadQuorum(t *testing.T) {
	if _, err := Parse("[consensus]\nquorum_fraction = 1.5\n"); err == nil {
		t.Error("expected validation error for quorum > 1")
	}
	if _, err := Parse("[consensus]\nquorum_fraction = 0.0\n"); err == nil {
		t.Error("expected validation error for quorum = 0")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	if _, err := Parse("[discovery]\nsweep_interval = \"soon\"\n"); err == nil {
		t.Error("expected parse error for bad duration")
	}
}
