// Package pbft implements the Practical Byzantine Fault Tolerance consensus
// engine that orders remediation proposals across a fixed replica roster.
package pbft

import (
	"fmt"
	"time"
)

// Config holds the engine tunables.
type Config struct {
	// NodeID identifies this replica in the roster.
	NodeID string

	// F is the number of Byzantine replicas tolerated. Zero derives it from
	// the roster size.
	F int

	// PrimaryTimeout bounds the wait for a pre-prepare of an accepted proposal.
	PrimaryTimeout time.Duration

	// PhaseTimeout bounds prepare and commit once a pre-prepare was accepted.
	PhaseTimeout time.Duration

	// ViewChangeTimeout is the first view-change wait. Each failed attempt
	// doubles it.
	ViewChangeTimeout time.Duration

	// MaxViewChangeAttempts before the engine gives up and raises a liveness alarm.
	MaxViewChangeAttempts int

	// CheckpointInterval in sequences (100 by default).
	CheckpointInterval uint64

	// WindowSize between low and high watermarks (200 by default).
	WindowSize uint64

	// MaxViewLookahead drops messages claiming a view further ahead.
	MaxViewLookahead uint64

	// BufferTTL for votes that arrive before their pre-prepare. Zero means
	// ViewChangeTimeout.
	BufferTTL time.Duration

	// SuspicionDecay clears a faulty-suspected flag after this long.
	SuspicionDecay time.Duration

	// UnresponsiveDecay clears the flag of a primary that was only voted out,
	// without evidence. Zero means SuspicionDecay.
	UnresponsiveDecay time.Duration

	// EmitQueueSize bounds the stream event queue.
	EmitQueueSize int
}

// DefaultConfig returns a configuration with the documented defaults.
func DefaultConfig(nodeID string) *Config {
	return &Config{
		NodeID:                nodeID,
		PrimaryTimeout:        5 * time.Second,
		PhaseTimeout:          5 * time.Second,
		ViewChangeTimeout:     10 * time.Second,
		MaxViewChangeAttempts: 4,
		CheckpointInterval:    100,
		WindowSize:            200,
		MaxViewLookahead:      4,
		SuspicionDecay:        10 * time.Minute,
		UnresponsiveDecay:     time.Minute,
		EmitQueueSize:         1024,
	}
}

// Validate reports the first invalid setting as a ConfigurationError.
func (c *Config) Validate() error {
	switch {
	case c.NodeID == "":
		return &ConfigurationError{Field: "node_id", Reason: "is required"}
	case c.F < 0:
		return &ConfigurationError{Field: "f", Reason: "must not be negative"}
	case c.PrimaryTimeout <= 0:
		return &ConfigurationError{Field: "primary_timeout", Reason: "must be positive"}
	case c.PhaseTimeout <= 0:
		return &ConfigurationError{Field: "phase_timeout", Reason: "must be positive"}
	case c.ViewChangeTimeout <= 0:
		return &ConfigurationError{Field: "view_change_timeout", Reason: "must be positive"}
	case c.MaxViewChangeAttempts < 1:
		return &ConfigurationError{Field: "max_view_change_attempts", Reason: "must be at least 1"}
	case c.CheckpointInterval == 0:
		return &ConfigurationError{Field: "checkpoint_interval", Reason: "must be positive"}
	case c.WindowSize < c.CheckpointInterval:
		return &ConfigurationError{
			Field:  "window_size",
			Reason: fmt.Sprintf("must be at least checkpoint_interval (%d)", c.CheckpointInterval),
		}
	}
	return nil
}

func (c *Config) bufferTTL() time.Duration {
	if c.BufferTTL > 0 {
		return c.BufferTTL
	}
	return c.ViewChangeTimeout
}
