// Package agent defines the Agent domain entity and its lifecycle.
package agent

import (
	"encoding/json"
	"errors"
	"time"
)

// Status represents the current lifecycle state of an agent.
type Status string

const (
	StatusSpawned    Status = "spawned"
	StatusActive     Status = "active"
	StatusSuspended  Status = "suspended"
	StatusTerminated Status = "terminated"
)

// ErrInvalidConstraint indicates spawn constraints outside the accepted range.
var ErrInvalidConstraint = errors.New("invalid constraint")

// ErrTerminated indicates an operation on a terminated agent.
var ErrTerminated = errors.New("agent terminated")

// ErrSuspended indicates an operation on a suspended agent.
var ErrSuspended = errors.New("agent suspended")

// Constraints declares the hard resource ceiling for one agent.
type Constraints struct {
	CPUFraction float64 `json:"cpu_fraction" yaml:"cpu_fraction"`
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes"`
}

// Validate checks that the constraints are in the accepted range:
// CPU fraction in (0, 1] and memory ceiling > 0.
func (c Constraints) Validate() error {
	if c.CPUFraction <= 0 || c.CPUFraction > 1 {
		return ErrInvalidConstraint
	}
	if c.MemoryBytes <= 0 {
		return ErrInvalidConstraint
	}
	return nil
}

// Agent represents a managed execution context with bounded resources.
type Agent struct {
	ID          string                     `json:"id"`
	Status      Status                     `json:"status"`
	Constraints Constraints                `json:"constraints"`
	State       map[string]json.RawMessage `json:"state"`
	PluginIDs   []string                   `json:"plugin_ids"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// CanTransition reports whether moving from the current status to next is a
// legal lifecycle transition. Terminated is terminal.
func (a *Agent) CanTransition(next Status) bool {
	switch a.Status {
	case StatusSpawned:
		return next == StatusActive || next == StatusTerminated
	case StatusActive:
		return next == StatusSuspended || next == StatusTerminated
	case StatusSuspended:
		return next == StatusActive || next == StatusTerminated
	case StatusTerminated:
		return false
	}
	return false
}

// CloneState returns a deep copy of the agent's key/value state store.
func CloneState(state map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(state))
	for k, v := range state {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
