// Package plugin defines the plugin module and instance domain entities.
package plugin

import (
	"errors"
	"fmt"
	"time"
)

// ErrVerificationFailed indicates the module signature does not validate
// against the trust store.
var ErrVerificationFailed = errors.New("module verification failed")

// ErrInvalidCapability indicates the manifest declares an unknown capability kind.
var ErrInvalidCapability = errors.New("invalid capability declaration")

// ErrBudgetExceeded indicates the declared sub-budget does not fit the
// owning agent's remaining headroom.
var ErrBudgetExceeded = errors.New("plugin budget exceeds agent headroom")

// Capability is a named permission a module may exercise inside the sandbox.
type Capability string

const (
	CapabilityStateRead      Capability = "state-read"
	CapabilityStateWrite     Capability = "state-write"
	CapabilityFilesystemRead Capability = "filesystem-read"
	CapabilityNetwork        Capability = "network"
	CapabilityClock          Capability = "clock"
)

// KnownCapabilities is the set of capability kinds the runtime can gate.
var KnownCapabilities = map[Capability]struct{}{
	CapabilityStateRead:      {},
	CapabilityStateWrite:     {},
	CapabilityFilesystemRead: {},
	CapabilityNetwork:        {},
	CapabilityClock:          {},
}

// SubBudget is the slice of the owning agent's ceiling a plugin instance may
// consume across its lifetime.
type SubBudget struct {
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Manifest describes a distributable module: identity, declared capability
// set, and the operation names it exports.
type Manifest struct {
	ModuleID     string       `json:"module_id"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Operations   []string     `json:"operations"`
	SubBudget    SubBudget    `json:"sub_budget"`
}

// Validate checks manifest identity and that every declared capability is a
// known kind.
func (m *Manifest) Validate() error {
	if m.ModuleID == "" || m.Version == "" {
		return fmt.Errorf("%w: module id and version are required", ErrInvalidCapability)
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("%w: module exports no operations", ErrInvalidCapability)
	}
	for _, c := range m.Capabilities {
		if _, ok := KnownCapabilities[c]; !ok {
			return fmt.Errorf("%w: unknown capability %q", ErrInvalidCapability, c)
		}
	}
	return nil
}

// Ref is the wire format a module is distributed in: manifest, binary
// payload, and a detached signature over the payload.
type Ref struct {
	Manifest  Manifest `json:"manifest"`
	Payload   []byte   `json:"payload"`
	Signature []byte   `json:"signature"`
}

// Instance describes a verified module bound to one agent.
type Instance struct {
	ID           string       `json:"id"`
	AgentID      string       `json:"agent_id"`
	ModuleID     string       `json:"module_id"`
	Version      string       `json:"version"`
	Capabilities []Capability `json:"capabilities"`
	Operations   []string     `json:"operations"`
	SubBudget    SubBudget    `json:"sub_budget"`
	Digest       string       `json:"digest"`
	AttachedAt   time.Time    `json:"attached_at"`
}

// HasCapability reports whether the instance declared the given capability.
func (i *Instance) HasCapability(c Capability) bool {
	for _, have := range i.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}
