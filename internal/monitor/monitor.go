// Package monitor tracks and enforces per-agent and system-wide resource
// ceilings. Admission is a conservative pre-check; true usage is reconciled
// after execution via Commit, so sandboxed code never needs exact cost
// prediction up front.
package monitor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/domain/agent"
)

// ErrResourceExhausted indicates admitting the estimated cost would push the
// per-agent or system ledger over its ceiling.
var ErrResourceExhausted = errors.New("resource budget exhausted")

// ErrNotRegistered indicates the agent has no ledger.
var ErrNotRegistered = errors.New("agent not registered with monitor")

// Ledger is the running account of resource consumption against a ceiling.
type Ledger struct {
	CPUMillisUsed   int64 `json:"cpu_millis_used"`
	CPUMillisBudget int64 `json:"cpu_millis_budget"`
	MemBytesHeld    int64 `json:"mem_bytes_held"`
	MemBytesCeiling int64 `json:"mem_bytes_ceiling"`
}

// Fraction returns the worse of the two budget fractions.
func (l Ledger) Fraction() float64 {
	cpu := 0.0
	if l.CPUMillisBudget > 0 {
		cpu = float64(l.CPUMillisUsed) / float64(l.CPUMillisBudget)
	}
	mem := 0.0
	if l.MemBytesCeiling > 0 {
		mem = float64(l.MemBytesHeld) / float64(l.MemBytesCeiling)
	}
	if mem > cpu {
		return mem
	}
	return cpu
}

// Pressure is the monitor's recommendation for an agent's lifecycle state.
type Pressure int

const (
	// PressureHold means no transition is warranted.
	PressureHold Pressure = iota
	// PressureSuspend means sustained over-budget usage was observed.
	PressureSuspend
	// PressureResume means usage fell back under the hysteresis threshold.
	PressureResume
)

type entry struct {
	ledger  Ledger
	streak  int
	flagged bool
}

// Monitor maintains per-agent ledgers and an aggregate system ledger.
// All ledger updates happen under one mutex so totals are never transiently
// inconsistent across concurrent commits.
type Monitor struct {
	cfg config.Monitor

	mu     sync.Mutex
	agents map[string]*entry
	system Ledger
}

// New creates a Monitor with the given accounting configuration.
func New(cfg config.Monitor) *Monitor {
	return &Monitor{
		cfg:    cfg,
		agents: make(map[string]*entry),
		system: Ledger{
			CPUMillisBudget: cfg.SystemCPUMillis,
			MemBytesCeiling: cfg.SystemMemBytes,
		},
	}
}

// budgetFor converts a CPU fraction ceiling into an absolute cpu-millisecond
// budget over the configured accounting window.
func (m *Monitor) budgetFor(c agent.Constraints) Ledger {
	return Ledger{
		CPUMillisBudget: int64(c.CPUFraction * float64(m.cfg.CPUWindow.Milliseconds())),
		MemBytesCeiling: c.MemoryBytes,
	}
}

// Register creates a fresh ledger for the agent with the ceiling derived from
// its constraints. Registering an existing agent resets its ledger.
func (m *Monitor) Register(agentID string, c agent.Constraints) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = &entry{ledger: m.budgetFor(c)}
}

// Rebind replaces the agent's ceiling after a constraint change (recovery).
// Consumed totals are kept; usage above the new ceiling flags the agent
// rather than failing the rebind.
func (m *Monitor) Rebind(agentID string, c agent.Constraints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}
	next := m.budgetFor(c)
	next.CPUMillisUsed = e.ledger.CPUMillisUsed
	next.MemBytesHeld = e.ledger.MemBytesHeld
	e.ledger = next
	if next.CPUMillisUsed > next.CPUMillisBudget || next.MemBytesHeld > next.MemBytesCeiling {
		e.flagged = true
	}
	return nil
}

// AdmitCost reserves the estimated cost against the per-agent and system
// ledgers. The reservation is held until Commit reconciles it with actual
// usage, so concurrent admissions can never jointly pass the same headroom.
// Denial has no side effects.
func (m *Monitor) AdmitCost(agentID string, estCPUMillis, estMemBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, agentID)
	}

	l := e.ledger
	if l.CPUMillisUsed+estCPUMillis > l.CPUMillisBudget ||
		l.MemBytesHeld+estMemBytes > l.MemBytesCeiling {
		return fmt.Errorf("%w: agent %s", ErrResourceExhausted, agentID)
	}
	if m.system.CPUMillisUsed+estCPUMillis > m.system.CPUMillisBudget ||
		m.system.MemBytesHeld+estMemBytes > m.system.MemBytesCeiling {
		return fmt.Errorf("%w: system ceiling", ErrResourceExhausted)
	}

	e.ledger.CPUMillisUsed += estCPUMillis
	e.ledger.MemBytesHeld += estMemBytes
	m.system.CPUMillisUsed += estCPUMillis
	m.system.MemBytesHeld += estMemBytes
	return nil
}

// Commit replaces the reservation taken at admission with actual usage.
// Committing zero actuals releases the reservation entirely. Overshoot past
// the admitted estimate is never rolled back; instead the agent is flagged
// for a Suspended transition on the next pressure check.
func (m *Monitor) Commit(agentID string, actualCPUMillis, actualMemBytes, estCPUMillis, estMemBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return
	}

	e.ledger.CPUMillisUsed += actualCPUMillis - estCPUMillis
	e.ledger.MemBytesHeld += actualMemBytes - estMemBytes
	m.system.CPUMillisUsed += actualCPUMillis - estCPUMillis
	m.system.MemBytesHeld += actualMemBytes - estMemBytes

	if actualCPUMillis > estCPUMillis || actualMemBytes > estMemBytes {
		e.flagged = true
	}

	if e.ledger.Fraction() >= m.cfg.SuspendThreshold {
		e.streak++
		if e.streak >= m.cfg.SuspendStreak {
			e.flagged = true
		}
	} else {
		e.streak = 0
	}
}

// ReleaseMemory returns held memory to the agent and system ledgers, for
// example when a plugin is detached.
func (m *Monitor) ReleaseMemory(agentID string, memBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return
	}
	if memBytes > e.ledger.MemBytesHeld {
		memBytes = e.ledger.MemBytesHeld
	}
	e.ledger.MemBytesHeld -= memBytes
	m.system.MemBytesHeld -= memBytes
}

// Release zeroes and deregisters the agent's ledger, returning its held
// resources to the system ledger.
func (m *Monitor) Release(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return
	}
	m.system.CPUMillisUsed -= e.ledger.CPUMillisUsed
	m.system.MemBytesHeld -= e.ledger.MemBytesHeld
	delete(m.agents, agentID)
}

// Usage returns a copy of the agent's ledger.
func (m *Monitor) Usage(agentID string) (Ledger, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.agents[agentID]
	if !ok {
		return Ledger{}, false
	}
	return e.ledger, true
}

// SystemUsage returns a copy of the aggregate system ledger.
func (m *Monitor) SystemUsage() Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// Check returns the monitor's lifecycle recommendation for the agent and
// clears a pending suspension flag once reported. Resume is only recommended
// once usage falls to the resume threshold, which is intentionally lower than
// the suspend threshold.
func (m *Monitor) Check(agentID string) Pressure {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[agentID]
	if !ok {
		return PressureHold
	}
	if e.flagged {
		e.flagged = false
		e.streak = 0
		return PressureSuspend
	}
	if e.ledger.Fraction() <= m.cfg.ResumeThreshold {
		return PressureResume
	}
	return PressureHold
}
