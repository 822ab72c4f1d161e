// Package service implements the core business logic of Enclave: agent
// lifecycle management, plugin attachment, sandboxed execution, snapshots,
// and quota-bounded agreements between agents.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/Enclave/internal/adapter/otel"
	"github.com/Strob0t/Enclave/internal/adapter/ws"
	"github.com/Strob0t/Enclave/internal/config"
	"github.com/Strob0t/Enclave/internal/domain"
	"github.com/Strob0t/Enclave/internal/domain/agent"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
	"github.com/Strob0t/Enclave/internal/domain/policy"
	"github.com/Strob0t/Enclave/internal/domain/snapshot"
	"github.com/Strob0t/Enclave/internal/logger"
	"github.com/Strob0t/Enclave/internal/monitor"
	"github.com/Strob0t/Enclave/internal/port/broadcast"
	"github.com/Strob0t/Enclave/internal/port/database"
	"github.com/Strob0t/Enclave/internal/port/messagequeue"
	"github.com/Strob0t/Enclave/internal/resilience"
	"github.com/Strob0t/Enclave/internal/sandbox"
)

// managedAgent pairs the agent record with its live plugin instances.
// Its mutex serializes record mutations; sandboxed invocations themselves
// run outside the lock against a deep copy of the state.
type managedAgent struct {
	mu        sync.Mutex
	rec       agent.Agent
	instances map[string]*sandbox.Instance
	ops       map[string]string // operation name -> instance id
}

// ExecRequest is one plugin invocation request against an agent.
// Zero estimates fall back to the configured defaults.
type ExecRequest struct {
	Operation    string          `json:"operation"`
	Params       json.RawMessage `json:"params"`
	EstCPUMillis int64           `json:"est_cpu_millis"`
	EstMemBytes  int64           `json:"est_mem_bytes"`
}

// ExecResult is the committed outcome of one invocation.
type ExecResult struct {
	Output json.RawMessage `json:"output"`
	Usage  sandbox.Usage   `json:"usage"`
}

// AgentService manages the full agent lifecycle: spawn, plugin attachment,
// sandboxed execution with resource accounting, snapshot/recover, terminate.
type AgentService struct {
	monCfg config.Monitor
	sbxCfg config.Sandbox

	mon    *monitor.Monitor
	sbx    *sandbox.Sandbox
	store  database.Store
	policy policy.Predicate
	log    *slog.Logger

	queue   messagequeue.Queue
	hub     broadcast.Broadcaster
	metrics *otel.Metrics

	mu     sync.RWMutex
	agents map[string]*managedAgent
}

// NewAgentService creates the agent manager. Queue, broadcaster, and metrics
// are optional collaborators wired via the setters.
func NewAgentService(cfg config.Config, mon *monitor.Monitor, sbx *sandbox.Sandbox, store database.Store, pol policy.Predicate, log *slog.Logger) *AgentService {
	if pol == nil {
		pol = policy.AllowAll{}
	}
	return &AgentService{
		monCfg: cfg.Monitor,
		sbxCfg: cfg.Sandbox,
		mon:    mon,
		sbx:    sbx,
		store:  store,
		policy: pol,
		log:    log,
		agents: make(map[string]*managedAgent),
	}
}

// SetQueue wires the message queue for lifecycle events.
func (s *AgentService) SetQueue(q messagequeue.Queue) { s.queue = q }

// SetBroadcaster wires the WebSocket broadcaster.
func (s *AgentService) SetBroadcaster(b broadcast.Broadcaster) { s.hub = b }

// SetMetrics wires the metric instruments.
func (s *AgentService) SetMetrics(m *otel.Metrics) { s.metrics = m }

// Spawn creates a new agent under the given resource constraints and
// registers its ledger. Zero-valued constraints get the configured minimums.
func (s *AgentService) Spawn(ctx context.Context, c agent.Constraints) (*agent.Agent, error) {
	if c.CPUFraction == 0 {
		c.CPUFraction = s.sbxCfg.MinCPUFraction
	}
	if c.MemoryBytes == 0 {
		c.MemoryBytes = s.sbxCfg.MinMemoryBytes
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("spawn: %w", err)
	}

	now := time.Now().UTC()
	ma := &managedAgent{
		rec: agent.Agent{
			ID:          uuid.New().String(),
			Status:      agent.StatusSpawned,
			Constraints: c,
			State:       make(map[string]json.RawMessage),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		instances: make(map[string]*sandbox.Instance),
		ops:       make(map[string]string),
	}

	s.mu.Lock()
	s.agents[ma.rec.ID] = ma
	s.mu.Unlock()

	s.mon.Register(ma.rec.ID, c)

	// Agents are immediately schedulable; Spawned exists only so the
	// transition into Active is observable.
	ma.mu.Lock()
	ma.rec.Status = agent.StatusActive
	ma.mu.Unlock()

	s.log.Info("agent spawned", "agent_id", ma.rec.ID,
		"cpu_fraction", c.CPUFraction, "memory_bytes", c.MemoryBytes)
	s.publish(ctx, messagequeue.SubjectAgentSpawned, ma.rec)
	s.broadcastStatus(ctx, ma.rec.ID, agent.StatusActive)

	rec := s.snapshotRecord(ma)
	return &rec, nil
}

// Get returns a copy of the agent record.
func (s *AgentService) Get(ctx context.Context, agentID string) (*agent.Agent, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}
	rec := s.snapshotRecord(ma)
	return &rec, nil
}

// List returns copies of all agent records, including terminated ones.
func (s *AgentService) List(ctx context.Context) []agent.Agent {
	s.mu.RLock()
	managed := make([]*managedAgent, 0, len(s.agents))
	for _, ma := range s.agents {
		managed = append(managed, ma)
	}
	s.mu.RUnlock()

	out := make([]agent.Agent, 0, len(managed))
	for _, ma := range managed {
		out = append(out, s.snapshotRecord(ma))
	}
	return out
}

// AttachPlugin verifies the module reference, checks its sub-budget against
// the agent's remaining headroom, and binds an instance to the agent.
func (s *AgentService) AttachPlugin(ctx context.Context, agentID string, ref *plugin.Ref) (*plugin.Instance, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}

	// Verification touches the trust store and module cache; keep it
	// outside the agent lock.
	mod, err := s.sbx.Load(ctx, ref)
	if err != nil {
		return nil, err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()

	if ma.rec.Status == agent.StatusTerminated {
		return nil, fmt.Errorf("attach: %w", agent.ErrTerminated)
	}

	for _, inst := range ma.instances {
		if inst.ModuleID == mod.Manifest.ModuleID && inst.Version == mod.Manifest.Version {
			return nil, fmt.Errorf("%w: module %s@%s already attached",
				domain.ErrValidation, mod.Manifest.ModuleID, mod.Manifest.Version)
		}
	}
	for _, op := range mod.Manifest.Operations {
		if _, taken := ma.ops[op]; taken {
			return nil, fmt.Errorf("%w: operation %q already provided by another plugin",
				domain.ErrValidation, op)
		}
	}

	if err := s.checkSubBudget(ma, mod.Manifest.SubBudget); err != nil {
		return nil, err
	}

	inst, err := s.sbx.Instantiate(agentID, mod, mod.Manifest.SubBudget)
	if err != nil {
		return nil, err
	}

	ma.instances[inst.ID] = inst
	for _, op := range inst.Operations {
		ma.ops[op] = inst.ID
	}
	ma.rec.PluginIDs = append(ma.rec.PluginIDs, inst.ID)
	ma.rec.UpdatedAt = time.Now().UTC()

	s.log.Info("plugin attached", "agent_id", agentID,
		"module_id", inst.ModuleID, "version", inst.Version, "instance_id", inst.ID)

	cp := inst.Instance
	return &cp, nil
}

// checkSubBudget verifies the sum of attached sub-budgets plus the new one
// fits inside the agent's own ceiling. Caller holds ma.mu.
func (s *AgentService) checkSubBudget(ma *managedAgent, sb plugin.SubBudget) error {
	cpuCeiling := int64(ma.rec.Constraints.CPUFraction * float64(s.monCfg.CPUWindow.Milliseconds()))
	var cpuSum, memSum int64
	for _, inst := range ma.instances {
		cpuSum += inst.SubBudget.CPUMillis
		memSum += inst.SubBudget.MemoryBytes
	}
	if cpuSum+sb.CPUMillis > cpuCeiling || memSum+sb.MemoryBytes > ma.rec.Constraints.MemoryBytes {
		return fmt.Errorf("%w: declared %dms/%dB, remaining %dms/%dB",
			plugin.ErrBudgetExceeded, sb.CPUMillis, sb.MemoryBytes,
			cpuCeiling-cpuSum, ma.rec.Constraints.MemoryBytes-memSum)
	}
	return nil
}

// DetachPlugin unbinds a plugin instance and returns its held memory to the
// agent's ledger.
func (s *AgentService) DetachPlugin(ctx context.Context, agentID, instanceID string) error {
	ma, err := s.lookup(agentID)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()

	inst, ok := ma.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: plugin instance %s", domain.ErrNotFound, instanceID)
	}

	delete(ma.instances, instanceID)
	for _, op := range inst.Operations {
		delete(ma.ops, op)
	}
	for i, id := range ma.rec.PluginIDs {
		if id == instanceID {
			ma.rec.PluginIDs = append(ma.rec.PluginIDs[:i], ma.rec.PluginIDs[i+1:]...)
			break
		}
	}
	ma.rec.UpdatedAt = time.Now().UTC()

	s.mon.ReleaseMemory(agentID, inst.Used().MemBytes)
	s.log.Info("plugin detached", "agent_id", agentID, "instance_id", instanceID)
	return nil
}

// Plugins returns copies of the agent's attached plugin instances.
func (s *AgentService) Plugins(ctx context.Context, agentID string) ([]plugin.Instance, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	out := make([]plugin.Instance, 0, len(ma.instances))
	for _, inst := range ma.instances {
		out = append(out, inst.Instance)
	}
	return out, nil
}

// Execute dispatches one operation to the plugin instance providing it,
// inside the sandbox and under resource admission. Actual usage is committed
// to the ledger whether the invocation succeeds or fails; buffered state
// mutations are applied only on success.
func (s *AgentService) Execute(ctx context.Context, agentID string, req ExecRequest) (*ExecResult, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartExecuteSpan(ctx, agentID, req.Operation)
	defer span.End()
	started := time.Now()

	execID := uuid.New().String()
	ctx = logger.WithExecutionID(ctx, execID)

	inst, stateCopy, err := s.admitDispatch(ctx, ma, req.Operation)
	if err != nil {
		return nil, err
	}

	if err := s.policy.Allow(ctx, agentID, req.Operation, req.Params); err != nil {
		return nil, err
	}

	estCPU, estMem := req.EstCPUMillis, req.EstMemBytes
	if estCPU <= 0 {
		estCPU = s.monCfg.DefaultEstCPU
	}
	if estMem <= 0 {
		estMem = s.monCfg.DefaultEstMem
	}

	if err := s.mon.AdmitCost(agentID, estCPU, estMem); err != nil {
		if s.metrics != nil {
			s.metrics.ExecutionsRejected.Add(ctx, 1)
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ExecutionsAdmitted.Add(ctx, 1)
	}

	if !inst.Breaker.Allow() {
		// Nothing ran; release the admission reservation.
		s.mon.Commit(agentID, 0, 0, estCPU, estMem)
		return nil, fmt.Errorf("module %s: %w", inst.ModuleID, resilience.ErrCircuitOpen)
	}

	res, invokeErr := s.sbx.Invoke(ctx, inst, req.Operation, req.Params, stateCopy)
	inst.Breaker.Record(invokeErr)

	// Commit actual spend regardless of outcome so partial usage up to a
	// fault stays on the ledger.
	s.mon.Commit(agentID, res.Usage.CPUMillis, res.Usage.MemBytes, estCPU, estMem)
	s.addUsageMetrics(ctx, res.Usage)

	if invokeErr == nil && len(res.Mutations) > 0 {
		ma.mu.Lock()
		if ma.rec.Status != agent.StatusTerminated {
			for k, v := range res.Mutations {
				ma.rec.State[k] = v
			}
			ma.rec.UpdatedAt = time.Now().UTC()
		}
		ma.mu.Unlock()
	}

	s.applyPressure(ctx, ma)

	status := "completed"
	if invokeErr != nil {
		status = "failed"
	}
	if s.metrics != nil {
		if invokeErr != nil {
			s.metrics.ExecutionsFailed.Add(ctx, 1)
		} else {
			s.metrics.ExecutionsCompleted.Add(ctx, 1)
		}
		s.metrics.ExecuteDuration.Record(ctx, time.Since(started).Seconds())
	}

	event := ws.ExecutionEvent{
		ExecutionID: execID,
		AgentID:     agentID,
		Operation:   req.Operation,
		Status:      status,
		CPUMillis:   res.Usage.CPUMillis,
		MemBytes:    res.Usage.MemBytes,
	}
	s.publish(ctx, messagequeue.SubjectExecutionDone, event)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventExecution, event)
	}

	if invokeErr != nil {
		s.log.Warn("execution failed", "execution_id", execID,
			"agent_id", agentID, "operation", req.Operation, "error", invokeErr)
		return nil, invokeErr
	}

	return &ExecResult{Output: res.Output, Usage: res.Usage}, nil
}

// admitDispatch checks the agent's lifecycle state, resolves the operation to
// an instance, and captures a deep copy of the state for the invocation.
func (s *AgentService) admitDispatch(ctx context.Context, ma *managedAgent, op string) (*sandbox.Instance, map[string]json.RawMessage, error) {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	switch ma.rec.Status {
	case agent.StatusTerminated:
		return nil, nil, fmt.Errorf("execute: %w", agent.ErrTerminated)
	case agent.StatusSuspended:
		if s.mon.Check(ma.rec.ID) != monitor.PressureResume {
			return nil, nil, fmt.Errorf("execute: %w", agent.ErrSuspended)
		}
		ma.rec.Status = agent.StatusActive
		ma.rec.UpdatedAt = time.Now().UTC()
		s.broadcastStatus(ctx, ma.rec.ID, agent.StatusActive)
		s.log.Info("agent resumed", "agent_id", ma.rec.ID)
	}

	instID, ok := ma.ops[op]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no attached plugin provides %q", sandbox.ErrUnknownOperation, op)
	}
	return ma.instances[instID], agent.CloneState(ma.rec.State), nil
}

// applyPressure asks the monitor for a lifecycle recommendation after a
// commit and applies a Suspended transition when warranted.
func (s *AgentService) applyPressure(ctx context.Context, ma *managedAgent) {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if ma.rec.Status != agent.StatusActive {
		return
	}
	if s.mon.Check(ma.rec.ID) != monitor.PressureSuspend {
		return
	}
	ma.rec.Status = agent.StatusSuspended
	ma.rec.UpdatedAt = time.Now().UTC()
	s.broadcastStatus(ctx, ma.rec.ID, agent.StatusSuspended)
	s.log.Warn("agent suspended under resource pressure", "agent_id", ma.rec.ID)
}

// Snapshot captures a versioned deep copy of the agent's mutable state and
// persists it. Capture is atomic with respect to concurrent executions.
func (s *AgentService) Snapshot(ctx context.Context, agentID string) (*snapshot.Snapshot, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSnapshotSpan(ctx, agentID, "capture")
	defer span.End()

	ma.mu.Lock()
	if ma.rec.Status == agent.StatusTerminated {
		ma.mu.Unlock()
		return nil, fmt.Errorf("snapshot: %w", agent.ErrTerminated)
	}
	snap := &snapshot.Snapshot{
		ID:            uuid.New().String(),
		SchemaVersion: snapshot.SchemaVersion,
		AgentID:       agentID,
		Constraints:   ma.rec.Constraints,
		State:         agent.CloneState(ma.rec.State),
		PluginIDs:     append([]string(nil), ma.rec.PluginIDs...),
		CreatedAt:     time.Now().UTC(),
	}
	ma.mu.Unlock()

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	s.log.Info("snapshot taken", "agent_id", agentID, "snapshot_id", snap.ID)
	event := ws.SnapshotEvent{AgentID: agentID, SnapshotID: snap.ID}
	s.publish(ctx, messagequeue.SubjectSnapshotTaken, event)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventSnapshot, event)
	}

	cp := snap.Clone()
	return &cp, nil
}

// ListSnapshots returns all snapshots taken of the agent, newest first.
func (s *AgentService) ListSnapshots(ctx context.Context, agentID string) ([]snapshot.Snapshot, error) {
	if _, err := s.lookup(agentID); err != nil {
		return nil, err
	}
	return s.store.ListSnapshots(ctx, agentID)
}

// Recover restores the agent's state, constraints, and plugin bindings from a
// snapshot. Recovery is permitted while Suspended and clears the suspension;
// the resource ledger keeps its consumed totals and is rebound to the
// restored ceiling. Plugin instances attached after the snapshot are dropped.
func (s *AgentService) Recover(ctx context.Context, agentID, snapshotID string) (*agent.Agent, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSnapshotSpan(ctx, agentID, "recover")
	defer span.End()

	snap, err := s.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.AgentID != agentID {
		return nil, fmt.Errorf("recover %s: %w", snapshotID, snapshot.ErrAgentMismatch)
	}
	if err := snap.Constraints.Validate(); err != nil {
		return nil, fmt.Errorf("recover %s: %w", snapshotID, err)
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()

	if ma.rec.Status == agent.StatusTerminated {
		return nil, fmt.Errorf("recover: %w", agent.ErrTerminated)
	}

	retained := make(map[string]struct{}, len(snap.PluginIDs))
	for _, id := range snap.PluginIDs {
		retained[id] = struct{}{}
	}
	for id, inst := range ma.instances {
		if _, keep := retained[id]; keep {
			continue
		}
		delete(ma.instances, id)
		for _, op := range inst.Operations {
			delete(ma.ops, op)
		}
		s.mon.ReleaseMemory(agentID, inst.Used().MemBytes)
	}

	// Snapshots store instance ids only, so an instance detached since
	// capture cannot be rebuilt. Its id is pruned rather than left dangling.
	restored := make([]string, 0, len(snap.PluginIDs))
	for _, id := range snap.PluginIDs {
		if _, live := ma.instances[id]; live {
			restored = append(restored, id)
		}
	}

	ma.rec.Constraints = snap.Constraints
	ma.rec.State = agent.CloneState(snap.State)
	ma.rec.PluginIDs = restored
	ma.rec.UpdatedAt = time.Now().UTC()

	if err := s.mon.Rebind(agentID, snap.Constraints); err != nil {
		return nil, err
	}

	if ma.rec.Status == agent.StatusSuspended {
		ma.rec.Status = agent.StatusActive
		s.broadcastStatus(ctx, agentID, agent.StatusActive)
	}

	s.log.Info("agent recovered", "agent_id", agentID, "snapshot_id", snapshotID)
	rec := ma.rec
	rec.State = agent.CloneState(ma.rec.State)
	rec.PluginIDs = append([]string(nil), ma.rec.PluginIDs...)
	return &rec, nil
}

// Terminate moves the agent to its terminal state and releases its ledger.
// The record is retained so later calls observe ErrTerminated rather than
// ErrNotFound. Terminating a terminated agent is a no-op.
func (s *AgentService) Terminate(ctx context.Context, agentID string) error {
	ma, err := s.lookup(agentID)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	if ma.rec.Status == agent.StatusTerminated {
		ma.mu.Unlock()
		return nil
	}
	ma.rec.Status = agent.StatusTerminated
	ma.rec.UpdatedAt = time.Now().UTC()
	ma.instances = make(map[string]*sandbox.Instance)
	ma.ops = make(map[string]string)
	ma.mu.Unlock()

	s.mon.Release(agentID)

	s.log.Info("agent terminated", "agent_id", agentID)
	s.publish(ctx, messagequeue.SubjectAgentTerminated, ws.AgentStatusEvent{
		AgentID: agentID, Status: string(agent.StatusTerminated),
	})
	s.broadcastStatus(ctx, agentID, agent.StatusTerminated)
	return nil
}

// SetState writes one key in the agent's state store.
func (s *AgentService) SetState(ctx context.Context, agentID, key string, value json.RawMessage) error {
	ma, err := s.lookup(agentID)
	if err != nil {
		return err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	if ma.rec.Status == agent.StatusTerminated {
		return fmt.Errorf("set state: %w", agent.ErrTerminated)
	}
	cp := make(json.RawMessage, len(value))
	copy(cp, value)
	ma.rec.State[key] = cp
	ma.rec.UpdatedAt = time.Now().UTC()
	return nil
}

// State reads one key from the agent's state store.
func (s *AgentService) State(ctx context.Context, agentID, key string) (json.RawMessage, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	v, ok := ma.rec.State[key]
	if !ok {
		return nil, fmt.Errorf("%w: state key %q", domain.ErrNotFound, key)
	}
	cp := make(json.RawMessage, len(v))
	copy(cp, v)
	return cp, nil
}

// StateAll returns a deep copy of the agent's full state store.
func (s *AgentService) StateAll(ctx context.Context, agentID string) (map[string]json.RawMessage, error) {
	ma, err := s.lookup(agentID)
	if err != nil {
		return nil, err
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	return agent.CloneState(ma.rec.State), nil
}

// Usage returns the agent's resource ledger.
func (s *AgentService) Usage(ctx context.Context, agentID string) (monitor.Ledger, error) {
	if _, err := s.lookup(agentID); err != nil {
		return monitor.Ledger{}, err
	}
	l, ok := s.mon.Usage(agentID)
	if !ok {
		// Terminated agents keep their record but not their ledger.
		return monitor.Ledger{}, nil
	}
	return l, nil
}

// SystemUsage returns the aggregate system ledger.
func (s *AgentService) SystemUsage(ctx context.Context) monitor.Ledger {
	return s.mon.SystemUsage()
}

func (s *AgentService) lookup(agentID string) (*managedAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ma, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", domain.ErrNotFound, agentID)
	}
	return ma, nil
}

// snapshotRecord returns a copy of the record safe to hand out.
func (s *AgentService) snapshotRecord(ma *managedAgent) agent.Agent {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	rec := ma.rec
	rec.State = agent.CloneState(ma.rec.State)
	rec.PluginIDs = append([]string(nil), ma.rec.PluginIDs...)
	return rec
}

func (s *AgentService) broadcastStatus(ctx context.Context, agentID string, status agent.Status) {
	s.publish(ctx, messagequeue.SubjectAgentStatus, ws.AgentStatusEvent{
		AgentID: agentID, Status: string(status),
	})
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{
			AgentID: agentID, Status: string(status),
		})
	}
}

// publish sends a JSON event to the queue; delivery failures are logged, not
// surfaced, since events are advisory.
func (s *AgentService) publish(ctx context.Context, subject string, payload any) {
	if s.queue == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("event marshal failed", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		s.log.Warn("event publish failed", "subject", subject, "error", err)
	}
}

func (s *AgentService) addUsageMetrics(ctx context.Context, u sandbox.Usage) {
	if s.metrics == nil {
		return
	}
	s.metrics.CPUCommitted.Add(ctx, u.CPUMillis)
	s.metrics.MemCommitted.Add(ctx, u.MemBytes)
}
