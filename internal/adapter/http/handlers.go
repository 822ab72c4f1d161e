package http

import (
	"encoding/json"
	"net/http"

	"github.com/Strob0t/Enclave/internal/domain/agent"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
	"github.com/Strob0t/Enclave/internal/service"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Agents     *service.AgentService
	Agreements *service.AgreementService
}

// NewHandlers creates the handler set.
func NewHandlers(agents *service.AgentService, agreements *service.AgreementService) *Handlers {
	return &Handlers{Agents: agents, Agreements: agreements}
}

// SpawnAgent creates a new agent under the posted constraints.
func (h *Handlers) SpawnAgent(w http.ResponseWriter, r *http.Request) {
	c, ok := readJSON[agent.Constraints](w, r)
	if !ok {
		return
	}
	a, err := h.Agents.Spawn(r.Context(), c)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListAgents returns all agents, including terminated ones.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Agents.List(r.Context()))
}

// GetAgent returns a single agent.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := h.Agents.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// TerminateAgent moves the agent to its terminal state.
func (h *Handlers) TerminateAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Terminate(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AttachPlugin verifies and binds a posted module reference to the agent.
func (h *Handlers) AttachPlugin(w http.ResponseWriter, r *http.Request) {
	ref, ok := readJSON[plugin.Ref](w, r)
	if !ok {
		return
	}
	inst, err := h.Agents.AttachPlugin(r.Context(), urlParam(r, "id"), &ref)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// ListPlugins returns the agent's attached plugin instances.
func (h *Handlers) ListPlugins(w http.ResponseWriter, r *http.Request) {
	instances, err := h.Agents.Plugins(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

// DetachPlugin unbinds a plugin instance from the agent.
func (h *Handlers) DetachPlugin(w http.ResponseWriter, r *http.Request) {
	err := h.Agents.DetachPlugin(r.Context(), urlParam(r, "id"), urlParam(r, "instanceID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ExecuteOperation dispatches one sandboxed invocation on the agent.
func (h *Handlers) ExecuteOperation(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ExecRequest](w, r)
	if !ok {
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required")
		return
	}
	res, err := h.Agents.Execute(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetState returns the agent's full state store.
func (h *Handlers) GetState(w http.ResponseWriter, r *http.Request) {
	state, err := h.Agents.StateAll(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// GetStateKey returns one key from the agent's state store.
func (h *Handlers) GetStateKey(w http.ResponseWriter, r *http.Request) {
	value, err := h.Agents.State(r.Context(), urlParam(r, "id"), urlParam(r, "key"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"value": value})
}

// PutStateKey writes one key in the agent's state store.
func (h *Handlers) PutStateKey(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Value json.RawMessage `json:"value"`
	}](w, r)
	if !ok {
		return
	}
	err := h.Agents.SetState(r.Context(), urlParam(r, "id"), urlParam(r, "key"), body.Value)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TakeSnapshot captures and persists a snapshot of the agent.
func (h *Handlers) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Agents.Snapshot(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// ListSnapshots returns all snapshots of the agent, newest first.
func (h *Handlers) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := h.Agents.ListSnapshots(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// RecoverAgent restores the agent from a posted snapshot id.
func (h *Handlers) RecoverAgent(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		SnapshotID string `json:"snapshot_id"`
	}](w, r)
	if !ok {
		return
	}
	if body.SnapshotID == "" {
		writeError(w, http.StatusBadRequest, "snapshot_id is required")
		return
	}
	a, err := h.Agents.Recover(r.Context(), urlParam(r, "id"), body.SnapshotID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetUsage returns the agent's resource ledger.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	ledger, err := h.Agents.Usage(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ledger)
}

// GetSystemUsage returns the aggregate system ledger.
func (h *Handlers) GetSystemUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Agents.SystemUsage(r.Context()))
}
