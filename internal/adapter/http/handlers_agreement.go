package http

import (
	"net/http"

	"github.com/Strob0t/Enclave/internal/service"
)

// CreateAgreement registers a new lease between two agents.
func (h *Handlers) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.CreateAgreementRequest](w, r)
	if !ok {
		return
	}
	if req.ConsumerID == "" || req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "consumer_id and provider_id are required")
		return
	}
	ag, err := h.Agreements.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ag)
}

// ListAgreements returns all agreements, including expired and exhausted ones.
func (h *Handlers) ListAgreements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Agreements.List(r.Context()))
}

// GetAgreement returns a single agreement.
func (h *Handlers) GetAgreement(w http.ResponseWriter, r *http.Request) {
	ag, err := h.Agreements.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// GetAgreementUsage returns the agreement's consumed quota counters.
func (h *Handlers) GetAgreementUsage(w http.ResponseWriter, r *http.Request) {
	used, err := h.Agreements.GetUsage(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, used)
}

// ExecuteViaAgreement invokes an operation on the provider agent under the
// agreement's quotas.
func (h *Handlers) ExecuteViaAgreement(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ExecRequest](w, r)
	if !ok {
		return
	}
	if req.Operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required")
		return
	}
	res, err := h.Agreements.ExecuteVia(r.Context(), urlParam(r, "id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
