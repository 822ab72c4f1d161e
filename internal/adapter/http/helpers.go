package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/Enclave/internal/domain"
	"github.com/Strob0t/Enclave/internal/domain/agent"
	"github.com/Strob0t/Enclave/internal/domain/agreement"
	"github.com/Strob0t/Enclave/internal/domain/plugin"
	"github.com/Strob0t/Enclave/internal/domain/policy"
	"github.com/Strob0t/Enclave/internal/domain/snapshot"
	"github.com/Strob0t/Enclave/internal/monitor"
	"github.com/Strob0t/Enclave/internal/resilience"
	"github.com/Strob0t/Enclave/internal/sandbox"
)

const maxRequestBodySize = 1 << 20 // 1 MB

// readJSON decodes a JSON request body with a size limit.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// urlParam is a short alias for chi.URLParam.
func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeDomainError maps domain sentinel errors onto HTTP status codes.
// Sandbox execution faults carry their failure reason in the body so clients
// can distinguish a trap from a budget breach without parsing messages.
func writeDomainError(w http.ResponseWriter, err error) {
	var execErr *sandbox.ExecError
	if errors.As(err, &execErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:  execErr.Error(),
			Reason: string(execErr.Reason),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, sandbox.ErrUnknownOperation):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, agent.ErrInvalidConstraint),
		errors.Is(err, plugin.ErrInvalidCapability),
		errors.Is(err, agreement.ErrInvalidQuota),
		errors.Is(err, agreement.ErrExpiredAtCreation):
		msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
		writeError(w, http.StatusBadRequest, msg)
	case errors.Is(err, agent.ErrTerminated),
		errors.Is(err, agent.ErrSuspended),
		errors.Is(err, snapshot.ErrAgentMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, plugin.ErrVerificationFailed),
		errors.Is(err, plugin.ErrBudgetExceeded):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, monitor.ErrResourceExhausted),
		errors.Is(err, agreement.ErrQuotaExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, agreement.ErrExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, policy.ErrDenied),
		errors.Is(err, agreement.ErrOperationNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		slog.Error("unhandled domain error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
