// Package agreement defines the quota-bounded lease between two agents.
package agreement

import (
	"errors"
	"time"

	"github.com/Strob0t/Enclave/internal/domain/plugin"
)

// ErrInvalidQuota indicates a non-positive call or resource quota.
var ErrInvalidQuota = errors.New("invalid quota")

// ErrExpiredAtCreation indicates the expiry timestamp is already in the past.
var ErrExpiredAtCreation = errors.New("agreement expired at creation")

// ErrExpired indicates use of an agreement past its expiry timestamp.
var ErrExpired = errors.New("agreement expired")

// ErrQuotaExhausted indicates the call or resource quota is spent.
var ErrQuotaExhausted = errors.New("agreement quota exhausted")

// ErrOperationNotAllowed indicates the requested operation is outside the
// agreement's allowed set.
var ErrOperationNotAllowed = errors.New("operation not allowed by agreement")

// Usage is a point-in-time view of consumed quota.
type Usage struct {
	Calls       int64 `json:"calls"`
	CPUMillis   int64 `json:"cpu_millis"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// Agreement is a lease permitting a consumer agent to invoke operations on a
// provider agent within bounded call and resource quotas. Exhausted or
// expired agreements are retained for audit, never deleted.
type Agreement struct {
	ID            string           `json:"id"`
	ConsumerID    string           `json:"consumer_id"`
	ProviderID    string           `json:"provider_id"`
	AllowedOps    []string         `json:"allowed_ops"`
	CallQuota     int64            `json:"call_quota"`
	ResourceQuota plugin.SubBudget `json:"resource_quota"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Used          Usage            `json:"used"`
	CreatedAt     time.Time        `json:"created_at"`
}

// Allows reports whether the operation name is in the allowed set. An empty
// allowed set permits nothing.
func (a *Agreement) Allows(op string) bool {
	for _, allowed := range a.AllowedOps {
		if allowed == op {
			return true
		}
	}
	return false
}

// Expired reports whether the agreement is past its expiry at the given time.
func (a *Agreement) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
