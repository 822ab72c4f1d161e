// Package policy defines the execution policy hook. Rule content lives
// outside the core; only the enforcement predicate is modeled here.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDenied indicates the policy predicate vetoed the call.
var ErrDenied = errors.New("denied by policy")

// Predicate is consulted before every plugin dispatch. A non-nil error vetoes
// the call; implementations should wrap ErrDenied.
type Predicate interface {
	Allow(ctx context.Context, agentID, operation string, params json.RawMessage) error
}

// AllowAll is the default predicate: it never vetoes.
type AllowAll struct{}

// Allow always returns nil.
func (AllowAll) Allow(context.Context, string, string, json.RawMessage) error { return nil }

// DenyOps vetoes a fixed set of operation names. Used for testing and as the
// simplest injectable policy.
type DenyOps map[string]struct{}

// Allow returns ErrDenied when the operation is in the deny set.
func (d DenyOps) Allow(_ context.Context, _ string, operation string, _ json.RawMessage) error {
	if _, blocked := d[operation]; blocked {
		return fmt.Errorf("%w: operation %q", ErrDenied, operation)
	}
	return nil
}
