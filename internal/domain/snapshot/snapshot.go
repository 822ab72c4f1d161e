// Package snapshot defines the immutable agent state snapshot record.
package snapshot

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/Strob0t/Enclave/internal/domain/agent"
)

// SchemaVersion is the current persisted snapshot layout version.
const SchemaVersion = 1

// ErrAgentMismatch indicates a snapshot belongs to a different agent than the
// one being recovered.
var ErrAgentMismatch = errors.New("snapshot belongs to a different agent")

// Snapshot is a self-contained, versioned copy of an agent's full mutable
// state. It never references live objects; all contents are deep-copied at
// capture time and never mutated afterwards.
type Snapshot struct {
	ID            string                     `json:"id"`
	SchemaVersion int                        `json:"schema_version"`
	AgentID       string                     `json:"agent_id"`
	Constraints   agent.Constraints          `json:"constraints"`
	State         map[string]json.RawMessage `json:"state"`
	PluginIDs     []string                   `json:"plugin_ids"`
	CreatedAt     time.Time                  `json:"created_at"`
}

// Clone returns a deep copy so callers can hand out snapshot contents without
// exposing the stored record to mutation.
func (s *Snapshot) Clone() Snapshot {
	out := *s
	out.State = agent.CloneState(s.State)
	out.PluginIDs = append([]string(nil), s.PluginIDs...)
	return out
}
