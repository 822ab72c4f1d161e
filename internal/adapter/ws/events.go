package ws

// Event type constants for WebSocket messages.
const (
	EventAgentStatus = "agent_status"
	EventExecution   = "execution"
	EventSnapshot    = "snapshot"
	EventAgreement   = "agreement"
)

// AgentStatusEvent reports an agent lifecycle transition.
type AgentStatusEvent struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// ExecutionEvent reports a completed or failed plugin invocation. The
// execution id matches the one on the dispatch's log lines.
type ExecutionEvent struct {
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	Operation   string `json:"operation"`
	Status      string `json:"status"`
	CPUMillis   int64  `json:"cpu_millis"`
	MemBytes    int64  `json:"mem_bytes"`
}

// SnapshotEvent reports a captured snapshot.
type SnapshotEvent struct {
	AgentID    string `json:"agent_id"`
	SnapshotID string `json:"snapshot_id"`
}

// AgreementEvent reports agreement creation and usage changes.
type AgreementEvent struct {
	AgreementID string `json:"agreement_id"`
	ConsumerID  string `json:"consumer_id"`
	ProviderID  string `json:"provider_id"`
	Calls       int64  `json:"calls"`
}
