package bus

// Run lifecycle topics.
const (
	TopicRunStarted   = "run.started"
	TopicRunCompleted = "run.completed"
	TopicRunFailed    = "run.failed"
)

// Loop lifecycle topics.
const (
	TopicLoopStarted   = "loop.started"
	TopicLoopCycle     = "loop.cycle"
	TopicLoopCompleted = "loop.completed"
	TopicLoopCapped    = "loop.capped"
	TopicLoopFailed    = "loop.failed"
)

// Delegation lifecycle topics.
const (
	TopicDelegationAccepted = "delegation.accepted"
	TopicDelegationRefused  = "delegation.refused"
)

// Agent and memory topics.
const (
	TopicAgentCreated  = "agent.created"
	TopicAgentState    = "agent.state_changed"
	TopicMemoryWritten = "memory.written"
)

// RunEvent is published on run.* topics.
type RunEvent struct {
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status,omitempty"`
}

// LoopEvent is published on loop.* topics.
type LoopEvent struct {
	LoopID   string `json:"loop_id"`
	AgentID  string `json:"agent_id"`
	LoopType string `json:"loop_type"`
	Cycle    int    `json:"cycle"`
	Status   string `json:"status,omitempty"`
}

// DelegationEvent is published on delegation.* topics.
type DelegationEvent struct {
	DelegationID string `json:"delegation_id"`
	FromAgent    string `json:"from_agent"`
	ToAgent      string `json:"to_agent"`
	Depth        int    `json:"depth"`
}

// AgentStateEvent is published on agent.state_changed.
type AgentStateEvent struct {
	AgentID  string `json:"agent_id"`
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}
