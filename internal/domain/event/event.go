// Package event defines the hub event envelope broadcast to subscribers
// and appended to the state log.
package event

// Type identifies the kind of hub event.
type Type string

const (
	TypeAgentAdded   Type = "agent_added"
	TypeAgentRemoved Type = "agent_removed"
	TypeAgentState   Type = "agent_state"
	TypeAgentStderr  Type = "agent_stderr"

	TypeTaskStarted Type = "task_started"
	TypeStatus      Type = "status"

	TypeOrchToUser  Type = "orch_to_user"
	TypeOrchToAgent Type = "orch_to_agent"
	TypeAgentToOrch Type = "agent_to_orch"
	TypeUserToOrch  Type = "user_to_orch"

	TypeAutopilotState      Type = "autopilot_state"
	TypeAutopilotSuppressed Type = "autopilot_suppressed"
	TypeDecision            Type = "decision"
	TypeStatusPosted        Type = "status_posted"
	TypeArtifactNote        Type = "artifact_note"

	TypeInfo  Type = "info"
	TypeMisc  Type = "misc"
	TypeError Type = "error"
)

// Event is one immutable hub event. Seq is a hub-wide counter assigned at
// broadcast time; it is strictly increasing with no gaps.
type Event struct {
	Seq     uint64         `json:"seq"`
	Who     string         `json:"who"`
	Type    Type           `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Clone returns a shallow copy of the event with its own payload map, so
// subscribers cannot mutate each other's view.
func (e Event) Clone() Event {
	cp := e
	cp.Payload = make(map[string]any, len(e.Payload))
	for k, v := range e.Payload {
		cp.Payload[k] = v
	}
	return cp
}
