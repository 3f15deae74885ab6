package messagequeue

// EventEnvelope is the schema for orch.events.* messages: one broadcast hub
// event, serialized as published by the event mirror. Seq is the hub-wide
// event counter, so downstream consumers can detect gaps after a reconnect.
type EventEnvelope struct {
	Seq     uint64         `json:"seq"`
	Who     string         `json:"who"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}
