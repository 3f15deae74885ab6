package control

import "encoding/json"

// SpawnSpec creates a sub-agent.
type SpawnSpec struct {
	Name string `json:"name"`
	Task string `json:"task"`
	Cwd  string `json:"cwd,omitempty"`
}

// SendSpec forwards an instruction to an existing sub-agent.
type SendSpec struct {
	To   string `json:"to"`
	Task string `json:"task"`
}

// CloseSpec closes a sub-agent.
type CloseSpec struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason,omitempty"`
}

// ExecSpec runs an allow-listed local command. Requires dangerous mode.
type ExecSpec struct {
	Argv []string          `json:"argv"`
	Cwd  string            `json:"cwd,omitempty"`
	Env  map[string]string `json:"env,omitempty"`
}

// StatusSpec broadcasts a status line, optionally mirrored to a GitHub issue.
type StatusSpec struct {
	Issue int    `json:"issue,omitempty"`
	Text  string `json:"text"`
}

// FetchSpec re-injects a stored artifact into the orchestrator.
type FetchSpec struct {
	Artifact string `json:"artifact"`
	MaxChars int    `json:"max_chars,omitempty"`
}

// Decode unmarshals the named directive's payload into dst.
// Returns false if the directive is absent or malformed.
func (b Block) Decode(directive string, dst any) bool {
	raw, ok := b[directive]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
