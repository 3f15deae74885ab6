package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	suffix, ok := strings.CutPrefix(subject, SubjectEventPrefix+".")
	if !ok || strings.HasSuffix(subject, ".dlq") {
		return nil
	}

	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if env.Type != "" && env.Type != suffix {
		return fmt.Errorf("event type %q does not match subject %s", env.Type, subject)
	}
	return nil
}
