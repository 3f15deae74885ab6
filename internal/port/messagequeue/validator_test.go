package messagequeue

import (
	"strings"
	"testing"
)

func TestValidateValidEvent(t *testing.T) {
	data := []byte(`{"seq":7,"who":"iss42","type":"agent_state","payload":{"state":"working"}}`)
	if err := Validate(EventSubject("agent_state"), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	data := []byte(`{"seq":7,"who":"iss42","type":"agent_state","payload":{}}`)
	err := Validate(EventSubject("decision"), data)
	if err == nil {
		t.Fatal("expected error for type/subject mismatch")
	}
	if !strings.Contains(err.Error(), "does not match subject") {
		t.Fatalf("expected mismatch error, got: %v", err)
	}
}

func TestValidateMissingTypeAccepted(t *testing.T) {
	// An envelope without a type field still passes; the subject carries it.
	data := []byte(`{"seq":1,"who":"hub","payload":{}}`)
	if err := Validate(EventSubject("status"), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateDLQSubjectSkipsSchema(t *testing.T) {
	// Dead-lettered payloads may be arbitrary JSON; only well-formedness counts.
	data := []byte(`"just a string"`)
	if err := Validate(EventSubject("agent_state")+".dlq", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	// Unknown subjects should pass (future-proof).
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	data := []byte(`{not valid json`)
	err := Validate(EventSubject("status"), data)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Fatalf("expected 'invalid JSON' in error, got: %v", err)
	}
}

func TestValidateInvalidSchema(t *testing.T) {
	data := []byte(`"just a string"`)
	err := Validate(EventSubject("status"), data)
	if err == nil {
		t.Fatal("expected schema validation error")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("expected 'schema validation failed' in error, got: %v", err)
	}
}

func TestValidateEmptyJSON(t *testing.T) {
	// Empty object is valid JSON and a valid zero-value envelope.
	data := []byte(`{}`)
	if err := Validate(EventSubject("status"), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
