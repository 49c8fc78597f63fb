package sandboxerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAsRecoversConcreteError(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("context: %w", SandboxCreation("s1", cause, "failed to create sandbox"))

	e, ok := As(wrapped)
	if !ok {
		t.Fatal("expected As to recover a *Error")
	}
	if e.Kind != KindSandboxCreation {
		t.Errorf("got kind %q, want %q", e.Kind, KindSandboxCreation)
	}
	if e.SessionID != "s1" {
		t.Errorf("got session id %q, want s1", e.SessionID)
	}
	if !errors.Is(e, cause) {
		t.Error("expected Unwrap to expose the original cause")
	}
}

func TestIsMatchesByKind(t *testing.T) {
	a := ResourceLimit("hint", "max_sessions=2")
	b := ResourceLimit("other hint", "different message")
	if !errors.Is(a, b) {
		t.Error("expected two errors of the same kind to match via errors.Is")
	}
	if errors.Is(a, SessionNotFound("x")) {
		t.Error("errors of different kinds should not match")
	}
}

func TestCodeExecutionSubKindDrivesHint(t *testing.T) {
	timeoutErr := CodeExecution("s1", SubKindTimeout, nil, "deadline exceeded")
	infraErr := CodeExecution("s1", SubKindInfrastructure, nil, "connection reset")
	if timeoutErr.Hint == infraErr.Hint {
		t.Error("expected distinct recovery hints for timeout vs infrastructure sub-kinds")
	}
}

func TestErrorStringIncludesSessionID(t *testing.T) {
	err := SessionNotFound("abc123")
	if got := err.Error(); !strings.Contains(got, "abc123") {
		t.Fatalf("expected the error string to include the session id, got %q", got)
	}
}
