package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/sandboxclient/sandboxclienttest"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

func newTestSession(client *sandboxclienttest.Fake) *ManagedSession {
	return newManagedSession("s1", "python", catalog.FlavorSmall, "default", "sbx-s1", "sandbox-python:latest", 5*time.Second, client)
}

func TestExecuteCodeStartsAndRuns(t *testing.T) {
	client := sandboxclienttest.NewFake()
	s := newTestSession(client)

	res, err := s.ExecuteCode(context.Background(), "print(1)", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("expected success=true for an infrastructure-clean run")
	}
	if s.State() != StateReady {
		t.Errorf("got state %s, want ready after a successful run", s.State())
	}
	if client.Creates() != 1 {
		t.Errorf("got %d CreateSandbox calls, want 1", client.Creates())
	}

	// A second call against the same session must not start a new sandbox.
	if _, err := s.ExecuteCode(context.Background(), "print(2)", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Creates() != 1 {
		t.Errorf("got %d CreateSandbox calls after reuse, want 1", client.Creates())
	}
}

func TestExecuteCodeInfrastructureFailureTransitionsToError(t *testing.T) {
	client := sandboxclienttest.NewFake()
	client.FailRunCode = errors.New("connection reset")
	s := newTestSession(client)

	_, err := s.ExecuteCode(context.Background(), "print(1)", 0)
	if err == nil {
		t.Fatal("expected an error")
	}
	e, ok := sandboxerr.As(err)
	if !ok || e.Kind != sandboxerr.KindCodeExecution || e.SubKind != sandboxerr.SubKindInfrastructure {
		t.Fatalf("got %+v, want CodeExecutionError(infrastructure)", e)
	}
	if s.State() != StateError {
		t.Errorf("got state %s, want error", s.State())
	}
}

func TestExecuteCodeTimeout(t *testing.T) {
	client := sandboxclienttest.NewFake()
	client.ExecDelay = 50 * time.Millisecond
	s := newTestSession(client)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := s.ExecuteCode(ctx, "sleep(1)", 0)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	e, ok := sandboxerr.As(err)
	if !ok || e.SubKind != sandboxerr.SubKindTimeout {
		t.Fatalf("got %+v, want SubKindTimeout", e)
	}
}

func TestExecuteCommandReportsInfrastructureSuccess(t *testing.T) {
	client := sandboxclienttest.NewFake()
	s := newTestSession(client)

	res, err := s.ExecuteCommand(context.Background(), "exit", []string{"7"}, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Error("expected success=true")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	client := sandboxclienttest.NewFake()
	s := newTestSession(client)

	if _, err := s.ExecuteCode(context.Background(), "print(1)", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error on first stop: %v", err)
	}
	if client.Stops() != 1 {
		t.Errorf("got %d StopSandbox calls, want 1", client.Stops())
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error on second stop: %v", err)
	}
	if client.Stops() != 1 {
		t.Errorf("got %d StopSandbox calls after second Stop, want still 1", client.Stops())
	}
	if s.State() != StateStopped {
		t.Errorf("got state %s, want stopped", s.State())
	}
}

func TestStopOnNeverStartedSessionSkipsProviderCall(t *testing.T) {
	client := sandboxclienttest.NewFake()
	s := newTestSession(client)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Stops() != 0 {
		t.Errorf("got %d StopSandbox calls, want 0 for a never-started session", client.Stops())
	}
}
