// Package session implements the Managed Session and Session Manager
// components: the handle pairing a session id to one provider sandbox,
// and the registry that maps session ids to those handles.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/sandboxclient"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// ExecutionResult is the outcome of an execute_code call against a session.
type ExecutionResult struct {
	Stdout          string
	Stderr          string
	Success         bool
	ExecutionTimeMs int64
}

// CommandResult is the outcome of an execute_command call against a session.
type CommandResult struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	Success         bool
	ExecutionTimeMs int64
}

// Summary is a read-only snapshot of a managed session, safe to hand
// outside the package without exposing the guard or provider handle.
type Summary struct {
	ID           string
	Template     string
	Flavor       catalog.Flavor
	Namespace    string
	SandboxName  string
	State        State
	CreatedAt    time.Time
	LastAccessed time.Time
}

// ManagedSession pairs a session id to one underlying sandbox. All
// operations against the sandbox are serialized by mu;
// mu is held only across this session's own work, never across the
// registry lock held by Manager.
type ManagedSession struct {
	id           string
	template     string
	flavor       catalog.Flavor
	namespace    string
	sandboxName  string
	createdAt    time.Time
	image        string
	startTimeout time.Duration

	client sandboxclient.Client

	mu           sync.Mutex
	state        State
	lastAccessed time.Time
	started      bool
}

func newManagedSession(id, template string, flavor catalog.Flavor, namespace, sandboxName, image string, startTimeout time.Duration, client sandboxclient.Client) *ManagedSession {
	now := time.Now()
	return &ManagedSession{
		id:           id,
		template:     template,
		flavor:       flavor,
		namespace:    namespace,
		sandboxName:  sandboxName,
		image:        image,
		startTimeout: startTimeout,
		client:       client,
		createdAt:    now,
		lastAccessed: now,
		state:        StateCreating,
	}
}

func (s *ManagedSession) ID() string       { return s.id }
func (s *ManagedSession) Template() string { return s.template }

func (s *ManagedSession) Ref() sandboxclient.Ref {
	return sandboxclient.Ref{Namespace: s.namespace, Name: s.sandboxName}
}

// State returns the current lifecycle state.
func (s *ManagedSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastAccessed returns the last-accessed timestamp.
func (s *ManagedSession) LastAccessed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccessed
}

// Snapshot returns a read-only view for get_sessions / resource stats.
func (s *ManagedSession) Snapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		ID:           s.id,
		Template:     s.template,
		Flavor:       s.flavor,
		Namespace:    s.namespace,
		SandboxName:  s.sandboxName,
		State:        s.state,
		CreatedAt:    s.createdAt,
		LastAccessed: s.lastAccessed,
	}
}

// touch updates last-accessed to now under the guard. Idempotent.
func (s *ManagedSession) touch() {
	s.mu.Lock()
	s.lastAccessed = time.Now()
	s.mu.Unlock()
}

// TryAcquire attempts to take the guard without blocking, used by the
// idle-expiry sweep so it never waits on a session mid-execution:
// background loops must never block an incoming tool call.
func (s *ManagedSession) TryAcquire() bool {
	return s.mu.TryLock()
}

// Release gives back a guard taken with TryAcquire.
func (s *ManagedSession) Release() {
	s.mu.Unlock()
}

func (s *ManagedSession) setState(to State) {
	// mu must already be held by the caller. Invariant violations still
	// land on the requested state rather than getting stuck.
	_ = validTransition(s.state, to)
	s.state = to
}

// ensureStartedLocked creates the sandbox at the provider if it has not
// been started yet. Caller must hold mu.
func (s *ManagedSession) ensureStartedLocked(ctx context.Context) error {
	if s.started {
		return nil
	}

	startCtx := ctx
	if s.startTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, s.startTimeout)
		defer cancel()
	}

	res := s.flavor.Resources()
	err := s.client.CreateSandbox(startCtx, sandboxclient.CreateParams{
		Ref:       s.Ref(),
		Image:     s.image,
		CPUCores:  res.CPUCores,
		MemoryMiB: res.MemoryMiB,
	})
	if err != nil {
		s.setState(StateError)
		return sandboxerr.SandboxCreation(s.id, err, "failed to create sandbox %s/%s", s.namespace, s.sandboxName)
	}

	s.started = true
	s.setState(StateReady)
	return nil
}

// ExecuteCode runs code in the session's sandbox, transitioning
// ready→running→ready on success or running→error on infrastructure
// failure. A non-zero exit / traceback inside the sandbox is not an
// infrastructure failure: it comes back in Stderr with Success=true and
// no error.
func (s *ManagedSession) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStartedLocked(ctx); err != nil {
		return ExecutionResult{}, err
	}

	s.setState(StateRunning)
	s.lastAccessed = time.Now()

	start := time.Now()
	res, err := s.client.RunCode(ctx, s.Ref(), code, timeout)
	elapsed := time.Since(start)

	if err != nil {
		s.setState(StateError)
		sub := sandboxerr.SubKindInfrastructure
		if isTimeout(ctx, err) {
			sub = sandboxerr.SubKindTimeout
		}
		return ExecutionResult{}, sandboxerr.CodeExecution(s.id, sub, err, "execute_code failed for session %s", s.id)
	}

	s.setState(StateReady)
	s.lastAccessed = time.Now()
	return ExecutionResult{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Success:         true,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}, nil
}

// ExecuteCommand is the execute_code analogue for shell commands, additionally
// carrying an exit code in the result.
func (s *ManagedSession) ExecuteCommand(ctx context.Context, command string, args []string, timeout time.Duration) (CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureStartedLocked(ctx); err != nil {
		return CommandResult{}, err
	}

	s.setState(StateRunning)
	s.lastAccessed = time.Now()

	start := time.Now()
	res, err := s.client.RunCommand(ctx, s.Ref(), command, args, timeout)
	elapsed := time.Since(start)

	if err != nil {
		s.setState(StateError)
		sub := sandboxerr.SubKindInfrastructure
		if isTimeout(ctx, err) {
			sub = sandboxerr.SubKindTimeout
		}
		return CommandResult{}, sandboxerr.CommandExecution(s.id, sub, err, "execute_command failed for session %s", s.id)
	}

	s.setState(StateReady)
	s.lastAccessed = time.Now()
	return CommandResult{
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		Success:         true,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}, nil
}

// Stop best-effort instructs the provider to stop the sandbox and
// transitions to stopped. A provider error is returned for the caller to
// log, and the session is marked stopped either way, so a flaky provider
// never blocks registry cleanup.
func (s *ManagedSession) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return nil
	}
	var err error
	if s.started {
		err = s.client.StopSandbox(ctx, s.Ref())
	}
	s.setState(StateStopped)
	return err
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if e, ok := err.(*sandboxerr.Error); ok && e.Cause != nil {
		if tt, ok := e.Cause.(timeouter); ok {
			t = tt
		}
	}
	return t != nil && t.Timeout()
}
