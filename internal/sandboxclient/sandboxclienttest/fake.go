// Package sandboxclienttest provides a hand-rolled in-memory fake of
// sandboxclient.Client for tests, in place of a mocking framework.
package sandboxclienttest

import (
	"context"
	"sync"
	"time"

	"github.com/agentserver/sandboxd/internal/sandboxclient"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
)

// Fake implements sandboxclient.Client entirely in memory.
type Fake struct {
	mu       sync.Mutex
	running  map[sandboxclient.Ref]time.Time
	creates  int
	stops    int

	// FailCreate, when non-nil, is returned by every CreateSandbox call.
	FailCreate error
	// FailRunCode / FailRunCommand, when non-nil, are returned by the
	// matching exec call instead of a canned result.
	FailRunCode    error
	FailRunCommand error
	// ExecDelay, if set, is slept before returning from RunCode/RunCommand,
	// useful for exercising context-deadline timeout behavior.
	ExecDelay time.Duration

	// StdoutFor lets a test script canned stdout per ref; defaults to "ok".
	StdoutFor map[sandboxclient.Ref]string

	// FailListRunning, when non-nil, is returned by every ListRunning call,
	// for simulating an unreachable provider.
	FailListRunning error
}

// NewFake builds an empty Fake.
func NewFake() *Fake {
	return &Fake{running: make(map[sandboxclient.Ref]time.Time)}
}

var _ sandboxclient.Client = (*Fake)(nil)

func (f *Fake) CreateSandbox(ctx context.Context, params sandboxclient.CreateParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.FailCreate != nil {
		return f.FailCreate
	}
	f.running[params.Ref] = time.Now()
	return nil
}

func (f *Fake) RunCode(ctx context.Context, ref sandboxclient.Ref, code string, timeout time.Duration) (sandboxclient.ExecResult, error) {
	return f.runExec(ctx, ref, f.FailRunCode)
}

func (f *Fake) RunCommand(ctx context.Context, ref sandboxclient.Ref, command string, args []string, timeout time.Duration) (sandboxclient.ExecResult, error) {
	return f.runExec(ctx, ref, f.FailRunCommand)
}

func (f *Fake) runExec(ctx context.Context, ref sandboxclient.Ref, failWith error) (sandboxclient.ExecResult, error) {
	if f.ExecDelay > 0 {
		select {
		case <-time.After(f.ExecDelay):
		case <-ctx.Done():
			return sandboxclient.ExecResult{}, sandboxerr.Connection(true, ctx.Err(), "fake exec: context done")
		}
	}
	if failWith != nil {
		return sandboxclient.ExecResult{}, failWith
	}

	f.mu.Lock()
	stdout := f.StdoutFor[ref]
	f.mu.Unlock()
	if stdout == "" {
		stdout = "ok"
	}
	return sandboxclient.ExecResult{Stdout: stdout, Success: true}, nil
}

func (f *Fake) StopSandbox(ctx context.Context, ref sandboxclient.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	delete(f.running, ref)
	return nil
}

func (f *Fake) ListRunning(ctx context.Context) ([]sandboxclient.RunningSandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailListRunning != nil {
		return nil, f.FailListRunning
	}
	out := make([]sandboxclient.RunningSandbox, 0, len(f.running))
	for ref, createdAt := range f.running {
		out = append(out, sandboxclient.RunningSandbox{Ref: ref, CreatedAt: createdAt})
	}
	return out, nil
}

// InjectRunning marks ref as running at the provider without going
// through CreateSandbox, for simulating an orphan the registry never
// learned about.
func (f *Fake) InjectRunning(ref sandboxclient.Ref) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[ref] = time.Now()
}

// Creates returns how many times CreateSandbox was called.
func (f *Fake) Creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates
}

// Stops returns how many times StopSandbox was called.
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// IsRunning reports whether ref is currently tracked as running.
func (f *Fake) IsRunning(ref sandboxclient.Ref) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[ref]
	return ok
}
