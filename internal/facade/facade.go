// Package facade implements the Facade: the single entry point the RPC
// adapter calls into, sequencing the Session Manager, Resource Manager,
// and provider client behind the tool contract the system exposes over
// MCP (execute_code, execute_command, get_sessions, stop_session,
// get_volume_path, get_resource_stats, cleanup_orphan_sandboxes).
package facade

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/config"
	"github.com/agentserver/sandboxd/internal/metrics"
	"github.com/agentserver/sandboxd/internal/resource"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/session"
)

// ExecuteCodeResult is what the execute_code tool returns.
type ExecuteCodeResult struct {
	SessionID       string `json:"session_id"`
	SessionCreated  bool   `json:"session_created"`
	Template        string `json:"template"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	Success         bool   `json:"success"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
}

// ExecuteCommandResult is what the execute_command tool returns.
type ExecuteCommandResult struct {
	SessionID       string   `json:"session_id"`
	SessionCreated  bool     `json:"session_created"`
	Command         string   `json:"command"`
	Args            []string `json:"args"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExitCode        int      `json:"exit_code"`
	Success         bool     `json:"success"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
}

// SessionInfo is one entry returned by get_sessions.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	Template     string    `json:"template"`
	Flavor       string    `json:"flavor"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// ResourceStats is what get_resource_stats returns.
type ResourceStats struct {
	ActiveSessions    int            `json:"active_sessions"`
	MaxSessions       int            `json:"max_sessions"`
	ByFlavor          map[string]int `json:"by_flavor"`
	TotalCPUCores     int            `json:"total_cpu_cores"`
	TotalMemoryMiB    int            `json:"total_memory_mib"`
	MaxTotalMemoryMiB int            `json:"max_total_memory_mib,omitempty"`
	UptimeSeconds     int64          `json:"uptime_seconds"`
	OrphansReclaimed  int64          `json:"orphans_reclaimed"`
}

// Facade is the single entry point the RPC adapter drives.
type Facade struct {
	cfg       config.Config
	sessions  *session.Manager
	resources *resource.Manager
	templates *catalog.TemplateSet
	metrics   *metrics.Metrics
	log       zerolog.Logger

	// admitMu makes the admission check and the registry insert in
	// getOrCreate one step, so concurrent creates cannot all pass the
	// same check and overshoot a ceiling.
	admitMu sync.Mutex
}

// New wires the Facade from its already-constructed dependencies.
func New(cfg config.Config, sessions *session.Manager, resources *resource.Manager, templates *catalog.TemplateSet, m *metrics.Metrics, log zerolog.Logger) *Facade {
	return &Facade{cfg: cfg, sessions: sessions, resources: resources, templates: templates, metrics: m, log: log}
}

// ToolDefinition is a JSON-Schema-shaped description of one tool's
// parameters, for the outer MCP shim to advertise without duplicating
// the closed template/flavor enums maintained here.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDefinitions returns the schema for every tool the Facade exposes.
func (f *Facade) ToolDefinitions() []ToolDefinition {
	flavors := make([]string, 0, len(catalog.AllFlavors()))
	for _, fl := range catalog.AllFlavors() {
		flavors = append(flavors, string(fl))
	}
	templates := f.templates.Templates()

	return []ToolDefinition{
		{
			Name:        "execute_code",
			Description: "Run code inside a session's sandbox, creating the session if session_id is omitted.",
			Parameters: map[string]any{
				"code":       map[string]any{"type": "string", "required": true},
				"template":   map[string]any{"type": "string", "enum": templates, "default": templates[0]},
				"session_id": map[string]any{"type": "string"},
				"flavor":     map[string]any{"type": "string", "enum": flavors},
				"timeout":    map[string]any{"type": "number"},
			},
		},
		{
			Name:        "execute_command",
			Description: "Run a shell command inside a session's sandbox, creating the session if session_id is omitted.",
			Parameters: map[string]any{
				"command":    map[string]any{"type": "string", "required": true},
				"args":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"template":   map[string]any{"type": "string", "enum": templates, "default": templates[0]},
				"session_id": map[string]any{"type": "string"},
				"flavor":     map[string]any{"type": "string", "enum": flavors},
				"timeout":    map[string]any{"type": "number"},
			},
		},
		{
			Name:        "get_sessions",
			Description: "List tracked sessions, optionally filtered to one session_id.",
			Parameters: map[string]any{
				"session_id": map[string]any{"type": "string"},
			},
		},
		{
			Name:        "stop_session",
			Description: "Stop a session and release its sandbox.",
			Parameters: map[string]any{
				"session_id": map[string]any{"type": "string", "required": true},
			},
		},
		{
			Name:        "get_volume_path",
			Description: "List the configured shared-volume host/container path pairs.",
			Parameters:  map[string]any{},
		},
		{
			Name:        "get_resource_stats",
			Description: "Report aggregate session counts, resource usage, and ceilings.",
			Parameters:  map[string]any{},
		},
		{
			Name:        "cleanup_orphan_sandboxes",
			Description: "Force an immediate orphan-sandbox detection pass instead of waiting for the next scheduled sweep.",
			Parameters:  map[string]any{},
		},
	}
}

// Start probes the provider once and, if reachable, launches the
// Session Manager's idle-expiry loop and the Resource Manager's orphan
// sweep as independent, cancellable background loops. An unreachable
// provider is reported immediately as a ConnectionError rather than
// surfacing on the first tool call.
func (f *Facade) Start(ctx context.Context) error {
	if err := f.resources.Ping(ctx); err != nil {
		return err
	}
	f.sessions.StartIdleExpiryLoop(ctx)
	f.resources.StartOrphanSweepLoop(ctx, f.cfg.OrphanCleanupInterval)
	return nil
}

// Stop stops the background loops, then tears down every tracked
// session concurrently, bounded by Config.ShutdownConcurrency via
// errgroup, since a sequential shutdown over many sessions would
// otherwise serialize on provider round-trips.
func (f *Facade) Stop(ctx context.Context) {
	f.sessions.Stop()
	f.resources.Stop()

	summaries := f.sessions.GetSessions("")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.ShutdownConcurrency)
	for _, s := range summaries {
		id := s.ID
		g.Go(func() error {
			f.sessions.StopSession(gctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// ExecuteCode implements the execute_code tool. sessionID may be empty,
// in which case a new session is created; success always reflects
// infrastructure outcome, never the exit status of the user's code.
func (f *Facade) ExecuteCode(ctx context.Context, sessionID, template string, flavor catalog.Flavor, code string, timeout time.Duration) (ExecuteCodeResult, error) {
	f.metrics.ToolCalls.WithLabelValues("execute_code").Inc()

	sess, created, err := f.getOrCreate(sessionID, template, flavor)
	if err != nil {
		f.metrics.ToolErrors.WithLabelValues("execute_code", errKind(err)).Inc()
		return ExecuteCodeResult{}, err
	}

	res, err := sess.ExecuteCode(ctx, code, f.execTimeout(timeout))
	if err != nil {
		f.metrics.ToolErrors.WithLabelValues("execute_code", errKind(err)).Inc()
		if e, ok := sandboxerr.As(err); ok && e.SubKind == sandboxerr.SubKindTimeout {
			f.metrics.ExecutionTimeout.WithLabelValues("execute_code").Inc()
		}
		return ExecuteCodeResult{}, err
	}

	f.sessions.Touch(sess.ID())
	f.updateResourceGauges()
	return ExecuteCodeResult{
		SessionID:       sess.ID(),
		SessionCreated:  created,
		Template:        sess.Template(),
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		Success:         res.Success,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, nil
}

// ExecuteCommand implements the execute_command tool.
func (f *Facade) ExecuteCommand(ctx context.Context, sessionID, template string, flavor catalog.Flavor, command string, args []string, timeout time.Duration) (ExecuteCommandResult, error) {
	f.metrics.ToolCalls.WithLabelValues("execute_command").Inc()

	sess, created, err := f.getOrCreate(sessionID, template, flavor)
	if err != nil {
		f.metrics.ToolErrors.WithLabelValues("execute_command", errKind(err)).Inc()
		return ExecuteCommandResult{}, err
	}

	res, err := sess.ExecuteCommand(ctx, command, args, f.execTimeout(timeout))
	if err != nil {
		f.metrics.ToolErrors.WithLabelValues("execute_command", errKind(err)).Inc()
		if e, ok := sandboxerr.As(err); ok && e.SubKind == sandboxerr.SubKindTimeout {
			f.metrics.ExecutionTimeout.WithLabelValues("execute_command").Inc()
		}
		return ExecuteCommandResult{}, err
	}

	f.sessions.Touch(sess.ID())
	f.updateResourceGauges()
	return ExecuteCommandResult{
		SessionID:       sess.ID(),
		SessionCreated:  created,
		Command:         command,
		Args:            args,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		Success:         res.Success,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, nil
}

// GetSessions implements the get_sessions tool. An empty sessionID lists
// every tracked session.
func (f *Facade) GetSessions(sessionID string) []SessionInfo {
	f.metrics.ToolCalls.WithLabelValues("get_sessions").Inc()
	summaries := f.sessions.GetSessions(sessionID)
	out := make([]SessionInfo, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, SessionInfo{
			SessionID:    s.ID,
			Template:     s.Template,
			Flavor:       string(s.Flavor),
			State:        string(s.State),
			CreatedAt:    s.CreatedAt,
			LastAccessed: s.LastAccessed,
		})
	}
	return out
}

// StopSession implements the stop_session tool: true iff a session
// existed and was transitioned to stopped. Never raises — an absent or
// already-stopped id simply returns false.
func (f *Facade) StopSession(ctx context.Context, sessionID string) bool {
	f.metrics.ToolCalls.WithLabelValues("stop_session").Inc()
	stopped := f.sessions.StopSession(ctx, sessionID)
	f.updateResourceGauges()
	return stopped
}

// GetVolumePath implements the get_volume_path tool. It takes no
// required arguments and returns every configured host/container path
// pair, letting the caller pick the mapping relevant to it.
func (f *Facade) GetVolumePath() []config.VolumeMapping {
	f.metrics.ToolCalls.WithLabelValues("get_volume_path").Inc()
	out := make([]config.VolumeMapping, len(f.cfg.VolumeMappings))
	copy(out, f.cfg.VolumeMappings)
	return out
}

// GetResourceStats implements the get_resource_stats tool.
func (f *Facade) GetResourceStats() ResourceStats {
	f.metrics.ToolCalls.WithLabelValues("get_resource_stats").Inc()
	stats := f.resources.Stats()
	byFlavor := make(map[string]int, len(stats.ByFlavor))
	for flavor, n := range stats.ByFlavor {
		byFlavor[string(flavor)] = n
	}
	return ResourceStats{
		ActiveSessions:    stats.ActiveSessions,
		MaxSessions:       stats.MaxSessions,
		ByFlavor:          byFlavor,
		TotalCPUCores:     stats.TotalCPUCores,
		TotalMemoryMiB:    stats.TotalMemoryMiB,
		MaxTotalMemoryMiB: stats.MaxTotalMemoryMiB,
		UptimeSeconds:     stats.UptimeSeconds,
		OrphansReclaimed:  stats.OrphansReclaimed,
	}
}

// CleanupOrphanSandboxes implements the cleanup_orphan_sandboxes tool:
// it forces an immediate orphan-detection pass instead of waiting for
// the next scheduled sweep, returning the aggregate reclamation count
// afterward.
func (f *Facade) CleanupOrphanSandboxes(ctx context.Context) int64 {
	f.metrics.ToolCalls.WithLabelValues("cleanup_orphan_sandboxes").Inc()
	f.resources.SweepNow(ctx)
	return f.resources.Stats().OrphansReclaimed
}

func (f *Facade) getOrCreate(sessionID, template string, flavor catalog.Flavor) (*session.ManagedSession, bool, error) {
	// Admission is checked whenever the session is absent or unknown, not
	// just when the id is empty — a caller minting its own fresh id every
	// call must not be able to bypass max_sessions/max_total_memory_mib.
	f.admitMu.Lock()
	defer f.admitMu.Unlock()
	if sessionID == "" {
		if err := f.resources.CheckAdmission(flavor); err != nil {
			return nil, false, err
		}
	} else if _, ok := f.sessions.Get(sessionID); !ok {
		if err := f.resources.CheckAdmission(flavor); err != nil {
			return nil, false, err
		}
	}
	return f.sessions.GetOrCreate(sessionID, template, flavor)
}

func (f *Facade) updateResourceGauges() {
	stats := f.resources.Stats()
	f.metrics.SetSessionGauges(stats.ByFlavor)
	f.metrics.TotalCPUCores.Set(float64(stats.TotalCPUCores))
	f.metrics.TotalMemoryMiB.Set(float64(stats.TotalMemoryMiB))
}

// execTimeout falls back to the configured default when the caller
// omits a per-call timeout: every execution carries either an explicit
// timeout or the configured default.
func (f *Facade) execTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return f.cfg.DefaultExecTimeout
	}
	return timeout
}

func errKind(err error) string {
	if e, ok := sandboxerr.As(err); ok {
		return string(e.Kind)
	}
	return "unknown"
}
