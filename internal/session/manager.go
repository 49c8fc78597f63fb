package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/sandboxclient"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/shortid"
)

// Manager is the registry mapping session ids to managed sessions. It is
// the only component that may insert or remove registry entries; the
// Resource Manager only ever reads it through the exported snapshot
// methods below.
type Manager struct {
	mu       sync.Mutex // protects registry only; never held across provider I/O
	sessions map[string]*ManagedSession

	client    sandboxclient.Client
	templates *catalog.TemplateSet
	namespace string

	sessionTimeout      time.Duration
	cleanupInterval     time.Duration
	sandboxStartTimeout time.Duration

	log zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Session Manager. namespace is the logical
// grouping every sandbox created through this manager is tagged with,
// defaulting to "default" when empty.
func NewManager(client sandboxclient.Client, templates *catalog.TemplateSet, namespace string, sessionTimeout, cleanupInterval, sandboxStartTimeout time.Duration, log zerolog.Logger) *Manager {
	if namespace == "" {
		namespace = "default"
	}
	return &Manager{
		sessions:            make(map[string]*ManagedSession),
		client:              client,
		templates:           templates,
		namespace:           namespace,
		sessionTimeout:      sessionTimeout,
		cleanupInterval:     cleanupInterval,
		sandboxStartTimeout: sandboxStartTimeout,
		log:                 log,
		stopCh:              make(chan struct{}),
	}
}

// GetOrCreate looks up a session by id, creating one if it doesn't
// exist (or if sessionID is empty). Insertion and lookup are atomic
// with respect to each other: the whole decision is made while holding
// mu, and mu performs no I/O.
func (m *Manager) GetOrCreate(sessionID, template string, flavor catalog.Flavor) (sess *ManagedSession, created bool, err error) {
	if !m.templates.Valid(template) {
		return nil, false, sandboxerr.Configuration("template %q is not registered", template)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if existing, ok := m.sessions[sessionID]; ok {
			if existing.Template() != template {
				return nil, false, sandboxerr.InvalidSessionState(sessionID, existing.Template(), template)
			}
			return existing, false, nil
		}
	} else {
		sessionID = uuid.NewString()
	}

	image, _ := m.templates.Image(template)
	sandboxName := "sbx-" + shortid.Generate()
	ms := newManagedSession(sessionID, template, flavor, m.namespace, sandboxName, image, m.sandboxStartTimeout, m.client)
	m.sessions[sessionID] = ms
	return ms, true, nil
}

// Get returns a session by id without creating one.
func (m *Manager) Get(sessionID string) (*ManagedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	return ms, ok
}

// Touch updates a session's last-accessed timestamp. Idempotent; a no-op
// if the session doesn't exist.
func (m *Manager) Touch(sessionID string) {
	if ms, ok := m.Get(sessionID); ok {
		ms.touch()
	}
}

// StopSession stops and removes a session. Returns true iff a session
// existed and was transitioned to stopped. Never raises; provider
// errors are logged and swallowed.
func (m *Manager) StopSession(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	if err := ms.Stop(ctx); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("error stopping session")
	}
	return true
}

// GetSessions returns a snapshot; if sessionID is non-empty, only that
// session (or an empty slice if it doesn't exist).
func (m *Manager) GetSessions(sessionID string) []Summary {
	m.mu.Lock()
	var tracked []*ManagedSession
	if sessionID != "" {
		if ms, ok := m.sessions[sessionID]; ok {
			tracked = []*ManagedSession{ms}
		}
	} else {
		for _, ms := range m.sessions {
			tracked = append(tracked, ms)
		}
	}
	m.mu.Unlock()

	// Snapshot waits on each session's guard, which an execution holds
	// across provider I/O, so it runs after the registry lock is released.
	var out []Summary
	for _, ms := range tracked {
		out = append(out, ms.Snapshot())
	}
	return out
}

// Count returns the number of tracked (non-stopped) sessions, used by
// the Resource Manager's admission check. It never performs I/O.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// OwnedRefs returns the provider sandbox refs owned by every currently
// tracked (non-stopped, by construction of the registry) session, used
// by the Resource Manager to identify orphans.
func (m *Manager) OwnedRefs() map[sandboxclient.Ref]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := make(map[sandboxclient.Ref]struct{}, len(m.sessions))
	for _, ms := range m.sessions {
		owned[ms.Ref()] = struct{}{}
	}
	return owned
}

// StartIdleExpiryLoop launches the background idle-expiry sweep. It is
// strictly lower priority than incoming tool calls: a session it cannot
// acquire without waiting (mid-execution) is skipped this tick and
// retried next tick.
func (m *Manager) StartIdleExpiryLoop(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.expireIdle(ctx)
			}
		}
	}()
}

// Stop cancels the idle-expiry loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) expireIdle(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	candidates := make([]*ManagedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		candidates = append(candidates, ms)
	}
	m.mu.Unlock()

	for _, ms := range candidates {
		if !ms.TryAcquire() {
			// Mid-execution; skip this tick, try again next tick.
			continue
		}
		idle := now.Sub(ms.lastAccessed) > m.sessionTimeout
		running := ms.state == StateRunning
		ms.Release()

		if !idle || running {
			continue
		}

		m.mu.Lock()
		if _, stillPresent := m.sessions[ms.ID()]; stillPresent {
			delete(m.sessions, ms.ID())
		} else {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := ms.Stop(ctx); err != nil {
			m.log.Warn().Err(err).Str("session_id", ms.ID()).Msg("idle expiry: error stopping session")
		} else {
			m.log.Info().Str("session_id", ms.ID()).Msg("idle expiry: session stopped")
		}
	}
}
