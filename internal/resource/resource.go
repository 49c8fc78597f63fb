// Package resource implements the Resource Manager: admission control
// against the configured ceilings, aggregate resource stats, and the
// background orphan-sandbox garbage-collection loop. It holds no write
// access to the session registry — only the Session Manager may insert
// or remove entries — and never blocks an incoming tool call on
// provider I/O for longer than a single admission check, which does no
// I/O at all.
package resource

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/metrics"
	"github.com/agentserver/sandboxd/internal/sandboxclient"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/session"
)

// Registry is the read-only view of the Session Manager the Resource
// Manager depends on. session.Manager satisfies it.
type Registry interface {
	Count() int
	GetSessions(sessionID string) []session.Summary
	OwnedRefs() map[sandboxclient.Ref]struct{}
}

// Stats is a snapshot returned by get_resource_stats.
type Stats struct {
	ActiveSessions     int
	MaxSessions        int
	ByFlavor           map[catalog.Flavor]int
	TotalCPUCores      int
	TotalMemoryMiB     int
	MaxTotalMemoryMiB  int // 0 means unlimited
	UptimeSeconds       int64
	OrphansReclaimed    int64
}

// Manager is the Resource Manager.
type Manager struct {
	registry Registry
	client   sandboxclient.Client
	metrics  *metrics.Metrics
	log      zerolog.Logger

	maxSessions       int
	maxTotalMemoryMiB int // 0 = unlimited

	quarantineSweeps int // number of consecutive sweeps a candidate must survive before reclamation

	startedAt time.Time

	mu                sync.Mutex
	orphanCandidates  map[sandboxclient.Ref]int // ref -> consecutive sweep count seen unowned
	orphansReclaimed  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager constructs a Resource Manager. quarantineSweeps must be >=
// 1; a value of 2 means a sandbox must appear unowned in two
// consecutive sweeps before it is reclaimed, giving in-flight
// CreateSandbox calls time to register in the Session Manager. m may be
// nil, in which case reclamation is simply not counted anywhere.
func NewManager(registry Registry, client sandboxclient.Client, maxSessions, maxTotalMemoryMiB, quarantineSweeps int, m *metrics.Metrics, log zerolog.Logger) *Manager {
	if quarantineSweeps < 1 {
		quarantineSweeps = 2
	}
	return &Manager{
		registry:          registry,
		client:            client,
		metrics:           m,
		log:               log,
		maxSessions:       maxSessions,
		maxTotalMemoryMiB: maxTotalMemoryMiB,
		quarantineSweeps:  quarantineSweeps,
		startedAt:         time.Now(),
		orphanCandidates:  make(map[sandboxclient.Ref]int),
		stopCh:            make(chan struct{}),
	}
}

// Ping probes the provider once, used by Facade.Start to fail fast on
// an unreachable provider instead of surfacing it later as a generic
// ConnectionError on the first tool call.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.client.ListRunning(ctx)
	return err
}

// CheckAdmission denies admission if accepting a new session of the
// given flavor would exceed MaxSessions or (when set) MaxTotalMemoryMiB,
// keeping active sessions within both ceilings at all times. It never
// performs I/O: both counts come from the registry's in-memory snapshot.
func (m *Manager) CheckAdmission(flavor catalog.Flavor) error {
	if m.registry.Count() >= m.maxSessions {
		return sandboxerr.ResourceLimit("wait for a session to stop or finish, or stop an idle one yourself",
			"max_sessions limit of %d reached", m.maxSessions)
	}

	if m.maxTotalMemoryMiB <= 0 {
		return nil
	}

	_, totalMemory := m.aggregate()
	requested := flavor.Resources().MemoryMiB
	if totalMemory+requested > m.maxTotalMemoryMiB {
		return sandboxerr.ResourceLimit("use a smaller flavor, or wait for a session to stop",
			"admitting a %s session would exceed the %d MiB aggregate memory ceiling", flavor, m.maxTotalMemoryMiB)
	}
	return nil
}

func (m *Manager) aggregate() (totalCPU, totalMemory int) {
	for _, s := range m.registry.GetSessions("") {
		res := s.Flavor.Resources()
		totalCPU += res.CPUCores
		totalMemory += res.MemoryMiB
	}
	return totalCPU, totalMemory
}

// Stats computes the current resource snapshot for get_resource_stats.
func (m *Manager) Stats() Stats {
	sessions := m.registry.GetSessions("")
	byFlavor := make(map[catalog.Flavor]int)
	var totalCPU, totalMemory int
	for _, s := range sessions {
		byFlavor[s.Flavor]++
		res := s.Flavor.Resources()
		totalCPU += res.CPUCores
		totalMemory += res.MemoryMiB
	}

	m.mu.Lock()
	reclaimed := m.orphansReclaimed
	m.mu.Unlock()

	return Stats{
		ActiveSessions:    len(sessions),
		MaxSessions:       m.maxSessions,
		ByFlavor:          byFlavor,
		TotalCPUCores:     totalCPU,
		TotalMemoryMiB:    totalMemory,
		MaxTotalMemoryMiB: m.maxTotalMemoryMiB,
		UptimeSeconds:     int64(time.Since(m.startedAt).Seconds()),
		OrphansReclaimed:  reclaimed,
	}
}

// StartOrphanSweepLoop launches the background orphan garbage collector.
func (m *Manager) StartOrphanSweepLoop(ctx context.Context, interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepOnce(ctx)
			}
		}
	}()
}

// Stop cancels the orphan-sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// SweepNow runs one orphan-detection pass immediately, for the
// cleanup_orphan_sandboxes tool. It shares the same quarantine counters
// as the background loop, so an on-demand sweep still respects the
// same quarantine window.
func (m *Manager) SweepNow(ctx context.Context) {
	m.sweepOnce(ctx)
}

// sweepOnce implements the two-sweep quarantine. A sandbox the provider
// reports as running but that no tracked session owns is a *candidate*
// the first time it's seen; only once it has appeared unowned in
// quarantineSweeps consecutive sweeps is it reclaimed (stopped at the
// provider). This bridges the race where CreateSandbox has started a
// sandbox at the provider but the session hasn't finished registering.
func (m *Manager) sweepOnce(ctx context.Context) {
	running, err := m.client.ListRunning(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("orphan sweep: failed to list running sandboxes")
		return
	}

	owned := m.registry.OwnedRefs()
	seenThisSweep := make(map[sandboxclient.Ref]struct{}, len(running))

	m.mu.Lock()
	for _, rs := range running {
		if _, isOwned := owned[rs.Ref]; isOwned {
			delete(m.orphanCandidates, rs.Ref)
			continue
		}
		seenThisSweep[rs.Ref] = struct{}{}
		m.orphanCandidates[rs.Ref]++
	}
	// Anything that was a candidate but didn't show up unowned this
	// sweep (reclaimed elsewhere, or now owned) drops out of tracking.
	for ref := range m.orphanCandidates {
		if _, stillUnowned := seenThisSweep[ref]; !stillUnowned {
			delete(m.orphanCandidates, ref)
		}
	}

	toReclaim := make([]sandboxclient.Ref, 0)
	for ref, count := range m.orphanCandidates {
		if count >= m.quarantineSweeps {
			toReclaim = append(toReclaim, ref)
		}
	}
	for _, ref := range toReclaim {
		delete(m.orphanCandidates, ref)
	}
	m.mu.Unlock()

	for _, ref := range toReclaim {
		if err := m.client.StopSandbox(ctx, ref); err != nil {
			m.log.Warn().Err(err).Str("namespace", ref.Namespace).Str("name", ref.Name).Msg("orphan sweep: failed to reclaim sandbox")
			continue
		}
		m.mu.Lock()
		m.orphansReclaimed++
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.OrphansReclaimed.Inc()
		}
		m.log.Info().Str("namespace", ref.Namespace).Str("name", ref.Name).Msg("orphan sweep: reclaimed unowned sandbox")
	}
}
