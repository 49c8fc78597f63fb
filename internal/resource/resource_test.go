package resource

import (
	"context"
	"testing"
	"time"

	"github.com/agentserver/sandboxd/internal/catalog"
	"github.com/agentserver/sandboxd/internal/logging"
	"github.com/agentserver/sandboxd/internal/sandboxclient"
	"github.com/agentserver/sandboxd/internal/sandboxclient/sandboxclienttest"
	"github.com/agentserver/sandboxd/internal/sandboxerr"
	"github.com/agentserver/sandboxd/internal/session"
)

func newSessions(client *sandboxclienttest.Fake) *session.Manager {
	return session.NewManager(client, catalog.DefaultTemplateSet(), "default", time.Hour, time.Hour, time.Second, logging.Nop())
}

func TestCheckAdmissionDeniesOverMaxSessions(t *testing.T) {
	client := sandboxclienttest.NewFake()
	sessions := newSessions(client)
	rm := NewManager(sessions, client, 2, 0, 2, nil, logging.Nop())

	if _, _, err := sessions.GetOrCreate("", "python", catalog.FlavorSmall); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := sessions.GetOrCreate("", "python", catalog.FlavorSmall); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := rm.CheckAdmission(catalog.FlavorSmall)
	if err == nil {
		t.Fatal("expected admission to be denied at the max_sessions ceiling")
	}
	e, ok := sandboxerr.As(err)
	if !ok || e.Kind != sandboxerr.KindResourceLimit {
		t.Fatalf("got %+v, want ResourceLimitError", e)
	}
}

func TestCheckAdmissionDeniesOverMemoryCeiling(t *testing.T) {
	client := sandboxclienttest.NewFake()
	sessions := newSessions(client)
	// small=1024 MiB; ceiling of 1500 MiB permits one small session but not two.
	rm := NewManager(sessions, client, 10, 1500, 2, nil, logging.Nop())

	if _, _, err := sessions.GetOrCreate("", "python", catalog.FlavorSmall); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := rm.CheckAdmission(catalog.FlavorSmall); err == nil {
		t.Fatal("expected admission to be denied at the aggregate memory ceiling")
	}
}

func TestStatsAggregatesByFlavor(t *testing.T) {
	client := sandboxclienttest.NewFake()
	sessions := newSessions(client)
	rm := NewManager(sessions, client, 10, 0, 2, nil, logging.Nop())

	if _, _, err := sessions.GetOrCreate("", "python", catalog.FlavorSmall); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := sessions.GetOrCreate("", "node", catalog.FlavorMedium); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := rm.Stats()
	if stats.ActiveSessions != 2 {
		t.Errorf("got %d active sessions, want 2", stats.ActiveSessions)
	}
	if stats.TotalCPUCores != 3 || stats.TotalMemoryMiB != 3072 {
		t.Errorf("got cpu=%d mem=%d, want cpu=3 mem=3072", stats.TotalCPUCores, stats.TotalMemoryMiB)
	}
	if stats.ByFlavor[catalog.FlavorSmall] != 1 || stats.ByFlavor[catalog.FlavorMedium] != 1 {
		t.Errorf("got by-flavor breakdown %+v", stats.ByFlavor)
	}
}

func TestOrphanSweepQuarantinesBeforeReclaiming(t *testing.T) {
	client := sandboxclienttest.NewFake()
	sessions := newSessions(client)
	rm := NewManager(sessions, client, 10, 0, 2, nil, logging.Nop())

	orphan := sandboxclient.Ref{Namespace: "default", Name: "sbx-orphan"}
	client.InjectRunning(orphan)

	ctx := context.Background()
	rm.sweepOnce(ctx)
	if client.Stops() != 0 {
		t.Fatal("expected the first sweep to quarantine, not reclaim")
	}
	if !client.IsRunning(orphan) {
		t.Fatal("expected the orphan to still be running after one sweep")
	}

	rm.sweepOnce(ctx)
	if client.Stops() != 1 {
		t.Fatalf("got %d stops after the second sweep, want 1", client.Stops())
	}
	if client.IsRunning(orphan) {
		t.Fatal("expected the orphan to be reclaimed after two consecutive sweeps")
	}
	if rm.Stats().OrphansReclaimed != 1 {
		t.Errorf("got OrphansReclaimed=%d, want 1", rm.Stats().OrphansReclaimed)
	}
}

func TestOrphanSweepSparesOwnedSandboxes(t *testing.T) {
	client := sandboxclienttest.NewFake()
	sessions := newSessions(client)
	rm := NewManager(sessions, client, 10, 0, 2, nil, logging.Nop())

	sess, _, err := sessions.GetOrCreate("s1", "python", catalog.FlavorSmall)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sess.ExecuteCode(context.Background(), "print(1)", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	rm.sweepOnce(ctx)
	rm.sweepOnce(ctx)

	if !client.IsRunning(sess.Ref()) {
		t.Fatal("expected an owned sandbox to survive repeated sweeps")
	}
	if client.Stops() != 0 {
		t.Errorf("got %d stops, want 0 for an owned sandbox", client.Stops())
	}
}

func TestOrphanSweepResetsQuarantineWhenReclaimedElsewhere(t *testing.T) {
	client := sandboxclienttest.NewFake()
	sessions := newSessions(client)
	rm := NewManager(sessions, client, 10, 0, 2, nil, logging.Nop())

	orphan := sandboxclient.Ref{Namespace: "default", Name: "sbx-orphan"}
	client.InjectRunning(orphan)

	ctx := context.Background()
	rm.sweepOnce(ctx)

	// The sandbox disappears from the provider's listing entirely
	// (someone else stopped it) before the second sweep.
	_ = client.StopSandbox(ctx, orphan)

	rm.sweepOnce(ctx)
	if rm.Stats().OrphansReclaimed != 0 {
		t.Error("expected no reclamation credit for a sandbox that vanished on its own")
	}
}
