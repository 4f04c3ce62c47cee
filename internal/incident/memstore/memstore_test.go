package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/inquest/internal/incident"
)

func newIncident(dedupKey string) *incident.Incident {
	return &incident.Incident{
		DedupKey: dedupKey,
		Service:  "checkout-api",
		Env:      "production",
		Status:   incident.StatusIngested,
	}
}

func TestUpsertIncident_Idempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	first, created, err := s.UpsertIncident(ctx, newIncident("key-1"))
	if err != nil {
		t.Fatalf("UpsertIncident: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}
	if first.ID == "" || first.Version != 1 {
		t.Errorf("incident = %+v", first)
	}

	second, created, err := s.UpsertIncident(ctx, newIncident("key-1"))
	if err != nil {
		t.Fatalf("UpsertIncident: %v", err)
	}
	if created {
		t.Error("second upsert with the same dedup key must not create")
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %s, want %s", second.ID, first.ID)
	}
}

func TestUpsertIncident_ConcurrentSameKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	ids := make([]string, n)
	createdCount := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inc, created, err := s.UpsertIncident(ctx, newIncident("race-key"))
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = inc.ID
			createdCount[i] = created
		}()
	}
	wg.Wait()

	var creations int
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("divergent incident ids: %s vs %s", ids[i], ids[0])
		}
	}
	for _, c := range createdCount {
		if c {
			creations++
		}
	}
	if creations != 1 {
		t.Errorf("creations = %d, want exactly 1", creations)
	}
}

func TestUpdateStatus(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, _, _ := s.UpsertIncident(ctx, newIncident("key-1"))

	got, err := s.UpdateStatus(ctx, inc.ID, inc.Version, incident.StatusEvidenceCollecting, "")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != incident.StatusEvidenceCollecting {
		t.Errorf("status = %s", got.Status)
	}
	if got.Version != inc.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, inc.Version+1)
	}
}

func TestUpdateStatus_StaleVersion(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, _, _ := s.UpsertIncident(ctx, newIncident("key-1"))

	if _, err := s.UpdateStatus(ctx, inc.ID, inc.Version, incident.StatusEvidenceCollecting, ""); err != nil {
		t.Fatal(err)
	}
	got, err := s.UpdateStatus(ctx, inc.ID, inc.Version, incident.StatusPostmortemRequired, "")
	if !errors.Is(err, incident.ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
	if got == nil || got.Status != incident.StatusEvidenceCollecting {
		t.Errorf("conflict must return authoritative state, got %+v", got)
	}
}

func TestUpdateStatus_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, _, _ := s.UpsertIncident(ctx, newIncident("key-1"))

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = s.UpdateStatus(ctx, inc.ID, inc.Version, incident.StatusEvidenceCollecting, "")
		}()
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, incident.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Errorf("wins = %d, conflicts = %d; exactly one writer may win", wins, conflicts)
	}
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	inc, _, _ := s.UpsertIncident(ctx, newIncident("key-1"))

	got, err := s.UpdateStatus(ctx, inc.ID, inc.Version, incident.StatusResolved, "")
	if !errors.Is(err, incident.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if got.Status != incident.StatusIngested || got.Version != inc.Version {
		t.Errorf("status must be unchanged on invalid transition: %+v", got)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	t.Parallel()

	s := New()
	if _, err := s.UpdateStatus(context.Background(), "missing", 1, incident.StatusResolved, ""); !errors.Is(err, incident.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReportSupersedes(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if err := s.PutReport(ctx, &incident.TriageReport{ID: "r1", IncidentID: "inc-1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutReport(ctx, &incident.TriageReport{ID: "r2", IncidentID: "inc-1"}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.LatestReport(ctx, "inc-1")
	if err != nil || !ok {
		t.Fatalf("LatestReport: ok=%v err=%v", ok, err)
	}
	if got.ID != "r2" {
		t.Errorf("latest = %s, want r2", got.ID)
	}
}

func TestListDeploymentsWindow(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, d := range []*incident.DeploymentEvent{
		{ID: "in-window", Service: "svc", Env: "prod", DeployedAt: base.Add(-10 * time.Minute)},
		{ID: "too-old", Service: "svc", Env: "prod", DeployedAt: base.Add(-2 * time.Hour)},
		{ID: "other-env", Service: "svc", Env: "staging", DeployedAt: base.Add(-10 * time.Minute)},
	} {
		if err := s.AddDeployment(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListDeployments(ctx, "svc", "prod", base.Add(-15*time.Minute), base.Add(15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "in-window" {
		t.Errorf("got %+v, want only in-window", got)
	}
}

func TestListUnfinished(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	a, _, _ := s.UpsertIncident(ctx, newIncident("k1"))
	b, _, _ := s.UpsertIncident(ctx, newIncident("k2"))
	c, _, _ := s.UpsertIncident(ctx, newIncident("k3"))

	if _, err := s.UpdateStatus(ctx, b.ID, b.Version, incident.StatusEvidenceCollecting, ""); err != nil {
		t.Fatal(err)
	}
	cur, _ := s.UpdateStatus(ctx, c.ID, c.Version, incident.StatusEvidenceCollecting, "")
	if _, err := s.UpdateStatus(ctx, c.ID, cur.Version, incident.StatusAwaitingHumanReview, ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListUnfinished(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{a.ID: true, b.ID: true}
	if len(got) != 2 || !want[got[0]] || !want[got[1]] {
		t.Errorf("unfinished = %v, want %v", got, want)
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	old := newIncident("old-key")
	old.CreatedAt = cutoff.Add(-48 * time.Hour)
	oldInc, _, _ := s.UpsertIncident(ctx, old)
	fresh, _, _ := s.UpsertIncident(ctx, newIncident("fresh-key"))

	if err := s.PutEvidencePack(ctx, &incident.EvidencePack{ID: "p1", IncidentID: oldInc.ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutReport(ctx, &incident.TriageReport{ID: "r1", IncidentID: oldInc.ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDeployment(ctx, &incident.DeploymentEvent{ID: "d1", CreatedAt: cutoff.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}

	res, err := s.Purge(ctx, cutoff)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if res.Incidents != 1 || res.EvidencePacks != 1 || res.Reports != 1 || res.Deployments != 1 {
		t.Errorf("purge result = %+v", res)
	}

	if _, ok, _ := s.GetIncident(ctx, oldInc.ID); ok {
		t.Error("purged incident still present")
	}
	if _, ok, _ := s.GetIncident(ctx, fresh.ID); !ok {
		t.Error("fresh incident should survive")
	}

	// dedup key is released by the purge
	again, created, _ := s.UpsertIncident(ctx, newIncident("old-key"))
	if !created {
		t.Errorf("upsert after purge should create, got %+v", again)
	}
}
