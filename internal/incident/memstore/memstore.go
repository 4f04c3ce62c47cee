// Package memstore provides an in-memory implementation of incident.Store.
// Suitable for dev/testing; the version-counter and dedup semantics match
// the Postgres store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/inquest/internal/incident"
)

// Store holds all triage entities in memory behind one mutex.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident
	byDedup   map[string]string // dedup key -> incident ID
	packs     map[string][]*incident.EvidencePack
	reports   map[string][]*incident.TriageReport
	decisions []*incident.ReviewDecision
	feedback  []*incident.Feedback
	deploys   []*incident.DeploymentEvent
	configs   []*incident.ConfigChange
	runs      []*incident.PipelineRun
	audits    []*incident.AuditEntry
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		byDedup:   make(map[string]string),
		packs:     make(map[string][]*incident.EvidencePack),
		reports:   make(map[string][]*incident.TriageReport),
	}
}

var _ incident.Store = (*Store)(nil)

// UpsertIncident creates the candidate under its dedup key, or returns the
// existing incident for that key unchanged.
func (s *Store) UpsertIncident(_ context.Context, candidate *incident.Incident) (*incident.Incident, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDedup[candidate.DedupKey]; ok {
		cp := *s.incidents[id]
		return &cp, false, nil
	}

	cp := *candidate
	if cp.ID == "" {
		cp.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt
	if cp.Status == "" {
		cp.Status = incident.StatusIngested
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.incidents[cp.ID] = &cp
	s.byDedup[cp.DedupKey] = cp.ID
	out := cp
	return &out, true, nil
}

// GetIncident retrieves an incident by ID. Returns a copy.
func (s *Store) GetIncident(_ context.Context, id string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inc
	return &cp, true, nil
}

// ListIncidents returns all incidents ordered by creation time, newest first.
func (s *Store) ListIncidents(_ context.Context) ([]*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		cp := *inc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// UpdateStatus applies a lifecycle transition guarded by the version counter.
func (s *Store) UpdateStatus(_ context.Context, id string, expectedVersion int64, to incident.Status, reason string) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inc, ok := s.incidents[id]
	if !ok {
		return nil, incident.ErrNotFound
	}
	if inc.Version != expectedVersion {
		cp := *inc
		return &cp, incident.ErrVersionConflict
	}
	if !incident.CanTransition(inc.Status, to) {
		cp := *inc
		return &cp, incident.ErrInvalidTransition
	}
	inc.Status = to
	inc.LastError = reason
	inc.Version++
	inc.UpdatedAt = time.Now().UTC()
	cp := *inc
	return &cp, nil
}

// AttachDeployment stamps the correlated deployment's version and git SHA.
func (s *Store) AttachDeployment(_ context.Context, id, version, gitSHA string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[id]
	if !ok {
		return incident.ErrNotFound
	}
	inc.ServiceVersion = version
	inc.GitSHA = gitSHA
	inc.UpdatedAt = time.Now().UTC()
	return nil
}

// PutEvidencePack appends a pack for its incident.
func (s *Store) PutEvidencePack(_ context.Context, pack *incident.EvidencePack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pack
	s.packs[pack.IncidentID] = append(s.packs[pack.IncidentID], &cp)
	return nil
}

// LatestEvidencePack returns the most recently stored pack for an incident.
func (s *Store) LatestEvidencePack(_ context.Context, incidentID string) (*incident.EvidencePack, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	packs := s.packs[incidentID]
	if len(packs) == 0 {
		return nil, false, nil
	}
	cp := *packs[len(packs)-1]
	return &cp, true, nil
}

// PutReport stores a report; the latest one supersedes prior reports.
func (s *Store) PutReport(_ context.Context, r *incident.TriageReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.reports[r.IncidentID] = append(s.reports[r.IncidentID], &cp)
	return nil
}

// LatestReport returns the superseding report for an incident.
func (s *Store) LatestReport(_ context.Context, incidentID string) (*incident.TriageReport, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reports := s.reports[incidentID]
	if len(reports) == 0 {
		return nil, false, nil
	}
	cp := *reports[len(reports)-1]
	return &cp, true, nil
}

// AddReviewDecision appends a review decision.
func (s *Store) AddReviewDecision(_ context.Context, d *incident.ReviewDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.decisions = append(s.decisions, &cp)
	return nil
}

// CountReviewDecisions tallies decisions by verdict.
func (s *Store) CountReviewDecisions(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var approve, reject int
	for _, d := range s.decisions {
		switch d.Decision {
		case incident.DecisionApprove:
			approve++
		case incident.DecisionReject:
			reject++
		}
	}
	return approve, reject, nil
}

// AddFeedback appends reviewer feedback.
func (s *Store) AddFeedback(_ context.Context, f *incident.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.feedback = append(s.feedback, &cp)
	return nil
}

// AddDeployment records a deployment event.
func (s *Store) AddDeployment(_ context.Context, d *incident.DeploymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.deploys = append(s.deploys, &cp)
	return nil
}

// AddConfigChange records a configuration change.
func (s *Store) AddConfigChange(_ context.Context, c *incident.ConfigChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.configs = append(s.configs, &cp)
	return nil
}

// ListDeployments returns deployments for a service/env inside [since, until].
func (s *Store) ListDeployments(_ context.Context, service, env string, since, until time.Time) ([]*incident.DeploymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.DeploymentEvent
	for _, d := range s.deploys {
		if d.Service != service || d.Env != env {
			continue
		}
		if d.DeployedAt.Before(since) || d.DeployedAt.After(until) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeployedAt.Before(out[j].DeployedAt) })
	return out, nil
}

// ListConfigChanges returns config changes for a service/env inside [since, until].
func (s *Store) ListConfigChanges(_ context.Context, service, env string, since, until time.Time) ([]*incident.ConfigChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*incident.ConfigChange
	for _, c := range s.configs {
		if c.Service != service || c.Env != env {
			continue
		}
		if c.ChangedAt.Before(since) || c.ChangedAt.After(until) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChangedAt.Before(out[j].ChangedAt) })
	return out, nil
}

// AddPipelineRun appends a completed run record.
func (s *Store) AddPipelineRun(_ context.Context, r *incident.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs = append(s.runs, &cp)
	return nil
}

// ListPipelineRuns returns the most recent runs, newest first.
func (s *Store) ListPipelineRuns(_ context.Context, limit int) ([]*incident.PipelineRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*incident.PipelineRun, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *s.runs[i]
		out = append(out, &cp)
	}
	return out, nil
}

// AppendAudit records one audit entry.
func (s *Store) AppendAudit(_ context.Context, e *incident.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.audits = append(s.audits, &cp)
	return nil
}

// ListUnfinished returns IDs of incidents that still need a triage run.
func (s *Store) ListUnfinished(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, inc := range s.incidents {
		if inc.Status == incident.StatusIngested || inc.Status == incident.StatusEvidenceCollecting {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Purge deletes entities created before the cutoff and reports counts.
func (s *Store) Purge(_ context.Context, before time.Time) (*incident.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &incident.PurgeResult{}
	for id, inc := range s.incidents {
		if !inc.CreatedAt.Before(before) {
			continue
		}
		res.Incidents++
		res.EvidencePacks += len(s.packs[id])
		res.Reports += len(s.reports[id])
		delete(s.packs, id)
		delete(s.reports, id)
		delete(s.byDedup, inc.DedupKey)
		delete(s.incidents, id)
	}
	s.decisions = filterByTime(s.decisions, before, func(d *incident.ReviewDecision) time.Time { return d.CreatedAt }, &res.Decisions)
	s.feedback = filterByTime(s.feedback, before, func(f *incident.Feedback) time.Time { return f.CreatedAt }, &res.Feedback)
	s.deploys = filterByTime(s.deploys, before, func(d *incident.DeploymentEvent) time.Time { return d.CreatedAt }, &res.Deployments)
	s.configs = filterByTime(s.configs, before, func(c *incident.ConfigChange) time.Time { return c.CreatedAt }, &res.ConfigChanges)
	s.runs = filterByTime(s.runs, before, func(r *incident.PipelineRun) time.Time { return r.StartedAt }, &res.PipelineRuns)
	return res, nil
}

func filterByTime[T any](in []*T, before time.Time, at func(*T) time.Time, removed *int) []*T {
	out := in[:0]
	for _, item := range in {
		if at(item).Before(before) {
			*removed++
			continue
		}
		out = append(out, item)
	}
	return out
}
