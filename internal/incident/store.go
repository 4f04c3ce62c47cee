package incident

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for lookups of unknown incidents.
	ErrNotFound = errors.New("incident not found")

	// ErrVersionConflict is returned when a status change observed a stale
	// version counter. The stale writer is rejected, never merged.
	ErrVersionConflict = errors.New("incident version conflict")

	// ErrInvalidTransition is returned for lifecycle edges outside the
	// allowed set. The status is left unchanged.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the persistence boundary for all triage entities.
type Store interface {
	// UpsertIncident atomically creates candidate under its dedup key or
	// returns the existing incident for that key unchanged. created reports
	// which happened. Concurrent upserts of the same key yield one incident.
	UpsertIncident(ctx context.Context, candidate *Incident) (inc *Incident, created bool, err error)

	GetIncident(ctx context.Context, id string) (*Incident, bool, error)
	ListIncidents(ctx context.Context) ([]*Incident, error)

	// UpdateStatus applies a lifecycle transition guarded by the version
	// counter. On ErrVersionConflict or ErrInvalidTransition the returned
	// incident is the current authoritative state.
	UpdateStatus(ctx context.Context, id string, expectedVersion int64, to Status, reason string) (*Incident, error)

	// AttachDeployment stamps service version and git SHA from a correlated
	// deployment. Does not bump the version counter guard semantics for
	// status (it is not a status mutation).
	AttachDeployment(ctx context.Context, id, version, gitSHA string) error

	PutEvidencePack(ctx context.Context, pack *EvidencePack) error
	LatestEvidencePack(ctx context.Context, incidentID string) (*EvidencePack, bool, error)

	// PutReport stores a report; the latest report for an incident
	// supersedes any prior one.
	PutReport(ctx context.Context, r *TriageReport) error
	LatestReport(ctx context.Context, incidentID string) (*TriageReport, bool, error)

	AddReviewDecision(ctx context.Context, d *ReviewDecision) error
	CountReviewDecisions(ctx context.Context) (approve, reject int, err error)

	AddFeedback(ctx context.Context, f *Feedback) error

	AddDeployment(ctx context.Context, d *DeploymentEvent) error
	AddConfigChange(ctx context.Context, c *ConfigChange) error
	ListDeployments(ctx context.Context, service, env string, since, until time.Time) ([]*DeploymentEvent, error)
	ListConfigChanges(ctx context.Context, service, env string, since, until time.Time) ([]*ConfigChange, error)

	AddPipelineRun(ctx context.Context, r *PipelineRun) error
	ListPipelineRuns(ctx context.Context, limit int) ([]*PipelineRun, error)

	AppendAudit(ctx context.Context, e *AuditEntry) error

	// ListUnfinished returns IDs of incidents still in ingested or
	// evidence_collecting, for requeue at startup.
	ListUnfinished(ctx context.Context) ([]string, error)

	// Purge deletes rows older than the cutoff and reports per-entity counts.
	Purge(ctx context.Context, before time.Time) (*PurgeResult, error)
}
