package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/generate"
	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/report"
)

// ErrNotReviewable is returned for review decisions against an incident that
// is not awaiting human review.
var ErrNotReviewable = errors.New("incident is not awaiting human review")

// ErrBadChangeEvent marks deployment/config change payloads missing identity
// fields. Rejected synchronously, never stored.
var ErrBadChangeEvent = errors.New("malformed change event")

// Config carries the immutable pipeline settings threaded through every
// component entry point.
type Config struct {
	// Window is the triage time window: evidence is collected for
	// fired-at +/- Window, and the dedup key buckets time by it.
	Window time.Duration

	// DeployLookback bounds the ingest-time deployment stamp: the latest
	// deployment within this span before fired-at sets service_version
	// and git_sha on a fresh incident.
	DeployLookback time.Duration

	Retry RetryPolicy

	Workers       int
	QueueCapacity int
}

// Outcome is the notification payload for a finished triage run.
type Outcome struct {
	Incident *incident.Incident
	Outcome  incident.RunOutcome
	Summary  string
	Score    float64
	Reason   string
}

// Notifier delivers triage outcomes. Fire and forget; it must never block
// the pipeline.
type Notifier interface {
	Notify(ctx context.Context, o *Outcome)
}

// IngestResult is the outcome of submitting an alert.
type IngestResult struct {
	IncidentID string `json:"incident_id,omitempty"`
	Created    bool   `json:"created"`
	Skipped    bool   `json:"skipped,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Service is the business boundary for triage operations: ingest with dedup,
// lifecycle decisions, feedback, metrics summaries, and retention purge.
type Service struct {
	store    incident.Store
	correl   *evidence.Correlator
	gateway  *generate.Gateway
	gate     report.Gate
	notifier Notifier
	metrics  *Metrics
	cfg      Config
	logger   log.Logger

	runner *Runner
}

// NewService wires the triage service and its job runner. notifier may be
// nil when no sink is configured.
func NewService(store incident.Store, correl *evidence.Correlator, gateway *generate.Gateway, gate report.Gate, m *Metrics, notifier Notifier, cfg Config, logger log.Logger) *Service {
	if cfg.Window <= 0 {
		cfg.Window = 30 * time.Minute
	}
	if cfg.DeployLookback <= 0 {
		cfg.DeployLookback = 90 * time.Minute
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	s := &Service{
		store:    store,
		correl:   correl,
		gateway:  gateway,
		gate:     gate,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
		logger:   logger,
	}
	s.runner = newRunner(s, cfg.Workers, cfg.QueueCapacity)
	return s
}

// Start launches the worker pool and requeues unfinished incidents.
func (s *Service) Start(ctx context.Context) error {
	return s.runner.Start(ctx)
}

// Stop drains the worker pool, waiting for in-flight jobs.
func (s *Service) Stop(ctx context.Context) error {
	return s.runner.Stop(ctx)
}

// IngestCloudWatch normalizes and ingests a CloudWatch alarm state-change
// payload.
func (s *Service) IngestCloudWatch(ctx context.Context, raw json.RawMessage, actor string) (*IngestResult, error) {
	ev, err := alert.NormalizeCloudWatch(raw)
	return s.ingest(ctx, "cloudwatch", ev, err, actor)
}

// IngestAlertmanager normalizes and ingests an Alertmanager webhook payload.
func (s *Service) IngestAlertmanager(ctx context.Context, raw json.RawMessage, actor string) (*IngestResult, error) {
	ev, err := alert.NormalizeAlertmanager(raw)
	return s.ingest(ctx, "alertmanager", ev, err, actor)
}

func (s *Service) ingest(ctx context.Context, source string, ev *alert.Event, normErr error, actor string) (*IngestResult, error) {
	if normErr != nil {
		s.metrics.IngestsTotal.WithLabelValues(source, "malformed").Inc()
		return nil, normErr
	}
	if !ev.Firing() {
		s.metrics.IngestsTotal.WithLabelValues(source, "not_firing").Inc()
		return &IngestResult{Skipped: true, Reason: "alert is not firing"}, nil
	}

	candidate := &incident.Incident{
		DedupKey:      incident.DedupKey(ev.Service, ev.Env, ev.AlarmID, ev.FiredAt, s.cfg.Window),
		Service:       ev.Service,
		Env:           ev.Env,
		CorrelationID: ev.CorrelationID,
		Alert:         ev,
	}

	inc, created, err := s.store.UpsertIncident(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("upsert incident: %w", err)
	}

	if !created {
		s.metrics.IngestsTotal.WithLabelValues(source, "duplicate").Inc()
		// An unfinished duplicate may have lost its job; Enqueue dedups
		// against in-flight work so this is safe.
		if inc.Status == incident.StatusIngested {
			s.runner.Enqueue(ctx, inc.ID)
		}
		return &IngestResult{IncidentID: inc.ID, Reason: "duplicate delivery"}, nil
	}

	s.stampDeployment(ctx, inc, ev.FiredAt)

	s.audit(ctx, actor, "incident.ingest", "incident", inc.ID, map[string]string{
		"source":  source,
		"service": ev.Service,
		"env":     ev.Env,
		"alarm":   ev.AlarmID,
	})
	s.metrics.IngestsTotal.WithLabelValues(source, "created").Inc()

	s.runner.Enqueue(ctx, inc.ID)
	return &IngestResult{IncidentID: inc.ID, Created: true}, nil
}

// stampDeployment attaches the latest deployment before the alert fired,
// within the configured lookback. Best effort; correlation happens again
// during evidence collection.
func (s *Service) stampDeployment(ctx context.Context, inc *incident.Incident, firedAt time.Time) {
	deps, err := s.store.ListDeployments(ctx, inc.Service, inc.Env, firedAt.Add(-s.cfg.DeployLookback), firedAt)
	if err != nil {
		s.logger.Warn(ctx, "deployment lookup failed at ingest", "incident_id", inc.ID, "error", err.Error())
		return
	}
	if len(deps) == 0 {
		return
	}
	latest := deps[len(deps)-1]
	if err := s.store.AttachDeployment(ctx, inc.ID, latest.Version, latest.GitSHA); err != nil {
		s.logger.Warn(ctx, "deployment stamp failed", "incident_id", inc.ID, "error", err.Error())
		return
	}
	inc.ServiceVersion = latest.Version
	inc.GitSHA = latest.GitSHA
}

// RecordDeployment stores a deployment event for correlation.
func (s *Service) RecordDeployment(ctx context.Context, d *incident.DeploymentEvent, actor string) (*incident.DeploymentEvent, error) {
	if d.Service == "" || d.Env == "" || d.DeployedAt.IsZero() {
		return nil, fmt.Errorf("%w: service, env and deployed_at are required", ErrBadChangeEvent)
	}
	d.ID = ulid.Make().String()
	d.CreatedAt = time.Now().UTC()
	if err := s.store.AddDeployment(ctx, d); err != nil {
		return nil, fmt.Errorf("store deployment: %w", err)
	}
	s.audit(ctx, actor, "change.deployment", "deployment", d.ID, map[string]string{
		"service": d.Service, "env": d.Env, "git_sha": d.GitSHA,
	})
	return d, nil
}

// RecordConfigChange stores a configuration change event for correlation.
func (s *Service) RecordConfigChange(ctx context.Context, c *incident.ConfigChange, actor string) (*incident.ConfigChange, error) {
	if c.Service == "" || c.Env == "" || c.ChangedAt.IsZero() {
		return nil, fmt.Errorf("%w: service, env and changed_at are required", ErrBadChangeEvent)
	}
	c.ID = ulid.Make().String()
	c.CreatedAt = time.Now().UTC()
	if err := s.store.AddConfigChange(ctx, c); err != nil {
		return nil, fmt.Errorf("store config change: %w", err)
	}
	s.audit(ctx, actor, "change.config", "config_change", c.ID, map[string]string{
		"service": c.Service, "env": c.Env,
	})
	return c, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id, actor string) (*incident.Incident, bool, error) {
	inc, ok, err := s.store.GetIncident(ctx, id)
	if err == nil && ok {
		s.audit(ctx, actor, "incident.read", "incident", id, nil)
	}
	return inc, ok, err
}

// List returns all incidents, newest first.
func (s *Service) List(ctx context.Context) ([]*incident.Incident, error) {
	return s.store.ListIncidents(ctx)
}

// Evidence returns the latest evidence pack for an incident.
func (s *Service) Evidence(ctx context.Context, id, actor string) (*incident.EvidencePack, bool, error) {
	pack, ok, err := s.store.LatestEvidencePack(ctx, id)
	if err == nil && ok {
		s.audit(ctx, actor, "evidence.read", "incident", id, nil)
	}
	return pack, ok, err
}

// Report returns the latest triage report for an incident.
func (s *Service) Report(ctx context.Context, id, actor string) (*incident.TriageReport, bool, error) {
	r, ok, err := s.store.LatestReport(ctx, id)
	if err == nil && ok {
		s.audit(ctx, actor, "report.read", "incident", id, nil)
	}
	return r, ok, err
}

// Decide records a human-review verdict. Approval moves the incident to
// triaged; rejection keeps it awaiting review. Both are version-guarded.
// On a conflict the returned incident is the authoritative current state.
func (s *Service) Decide(ctx context.Context, id string, version int64, decision incident.Decision, notes, actor string) (*incident.Incident, error) {
	if decision != incident.DecisionApprove && decision != incident.DecisionReject {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	inc, ok, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, incident.ErrNotFound
	}
	if inc.Status != incident.StatusAwaitingHumanReview {
		return inc, ErrNotReviewable
	}

	reportID := ""
	if r, ok, err := s.store.LatestReport(ctx, id); err == nil && ok {
		reportID = r.ID
	}

	if decision == incident.DecisionApprove {
		inc, err = s.store.UpdateStatus(ctx, id, version, incident.StatusTriaged, "")
		if err != nil {
			return inc, err
		}
	} else if inc.Version != version {
		return inc, incident.ErrVersionConflict
	}

	d := &incident.ReviewDecision{
		ID:         ulid.Make().String(),
		IncidentID: id,
		ReportID:   reportID,
		Decision:   decision,
		Notes:      notes,
		Actor:      actor,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.AddReviewDecision(ctx, d); err != nil {
		return inc, fmt.Errorf("store decision: %w", err)
	}

	s.audit(ctx, actor, "incident.decision", "incident", id, map[string]string{
		"decision": string(decision), "report_id": reportID,
	})
	s.metrics.DecisionsTotal.WithLabelValues(string(decision)).Inc()
	return inc, nil
}

// ChangeStatus applies an operator status change. Only the post-review
// targets are reachable from the outside; the state machine rejects illegal
// edges and stale versions with the authoritative state.
func (s *Service) ChangeStatus(ctx context.Context, id string, version int64, to incident.Status, reason, actor string) (*incident.Incident, error) {
	switch to {
	case incident.StatusMitigated, incident.StatusResolved, incident.StatusPostmortemRequired:
	default:
		return nil, fmt.Errorf("%w: %q is not an operator-reachable status", incident.ErrInvalidTransition, to)
	}

	inc, err := s.store.UpdateStatus(ctx, id, version, to, reason)
	if err != nil {
		s.audit(ctx, actor, "incident.status_change_rejected", "incident", id, map[string]string{
			"to": string(to), "error": err.Error(),
		})
		return inc, err
	}
	s.audit(ctx, actor, "incident.status_change", "incident", id, map[string]string{"to": string(to)})
	return inc, nil
}

// ResetFailed moves a failed incident back to ingested and requeues it.
func (s *Service) ResetFailed(ctx context.Context, id string, version int64, actor string) (*incident.Incident, error) {
	inc, err := s.store.UpdateStatus(ctx, id, version, incident.StatusIngested, "")
	if err != nil {
		return inc, err
	}
	s.audit(ctx, actor, "incident.reset", "incident", id, nil)
	s.runner.Enqueue(ctx, id)
	return inc, nil
}

// AddFeedback records a reviewer quality signal against an incident's report.
func (s *Service) AddFeedback(ctx context.Context, f *incident.Feedback, actor string) (*incident.Feedback, error) {
	if _, ok, err := s.store.GetIncident(ctx, f.IncidentID); err != nil {
		return nil, err
	} else if !ok {
		return nil, incident.ErrNotFound
	}
	f.ID = ulid.Make().String()
	f.Actor = actor
	f.CreatedAt = time.Now().UTC()
	if err := s.store.AddFeedback(ctx, f); err != nil {
		return nil, fmt.Errorf("store feedback: %w", err)
	}
	s.audit(ctx, actor, "report.feedback", "incident", f.IncidentID, map[string]string{
		"helpful": fmt.Sprintf("%v", f.Helpful),
	})
	return f, nil
}

// QualitySummary aggregates lifecycle distribution and review outcomes.
type QualitySummary struct {
	TotalIncidents   int            `json:"total_incidents"`
	StatusCounts     map[string]int `json:"status_counts"`
	Approvals        int            `json:"approvals"`
	Rejections       int            `json:"rejections"`
	AcceptanceRate   float64        `json:"acceptance_rate"`
	AvgLifecycleSecs float64        `json:"avg_lifecycle_seconds"`
}

// QualityMetrics derives the review-quality summary from stored rows.
func (s *Service) QualityMetrics(ctx context.Context) (*QualitySummary, error) {
	incs, err := s.store.ListIncidents(ctx)
	if err != nil {
		return nil, err
	}
	approve, reject, err := s.store.CountReviewDecisions(ctx)
	if err != nil {
		return nil, err
	}

	q := &QualitySummary{
		TotalIncidents: len(incs),
		StatusCounts:   map[string]int{},
		Approvals:      approve,
		Rejections:     reject,
	}
	var lifecycleSum float64
	terminal := 0
	for _, inc := range incs {
		q.StatusCounts[string(inc.Status)]++
		if incident.Terminal(inc.Status) {
			lifecycleSum += inc.UpdatedAt.Sub(inc.CreatedAt).Seconds()
			terminal++
		}
	}
	if terminal > 0 {
		q.AvgLifecycleSecs = lifecycleSum / float64(terminal)
	}
	if approve+reject > 0 {
		q.AcceptanceRate = float64(approve) / float64(approve+reject)
	}
	return q, nil
}

// RuntimeSummary aggregates pipeline-run records.
type RuntimeSummary struct {
	TotalRuns            int                     `json:"total_runs"`
	Succeeded            int                     `json:"succeeded"`
	InsufficientEvidence int                     `json:"insufficient_evidence"`
	Failed               int                     `json:"failed"`
	TotalFailovers       int                     `json:"total_failovers"`
	AvgDurationS         float64                 `json:"avg_duration_seconds"`
	Recent               []*incident.PipelineRun `json:"recent"`
}

// RuntimeMetrics derives the operator runtime summary from recent runs.
func (s *Service) RuntimeMetrics(ctx context.Context, limit int) (*RuntimeSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	runs, err := s.store.ListPipelineRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	r := &RuntimeSummary{TotalRuns: len(runs), Recent: runs}
	var durSum float64
	for _, run := range runs {
		switch run.Outcome {
		case incident.RunSuccess:
			r.Succeeded++
		case incident.RunInsufficientEvidence:
			r.InsufficientEvidence++
		case incident.RunFailed:
			r.Failed++
		}
		r.TotalFailovers += run.Failovers
		durSum += run.DurationS
	}
	if len(runs) > 0 {
		r.AvgDurationS = durSum / float64(len(runs))
	}
	return r, nil
}

// Purge deletes data older than the cutoff. Audit-logged with per-entity
// counts.
func (s *Service) Purge(ctx context.Context, before time.Time, actor string) (*incident.PurgeResult, error) {
	res, err := s.store.Purge(ctx, before)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, actor, "admin.purge", "retention", "", map[string]string{
		"before":    before.UTC().Format(time.RFC3339),
		"incidents": fmt.Sprintf("%d", res.Incidents),
		"reports":   fmt.Sprintf("%d", res.Reports),
		"runs":      fmt.Sprintf("%d", res.PipelineRuns),
	})
	return res, nil
}

func (s *Service) audit(ctx context.Context, actor, action, resourceType, resourceID string, details map[string]string) {
	if actor == "" {
		actor = "anonymous"
	}
	e := &incident.AuditEntry{
		ID:           ulid.Make().String(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.logger.Warn(ctx, "audit append failed", "action", action, "error", err.Error())
	}
}
