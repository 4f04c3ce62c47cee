package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/inquest/internal/evidence"
	"github.com/linnemanlabs/inquest/internal/generate"
	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/report"
)

// runTriage executes one triage job with the retry policy around whole
// attempts. Each attempt re-runs evidence collection and generation from
// scratch; exhausting the budget routes the incident to failed.
func (s *Service) runTriage(ctx context.Context, id string) {
	L := s.logger.With("incident_id", id)

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		lastErr = s.attempt(ctx, id, attempt)
		if lastErr == nil {
			s.metrics.RunAttempts.Observe(float64(attempt))
			return
		}

		L.Warn(ctx, "triage attempt failed",
			"attempt", attempt,
			"max_attempts", s.cfg.Retry.MaxAttempts,
			"error", lastErr.Error(),
		)
		if !Transient(lastErr) {
			break
		}
		if attempt < s.cfg.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.Retry.Delay(attempt)):
			}
		}
	}

	s.metrics.RunAttempts.Observe(float64(s.cfg.Retry.MaxAttempts))
	s.markFailed(ctx, id, lastErr)
}

// attempt runs one full evidence-collection + generation pass. A nil return
// means the incident reached awaiting_human_review (or was already past the
// pipeline stages and there was nothing to do).
func (s *Service) attempt(ctx context.Context, id string, attempt int) error {
	inc, ok, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return fmt.Errorf("load incident: %w", err)
	}
	if !ok {
		return incident.ErrNotFound
	}

	switch inc.Status {
	case incident.StatusIngested:
		inc, err = s.store.UpdateStatus(ctx, id, inc.Version, incident.StatusEvidenceCollecting, "")
		if err != nil {
			return fmt.Errorf("enter evidence_collecting: %w", err)
		}
	case incident.StatusEvidenceCollecting:
		// retry or requeued job, keep going
	default:
		s.logger.Info(ctx, "incident already past pipeline stages",
			"incident_id", id, "status", string(inc.Status))
		return nil
	}

	runID := ulid.Make().String()
	started := time.Now()

	pack, stats, err := s.correl.Collect(ctx, inc, runID)
	if err != nil {
		s.recordRun(ctx, inc.ID, runID, nil, nil, 0, attempt, incident.RunFailed, err.Error(), started)
		return fmt.Errorf("collect evidence: %w", err)
	}
	if err := s.store.PutEvidencePack(ctx, pack); err != nil {
		s.recordRun(ctx, inc.ID, runID, nil, stats, pack.Score, attempt, incident.RunFailed, err.Error(), started)
		return fmt.Errorf("store evidence pack: %w", err)
	}
	if d := stats.MatchedDeployment; d != nil && inc.GitSHA == "" {
		if err := s.store.AttachDeployment(ctx, inc.ID, d.Version, d.GitSHA); err != nil {
			s.logger.Warn(ctx, "deployment stamp failed", "incident_id", inc.ID, "error", err.Error())
		}
	}
	s.metrics.EvidenceScore.Observe(pack.Score)
	s.metrics.EvidenceArtifacts.Observe(float64(len(pack.Artifacts)))

	digest, err := buildDigest(inc, pack)
	if err != nil {
		s.recordRun(ctx, inc.ID, runID, nil, stats, pack.Score, attempt, incident.RunFailed, err.Error(), started)
		return fmt.Errorf("build digest: %w", err)
	}

	payload, meta, err := s.gateway.Generate(ctx, &generate.Request{
		IncidentID: inc.ID,
		Digest:     digest,
		Schema:     report.JSONSchema,
	})
	if meta != nil && meta.Failovers > 0 {
		s.metrics.GenerationFailovers.Add(float64(meta.Failovers))
	}
	if err != nil {
		s.recordRun(ctx, inc.ID, runID, meta, stats, pack.Score, attempt, incident.RunFailed, err.Error(), started)
		return fmt.Errorf("generate report: %w", err)
	}

	final, err := s.gate.Decide(payload, pack.Score, pack)
	if err != nil {
		s.recordRun(ctx, inc.ID, runID, meta, stats, pack.Score, attempt, incident.RunFailed, err.Error(), started)
		return fmt.Errorf("gate report: %w", err)
	}

	tr := &incident.TriageReport{
		ID:          ulid.Make().String(),
		IncidentID:  inc.ID,
		RunID:       runID,
		Backend:     meta.Backend,
		Endpoint:    meta.Endpoint,
		Model:       meta.Model,
		Payload:     *final,
		GeneratedAt: time.Now().UTC(),
	}
	if err := s.store.PutReport(ctx, tr); err != nil {
		s.recordRun(ctx, inc.ID, runID, meta, stats, pack.Score, attempt, incident.RunFailed, err.Error(), started)
		return fmt.Errorf("store report: %w", err)
	}

	inc, err = s.store.UpdateStatus(ctx, inc.ID, inc.Version, incident.StatusAwaitingHumanReview, "")
	if err != nil {
		return fmt.Errorf("enter awaiting_human_review: %w", err)
	}

	outcome := incident.RunSuccess
	if final.Mode == report.ModeInsufficientEvidence {
		outcome = incident.RunInsufficientEvidence
	}
	s.recordRun(ctx, inc.ID, runID, meta, stats, pack.Score, attempt, outcome, "", started)
	s.metrics.RunsTotal.WithLabelValues(string(outcome)).Inc()
	s.metrics.RunDuration.WithLabelValues(string(outcome), meta.Backend).Observe(time.Since(started).Seconds())

	s.logger.Info(ctx, "triage complete",
		"incident_id", inc.ID,
		"run_id", runID,
		"outcome", string(outcome),
		"mode", string(final.Mode),
		"score", pack.Score,
		"backend", meta.Backend,
		"endpoint", meta.Endpoint,
		"failovers", meta.Failovers,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	s.notify(ctx, &Outcome{
		Incident: inc,
		Outcome:  outcome,
		Summary:  final.Summary,
		Score:    pack.Score,
	})
	return nil
}

// markFailed routes an exhausted job to the failed terminal status with the
// captured reason. A version conflict here means another writer moved the
// incident already; that outcome stands.
func (s *Service) markFailed(ctx context.Context, id string, cause error) {
	reason := "triage failed"
	if cause != nil {
		reason = cause.Error()
	}

	inc, ok, err := s.store.GetIncident(ctx, id)
	if err != nil || !ok {
		s.logger.Error(ctx, err, "cannot mark incident failed", "incident_id", id)
		return
	}
	if inc.Status != incident.StatusEvidenceCollecting {
		s.logger.Warn(ctx, "skipping failed transition from unexpected status",
			"incident_id", id, "status", string(inc.Status))
		return
	}

	inc, err = s.store.UpdateStatus(ctx, id, inc.Version, incident.StatusFailed, reason)
	if err != nil {
		s.logger.Error(ctx, err, "failed transition rejected", "incident_id", id)
		return
	}

	s.metrics.RunsTotal.WithLabelValues(string(incident.RunFailed)).Inc()
	s.audit(ctx, "pipeline", "incident.failed", "incident", id, map[string]string{"reason": reason})
	s.notify(ctx, &Outcome{Incident: inc, Outcome: incident.RunFailed, Reason: reason})
}

func (s *Service) recordRun(ctx context.Context, incidentID, runID string, meta *generate.Meta, stats *evidence.Stats, score float64, attempt int, outcome incident.RunOutcome, errMsg string, started time.Time) {
	run := &incident.PipelineRun{
		ID:          runID,
		IncidentID:  incidentID,
		Attempts:    attempt,
		Score:       score,
		Outcome:     outcome,
		Error:       errMsg,
		StartedAt:   started.UTC(),
		CompletedAt: time.Now().UTC(),
		DurationS:   time.Since(started).Seconds(),
	}
	if meta != nil {
		run.Backend = meta.Backend
		run.Endpoint = meta.Endpoint
		run.Failovers = meta.Failovers
	}
	if stats != nil {
		run.Queries = stats.Queries
		run.Snippets = stats.Snippets
	}
	if err := s.store.AddPipelineRun(ctx, run); err != nil {
		s.logger.Warn(ctx, "pipeline run record failed", "incident_id", incidentID, "error", err.Error())
	}
}

// notify is fire and forget; a sink must never block the pipeline.
func (s *Service) notify(ctx context.Context, o *Outcome) {
	if s.notifier == nil {
		return
	}
	go s.notifier.Notify(context.WithoutCancel(ctx), o)
}

type digestIncident struct {
	ID             string    `json:"id"`
	Service        string    `json:"service"`
	Env            string    `json:"env"`
	ServiceVersion string    `json:"service_version,omitempty"`
	GitSHA         string    `json:"git_sha,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	Severity       string    `json:"severity,omitempty"`
	FiredAt        time.Time `json:"fired_at"`
}

type packDigest struct {
	Incident    digestIncident      `json:"incident"`
	WindowStart time.Time           `json:"window_start"`
	WindowEnd   time.Time           `json:"window_end"`
	Score       float64             `json:"evidence_confidence_score"`
	Degraded    []string            `json:"degraded_sources,omitempty"`
	Artifacts   []incident.Artifact `json:"artifacts"`
}

// buildDigest flattens the redacted pack and incident metadata into the
// generation input.
func buildDigest(inc *incident.Incident, pack *incident.EvidencePack) (json.RawMessage, error) {
	di := digestIncident{
		ID:             inc.ID,
		Service:        inc.Service,
		Env:            inc.Env,
		ServiceVersion: inc.ServiceVersion,
		GitSHA:         inc.GitSHA,
		CorrelationID:  inc.CorrelationID,
	}
	if inc.Alert != nil {
		di.Title = inc.Alert.Title
		di.Severity = inc.Alert.Severity
		di.FiredAt = inc.Alert.FiredAt
	}
	b, err := json.Marshal(packDigest{
		Incident:    di,
		WindowStart: pack.WindowStart,
		WindowEnd:   pack.WindowEnd,
		Score:       pack.Score,
		Degraded:    pack.Degraded,
		Artifacts:   pack.Artifacts,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
