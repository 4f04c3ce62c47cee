// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/inquest/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/inquest/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// Store persists triage entities in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ incident.Store = (*Store)(nil)

// New applies the schema on an existing pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const incidentColumns = `id, dedup_key, service, env, service_version, git_sha, correlation_id,
	status, last_error, owners, runbook_url, dashboard_url, alert, version, created_at, updated_at`

// UpsertIncident inserts the candidate under its dedup key, or returns the
// existing incident for that key. The unique constraint makes concurrent
// upserts of the same key yield exactly one row.
func (s *Store) UpsertIncident(ctx context.Context, candidate *incident.Incident) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.UpsertIncident", "INSERT")
	defer span.End()

	cp := *candidate
	if cp.ID == "" {
		cp.ID = ulid.Make().String()
	}
	if cp.Status == "" {
		cp.Status = incident.StatusIngested
	}
	if cp.Version == 0 {
		cp.Version = 1
	}
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = cp.CreatedAt

	ownersJSON, err := json.Marshal(cp.Owners)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("marshal owners: %w", err))
	}
	var alertJSON []byte
	if cp.Alert != nil {
		if alertJSON, err = json.Marshal(cp.Alert); err != nil {
			return nil, false, fail(span, fmt.Errorf("marshal alert: %w", err))
		}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT (dedup_key) DO NOTHING`,
		cp.ID, cp.DedupKey, cp.Service, cp.Env, cp.ServiceVersion, cp.GitSHA, cp.CorrelationID,
		string(cp.Status), cp.LastError, ownersJSON, cp.RunbookURL, cp.DashboardURL, alertJSON,
		cp.Version, cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("insert incident: %w", err))
	}
	created := tag.RowsAffected() == 1

	row := s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE dedup_key = $1`, cp.DedupKey)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, false, fail(span, err)
	}
	return inc, created, nil
}

// GetIncident retrieves an incident by ID.
func (s *Store) GetIncident(ctx context.Context, id string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetIncident", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id)
	inc, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return inc, true, nil
}

// ListIncidents returns all incidents, newest first.
func (s *Store) ListIncidents(ctx context.Context) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.ListIncidents", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query incidents: %w", err))
	}
	defer rows.Close()

	var out []*incident.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate incidents: %w", err))
	}
	return out, nil
}

// UpdateStatus applies a lifecycle transition guarded by the version
// counter. The row is locked so the transition check and the write are
// atomic; the stale or illegal writer gets the authoritative state back.
func (s *Store) UpdateStatus(ctx context.Context, id string, expectedVersion int64, to incident.Status, reason string) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateStatus", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	row := tx.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id)
	cur, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incident.ErrNotFound
		}
		return nil, fail(span, err)
	}

	if cur.Version != expectedVersion {
		return cur, incident.ErrVersionConflict
	}
	if !incident.CanTransition(cur.Status, to) {
		return cur, incident.ErrInvalidTransition
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE incidents SET status = $1, last_error = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND version = $5`,
		string(to), reason, now, id, expectedVersion,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("update status: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}

	cur.Status = to
	cur.LastError = reason
	cur.Version = expectedVersion + 1
	cur.UpdatedAt = now
	return cur, nil
}

// AttachDeployment stamps the correlated deployment's version and git SHA.
func (s *Store) AttachDeployment(ctx context.Context, id, version, gitSHA string) error {
	ctx, span := startSpan(ctx, "pgstore.AttachDeployment", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE incidents SET service_version = $1, git_sha = $2, updated_at = now() WHERE id = $3`,
		version, gitSHA, id,
	)
	if err != nil {
		return fail(span, fmt.Errorf("attach deployment: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return incident.ErrNotFound
	}
	return nil
}

// PutEvidencePack stores one pack.
func (s *Store) PutEvidencePack(ctx context.Context, pack *incident.EvidencePack) error {
	ctx, span := startSpan(ctx, "pgstore.PutEvidencePack", "INSERT")
	defer span.End()

	artifactsJSON, err := json.Marshal(pack.Artifacts)
	if err != nil {
		return fail(span, fmt.Errorf("marshal artifacts: %w", err))
	}
	degradedJSON, err := json.Marshal(pack.Degraded)
	if err != nil {
		return fail(span, fmt.Errorf("marshal degraded: %w", err))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evidence_packs (id, incident_id, run_id, window_start, window_end, artifacts, score, degraded, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		pack.ID, pack.IncidentID, pack.RunID, pack.WindowStart, pack.WindowEnd,
		artifactsJSON, pack.Score, degradedJSON, pack.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert evidence pack: %w", err))
	}
	return nil
}

// LatestEvidencePack returns the most recent pack for an incident.
func (s *Store) LatestEvidencePack(ctx context.Context, incidentID string) (*incident.EvidencePack, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestEvidencePack", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT id, incident_id, run_id, window_start, window_end, artifacts, score, degraded, created_at
		 FROM evidence_packs WHERE incident_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		incidentID,
	)
	var (
		pack          incident.EvidencePack
		artifactsJSON []byte
		degradedJSON  []byte
	)
	err := row.Scan(&pack.ID, &pack.IncidentID, &pack.RunID, &pack.WindowStart, &pack.WindowEnd,
		&artifactsJSON, &pack.Score, &degradedJSON, &pack.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan evidence pack: %w", err))
	}
	if err := json.Unmarshal(artifactsJSON, &pack.Artifacts); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal artifacts: %w", err))
	}
	if err := json.Unmarshal(degradedJSON, &pack.Degraded); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal degraded: %w", err))
	}
	return &pack, true, nil
}

// PutReport stores a report; the latest one supersedes prior reports.
func (s *Store) PutReport(ctx context.Context, r *incident.TriageReport) error {
	ctx, span := startSpan(ctx, "pgstore.PutReport", "INSERT")
	defer span.End()

	payloadJSON, err := json.Marshal(r.Payload)
	if err != nil {
		return fail(span, fmt.Errorf("marshal payload: %w", err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO triage_reports (id, incident_id, run_id, backend, endpoint, model, payload, generated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.IncidentID, r.RunID, r.Backend, r.Endpoint, r.Model, payloadJSON, r.GeneratedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert report: %w", err))
	}
	return nil
}

// LatestReport returns the superseding report for an incident.
func (s *Store) LatestReport(ctx context.Context, incidentID string) (*incident.TriageReport, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestReport", "SELECT")
	defer span.End()

	row := s.pool.QueryRow(ctx,
		`SELECT id, incident_id, run_id, backend, endpoint, model, payload, generated_at
		 FROM triage_reports WHERE incident_id = $1 ORDER BY generated_at DESC, id DESC LIMIT 1`,
		incidentID,
	)
	var (
		r           incident.TriageReport
		payloadJSON []byte
	)
	err := row.Scan(&r.ID, &r.IncidentID, &r.RunID, &r.Backend, &r.Endpoint, &r.Model, &payloadJSON, &r.GeneratedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan report: %w", err))
	}
	if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal payload: %w", err))
	}
	return &r, true, nil
}

// AddReviewDecision appends a review decision.
func (s *Store) AddReviewDecision(ctx context.Context, d *incident.ReviewDecision) error {
	ctx, span := startSpan(ctx, "pgstore.AddReviewDecision", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO review_decisions (id, incident_id, report_id, decision, notes, actor, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.IncidentID, d.ReportID, string(d.Decision), d.Notes, d.Actor, d.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert decision: %w", err))
	}
	return nil
}

// CountReviewDecisions tallies decisions by verdict.
func (s *Store) CountReviewDecisions(ctx context.Context) (int, int, error) {
	ctx, span := startSpan(ctx, "pgstore.CountReviewDecisions", "SELECT")
	defer span.End()

	var approve, reject int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FILTER (WHERE decision = 'approve'),
		        count(*) FILTER (WHERE decision = 'reject')
		 FROM review_decisions`,
	).Scan(&approve, &reject)
	if err != nil {
		return 0, 0, fail(span, fmt.Errorf("count decisions: %w", err))
	}
	return approve, reject, nil
}

// AddFeedback appends reviewer feedback.
func (s *Store) AddFeedback(ctx context.Context, f *incident.Feedback) error {
	ctx, span := startSpan(ctx, "pgstore.AddFeedback", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, incident_id, helpful, correct, final_rca, notes, actor, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.IncidentID, f.Helpful, f.Correct, f.FinalRCA, f.Notes, f.Actor, f.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert feedback: %w", err))
	}
	return nil
}

// AddDeployment records a deployment event.
func (s *Store) AddDeployment(ctx context.Context, d *incident.DeploymentEvent) error {
	ctx, span := startSpan(ctx, "pgstore.AddDeployment", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployments (id, service, env, deployed_at, version, git_sha, actor, source, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.Service, d.Env, d.DeployedAt, d.Version, d.GitSHA, d.Actor, d.Source, d.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert deployment: %w", err))
	}
	return nil
}

// AddConfigChange records a configuration change.
func (s *Store) AddConfigChange(ctx context.Context, c *incident.ConfigChange) error {
	ctx, span := startSpan(ctx, "pgstore.AddConfigChange", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO config_changes (id, service, env, changed_at, summary, actor, source, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.Service, c.Env, c.ChangedAt, c.Summary, c.Actor, c.Source, c.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert config change: %w", err))
	}
	return nil
}

// ListDeployments returns deployments for a service/env inside [since, until].
func (s *Store) ListDeployments(ctx context.Context, service, env string, since, until time.Time) ([]*incident.DeploymentEvent, error) {
	ctx, span := startSpan(ctx, "pgstore.ListDeployments", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, service, env, deployed_at, version, git_sha, actor, source, created_at
		 FROM deployments
		 WHERE service = $1 AND env = $2 AND deployed_at BETWEEN $3 AND $4
		 ORDER BY deployed_at`,
		service, env, since, until,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query deployments: %w", err))
	}
	defer rows.Close()

	var out []*incident.DeploymentEvent
	for rows.Next() {
		var d incident.DeploymentEvent
		if err := rows.Scan(&d.ID, &d.Service, &d.Env, &d.DeployedAt, &d.Version, &d.GitSHA, &d.Actor, &d.Source, &d.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan deployment: %w", err))
		}
		out = append(out, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate deployments: %w", err))
	}
	return out, nil
}

// ListConfigChanges returns config changes for a service/env inside [since, until].
func (s *Store) ListConfigChanges(ctx context.Context, service, env string, since, until time.Time) ([]*incident.ConfigChange, error) {
	ctx, span := startSpan(ctx, "pgstore.ListConfigChanges", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, service, env, changed_at, summary, actor, source, created_at
		 FROM config_changes
		 WHERE service = $1 AND env = $2 AND changed_at BETWEEN $3 AND $4
		 ORDER BY changed_at`,
		service, env, since, until,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query config changes: %w", err))
	}
	defer rows.Close()

	var out []*incident.ConfigChange
	for rows.Next() {
		var c incident.ConfigChange
		if err := rows.Scan(&c.ID, &c.Service, &c.Env, &c.ChangedAt, &c.Summary, &c.Actor, &c.Source, &c.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan config change: %w", err))
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate config changes: %w", err))
	}
	return out, nil
}

// AddPipelineRun appends a completed run record.
func (s *Store) AddPipelineRun(ctx context.Context, r *incident.PipelineRun) error {
	ctx, span := startSpan(ctx, "pgstore.AddPipelineRun", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, incident_id, backend, endpoint, attempts, failovers, queries, snippets, score, outcome, error, started_at, completed_at, duration_s)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.IncidentID, r.Backend, r.Endpoint, r.Attempts, r.Failovers, r.Queries, r.Snippets,
		r.Score, string(r.Outcome), r.Error, r.StartedAt, r.CompletedAt, r.DurationS,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert pipeline run: %w", err))
	}
	return nil
}

// ListPipelineRuns returns the most recent runs, newest first.
func (s *Store) ListPipelineRuns(ctx context.Context, limit int) ([]*incident.PipelineRun, error) {
	ctx, span := startSpan(ctx, "pgstore.ListPipelineRuns", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, incident_id, backend, endpoint, attempts, failovers, queries, snippets, score, outcome, error, started_at, completed_at, duration_s
		 FROM pipeline_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query pipeline runs: %w", err))
	}
	defer rows.Close()

	var out []*incident.PipelineRun
	for rows.Next() {
		var (
			r       incident.PipelineRun
			outcome string
		)
		if err := rows.Scan(&r.ID, &r.IncidentID, &r.Backend, &r.Endpoint, &r.Attempts, &r.Failovers,
			&r.Queries, &r.Snippets, &r.Score, &outcome, &r.Error, &r.StartedAt, &r.CompletedAt, &r.DurationS); err != nil {
			return nil, fail(span, fmt.Errorf("scan pipeline run: %w", err))
		}
		r.Outcome = incident.RunOutcome(outcome)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate pipeline runs: %w", err))
	}
	return out, nil
}

// AppendAudit records one audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *incident.AuditEntry) error {
	ctx, span := startSpan(ctx, "pgstore.AppendAudit", "INSERT")
	defer span.End()

	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fail(span, fmt.Errorf("marshal details: %w", err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, actor, action, resource_type, resource_id, details, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.Actor, e.Action, e.ResourceType, e.ResourceID, detailsJSON, e.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert audit entry: %w", err))
	}
	return nil
}

// ListUnfinished returns IDs of incidents that still need a triage run.
func (s *Store) ListUnfinished(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, "pgstore.ListUnfinished", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM incidents WHERE status IN ('ingested', 'evidence_collecting') ORDER BY created_at`)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query unfinished: %w", err))
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fail(span, fmt.Errorf("scan id: %w", err))
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate unfinished: %w", err))
	}
	return out, nil
}

// Purge deletes entities created before the cutoff and reports counts.
func (s *Store) Purge(ctx context.Context, before time.Time) (*incident.PurgeResult, error) {
	ctx, span := startSpan(ctx, "pgstore.Purge", "DELETE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	res := &incident.PurgeResult{}
	del := func(dst *int, query string) error {
		tag, err := tx.Exec(ctx, query, before)
		if err != nil {
			return err
		}
		*dst = int(tag.RowsAffected())
		return nil
	}

	// Dependent rows first so the counts reflect what was actually removed
	// rather than cascade side effects.
	steps := []struct {
		dst   *int
		query string
	}{
		{&res.EvidencePacks, `DELETE FROM evidence_packs WHERE incident_id IN (SELECT id FROM incidents WHERE created_at < $1)`},
		{&res.Reports, `DELETE FROM triage_reports WHERE incident_id IN (SELECT id FROM incidents WHERE created_at < $1)`},
		{&res.Incidents, `DELETE FROM incidents WHERE created_at < $1`},
		{&res.Decisions, `DELETE FROM review_decisions WHERE created_at < $1`},
		{&res.Feedback, `DELETE FROM feedback WHERE created_at < $1`},
		{&res.Deployments, `DELETE FROM deployments WHERE created_at < $1`},
		{&res.ConfigChanges, `DELETE FROM config_changes WHERE created_at < $1`},
		{&res.PipelineRuns, `DELETE FROM pipeline_runs WHERE started_at < $1`},
	}
	for _, step := range steps {
		if err := del(step.dst, step.query); err != nil {
			return nil, fail(span, fmt.Errorf("purge: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return res, nil
}

// scanIncident scans one incident row from either a pgx.Row or pgx.Rows.
func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc        incident.Incident
		status     string
		ownersJSON []byte
		alertJSON  []byte
	)
	err := row.Scan(
		&inc.ID, &inc.DedupKey, &inc.Service, &inc.Env, &inc.ServiceVersion, &inc.GitSHA,
		&inc.CorrelationID, &status, &inc.LastError, &ownersJSON, &inc.RunbookURL,
		&inc.DashboardURL, &alertJSON, &inc.Version, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("scan incident: %w", err)
	}
	inc.Status = incident.Status(status)
	if len(ownersJSON) > 0 {
		if err := json.Unmarshal(ownersJSON, &inc.Owners); err != nil {
			return nil, fmt.Errorf("unmarshal owners: %w", err)
		}
	}
	if len(alertJSON) > 0 {
		if err := json.Unmarshal(alertJSON, &inc.Alert); err != nil {
			return nil, fmt.Errorf("unmarshal alert: %w", err)
		}
	}
	return &inc, nil
}
