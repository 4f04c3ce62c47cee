package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/triage"
)

// stubService returns canned values so handler translation can be tested in
// isolation from the pipeline.
type stubService struct {
	ingestResult *triage.IngestResult
	ingestErr    error
	ingestActor  string

	incident  *incident.Incident
	pack      *incident.EvidencePack
	report    *incident.TriageReport
	decideErr error
	decideInc *incident.Incident
}

func (s *stubService) IngestCloudWatch(_ context.Context, _ json.RawMessage, actor string) (*triage.IngestResult, error) {
	s.ingestActor = actor
	return s.ingestResult, s.ingestErr
}

func (s *stubService) IngestAlertmanager(_ context.Context, _ json.RawMessage, actor string) (*triage.IngestResult, error) {
	s.ingestActor = actor
	return s.ingestResult, s.ingestErr
}

func (s *stubService) RecordDeployment(_ context.Context, d *incident.DeploymentEvent, _ string) (*incident.DeploymentEvent, error) {
	if d.Service == "" {
		return nil, fmt.Errorf("deployment: %w", triage.ErrBadChangeEvent)
	}
	out := *d
	out.ID = "01JDEPLOY"
	return &out, nil
}

func (s *stubService) RecordConfigChange(_ context.Context, c *incident.ConfigChange, _ string) (*incident.ConfigChange, error) {
	if c.Service == "" {
		return nil, fmt.Errorf("config change: %w", triage.ErrBadChangeEvent)
	}
	out := *c
	out.ID = "01JCONFIG"
	return &out, nil
}

func (s *stubService) Get(_ context.Context, id, _ string) (*incident.Incident, bool, error) {
	if s.incident == nil || s.incident.ID != id {
		return nil, false, nil
	}
	return s.incident, true, nil
}

func (s *stubService) List(context.Context) ([]*incident.Incident, error) {
	if s.incident == nil {
		return nil, nil
	}
	return []*incident.Incident{s.incident}, nil
}

func (s *stubService) Evidence(_ context.Context, id, _ string) (*incident.EvidencePack, bool, error) {
	if s.pack == nil || s.pack.IncidentID != id {
		return nil, false, nil
	}
	return s.pack, true, nil
}

func (s *stubService) Report(_ context.Context, id, _ string) (*incident.TriageReport, bool, error) {
	if s.report == nil || s.report.IncidentID != id {
		return nil, false, nil
	}
	return s.report, true, nil
}

func (s *stubService) Decide(_ context.Context, _ string, _ int64, _ incident.Decision, _, _ string) (*incident.Incident, error) {
	return s.decideInc, s.decideErr
}

func (s *stubService) ChangeStatus(_ context.Context, _ string, _ int64, _ incident.Status, _, _ string) (*incident.Incident, error) {
	return s.decideInc, s.decideErr
}

func (s *stubService) ResetFailed(_ context.Context, _ string, _ int64, _ string) (*incident.Incident, error) {
	return s.decideInc, s.decideErr
}

func (s *stubService) AddFeedback(_ context.Context, f *incident.Feedback, actor string) (*incident.Feedback, error) {
	if s.incident == nil || s.incident.ID != f.IncidentID {
		return nil, incident.ErrNotFound
	}
	out := *f
	out.ID = "01JFEEDBACK"
	out.Actor = actor
	return &out, nil
}

func (s *stubService) QualityMetrics(context.Context) (*triage.QualitySummary, error) {
	return &triage.QualitySummary{TotalIncidents: 2, AcceptanceRate: 0.5}, nil
}

func (s *stubService) RuntimeMetrics(context.Context, int) (*triage.RuntimeSummary, error) {
	return &triage.RuntimeSummary{TotalRuns: 3, Succeeded: 2, Failed: 1}, nil
}

func (s *stubService) Purge(_ context.Context, _ time.Time, _ string) (*incident.PurgeResult, error) {
	return &incident.PurgeResult{Incidents: 4}, nil
}

func newTestRouter(t *testing.T, svc *stubService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(log.Nop(), svc).RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, r chi.Router, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestNew_NilServicePanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(logger, nil) did not panic")
		}
	}()
	New(log.Nop(), nil)
}

func TestIngest_Accepted(t *testing.T) {
	t.Parallel()

	svc := &stubService{ingestResult: &triage.IngestResult{IncidentID: "01JABC", Created: true}}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/alerts/cloudwatch", `{"detail":{}}`, map[string]string{"X-Actor": "eventbridge"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body)
	}
	if svc.ingestActor != "eventbridge" {
		t.Errorf("actor = %q, want eventbridge", svc.ingestActor)
	}

	var got triage.IngestResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.IncidentID != "01JABC" || !got.Created {
		t.Errorf("body = %+v", got)
	}
}

func TestIngest_SkippedIsOK(t *testing.T) {
	t.Parallel()

	svc := &stubService{ingestResult: &triage.IngestResult{Skipped: true, Reason: "not firing"}}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/alerts/alertmanager", `{"alerts":[]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestIngest_MalformedPayload(t *testing.T) {
	t.Parallel()

	svc := &stubService{ingestErr: fmt.Errorf("cloudwatch: %w", alert.ErrMalformedPayload)}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/alerts/cloudwatch", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestIngest_DefaultActorAnonymous(t *testing.T) {
	t.Parallel()

	svc := &stubService{ingestResult: &triage.IngestResult{Created: true}}
	r := newTestRouter(t, svc)

	doJSON(t, r, http.MethodPost, "/api/v1/alerts/cloudwatch", `{}`, nil)
	if svc.ingestActor != "anonymous" {
		t.Errorf("actor = %q, want anonymous", svc.ingestActor)
	}
}

func TestRecordDeployment(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &stubService{})

	rec := doJSON(t, r, http.MethodPost, "/api/v1/changes/deployments",
		`{"service":"checkout-api","env":"production","deployed_at":"2026-02-26T14:10:00Z","git_sha":"abc123"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/changes/deployments", `{"env":"production"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid event: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestGetIncident(t *testing.T) {
	t.Parallel()

	svc := &stubService{incident: &incident.Incident{ID: "01JABC", Status: incident.StatusTriaged, Version: 3}}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/incidents/01JABC", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got incident.Incident
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/incidents/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetReport_FailedIncidentFallback(t *testing.T) {
	t.Parallel()

	svc := &stubService{incident: &incident.Incident{
		ID:        "01JFAIL",
		Status:    incident.StatusFailed,
		LastError: "all generation endpoints exhausted",
	}}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/incidents/01JFAIL/report", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}

	var got struct {
		IncidentID string `json:"incident_id"`
		Payload    struct {
			Mode    string `json:"mode"`
			Summary string `json:"summary"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Payload.Mode != "insufficient_evidence" {
		t.Errorf("mode = %q, want insufficient_evidence", got.Payload.Mode)
	}
	if !strings.Contains(got.Payload.Summary, "exhausted") {
		t.Errorf("summary = %q, want failure reason", got.Payload.Summary)
	}
}

func TestGetReport_NotGeneratedYet(t *testing.T) {
	t.Parallel()

	svc := &stubService{incident: &incident.Incident{ID: "01JWAIT", Status: incident.StatusEvidenceCollecting}}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodGet, "/api/v1/incidents/01JWAIT/report", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDecide_VersionConflictReturnsAuthoritativeState(t *testing.T) {
	t.Parallel()

	authoritative := &incident.Incident{ID: "01JABC", Status: incident.StatusAwaitingHumanReview, Version: 5}
	svc := &stubService{decideErr: incident.ErrVersionConflict, decideInc: authoritative}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/incidents/01JABC/decision",
		`{"version":2,"decision":"approve"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	var got conflictBody
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Incident == nil || got.Incident.Version != 5 {
		t.Errorf("conflict body = %+v, want authoritative incident at version 5", got)
	}
}

func TestDecide_NotReviewable(t *testing.T) {
	t.Parallel()

	svc := &stubService{
		decideErr: triage.ErrNotReviewable,
		decideInc: &incident.Incident{ID: "01JABC", Status: incident.StatusTriaged},
	}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/incidents/01JABC/decision",
		`{"version":3,"decision":"approve"}`, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestChangeStatus_InvalidTransition(t *testing.T) {
	t.Parallel()

	svc := &stubService{
		decideErr: fmt.Errorf("resolve: %w", incident.ErrInvalidTransition),
		decideInc: &incident.Incident{ID: "01JABC", Status: incident.StatusIngested},
	}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/incidents/01JABC/status",
		`{"version":1,"status":"resolved"}`, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
}

func TestFeedback(t *testing.T) {
	t.Parallel()

	svc := &stubService{incident: &incident.Incident{ID: "01JABC"}}
	r := newTestRouter(t, svc)

	rec := doJSON(t, r, http.MethodPost, "/api/v1/incidents/01JABC/feedback",
		`{"helpful":true,"notes":"nailed it"}`, map[string]string{"X-Actor": "oncall"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}

	var got incident.Feedback
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Actor != "oncall" || got.IncidentID != "01JABC" {
		t.Errorf("feedback = %+v", got)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/incidents/missing/feedback", `{"helpful":true}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing incident: status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &stubService{})

	rec := doJSON(t, r, http.MethodGet, "/api/v1/metrics/quality", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("quality: status = %d", rec.Code)
	}
	var q triage.QualitySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode quality: %v", err)
	}
	if q.TotalIncidents != 2 {
		t.Errorf("TotalIncidents = %d, want 2", q.TotalIncidents)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/metrics/runtime?limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("runtime: status = %d", rec.Code)
	}

	rec = doJSON(t, r, http.MethodGet, "/api/v1/metrics/runtime?limit=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &stubService{})

	rec := doJSON(t, r, http.MethodPost, "/api/v1/admin/purge", `{"retention_days":30}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var res incident.PurgeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Incidents != 4 {
		t.Errorf("Incidents = %d, want 4", res.Incidents)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/v1/admin/purge", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty request: status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &stubService{})

	rec := doJSON(t, r, http.MethodGet, "/api/v1/alerts/cloudwatch", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}
