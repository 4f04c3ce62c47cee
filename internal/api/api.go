// Package api exposes the triage service over HTTP: alert ingestion, change
// feeds, incident reads, review decisions, and operator administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/inquest/internal/alert"
	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/triage"
)

// TriageService defines the business operations the API needs.
type TriageService interface {
	IngestCloudWatch(ctx context.Context, raw json.RawMessage, actor string) (*triage.IngestResult, error)
	IngestAlertmanager(ctx context.Context, raw json.RawMessage, actor string) (*triage.IngestResult, error)
	RecordDeployment(ctx context.Context, d *incident.DeploymentEvent, actor string) (*incident.DeploymentEvent, error)
	RecordConfigChange(ctx context.Context, c *incident.ConfigChange, actor string) (*incident.ConfigChange, error)
	Get(ctx context.Context, id, actor string) (*incident.Incident, bool, error)
	List(ctx context.Context) ([]*incident.Incident, error)
	Evidence(ctx context.Context, id, actor string) (*incident.EvidencePack, bool, error)
	Report(ctx context.Context, id, actor string) (*incident.TriageReport, bool, error)
	Decide(ctx context.Context, id string, version int64, decision incident.Decision, notes, actor string) (*incident.Incident, error)
	ChangeStatus(ctx context.Context, id string, version int64, to incident.Status, reason, actor string) (*incident.Incident, error)
	ResetFailed(ctx context.Context, id string, version int64, actor string) (*incident.Incident, error)
	AddFeedback(ctx context.Context, f *incident.Feedback, actor string) (*incident.Feedback, error)
	QualityMetrics(ctx context.Context) (*triage.QualitySummary, error)
	RuntimeMetrics(ctx context.Context, limit int) (*triage.RuntimeSummary, error)
	Purge(ctx context.Context, before time.Time, actor string) (*incident.PurgeResult, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TriageService
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts/cloudwatch", a.handleIngestCloudWatch)
		r.Post("/alerts/alertmanager", a.handleIngestAlertmanager)

		r.Post("/changes/deployments", a.handleRecordDeployment)
		r.Post("/changes/config", a.handleRecordConfigChange)

		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Get("/incidents/{id}/evidence", a.handleGetEvidence)
		r.Get("/incidents/{id}/report", a.handleGetReport)
		r.Post("/incidents/{id}/decision", a.handleDecide)
		r.Post("/incidents/{id}/status", a.handleChangeStatus)
		r.Post("/incidents/{id}/reset", a.handleReset)
		r.Post("/incidents/{id}/feedback", a.handleFeedback)

		r.Get("/metrics/quality", a.handleQualityMetrics)
		r.Get("/metrics/runtime", a.handleRuntimeMetrics)

		r.Post("/admin/purge", a.handlePurge)
	})
}

// actor identifies the caller for the audit trail. Unauthenticated or
// unlabeled requests are recorded as anonymous.
func actor(r *http.Request) string {
	if v := r.Header.Get("X-Actor"); v != "" {
		return v
	}
	return "anonymous"
}

func annotateIncident(r *http.Request, id string) {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.incident.id", id))
}

func (a *API) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(body)
}

func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	a.respond(w, status, map[string]string{"error": msg})
}

// conflictBody pairs an error with the authoritative incident state so a
// stale client can re-render and retry without another round trip.
type conflictBody struct {
	Error    string             `json:"error"`
	Incident *incident.Incident `json:"incident,omitempty"`
}

// writeServiceError maps service errors onto HTTP statuses. inc carries the
// authoritative state on version conflicts when the service returned one.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, inc *incident.Incident) {
	switch {
	case errors.Is(err, alert.ErrMalformedPayload):
		a.respondError(w, http.StatusBadRequest, "invalid payload")
	case errors.Is(err, triage.ErrBadChangeEvent):
		a.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, incident.ErrNotFound):
		a.respondError(w, http.StatusNotFound, "not found")
	case errors.Is(err, incident.ErrVersionConflict):
		a.respond(w, http.StatusConflict, conflictBody{Error: "version conflict", Incident: inc})
	case errors.Is(err, triage.ErrNotReviewable):
		a.respond(w, http.StatusConflict, conflictBody{Error: "incident is not awaiting review", Incident: inc})
	case errors.Is(err, incident.ErrInvalidTransition):
		a.respond(w, http.StatusUnprocessableEntity, conflictBody{Error: err.Error(), Incident: inc})
	default:
		a.logger.Error(r.Context(), err, "request failed",
			"method", r.Method, "path", r.URL.Path)
		a.respondError(w, http.StatusInternalServerError, "internal error")
	}
}
