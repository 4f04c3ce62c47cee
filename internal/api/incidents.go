package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/report"
)

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	incs, err := a.svc.List(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusOK, map[string]any{"incidents": incs})
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	inc, ok, err := a.svc.Get(r.Context(), id, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	if !ok {
		a.respondError(w, http.StatusNotFound, "not found")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("inquest.incident.status", string(inc.Status)))

	a.respond(w, http.StatusOK, inc)
}

func (a *API) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	pack, ok, err := a.svc.Evidence(r.Context(), id, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	if !ok {
		a.respondError(w, http.StatusNotFound, "no evidence collected yet")
		return
	}
	a.respond(w, http.StatusOK, pack)
}

func (a *API) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	rep, ok, err := a.svc.Report(r.Context(), id, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	if ok {
		a.respond(w, http.StatusOK, rep)
		return
	}

	// A failed incident never produced a report. Serve the fallback shape so
	// review tooling always has something to render.
	inc, found, err := a.svc.Get(r.Context(), id, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	if !found {
		a.respondError(w, http.StatusNotFound, "not found")
		return
	}
	if inc.Status != incident.StatusFailed {
		a.respondError(w, http.StatusNotFound, "no report generated yet")
		return
	}

	summary := "Triage failed before a report could be generated."
	if inc.LastError != "" {
		summary = "Triage failed: " + inc.LastError
	}
	a.respond(w, http.StatusOK, map[string]any{
		"incident_id": inc.ID,
		"payload":     report.BuildFallback(report.FallbackInput{Summary: summary}),
	})
}

type decisionRequest struct {
	Version  int64  `json:"version"`
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

func (a *API) handleDecide(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	inc, err := a.svc.Decide(r.Context(), id, req.Version, incident.Decision(req.Decision), req.Notes, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, inc)
		return
	}
	a.respond(w, http.StatusOK, inc)
}

type statusRequest struct {
	Version int64  `json:"version"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	inc, err := a.svc.ChangeStatus(r.Context(), id, req.Version, incident.Status(req.Status), req.Reason, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, inc)
		return
	}
	a.respond(w, http.StatusOK, inc)
}

type resetRequest struct {
	Version int64 `json:"version"`
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	inc, err := a.svc.ResetFailed(r.Context(), id, req.Version, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, inc)
		return
	}
	a.respond(w, http.StatusAccepted, inc)
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotateIncident(r, id)

	var fb incident.Feedback
	if err := json.NewDecoder(r.Body).Decode(&fb); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	fb.IncidentID = id

	out, err := a.svc.AddFeedback(r.Context(), &fb, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusCreated, out)
}
