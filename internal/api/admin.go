package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

func (a *API) handleQualityMetrics(w http.ResponseWriter, r *http.Request) {
	q, err := a.svc.QualityMetrics(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusOK, q)
}

func (a *API) handleRuntimeMetrics(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	rt, err := a.svc.RuntimeMetrics(r.Context(), limit)
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusOK, rt)
}

type purgeRequest struct {
	Before        time.Time `json:"before,omitzero"`
	RetentionDays int       `json:"retention_days,omitempty"`
}

func (a *API) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	before := req.Before
	if before.IsZero() {
		if req.RetentionDays <= 0 {
			a.respondError(w, http.StatusBadRequest, "before or retention_days required")
			return
		}
		before = time.Now().AddDate(0, 0, -req.RetentionDays)
	}

	res, err := a.svc.Purge(r.Context(), before, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusOK, res)
}
