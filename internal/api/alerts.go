package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/linnemanlabs/inquest/internal/incident"
	"github.com/linnemanlabs/inquest/internal/triage"
)

const maxAlertBody = 1 << 20 // 1 MiB

func (a *API) handleIngestCloudWatch(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, a.svc.IngestCloudWatch)
}

func (a *API) handleIngestAlertmanager(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, a.svc.IngestAlertmanager)
}

type ingestFunc = func(ctx context.Context, raw json.RawMessage, actor string) (*triage.IngestResult, error)

func (a *API) ingest(w http.ResponseWriter, r *http.Request, fn ingestFunc) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	res, err := fn(r.Context(), raw, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	a.respond(w, status, res)
}

func (a *API) handleRecordDeployment(w http.ResponseWriter, r *http.Request) {
	var d incident.DeploymentEvent
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	out, err := a.svc.RecordDeployment(r.Context(), &d, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusCreated, out)
}

func (a *API) handleRecordConfigChange(w http.ResponseWriter, r *http.Request) {
	var c incident.ConfigChange
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	out, err := a.svc.RecordConfigChange(r.Context(), &c, actor(r))
	if err != nil {
		a.writeServiceError(w, r, err, nil)
		return
	}
	a.respond(w, http.StatusCreated, out)
}
