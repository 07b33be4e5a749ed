package http

import (
	"encoding/json"
	"net/http"

	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/go-chi/chi/v5"
)

func (a *api) decodeAlertConfig(r *http.Request) (alert.Config, error) {
	body, err := readBody(r)
	if err != nil {
		return alert.Config{}, err
	}
	if err := validateBody(alertConfigSchema, body); err != nil {
		return alert.Config{}, err
	}
	var req AlertConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return alert.Config{}, errBadRequest("invalid JSON body")
	}
	return req.toConfig(), nil
}

// listAlertConfigs handles GET /alerts/configs.
func (a *api) listAlertConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := a.Alerts.ListConfigs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]AlertConfigResponse, 0, len(configs))
	for _, c := range configs {
		items = append(items, toAlertConfigResponse(c))
	}
	writeList(w, len(items), items)
}

// createAlertConfig handles POST /alerts/configs.
func (a *api) createAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.decodeAlertConfig(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	created, err := a.Alerts.CreateConfig(r.Context(), cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toAlertConfigResponse(created))
}

// getAlertConfig handles GET /alerts/configs/{id}.
func (a *api) getAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Alerts.GetConfig(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAlertConfigResponse(cfg))
}

// updateAlertConfig handles PUT /alerts/configs/{id}.
func (a *api) updateAlertConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.decodeAlertConfig(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}

	updated, err := a.Alerts.UpdateConfig(r.Context(), chi.URLParam(r, "id"), cfg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAlertConfigResponse(updated))
}

// deleteAlertConfig handles DELETE /alerts/configs/{id}.
func (a *api) deleteAlertConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.Alerts.DeleteConfig(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listAlertEvents handles GET /alerts/events.
func (a *api) listAlertEvents(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	f := alert.EventFilter{
		AlertID:  p.str("alert_id"),
		Resolved: p.boolPtr("resolved"),
	}
	f.Limit, f.Offset = p.page()
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}

	events, total, err := a.Alerts.ListEvents(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]AlertEventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toAlertEventResponse(e))
	}
	writeList(w, total, items)
}

// acknowledgeAlertEvent handles POST /alerts/events/{id}/acknowledge.
func (a *api) acknowledgeAlertEvent(w http.ResponseWriter, r *http.Request) {
	e, err := a.Alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAlertEventResponse(e))
}
