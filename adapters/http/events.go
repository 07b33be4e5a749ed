package http

import (
	"encoding/json"
	"net/http"

	"github.com/artpar/tokenwatch/app"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
)

// postEvent handles POST /events.
func (a *api) postEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if err := validateBody(eventSchema, body); err != nil {
		writeRequestError(w, err)
		return
	}

	var req EventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := a.Ingest.Ingest(r.Context(), app.Event{Metric: req.toMetric(), Metadata: req.Metadata})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Status == app.StatusSampledOut {
		status = http.StatusOK
	}
	writeSuccess(w, status, EventResponse{
		EventID:   result.EventID,
		Timestamp: result.Timestamp,
		Status:    string(result.Status),
	})
}

// getRequests handles GET /metrics/requests.
func (a *api) getRequests(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	q := metric.Query{
		Start:     p.time("start_time"),
		End:       p.time("end_time"),
		Filter:    p.filter(),
		RequestID: p.str("request_id"),
	}
	q.Limit, q.Offset = p.page()
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}

	rows, total, err := a.Metrics.Query(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]MetricResponse, 0, len(rows))
	for _, m := range rows {
		items = append(items, toMetricResponse(m))
	}
	writeList(w, total, items)
}

// postHallucination handles POST /hallucinations.
func (a *api) postHallucination(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if err := validateBody(hallucinationSchema, body); err != nil {
		writeRequestError(w, err)
		return
	}

	var req HallucinationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := a.Ingest.RecordHallucination(r.Context(), req.toRecord())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated, toHallucinationResponse(rec))
}

// listHallucinations handles GET /hallucinations.
func (a *api) listHallucinations(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	f := hallucination.Filter{
		Start:     p.time("start_time"),
		End:       p.time("end_time"),
		RequestID: p.str("request_id"),
	}
	f.Limit, f.Offset = p.page()
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}

	recs, total, err := a.Hallucinations.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]HallucinationResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toHallucinationResponse(rec))
	}
	writeList(w, total, items)
}
