package http

import (
	"net/http"

	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/go-chi/chi/v5"
)

// getSummary handles GET /metrics/summary.
func (a *api) getSummary(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	q := metric.Query{
		Start:  p.time("start_time"),
		End:    p.time("end_time"),
		Filter: p.filter(),
	}
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}

	s, err := a.Metrics.Summarize(r.Context(), q)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toSummaryResponse(s))
}

// getDaily handles GET /metrics/daily.
func (a *api) getDaily(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	f := usage.AggregateFilter{
		StartDate: p.date("start_date"),
		EndDate:   p.date("end_date"),
		Filter:    p.filter(),
	}
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}

	aggs, err := a.Aggregator.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeList(w, len(aggs), toAggregateResponses(aggs))
}

// listAnomalies handles GET /anomalies.
func (a *api) listAnomalies(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	f := anomaly.Filter{
		Start:    p.time("start_time"),
		End:      p.time("end_time"),
		Type:     anomaly.Type(p.str("type")),
		Severity: anomaly.Severity(p.str("severity")),
		Resolved: p.boolPtr("resolved"),
	}
	f.Limit, f.Offset = p.page()
	if p.err == nil && f.Type != "" && !f.Type.Valid() {
		p.err = errBadRequest("invalid type %q", f.Type)
	}
	if p.err == nil && f.Severity != "" && !f.Severity.Valid() {
		p.err = errBadRequest("invalid severity %q", f.Severity)
	}
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}

	recs, total, err := a.Detector.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]AnomalyResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toAnomalyResponse(rec))
	}
	writeList(w, total, items)
}

// resolveAnomaly handles POST /anomalies/{id}/resolve.
func (a *api) resolveAnomaly(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Detector.Resolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, toAnomalyResponse(rec))
}
