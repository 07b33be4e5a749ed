package http

import (
	"encoding/json"
	"net/http"

	"github.com/artpar/tokenwatch/app"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/policy"
	"github.com/artpar/tokenwatch/domain/usage"
)

// SystemConfigResponse shows the active runtime configuration.
type SystemConfigResponse struct {
	Policies      policy.Snapshot  `json:"policies"`
	Detector      DetectorResponse `json:"detector"`
	PartitionUnit partition.Unit   `json:"partition_unit"`
}

// PolicyUpdateRequest is the body of PUT /system/config.
// Retention fields merge into the active policy; a sampling section replaces it.
type PolicyUpdateRequest struct {
	Retention *policy.Retention `json:"retention,omitempty"`
	Sampling  *policy.Sampling  `json:"sampling,omitempty"`
}

// AggregateRunResponse reports a manual aggregation.
type AggregateRunResponse struct {
	Date       string              `json:"date"`
	Groups     int                 `json:"groups"`
	Aggregates []AggregateResponse `json:"aggregates"`
}

func (a *api) systemConfig() SystemConfigResponse {
	return SystemConfigResponse{
		Policies:      a.Settings.Policies(),
		Detector:      toDetectorResponse(a.Detector.Thresholds()),
		PartitionUnit: a.PartitionUnit,
	}
}

// getSystemConfig handles GET /system/config.
func (a *api) getSystemConfig(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, a.systemConfig())
}

// putSystemConfig handles PUT /system/config.
func (a *api) putSystemConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeRequestError(w, err)
		return
	}
	if err := validateBody(policySchema, body); err != nil {
		writeRequestError(w, err)
		return
	}

	snap := a.Settings.Policies()
	req := PolicyUpdateRequest{Retention: &snap.Retention}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Retention != nil {
		snap.Retention = *req.Retention
	}
	if req.Sampling != nil {
		snap.Sampling = *req.Sampling
	}

	if err := a.Settings.Update(r.Context(), snap); err != nil {
		writeServiceError(w, err)
		return
	}
	a.logger.Info().Msg("policies updated over http")
	writeSuccess(w, http.StatusOK, a.systemConfig())
}

// runAggregate handles POST /system/aggregate. The date defaults to yesterday.
func (a *api) runAggregate(w http.ResponseWriter, r *http.Request) {
	p := params(r)
	date := p.date("date")
	if p.err != nil {
		writeRequestError(w, p.err)
		return
	}
	if date.IsZero() {
		date, _ = usage.DayBounds(a.Clock.Now().AddDate(0, 0, -1))
	}

	aggs, err := a.Aggregator.AggregateDay(r.Context(), date)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, AggregateRunResponse{
		Date:       usage.FormatDate(date),
		Groups:     len(aggs),
		Aggregates: toAggregateResponses(aggs),
	})
}

// runRetention handles POST /system/retention with the active retention policy.
// A partial failure is reported with the run report attached.
func (a *api) runRetention(w http.ResponseWriter, r *http.Request) {
	report, err := a.Retention.Enforce(r.Context(), a.Settings.Retention())
	if err != nil {
		if app.IsPartialFailure(err) {
			writeJSON(w, http.StatusInternalServerError, envelope{
				Status:  "error",
				Data:    report,
				Message: err.Error(),
			})
			return
		}
		writeServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

// listPartitions handles GET /system/partitions.
func (a *api) listPartitions(w http.ResponseWriter, r *http.Request) {
	handles, err := a.Partitions.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]PartitionResponse, 0, len(handles))
	for _, h := range handles {
		items = append(items, toPartitionResponse(h))
	}
	writeList(w, len(items), items)
}
