package http

import (
	"time"

	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/anomaly"
	"github.com/artpar/tokenwatch/domain/hallucination"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/partition"
	"github.com/artpar/tokenwatch/domain/usage"
)

// -----------------------------------------------------------------------------
// Events
// -----------------------------------------------------------------------------

// Event outcome values of the status field.
const (
	EventSuccess = "success"
	EventError   = "error"
)

// EventRequest is the body of POST /events. latency_ms and status are the
// SDK fields; inference_time (seconds) and success are accepted when they
// are absent.
type EventRequest struct {
	RequestID        string         `json:"request_id"`
	Timestamp        *time.Time     `json:"timestamp,omitempty"`
	Provider         string         `json:"provider"`
	Model            string         `json:"model"`
	Application      string         `json:"application"`
	Environment      string         `json:"environment"`
	LatencyMS        *float64       `json:"latency_ms,omitempty"`
	Status           string         `json:"status,omitempty"`
	InferenceTime    float64        `json:"inference_time"`
	Success          *bool          `json:"success,omitempty"`
	PromptTokens     int64          `json:"prompt_tokens"`
	CompletionTokens int64          `json:"completion_tokens"`
	TotalTokens      int64          `json:"total_tokens"`
	EstimatedCost    float64        `json:"estimated_cost"`
	MemoryUsed       *int64         `json:"memory_used,omitempty"`
	Error            *string        `json:"error,omitempty"`
	StorageObjectID  string         `json:"storage_object_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// toMetric converts the request. Without status or success, the call
// succeeded unless an error message is present.
func (req EventRequest) toMetric() metric.RequestMetric {
	m := metric.RequestMetric{
		RequestID:        req.RequestID,
		Provider:         req.Provider,
		Model:            req.Model,
		Application:      req.Application,
		Environment:      req.Environment,
		InferenceTime:    req.InferenceTime,
		PromptTokens:     req.PromptTokens,
		CompletionTokens: req.CompletionTokens,
		TotalTokens:      req.TotalTokens,
		EstimatedCost:    req.EstimatedCost,
		MemoryUsed:       req.MemoryUsed,
		StorageObjectID:  req.StorageObjectID,
	}
	if req.Timestamp != nil {
		m.Timestamp = *req.Timestamp
	}
	if req.LatencyMS != nil {
		m.InferenceTime = *req.LatencyMS / 1000
	}
	if req.Error != nil {
		m.Error = *req.Error
	}
	switch {
	case req.Status != "":
		m.Success = req.Status == EventSuccess
	case req.Success != nil:
		m.Success = *req.Success
	default:
		m.Success = m.Error == ""
	}
	return m
}

// EventResponse is returned for an accepted event.
type EventResponse struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// MetricResponse is one stored request metric.
type MetricResponse struct {
	RequestID        string    `json:"request_id"`
	Timestamp        time.Time `json:"timestamp"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Application      string    `json:"application"`
	Environment      string    `json:"environment"`
	LatencyMS        float64   `json:"latency_ms"`
	Status           string    `json:"status"`
	InferenceTime    float64   `json:"inference_time"`
	Success          bool      `json:"success"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	MemoryUsed       *int64    `json:"memory_used"`
	Error            *string   `json:"error"`
	StorageObjectID  string    `json:"storage_object_id,omitempty"`
}

func toMetricResponse(m metric.RequestMetric) MetricResponse {
	resp := MetricResponse{
		RequestID:        m.RequestID,
		Timestamp:        m.Timestamp,
		Provider:         m.Provider,
		Model:            m.Model,
		Application:      m.Application,
		Environment:      m.Environment,
		LatencyMS:        millis(m.InferenceTime),
		Status:           EventSuccess,
		InferenceTime:    m.InferenceTime,
		Success:          m.Success,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		TotalTokens:      m.TotalTokens,
		EstimatedCost:    m.EstimatedCost,
		MemoryUsed:       m.MemoryUsed,
		StorageObjectID:  m.StorageObjectID,
	}
	if !m.Success {
		resp.Status = EventError
	}
	if m.Error != "" {
		e := m.Error
		resp.Error = &e
	}
	return resp
}

// -----------------------------------------------------------------------------
// Reports
// -----------------------------------------------------------------------------

// SummaryResponse holds statistics over a set of requests. Latencies are
// in milliseconds and cost in USD.
type SummaryResponse struct {
	RequestCount     int64   `json:"request_count"`
	SuccessCount     int64   `json:"success_count"`
	ErrorCount       int64   `json:"error_count"`
	ErrorRate        float64 `json:"error_rate"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	P95LatencyMS     float64 `json:"p95_latency_ms"`
	P99LatencyMS     float64 `json:"p99_latency_ms"`
	MaxLatencyMS     float64 `json:"max_latency_ms"`
	TotalTokens      int64   `json:"total_tokens"`
	AvgTokens        float64 `json:"avg_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

func toSummaryResponse(s usage.Summary) SummaryResponse {
	return SummaryResponse{
		RequestCount:     s.RequestCount,
		SuccessCount:     s.SuccessCount,
		ErrorCount:       s.ErrorCount,
		ErrorRate:        s.ErrorRate(),
		AvgLatencyMS:     millis(s.AvgInferenceTime),
		P95LatencyMS:     millis(s.P95InferenceTime),
		P99LatencyMS:     millis(s.P99InferenceTime),
		MaxLatencyMS:     millis(s.MaxInferenceTime),
		TotalTokens:      s.TotalTokens,
		AvgTokens:        s.AvgTokens(),
		EstimatedCostUSD: s.TotalCost,
	}
}

func millis(seconds float64) float64 {
	return seconds * 1000
}

// AggregateResponse is one daily rollup.
type AggregateResponse struct {
	Date string `json:"date"`
	metric.Dimensions
	SummaryResponse
}

func toAggregateResponse(a usage.DailyAggregate) AggregateResponse {
	return AggregateResponse{
		Date:            usage.FormatDate(a.Date),
		Dimensions:      a.Dimensions,
		SummaryResponse: toSummaryResponse(a.Summary),
	}
}

func toAggregateResponses(aggs []usage.DailyAggregate) []AggregateResponse {
	out := make([]AggregateResponse, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, toAggregateResponse(a))
	}
	return out
}

// -----------------------------------------------------------------------------
// Anomalies
// -----------------------------------------------------------------------------

// AnomalyResponse is one detected anomaly.
type AnomalyResponse struct {
	AnomalyID   string           `json:"anomaly_id"`
	Timestamp   time.Time        `json:"timestamp"`
	Type        anomaly.Type     `json:"type"`
	Severity    anomaly.Severity `json:"severity"`
	RequestID   string           `json:"request_id"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	Application string           `json:"application"`
	DetailsKind anomaly.Kind     `json:"details_kind"`
	Details     anomaly.Details  `json:"details"`
	Resolved    bool             `json:"resolved"`
	ResolvedAt  *time.Time       `json:"resolved_at"`
}

func toAnomalyResponse(r anomaly.Record) AnomalyResponse {
	return AnomalyResponse{
		AnomalyID:   r.ID,
		Timestamp:   r.Timestamp,
		Type:        r.Type,
		Severity:    r.Severity,
		RequestID:   r.RequestID,
		Provider:    r.Provider,
		Model:       r.Model,
		Application: r.Application,
		DetailsKind: anomaly.KindOf(r.Type),
		Details:     r.Details,
		Resolved:    r.Resolved,
		ResolvedAt:  r.ResolvedAt,
	}
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// AlertConfigRequest is the body of POST and PUT /alerts/configs.
type AlertConfigRequest struct {
	Name          string               `json:"name"`
	Enabled       *bool                `json:"enabled,omitempty"`
	AlertType     string               `json:"alert_type"`
	Severity      string               `json:"severity"`
	Thresholds    []alert.Threshold    `json:"thresholds"`
	Filters       alert.Filters        `json:"filters"`
	NotifyTargets []alert.NotifyTarget `json:"notify_targets"`
	Match         alert.Match          `json:"match"`
	Condition     string               `json:"condition"`
	WindowMinutes int                  `json:"window_minutes"`
	GroupBy       []alert.Dimension    `json:"group_by"`
}

// toConfig converts the request. Rules are enabled unless stated otherwise.
func (req AlertConfigRequest) toConfig() alert.Config {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return alert.Config{
		Name:          req.Name,
		Enabled:       enabled,
		AlertType:     req.AlertType,
		Severity:      req.Severity,
		Thresholds:    req.Thresholds,
		Filters:       req.Filters,
		NotifyTargets: req.NotifyTargets,
		Match:         req.Match,
		Condition:     req.Condition,
		WindowMinutes: req.WindowMinutes,
		GroupBy:       req.GroupBy,
	}
}

// AlertConfigResponse is one stored rule. Webhook secrets are never returned.
type AlertConfigResponse struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Enabled       bool                 `json:"enabled"`
	AlertType     string               `json:"alert_type,omitempty"`
	Severity      string               `json:"severity,omitempty"`
	Thresholds    []alert.Threshold    `json:"thresholds"`
	Filters       alert.Filters        `json:"filters"`
	NotifyTargets []alert.NotifyTarget `json:"notify_targets"`
	Match         alert.Match          `json:"match"`
	Condition     string               `json:"condition,omitempty"`
	WindowMinutes int                  `json:"window_minutes"`
	GroupBy       []alert.Dimension    `json:"group_by,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func toAlertConfigResponse(c alert.Config) AlertConfigResponse {
	targets := make([]alert.NotifyTarget, len(c.NotifyTargets))
	for i, t := range c.NotifyTargets {
		t.Secret = ""
		targets[i] = t
	}
	thresholds := c.Thresholds
	if thresholds == nil {
		thresholds = []alert.Threshold{}
	}
	return AlertConfigResponse{
		ID:            c.ID,
		Name:          c.Name,
		Enabled:       c.Enabled,
		AlertType:     c.AlertType,
		Severity:      c.Severity,
		Thresholds:    thresholds,
		Filters:       c.Filters,
		NotifyTargets: targets,
		Match:         c.Match,
		Condition:     c.Condition,
		WindowMinutes: c.WindowMinutes,
		GroupBy:       c.GroupBy,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// AlertEventResponse is one firing occurrence of a rule.
type AlertEventResponse struct {
	ID                    string                   `json:"id"`
	AlertID               string                   `json:"alert_id"`
	InstanceKey           string                   `json:"instance_key"`
	TriggeredAt           time.Time                `json:"triggered_at"`
	ResolvedAt            *time.Time               `json:"resolved_at"`
	MetricValue           float64                  `json:"metric_value"`
	ThresholdValue        float64                  `json:"threshold_value"`
	Acknowledged          bool                     `json:"acknowledged"`
	NotificationDelivered bool                     `json:"notification_delivered"`
	NotificationStatus    alert.NotificationStatus `json:"notification_status"`
	NotificationError     string                   `json:"notification_error,omitempty"`
}

func toAlertEventResponse(e alert.Event) AlertEventResponse {
	return AlertEventResponse{
		ID:                    e.ID,
		AlertID:               e.AlertID,
		InstanceKey:           e.InstanceKey,
		TriggeredAt:           e.TriggeredAt,
		ResolvedAt:            e.ResolvedAt,
		MetricValue:           e.MetricValue,
		ThresholdValue:        e.ThresholdValue,
		Acknowledged:          e.Acknowledged,
		NotificationDelivered: e.Delivered(),
		NotificationStatus:    e.NotificationStatus,
		NotificationError:     e.NotificationError,
	}
}

// -----------------------------------------------------------------------------
// Hallucinations
// -----------------------------------------------------------------------------

// HallucinationRequest is the body of POST /hallucinations.
type HallucinationRequest struct {
	RequestID   string     `json:"request_id"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Provider    string     `json:"provider"`
	Model       string     `json:"model"`
	Application string     `json:"application"`
	Score       float64    `json:"score"`
	Reason      string     `json:"reason"`
}

func (req HallucinationRequest) toRecord() hallucination.Record {
	r := hallucination.Record{
		RequestID:   req.RequestID,
		Provider:    req.Provider,
		Model:       req.Model,
		Application: req.Application,
		Score:       req.Score,
		Reason:      req.Reason,
	}
	if req.Timestamp != nil {
		r.Timestamp = *req.Timestamp
	}
	return r
}

// HallucinationResponse is one stored hallucination record.
type HallucinationResponse struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model"`
	Application string    `json:"application"`
	Score       float64   `json:"score"`
	Reason      string    `json:"reason,omitempty"`
}

func toHallucinationResponse(r hallucination.Record) HallucinationResponse {
	return HallucinationResponse{
		ID:          r.ID,
		RequestID:   r.RequestID,
		Timestamp:   r.Timestamp,
		Provider:    r.Provider,
		Model:       r.Model,
		Application: r.Application,
		Score:       r.Score,
		Reason:      r.Reason,
	}
}

// -----------------------------------------------------------------------------
// System
// -----------------------------------------------------------------------------

// PartitionResponse is one metric partition.
type PartitionResponse struct {
	Key       string    `json:"key"`
	Table     string    `json:"table"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	CreatedAt time.Time `json:"created_at"`
}

func toPartitionResponse(h partition.Handle) PartitionResponse {
	return PartitionResponse{
		Key:       h.Key,
		Table:     h.Table,
		Start:     h.Start,
		End:       h.End,
		CreatedAt: h.CreatedAt,
	}
}

// DetectorResponse shows the active detection thresholds.
type DetectorResponse struct {
	Window               string  `json:"window"`
	MinSamples           int     `json:"min_samples"`
	ZThreshold           float64 `json:"z_threshold"`
	ErrorWindow          string  `json:"error_window"`
	ErrorRateMultiplier  float64 `json:"error_rate_multiplier"`
	MinBaselineErrorRate float64 `json:"min_baseline_error_rate"`
	MinErrorSamples      int     `json:"min_error_samples"`
	Cooldown             string  `json:"cooldown"`
}

func toDetectorResponse(c anomaly.Config) DetectorResponse {
	return DetectorResponse{
		Window:               c.Window.String(),
		MinSamples:           c.MinSamples,
		ZThreshold:           c.ZThreshold,
		ErrorWindow:          c.ErrorWindow.String(),
		ErrorRateMultiplier:  c.ErrorRateMultiplier,
		MinBaselineErrorRate: c.MinBaselineErrorRate,
		MinErrorSamples:      c.MinErrorSamples,
		Cooldown:             c.Cooldown.String(),
	}
}
