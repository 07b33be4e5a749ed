package alert

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Tokenwatch-Signature"

// NotificationKind tags a notification payload.
type NotificationKind string

const (
	KindFiring   NotificationKind = "alert.firing"
	KindResolved NotificationKind = "alert.resolved"
)

// Payload is the body sent to notification targets.
type Payload struct {
	Kind           NotificationKind `json:"kind"`
	EventID        string           `json:"event_id"`
	AlertID        string           `json:"alert_id"`
	AlertName      string           `json:"alert_name"`
	AlertType      string           `json:"alert_type,omitempty"`
	Severity       string           `json:"severity,omitempty"`
	InstanceKey    string           `json:"instance_key"`
	TriggeredAt    string           `json:"triggered_at"`
	ResolvedAt     string           `json:"resolved_at,omitempty"`
	MetricValue    float64          `json:"metric_value"`
	ThresholdValue float64          `json:"threshold_value"`
}

// BuildPayload creates the notification payload for an event.
// This is a PURE function.
func BuildPayload(kind NotificationKind, cfg Config, e Event) Payload {
	p := Payload{
		Kind:           kind,
		EventID:        e.ID,
		AlertID:        cfg.ID,
		AlertName:      cfg.Name,
		AlertType:      cfg.AlertType,
		Severity:       cfg.Severity,
		InstanceKey:    e.InstanceKey,
		TriggeredAt:    e.TriggeredAt.UTC().Format(time.RFC3339),
		MetricValue:    e.MetricValue,
		ThresholdValue: e.ThresholdValue,
	}
	if e.ResolvedAt != nil {
		p.ResolvedAt = e.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return p
}

// SerializePayload serializes a payload to JSON bytes.
// This is a PURE function.
func SerializePayload(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

// SignPayload signs a payload with the target secret using HMAC-SHA256.
// This is a PURE function.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies that a signature matches the payload.
// This is a PURE function.
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ShouldRetry determines if a delivery should be retried based on status code.
// This is a PURE function.
func ShouldRetry(statusCode int) bool {
	return statusCode >= 500 || statusCode == 408 || statusCode == 429
}

// RetryDelay returns the backoff before the given retry attempt (1-based).
// This is a PURE function.
func RetryDelay(attempt int) time.Duration {
	delays := []time.Duration{
		500 * time.Millisecond,
		2 * time.Second,
		5 * time.Second,
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}
