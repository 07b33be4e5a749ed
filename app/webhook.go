package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/rs/zerolog"
)

// WebhookNotifier delivers alert payloads over HTTP POST, signed with the
// target secret. Retryable responses are retried with backoff.
type WebhookNotifier struct {
	client      *http.Client
	logger      zerolog.Logger
	maxAttempts int
	delay       func(attempt int) time.Duration
}

// WebhookNotifierConfig contains configuration for WebhookNotifier.
type WebhookNotifierConfig struct {
	Timeout     time.Duration // Per attempt
	MaxAttempts int
}

// NewWebhookNotifier creates a new webhook notifier.
func NewWebhookNotifier(cfg WebhookNotifierConfig, logger zerolog.Logger) *WebhookNotifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &WebhookNotifier{
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger.With().Str("notifier", "webhook").Logger(),
		maxAttempts: cfg.MaxAttempts,
		delay:       alert.RetryDelay,
	}
}

// Notify posts the payload to the target URL.
func (n *WebhookNotifier) Notify(ctx context.Context, target alert.NotifyTarget, payload alert.Payload) error {
	body, err := alert.SerializePayload(payload)
	if err != nil {
		return fmt.Errorf("serialize payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(n.delay(attempt - 1)):
			}
		}

		status, err := n.send(ctx, target, payload, body)
		if err == nil {
			n.logger.Debug().
				Str("url", target.URL).
				Str("event_id", payload.EventID).
				Int("attempt", attempt).
				Msg("alert notification delivered")
			return nil
		}
		lastErr = err

		if status != 0 && !alert.ShouldRetry(status) {
			break
		}
		n.logger.Warn().Err(err).
			Str("url", target.URL).
			Int("attempt", attempt).
			Msg("alert notification attempt failed")
	}
	return lastErr
}

// send performs one delivery attempt. status is 0 when no response arrived.
func (n *WebhookNotifier) send(ctx context.Context, target alert.NotifyTarget, payload alert.Payload, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Tokenwatch-Alert/1.0")
	req.Header.Set("X-Tokenwatch-Event", string(payload.Kind))
	req.Header.Set("X-Tokenwatch-Event-ID", payload.EventID)
	if target.Secret != "" {
		req.Header.Set(alert.SignatureHeader, alert.SignPayload(body, target.Secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// LogNotifier writes alert payloads to the service log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a new log notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("notifier", "log").Logger()}
}

// Notify logs the payload at warn level.
func (n *LogNotifier) Notify(ctx context.Context, target alert.NotifyTarget, payload alert.Payload) error {
	n.logger.Warn().
		Str("kind", string(payload.Kind)).
		Str("alert_id", payload.AlertID).
		Str("alert_name", payload.AlertName).
		Str("instance", payload.InstanceKey).
		Str("severity", payload.Severity).
		Float64("metric_value", payload.MetricValue).
		Float64("threshold_value", payload.ThresholdValue).
		Msg("alert notification")
	return nil
}
