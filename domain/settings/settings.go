// Package settings provides value types for runtime settings.
// Settings are stored in the database and own the active retention and
// sampling policies once the service has booted.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/tokenwatch/domain/policy"
)

// ErrNotFound is returned when a setting does not exist.
var ErrNotFound = errors.New("setting not found")

// Setting represents a single stored setting (immutable value type).
type Setting struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// Settings is a collection of settings with helper methods.
type Settings map[string]string

// Get returns a setting value or empty string if not found.
func (s Settings) Get(key string) string {
	return s[key]
}

// GetOrDefault returns a setting value or the default if not found.
func (s Settings) GetOrDefault(key, defaultValue string) string {
	if v, ok := s[key]; ok && v != "" {
		return v
	}
	return defaultValue
}

// Setting keys
const (
	KeyRetentionPolicy = "policy.retention" // JSON policy.Retention
	KeySamplingPolicy  = "policy.sampling"  // JSON policy.Sampling
)

// EncodePolicies renders a policy snapshot as settings.
// This is a PURE function.
func EncodePolicies(snap policy.Snapshot) (Settings, error) {
	retention, err := json.Marshal(snap.Retention)
	if err != nil {
		return nil, fmt.Errorf("encode retention policy: %w", err)
	}
	sampling, err := json.Marshal(snap.Sampling)
	if err != nil {
		return nil, fmt.Errorf("encode sampling policy: %w", err)
	}
	return Settings{
		KeyRetentionPolicy: string(retention),
		KeySamplingPolicy:  string(sampling),
	}, nil
}

// DecodePolicies reads the policy snapshot from settings.
// Policies missing from s keep their value in fallback.
// ok is false when s carries neither policy.
// This is a PURE function.
func DecodePolicies(s Settings, fallback policy.Snapshot) (snap policy.Snapshot, ok bool, err error) {
	snap = fallback
	if v := s.Get(KeyRetentionPolicy); v != "" {
		ok = true
		if err := json.Unmarshal([]byte(v), &snap.Retention); err != nil {
			return fallback, false, fmt.Errorf("decode %s: %w", KeyRetentionPolicy, err)
		}
	}
	if v := s.Get(KeySamplingPolicy); v != "" {
		ok = true
		snap.Sampling = policy.Sampling{}
		if err := json.Unmarshal([]byte(v), &snap.Sampling); err != nil {
			return fallback, false, fmt.Errorf("decode %s: %w", KeySamplingPolicy, err)
		}
	}
	return snap, ok, nil
}
