package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status is the evaluator state of one rule instance.
type Status string

const (
	StatusOK      Status = "ok"
	StatusPending Status = "pending"
	StatusFiring  Status = "firing"
)

// State is the in-memory state of one rule instance.
type State struct {
	Status       Status
	PendingSince time.Time // Set while PENDING or FIRING
	EventID      string    // Open event while FIRING
}

// Action is what the evaluator must do after a step.
type Action int

const (
	ActionNone    Action = iota
	ActionPending        // condition started holding; nothing is recorded
	ActionDiscard        // PENDING stopped holding; nothing is recorded
	ActionFire           // create an event and notify
	ActionResolve        // close the open event
)

func (a Action) String() string {
	switch a {
	case ActionPending:
		return "pending"
	case ActionDiscard:
		return "discard"
	case ActionFire:
		return "fire"
	case ActionResolve:
		return "resolve"
	}
	return "none"
}

// Step advances the state machine by one evaluation.
// holds is the combined condition at now; duration is the rule's debounce.
// A zero duration fires on the first evaluation that holds.
// This is a PURE function.
func Step(s State, holds bool, now time.Time, duration time.Duration) (State, Action) {
	switch s.Status {
	case StatusFiring:
		if holds {
			return s, ActionNone
		}
		return State{Status: StatusOK}, ActionResolve

	case StatusPending:
		if !holds {
			return State{Status: StatusOK}, ActionDiscard
		}
		if now.Sub(s.PendingSince) >= duration {
			s.Status = StatusFiring
			return s, ActionFire
		}
		return s, ActionNone

	default:
		if !holds {
			return State{Status: StatusOK}, ActionNone
		}
		if duration <= 0 {
			return State{Status: StatusFiring, PendingSince: now}, ActionFire
		}
		return State{Status: StatusPending, PendingSince: now}, ActionPending
	}
}

// NotificationStatus records the outcome of dispatching an event.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
	NotificationNone      NotificationStatus = "none" // rule has no targets
)

// Event is one FIRING occurrence of a rule instance.
type Event struct {
	ID                 string
	AlertID            string
	InstanceKey        string
	TriggeredAt        time.Time
	ResolvedAt         *time.Time
	MetricValue        float64
	ThresholdValue     float64
	Acknowledged       bool
	NotificationStatus NotificationStatus
	NotificationError  string
}

// Open reports whether the event has not been resolved.
func (e Event) Open() bool {
	return e.ResolvedAt == nil
}

// Delivered reports whether every notification succeeded.
func (e Event) Delivered() bool {
	return e.NotificationStatus == NotificationDelivered || e.NotificationStatus == NotificationNone
}

// NewEvent creates the event recorded on ActionFire.
// This is a PURE function.
func NewEvent(id string, cfg Config, instanceKey string, trigger Result, now time.Time) Event {
	status := NotificationPending
	if len(cfg.NotifyTargets) == 0 {
		status = NotificationNone
	}
	return Event{
		ID:                 id,
		AlertID:            cfg.ID,
		InstanceKey:        instanceKey,
		TriggeredAt:        now,
		MetricValue:        trigger.Actual,
		ThresholdValue:     trigger.Threshold.Value,
		NotificationStatus: status,
	}
}

// ResolveEvent returns e closed at the given time. Closing twice keeps the first time.
// This is a PURE function.
func ResolveEvent(e Event, at time.Time) Event {
	if e.ResolvedAt != nil {
		return e
	}
	e.ResolvedAt = &at
	return e
}

// EventFilter selects stored events.
type EventFilter struct {
	AlertID  string
	Resolved *bool
	Limit    int
	Offset   int
}

// Matches reports whether e satisfies the filter.
func (f EventFilter) Matches(e Event) bool {
	if f.AlertID != "" && f.AlertID != e.AlertID {
		return false
	}
	if f.Resolved != nil && *f.Resolved == e.Open() {
		return false
	}
	return true
}

// DispatchError collects per-target notification failures for one event.
type DispatchError struct {
	EventID  string
	Failures map[string]error // keyed by NotifyTarget.Name
}

func (e *DispatchError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failures[name])
	}
	return fmt.Sprintf("alert event %s: notification failed: %s", e.EventID, strings.Join(parts, "; "))
}
