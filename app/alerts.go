package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/artpar/tokenwatch/adapters/metrics"
	"github.com/artpar/tokenwatch/domain/alert"
	"github.com/artpar/tokenwatch/domain/metric"
	"github.com/artpar/tokenwatch/domain/usage"
	"github.com/artpar/tokenwatch/ports"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"
)

// instance is the evaluator state of one (rule, group) pair.
type instance struct {
	alertID string
	group   string
	state   alert.State
}

type compiledCondition struct {
	source  string
	program *vm.Program
}

// AlertService manages alert rules and evaluates them on every tick.
// All evaluator state is guarded by mu. Notifications are delivered after
// mu is released.
type AlertService struct {
	configs   ports.AlertConfigStore
	events    ports.AlertEventStore
	metrics   ports.MetricStore
	notifiers map[alert.TargetType]ports.Notifier
	ids       ports.IDGenerator
	clock     ports.Clock
	collector *metrics.Collector
	logger    zerolog.Logger

	mu         sync.Mutex
	instances  map[string]*instance // by instance key
	conditions map[string]compiledCondition
}

// NewAlertService creates a new alert service.
func NewAlertService(
	configs ports.AlertConfigStore,
	events ports.AlertEventStore,
	metricStore ports.MetricStore,
	notifiers map[alert.TargetType]ports.Notifier,
	ids ports.IDGenerator,
	clock ports.Clock,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *AlertService {
	return &AlertService{
		configs:    configs,
		events:     events,
		metrics:    metricStore,
		notifiers:  notifiers,
		ids:        ids,
		clock:      clock,
		collector:  collector,
		logger:     logger.With().Str("service", "alerts").Logger(),
		instances:  make(map[string]*instance),
		conditions: make(map[string]compiledCondition),
	}
}

// -----------------------------------------------------------------------------
// Rule management
// -----------------------------------------------------------------------------

// conditionEnv declares every metric name as a float variable.
func conditionEnv() map[string]any {
	env := make(map[string]any, len(alert.AllMetrics()))
	for _, m := range alert.AllMetrics() {
		env[string(m)] = 0.0
	}
	return env
}

// CompileCondition checks that source is a boolean expression over metric names.
func CompileCondition(source string) (*vm.Program, error) {
	program, err := expr.Compile(source, expr.Env(conditionEnv()), expr.AsBool())
	if err != nil {
		return nil, &metric.ValidationError{Field: "condition", Reason: err.Error()}
	}
	return program, nil
}

func (s *AlertService) prepare(c alert.Config) (alert.Config, error) {
	c = alert.Normalize(c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	if c.Condition != "" {
		if _, err := CompileCondition(c.Condition); err != nil {
			return c, err
		}
	}
	return c, nil
}

// CreateConfig validates and stores a new rule.
func (s *AlertService) CreateConfig(ctx context.Context, c alert.Config) (alert.Config, error) {
	c, err := s.prepare(c)
	if err != nil {
		return alert.Config{}, err
	}
	now := s.clock.Now()
	c.ID = s.ids.New()
	c.CreatedAt, c.UpdatedAt = now, now

	if err := s.configs.Create(ctx, c); err != nil {
		return alert.Config{}, fmt.Errorf("create alert config: %w", err)
	}
	s.logger.Info().Str("alert_id", c.ID).Str("name", c.Name).Msg("alert config created")
	return c, nil
}

// UpdateConfig replaces a rule. Pending instances restart their debounce;
// firing instances keep their open event.
func (s *AlertService) UpdateConfig(ctx context.Context, id string, c alert.Config) (alert.Config, error) {
	existing, err := s.configs.Get(ctx, id)
	if err != nil {
		return alert.Config{}, err
	}
	c, err = s.prepare(c)
	if err != nil {
		return alert.Config{}, err
	}
	c.ID = id
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.clock.Now()

	if err := s.configs.Update(ctx, c); err != nil {
		return alert.Config{}, err
	}

	s.mu.Lock()
	delete(s.conditions, id)
	for key, inst := range s.instances {
		if inst.alertID == id && inst.state.Status == alert.StatusPending {
			delete(s.instances, key)
		}
	}
	s.mu.Unlock()

	s.logger.Info().Str("alert_id", id).Msg("alert config updated")
	return c, nil
}

// DeleteConfig removes a rule and resolves its open events. Events are kept.
func (s *AlertService) DeleteConfig(ctx context.Context, id string) error {
	if err := s.configs.Delete(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conditions, id)
	now := s.clock.Now()
	for key, inst := range s.instances {
		if inst.alertID != id {
			continue
		}
		if inst.state.Status == alert.StatusFiring {
			if err := s.events.Resolve(ctx, inst.state.EventID, now); err != nil {
				s.logger.Warn().Err(err).Str("event_id", inst.state.EventID).Msg("failed to resolve event of deleted alert")
			}
		}
		delete(s.instances, key)
	}
	s.updateFiringGauge()

	s.logger.Info().Str("alert_id", id).Msg("alert config deleted")
	return nil
}

// GetConfig returns a rule.
func (s *AlertService) GetConfig(ctx context.Context, id string) (alert.Config, error) {
	return s.configs.Get(ctx, id)
}

// ListConfigs returns every rule.
func (s *AlertService) ListConfigs(ctx context.Context) ([]alert.Config, error) {
	return s.configs.List(ctx)
}

// ListEvents returns stored events.
func (s *AlertService) ListEvents(ctx context.Context, f alert.EventFilter) ([]alert.Event, int, error) {
	return s.events.List(ctx, f)
}

// Acknowledge marks an event as seen. Acknowledging a firing event resolves
// it and returns its instance to OK.
func (s *AlertService) Acknowledge(ctx context.Context, eventID string) (alert.Event, error) {
	e, err := s.events.Acknowledge(ctx, eventID)
	if err != nil {
		return alert.Event{}, err
	}
	if !e.Open() {
		return e, nil
	}

	if err := s.events.Resolve(ctx, e.ID, s.clock.Now()); err != nil {
		return alert.Event{}, err
	}

	s.mu.Lock()
	if inst, ok := s.instances[e.InstanceKey]; ok && inst.state.EventID == e.ID {
		delete(s.instances, e.InstanceKey)
	}
	s.updateFiringGauge()
	s.mu.Unlock()

	s.logger.Info().Str("event_id", e.ID).Str("alert_id", e.AlertID).Msg("alert event acknowledged")
	return s.events.Get(ctx, e.ID)
}

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// Restore rebuilds FIRING state from open events so a restart does not
// fire the same condition twice.
func (s *AlertService) Restore(ctx context.Context) error {
	open, err := s.events.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list open alert events: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range open {
		s.instances[e.InstanceKey] = &instance{
			alertID: e.AlertID,
			group:   groupOf(e.AlertID, e.InstanceKey),
			state: alert.State{
				Status:       alert.StatusFiring,
				PendingSince: e.TriggeredAt,
				EventID:      e.ID,
			},
		}
	}
	s.updateFiringGauge()

	s.logger.Info().Int("open_events", len(open)).Msg("alert state restored")
	return nil
}

func groupOf(alertID, instanceKey string) string {
	if len(instanceKey) > len(alertID)+1 {
		return instanceKey[len(alertID)+1:]
	}
	return ""
}

// State returns the evaluator state of an instance.
func (s *AlertService) State(instanceKey string) alert.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst, ok := s.instances[instanceKey]; ok {
		return inst.state
	}
	return alert.State{Status: alert.StatusOK}
}

// Evaluate runs one tick over every enabled rule.
func (s *AlertService) Evaluate(ctx context.Context) error {
	configs, err := s.configs.List(ctx)
	if err != nil {
		return fmt.Errorf("list alert configs: %w", err)
	}

	s.mu.Lock()
	now := s.clock.Now()
	var (
		errs    []error
		pending []notification
	)
	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		notes, err := s.evaluateConfig(ctx, c, now)
		pending = append(pending, notes...)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", c.ID, err))
		}
	}
	s.updateFiringGauge()
	s.mu.Unlock()

	// Delivery can retry for a long time and must not hold mu.
	for _, n := range pending {
		s.dispatch(ctx, n.config, n.event, n.kind)
	}
	return errors.Join(errs...)
}

// notification is a delivery decided during evaluation.
type notification struct {
	config alert.Config
	event  alert.Event
	kind   alert.NotificationKind
}

func (s *AlertService) evaluateConfig(ctx context.Context, c alert.Config, now time.Time) ([]notification, error) {
	rows, _, err := s.metrics.Query(ctx, metric.Query{
		Start:  now.Add(-c.Window()),
		Filter: c.Filters.MetricFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}

	groups := alert.Partition(c.GroupBy, rows)

	// Instances with state but no rows in this window still step, with empty values.
	for _, inst := range s.instances {
		if inst.alertID == c.ID {
			if _, ok := groups[inst.group]; !ok {
				groups[inst.group] = nil
			}
		}
	}

	var (
		errs  []error
		notes []notification
	)
	for _, group := range alert.SortedKeys(groups) {
		values := alert.Values(usage.Summarize(groups[group]))
		results := alert.EvaluateThresholds(c.Thresholds, values)

		holds, err := s.holds(c, results, values)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		note, err := s.step(ctx, c, group, holds, results, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if note != nil && len(c.NotifyTargets) > 0 {
			notes = append(notes, *note)
		}
	}
	return notes, errors.Join(errs...)
}

// holds combines threshold results, or evaluates the rule's condition when set.
func (s *AlertService) holds(c alert.Config, results []alert.Result, values map[alert.Metric]float64) (bool, error) {
	if c.Condition == "" {
		return alert.Combine(c.Match, results), nil
	}

	cc, ok := s.conditions[c.ID]
	if !ok || cc.source != c.Condition {
		program, err := CompileCondition(c.Condition)
		if err != nil {
			return false, err
		}
		cc = compiledCondition{source: c.Condition, program: program}
		s.conditions[c.ID] = cc
	}

	env := make(map[string]any, len(values))
	for m, v := range values {
		env[string(m)] = v
	}
	out, err := expr.Run(cc.program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition: %w", err)
	}
	b, _ := out.(bool)
	return b, nil
}

// step advances one instance. It must be called with mu held and returns
// the notification to deliver once mu is released.
func (s *AlertService) step(ctx context.Context, c alert.Config, group string, holds bool, results []alert.Result, now time.Time) (*notification, error) {
	key := alert.InstanceKey(c.ID, group)
	inst, ok := s.instances[key]
	if !ok {
		inst = &instance{alertID: c.ID, group: group, state: alert.State{Status: alert.StatusOK}}
	}

	next, action := alert.Step(inst.state, holds, now, c.Duration())
	if action != alert.ActionNone {
		s.collector.AlertTransitions.WithLabelValues(action.String()).Inc()
	}

	var note *notification
	switch action {
	case alert.ActionFire:
		e := alert.NewEvent(s.ids.New(), c, key, alert.Trigger(results), now)
		if err := s.events.Create(ctx, e); err != nil {
			// Stay pending; the next tick fires again.
			return nil, fmt.Errorf("create event: %w", err)
		}
		next.EventID = e.ID
		s.logger.Warn().
			Str("alert_id", c.ID).
			Str("instance", key).
			Str("event_id", e.ID).
			Float64("value", e.MetricValue).
			Float64("threshold", e.ThresholdValue).
			Msg("alert firing")
		note = &notification{config: c, event: e, kind: alert.KindFiring}

	case alert.ActionResolve:
		if err := s.events.Resolve(ctx, inst.state.EventID, now); err != nil && !errors.Is(err, alert.ErrNotFound) {
			return nil, fmt.Errorf("resolve event: %w", err)
		}
		s.logger.Info().Str("alert_id", c.ID).Str("instance", key).Msg("alert resolved")
		if e, err := s.events.Get(ctx, inst.state.EventID); err == nil {
			note = &notification{config: c, event: e, kind: alert.KindResolved}
		}
	}

	if next.Status == alert.StatusOK {
		delete(s.instances, key)
		return note, nil
	}
	inst.state = next
	s.instances[key] = inst
	return note, nil
}

// dispatch notifies every target of c. The outcome of firing notifications
// is recorded on the event.
func (s *AlertService) dispatch(ctx context.Context, c alert.Config, e alert.Event, kind alert.NotificationKind) {
	if len(c.NotifyTargets) == 0 {
		return
	}

	payload := alert.BuildPayload(kind, c, e)
	failures := make(map[string]error)
	for _, t := range c.NotifyTargets {
		n, ok := s.notifiers[t.Type]
		if !ok {
			failures[t.Name()] = fmt.Errorf("no notifier for target type %s", t.Type)
			continue
		}
		if err := n.Notify(ctx, t, payload); err != nil {
			failures[t.Name()] = err
			s.collector.NotificationsFailed.WithLabelValues(string(t.Type)).Inc()
		}
	}

	if kind != alert.KindFiring {
		return
	}

	status, msg := alert.NotificationDelivered, ""
	if len(failures) > 0 {
		derr := &alert.DispatchError{EventID: e.ID, Failures: failures}
		status, msg = alert.NotificationFailed, derr.Error()
		s.logger.Error().Err(derr).Str("alert_id", c.ID).Msg("alert notification failed")
	}
	if err := s.events.SetNotification(ctx, e.ID, status, msg); err != nil {
		s.logger.Error().Err(err).Str("event_id", e.ID).Msg("failed to record notification outcome")
	}
}

func (s *AlertService) updateFiringGauge() {
	var firing int
	for _, inst := range s.instances {
		if inst.state.Status == alert.StatusFiring {
			firing++
		}
	}
	s.collector.AlertsFiring.Set(float64(firing))
}

// FiringInstances returns the keys of firing instances in order.
func (s *AlertService) FiringInstances() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, inst := range s.instances {
		if inst.state.Status == alert.StatusFiring {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
