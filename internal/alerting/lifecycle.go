// internal/alerting/lifecycle.go
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/rules"
)

// Transition names what the lifecycle manager did with an evaluation result.
type Transition string

const (
	TransitionNone         Transition = "none"
	TransitionFired        Transition = "fired"
	TransitionRefreshed    Transition = "refreshed"
	TransitionCleared      Transition = "cleared"
	TransitionSuppressed   Transition = "suppressed"
	TransitionAcknowledged Transition = "acknowledged"
)

// InstanceStore persists alert instances. Lookups return (nil, nil) when nothing matches.
type InstanceStore interface {
	Save(ctx context.Context, a *AlertInstance) error
	Get(ctx context.Context, siteID, alertID string) (*AlertInstance, error)
	ActiveFor(ctx context.Context, ruleID, streamID string) (*AlertInstance, error)
	LatestFor(ctx context.Context, ruleID, streamID string) (*AlertInstance, error)
	ListActive(ctx context.Context, siteID string) ([]*AlertInstance, error)
	ListByRule(ctx context.Context, siteID, ruleID string) ([]*AlertInstance, error)
}

// FireGuard is a cross-process claim on the right to fire a (rule, stream) pair.
// A claim that returns false means another evaluator fired within the cooldown.
type FireGuard interface {
	Claim(ctx context.Context, key string, cooldown time.Duration, now time.Time) (bool, error)
}

// Notifier delivers alert events to the rule's notification channels.
type Notifier interface {
	Notify(ctx context.Context, ev AlertEvent) error
}

// TransitionObserver is told about every lifecycle decision; used for metrics.
type TransitionObserver interface {
	AlertTransition(t Transition, severity rules.Severity)
}

// AlertEvent is what gets dispatched when an alert fires, clears or is acknowledged.
type AlertEvent struct {
	Type       Transition   `json:"type"`
	Alert      InstanceView `json:"alert"`
	Channels   []string     `json:"-"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Manager owns the fire/refresh/clear/acknowledge state machine for alert instances.
// Every decision for one (rule, stream) pair runs under that pair's lock, so the
// cooldown check and the fire that follows it are a single critical section.
type Manager struct {
	store    InstanceStore
	guard    FireGuard
	notifier Notifier
	observer TransitionObserver
	clock    clock.Clock
	log      *slog.Logger
	locks    keyedMutex
}

type ManagerOption func(*Manager)

func WithFireGuard(g FireGuard) ManagerOption { return func(m *Manager) { m.guard = g } }

func WithNotifier(n Notifier) ManagerOption { return func(m *Manager) { m.notifier = n } }

func WithTransitionObserver(o TransitionObserver) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

func NewManager(store InstanceStore, clk clock.Clock, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store: store,
		clock: clk,
		log:   logger.With("component", "alert-lifecycle"),
		locks: keyedMutex{locks: make(map[string]*keyLock)},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func pairKey(ruleID, streamID string) string { return ruleID + "|" + streamID }

// Apply moves the (rule, stream) pair through the state machine given an evaluation result.
//
//	no active + pass + not in cooldown -> fire
//	active + pass                      -> refresh
//	active + fail/no data              -> clear
//	error                              -> nothing
func (m *Manager) Apply(ctx context.Context, rule *rules.AlertRule, streamID string, res rules.Result, now time.Time) (Transition, *AlertInstance, error) {
	if res.Outcome == rules.OutcomeError {
		m.log.Warn("rule evaluation error", "rule_id", rule.ID(), "stream_id", streamID, "reason", res.Reason)
		return TransitionNone, nil, nil
	}

	unlock := m.locks.Lock(pairKey(rule.ID(), streamID))
	defer unlock()

	active, err := m.store.ActiveFor(ctx, rule.ID(), streamID)
	if err != nil {
		return TransitionNone, nil, fmt.Errorf("load active alert: %w", err)
	}

	if !res.Passed() {
		if active == nil {
			return TransitionNone, nil, nil
		}
		if err := active.Clear(now); err != nil {
			return TransitionNone, nil, err
		}
		if err := m.store.Save(ctx, active); err != nil {
			return TransitionNone, nil, fmt.Errorf("save cleared alert: %w", err)
		}
		m.log.Info("alert cleared", "alert_id", active.ID(), "rule_id", rule.ID(), "stream_id", streamID,
			"duration", active.Duration(now).String())
		m.emit(ctx, TransitionCleared, rule, active, now)
		return TransitionCleared, active, nil
	}

	if active != nil {
		if err := active.Refresh(res, now); err != nil {
			return TransitionNone, nil, err
		}
		if err := m.store.Save(ctx, active); err != nil {
			return TransitionNone, nil, fmt.Errorf("save refreshed alert: %w", err)
		}
		m.observe(TransitionRefreshed, rule.Severity())
		return TransitionRefreshed, active, nil
	}

	last, err := m.store.LatestFor(ctx, rule.ID(), streamID)
	if err != nil {
		return TransitionNone, nil, fmt.Errorf("load last alert: %w", err)
	}
	if last != nil && rule.IsInCooldown(last.FiredAt(), now) {
		m.log.Debug("alert suppressed by cooldown", "rule_id", rule.ID(), "stream_id", streamID,
			"last_fired", last.FiredAt())
		m.observe(TransitionSuppressed, rule.Severity())
		return TransitionSuppressed, nil, nil
	}
	if m.guard != nil {
		ok, err := m.guard.Claim(ctx, pairKey(rule.ID(), streamID), rule.Cooldown(), now)
		if err != nil {
			return TransitionNone, nil, fmt.Errorf("claim fire: %w", err)
		}
		if !ok {
			m.observe(TransitionSuppressed, rule.Severity())
			return TransitionSuppressed, nil, nil
		}
	}

	inst, err := Fire(rule, streamID, res, now)
	if err != nil {
		return TransitionNone, nil, err
	}
	if err := m.store.Save(ctx, inst); err != nil {
		return TransitionNone, nil, fmt.Errorf("save fired alert: %w", err)
	}
	m.log.Info("alert fired", "alert_id", inst.ID(), "rule_id", rule.ID(), "stream_id", streamID,
		"severity", rule.Severity(), "value", res.Value, "threshold", res.Threshold)
	m.emit(ctx, TransitionFired, rule, inst, now)
	return TransitionFired, inst, nil
}

// Acknowledge marks an alert as seen by userID. A missing or other-site alert yields
// found=false with no error; acknowledging twice is an invalid operation.
func (m *Manager) Acknowledge(ctx context.Context, siteID, alertID, userID, notes string) (*AlertInstance, bool, error) {
	if userID == "" {
		return nil, false, apperr.Validation("acknowledge: user id is required")
	}
	hit, err := m.store.Get(ctx, siteID, alertID)
	if err != nil {
		return nil, false, err
	}
	if hit == nil {
		return nil, false, nil
	}

	unlock := m.locks.Lock(pairKey(hit.RuleID(), hit.StreamID()))
	defer unlock()

	inst, err := m.store.Get(ctx, siteID, alertID)
	if err != nil || inst == nil {
		return nil, inst != nil, err
	}
	now := m.clock.Now()
	if err := inst.Acknowledge(userID, notes, now); err != nil {
		return nil, true, err
	}
	if err := m.store.Save(ctx, inst); err != nil {
		return nil, true, fmt.Errorf("save acknowledged alert: %w", err)
	}
	m.log.Info("alert acknowledged", "alert_id", inst.ID(), "by", userID)
	m.observe(TransitionAcknowledged, inst.Severity())
	if m.notifier != nil {
		ev := AlertEvent{Type: TransitionAcknowledged, Alert: inst.View(now), Channels: []string{"websocket"}, OccurredAt: now}
		if err := m.notifier.Notify(ctx, ev); err != nil {
			m.log.Warn("acknowledge notification failed", "alert_id", inst.ID(), "err", err)
		}
	}
	return inst, true, nil
}

// ReleaseRule clears the active instances a rule no longer owns: all of them when the
// rule is inactive, otherwise those on streams it no longer binds. It returns how many
// instances were cleared.
func (m *Manager) ReleaseRule(ctx context.Context, rule *rules.AlertRule) (int, error) {
	insts, err := m.store.ListByRule(ctx, rule.SiteID(), rule.ID())
	if err != nil {
		return 0, fmt.Errorf("list alerts for rule %s: %w", rule.ID(), err)
	}
	cleared := 0
	for _, inst := range insts {
		if !inst.IsActive() || (rule.Active() && rule.BindsStream(inst.StreamID())) {
			continue
		}
		ok, err := m.release(ctx, rule, inst.StreamID())
		if err != nil {
			return cleared, err
		}
		if ok {
			cleared++
		}
	}
	return cleared, nil
}

func (m *Manager) release(ctx context.Context, rule *rules.AlertRule, streamID string) (bool, error) {
	unlock := m.locks.Lock(pairKey(rule.ID(), streamID))
	defer unlock()

	active, err := m.store.ActiveFor(ctx, rule.ID(), streamID)
	if err != nil || active == nil {
		return false, err
	}
	now := m.clock.Now()
	if err := active.Clear(now); err != nil {
		return false, err
	}
	if err := m.store.Save(ctx, active); err != nil {
		return false, fmt.Errorf("save released alert: %w", err)
	}
	m.log.Info("alert cleared with its rule binding", "alert_id", active.ID(), "rule_id", rule.ID(),
		"stream_id", streamID, "rule_active", rule.Active())
	m.emit(ctx, TransitionCleared, rule, active, now)
	return true, nil
}

func (m *Manager) Get(ctx context.Context, siteID, alertID string) (*AlertInstance, error) {
	return m.store.Get(ctx, siteID, alertID)
}

func (m *Manager) ListActive(ctx context.Context, siteID string) ([]*AlertInstance, error) {
	return m.store.ListActive(ctx, siteID)
}

func (m *Manager) ListByRule(ctx context.Context, siteID, ruleID string) ([]*AlertInstance, error) {
	return m.store.ListByRule(ctx, siteID, ruleID)
}

func (m *Manager) emit(ctx context.Context, t Transition, rule *rules.AlertRule, inst *AlertInstance, now time.Time) {
	m.observe(t, rule.Severity())
	if m.notifier == nil {
		return
	}
	ev := AlertEvent{Type: t, Alert: inst.View(now), Channels: rule.NotificationChannels(), OccurredAt: now}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.log.Warn("alert notification failed", "alert_id", inst.ID(), "type", t, "err", err)
	}
}

func (m *Manager) observe(t Transition, sev rules.Severity) {
	if m.observer != nil {
		m.observer.AlertTransition(t, sev)
	}
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
