// internal/alerting/evaluator.go
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/rules"
)

// RuleSource yields the rules the evaluator should run.
type RuleSource interface {
	ListActiveRules(ctx context.Context) ([]*rules.AlertRule, error)
	ListActiveRulesForStreams(ctx context.Context, siteID string, streamIDs []string) ([]*rules.AlertRule, error)
}

// ReadingWindow returns a stream's readings in [start, end), oldest first.
type ReadingWindow interface {
	Range(ctx context.Context, streamID string, start, end time.Time, limit int) ([]data.SensorReading, error)
}

// EvaluationObserver is told how long each (rule, stream) evaluation took.
type EvaluationObserver interface {
	RuleEvaluated(ruleType rules.RuleType, outcome rules.Outcome, took time.Duration)
}

// Evaluator runs rules against their streams' recent readings and feeds the
// results into the lifecycle manager.
type Evaluator struct {
	rules    RuleSource
	readings ReadingWindow
	manager  *Manager
	engine   rules.Engine
	clock    clock.Clock
	log      *slog.Logger
	workers  int
	interval time.Duration
	observer EvaluationObserver
}

type EvaluatorConfig struct {
	Workers  int
	Interval time.Duration
}

func NewEvaluator(src RuleSource, readings ReadingWindow, m *Manager, clk clock.Clock, logger *slog.Logger, cfg EvaluatorConfig) *Evaluator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Evaluator{
		rules:    src,
		readings: readings,
		manager:  m,
		clock:    clk,
		log:      logger.With("component", "evaluator"),
		workers:  cfg.Workers,
		interval: cfg.Interval,
	}
}

func (e *Evaluator) SetObserver(o EvaluationObserver) { e.observer = o }

type job struct {
	rule     *rules.AlertRule
	streamID string
}

// EvaluateRule runs one rule over each of its streams at now.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule *rules.AlertRule, now time.Time) error {
	jobs := make([]job, 0, len(rule.StreamIDs()))
	for _, s := range rule.StreamIDs() {
		jobs = append(jobs, job{rule: rule, streamID: s})
	}
	return e.run(ctx, jobs, now)
}

// EvaluateStream runs a single (rule, stream) pair and returns the transition taken.
func (e *Evaluator) EvaluateStream(ctx context.Context, rule *rules.AlertRule, streamID string, now time.Time) (Transition, error) {
	start := time.Now()
	// end is exclusive; include readings stamped exactly at now
	readings, err := e.readings.Range(ctx, streamID, now.Add(-rule.Window()), now.Add(time.Nanosecond), 0)
	if err != nil {
		return TransitionNone, fmt.Errorf("load window for %s: %w", streamID, err)
	}
	res := e.engine.Evaluate(rule, readings, now)
	if e.observer != nil {
		e.observer.RuleEvaluated(rule.Type(), res.Outcome, time.Since(start))
	}
	t, _, err := e.manager.Apply(ctx, rule, streamID, res, now)
	return t, err
}

// Sweep evaluates every active rule at the current clock time.
func (e *Evaluator) Sweep(ctx context.Context) error {
	rs, err := e.rules.ListActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("list active rules: %w", err)
	}
	var jobs []job
	for _, r := range rs {
		for _, s := range r.StreamIDs() {
			jobs = append(jobs, job{rule: r, streamID: s})
		}
	}
	return e.run(ctx, jobs, e.clock.Now())
}

// ReadingsIngested evaluates the active rules bound to streams that just received data.
func (e *Evaluator) ReadingsIngested(ctx context.Context, siteID string, streamIDs []string) {
	if len(streamIDs) == 0 {
		return
	}
	rs, err := e.rules.ListActiveRulesForStreams(ctx, siteID, streamIDs)
	if err != nil {
		e.log.Warn("post-ingest rule lookup failed", "site_id", siteID, "err", err)
		return
	}
	touched := make(map[string]struct{}, len(streamIDs))
	for _, s := range streamIDs {
		touched[s] = struct{}{}
	}
	var jobs []job
	for _, r := range rs {
		for _, s := range r.StreamIDs() {
			if _, ok := touched[s]; ok {
				jobs = append(jobs, job{rule: r, streamID: s})
			}
		}
	}
	if err := e.run(ctx, jobs, e.clock.Now()); err != nil {
		e.log.Warn("post-ingest evaluation failed", "site_id", siteID, "err", err)
	}
}

func (e *Evaluator) run(ctx context.Context, jobs []job, now time.Time) error {
	if len(jobs) == 0 {
		return nil
	}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	sem := make(chan struct{}, e.workers)
	for _, j := range jobs {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(j job) {
			defer func() { <-sem; wg.Done() }()
			if _, err := e.EvaluateStream(ctx, j.rule, j.streamID, now); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("rule %s: %w", j.rule.ID(), err))
				mu.Unlock()
			}
		}(j)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Run sweeps on a ticker until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context) {
	t := time.NewTicker(e.interval)
	defer t.Stop()
	e.log.Info("evaluator started", "interval", e.interval.String(), "workers", e.workers)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("evaluator stopped")
			return
		case <-t.C:
			if err := e.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.log.Error("evaluation sweep failed", "err", err)
			}
		}
	}
}
