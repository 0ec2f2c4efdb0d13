package alerting_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/rules"
	"harvestry-telemetry/internal/storage"
)

type evalFixture struct {
	ctx      context.Context
	clk      *clock.Manual
	readings *storage.ReadingStore
	rules    *storage.RuleStore
	alerts   *storage.AlertStore
	eval     *alerting.Evaluator
}

func newEvalFixture(t *testing.T) *evalFixture {
	t.Helper()
	f := &evalFixture{
		ctx:      context.Background(),
		clk:      clock.NewManual(t0),
		readings: storage.NewReadingStore(0),
		rules:    storage.NewRuleStore(),
		alerts:   storage.NewAlertStore(),
	}
	m := alerting.NewManager(f.alerts, f.clk, discard())
	f.eval = alerting.NewEvaluator(f.rules, f.readings, m, f.clk, discard(), alerting.EvaluatorConfig{Workers: 4})
	return f
}

func (f *evalFixture) add(t *testing.T, stream string, ago time.Duration, v float64, q data.QualityCode) {
	t.Helper()
	r := data.SensorReading{Time: f.clk.Now().Add(-ago), StreamID: stream, SiteID: "site-1", Value: v, Quality: q}
	if err := f.readings.Append(f.ctx, r); err != nil {
		t.Fatalf("append: %v", err)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[rules.Outcome]int
}

func (o *countingObserver) RuleEvaluated(_ rules.RuleType, out rules.Outcome, _ time.Duration) {
	o.mu.Lock()
	o.outcomes[out]++
	o.mu.Unlock()
}

func TestEvaluateStreamUsesWindow(t *testing.T) {
	f := newEvalFixture(t)
	rule := hotRule(t, 15)

	// outside the 5 minute window; must not count
	f.add(t, "temp-1", 10*time.Minute, 90, data.QualityGood)
	f.add(t, "temp-1", 2*time.Minute, 25, data.QualityGood)
	f.add(t, "temp-1", 0, 27, data.QualityGood)

	tr, err := f.eval.EvaluateStream(f.ctx, rule, "temp-1", f.clk.Now())
	if err != nil || tr != alerting.TransitionNone {
		t.Fatalf("cool window: %s %v", tr, err)
	}

	f.clk.Advance(time.Minute)
	f.add(t, "temp-1", 0, 60, data.QualityGood)
	tr, err = f.eval.EvaluateStream(f.ctx, rule, "temp-1", f.clk.Now())
	if err != nil || tr != alerting.TransitionFired {
		t.Fatalf("hot reading stamped at now: %s %v", tr, err)
	}
}

func TestEvaluateIgnoresBadQuality(t *testing.T) {
	f := newEvalFixture(t)
	rule := hotRule(t, 15)
	f.add(t, "temp-1", time.Minute, 500, data.QualityBadOutOfRange)
	f.add(t, "temp-1", 0, 20, data.QualityGood)
	tr, _ := f.eval.EvaluateStream(f.ctx, rule, "temp-1", f.clk.Now())
	if tr != alerting.TransitionNone {
		t.Fatalf("bad reading influenced evaluation: %s", tr)
	}
}

func TestSweepEvaluatesEveryBoundStream(t *testing.T) {
	f := newEvalFixture(t)
	v := 30.0
	rule, err := rules.NewAlertRule(rules.RuleParams{
		SiteID:    "site-1",
		Type:      rules.TypeThresholdAbove,
		Threshold: rules.ThresholdConfig{Value: &v},
		RuleDetails: rules.RuleDetails{
			Name:                    "hot",
			StreamIDs:               []string{"temp-1", "temp-2", "temp-3"},
			EvaluationWindowMinutes: 5,
			CooldownMinutes:         15,
			NotificationChannels:    []string{"log"},
		},
	}, "tester", t0)
	if err != nil {
		t.Fatal(err)
	}
	f.rules.Save(f.ctx, rule)

	inactive := hotRule(t, 15)
	inactive.Deactivate("tester", t0)
	f.rules.Save(f.ctx, inactive)

	f.add(t, "temp-1", 0, 40, data.QualityGood)
	f.add(t, "temp-2", 0, 20, data.QualityGood)

	obs := &countingObserver{outcomes: map[rules.Outcome]int{}}
	f.eval.SetObserver(obs)
	if err := f.eval.Sweep(f.ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	active, _ := f.alerts.ListActive(f.ctx, "site-1")
	if len(active) != 1 || active[0].StreamID() != "temp-1" || active[0].RuleID() != rule.ID() {
		t.Fatalf("active = %d", len(active))
	}
	if obs.outcomes[rules.OutcomePass] != 1 || obs.outcomes[rules.OutcomeFail] != 1 || obs.outcomes[rules.OutcomeNoData] != 1 {
		t.Fatalf("outcomes = %v", obs.outcomes)
	}
}

func TestReadingsIngestedOnlyTouchedStreams(t *testing.T) {
	f := newEvalFixture(t)
	v := 30.0
	rule, _ := rules.NewAlertRule(rules.RuleParams{
		SiteID:    "site-1",
		Type:      rules.TypeThresholdAbove,
		Threshold: rules.ThresholdConfig{Value: &v},
		RuleDetails: rules.RuleDetails{
			Name:                    "hot",
			StreamIDs:               []string{"temp-1", "temp-2"},
			EvaluationWindowMinutes: 5,
			CooldownMinutes:         15,
			NotificationChannels:    []string{"log"},
		},
	}, "tester", t0)
	f.rules.Save(f.ctx, rule)

	f.add(t, "temp-1", 0, 40, data.QualityGood)
	f.add(t, "temp-2", 0, 40, data.QualityGood)

	f.eval.ReadingsIngested(f.ctx, "site-1", []string{"temp-2"})
	active, _ := f.alerts.ListActive(f.ctx, "site-1")
	if len(active) != 1 || active[0].StreamID() != "temp-2" {
		t.Fatalf("active = %v", len(active))
	}

	f.eval.ReadingsIngested(f.ctx, "site-9", []string{"temp-1"})
	active, _ = f.alerts.ListActive(f.ctx, "site-1")
	if len(active) != 1 {
		t.Fatalf("other site's ingest evaluated site-1 rules")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newEvalFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.eval.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
