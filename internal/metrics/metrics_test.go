package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/rules"
)

func TestCountersByLabel(t *testing.T) {
	m := New()
	m.ReadingAccepted(data.QualityGood)
	m.ReadingAccepted(data.QualityGood)
	m.ReadingAccepted(data.QualityBadFutureTimestamp)
	m.ReadingRejected(data.ErrTypeDuplicate)
	m.RuleEvaluated(rules.TypeThresholdAbove, rules.OutcomePass, 3*time.Millisecond)
	m.AlertTransition(alerting.TransitionFired, rules.SeverityCritical)

	if got := testutil.ToFloat64(m.readingsAccepted.WithLabelValues("good")); got != 2 {
		t.Fatalf("accepted good = %v", got)
	}
	if got := testutil.ToFloat64(m.readingsAccepted.WithLabelValues("bad_future_timestamp")); got != 1 {
		t.Fatalf("accepted future = %v", got)
	}
	if got := testutil.ToFloat64(m.readingsRejected.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("rejected duplicate = %v", got)
	}
	if got := testutil.ToFloat64(m.evaluations.WithLabelValues("threshold_above", "pass")); got != 1 {
		t.Fatalf("evaluations = %v", got)
	}
	if got := testutil.ToFloat64(m.alerts.WithLabelValues("fired", "critical")); got != 1 {
		t.Fatalf("alerts = %v", got)
	}
}
