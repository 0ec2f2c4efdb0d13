package alerting

import (
	"errors"
	"testing"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/rules"
)

var base = time.Date(2024, 8, 20, 9, 0, 0, 0, time.UTC)

func testRule(t *testing.T) *rules.AlertRule {
	t.Helper()
	v := 10.0
	r, err := rules.NewAlertRule(rules.RuleParams{
		SiteID:    "site-1",
		Type:      rules.TypeThresholdBelow,
		Threshold: rules.ThresholdConfig{Value: &v},
		RuleDetails: rules.RuleDetails{
			Name:                    "cold",
			StreamIDs:               []string{"s1"},
			EvaluationWindowMinutes: 5,
			CooldownMinutes:         5,
			NotificationChannels:    []string{"log"},
		},
	}, "tester", base)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	return r
}

func TestFireRequiresPass(t *testing.T) {
	r := testRule(t)
	if _, err := Fire(r, "s1", rules.Fail(12, 1), base); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Fatalf("fire on fail: %v", err)
	}
	if _, err := Fire(r, " ", rules.Pass(5, 10, 1, ""), base); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Fatalf("fire without stream: %v", err)
	}
	a, err := Fire(r, "s1", rules.Pass(5, 10, 2, "cold"), base)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !a.IsActive() || a.IsAcknowledged() || a.SiteID() != "site-1" || a.Severity() != rules.SeverityWarning {
		t.Fatalf("instance = %+v", a.View(base))
	}
	if v := a.View(base); v.Metadata["rule_type"] != string(rules.TypeThresholdBelow) || v.Metadata["sample_count"] != "2" {
		t.Fatalf("metadata = %v", v.Metadata)
	}
}

func TestClearTwiceIsInvalid(t *testing.T) {
	a, _ := Fire(testRule(t), "s1", rules.Pass(5, 10, 1, ""), base)
	if err := a.Clear(base.Add(time.Minute)); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := a.Clear(base.Add(2 * time.Minute)); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Fatalf("second clear: %v", err)
	}
	if at, ok := a.ClearedAt(); !ok || !at.Equal(base.Add(time.Minute)) {
		t.Fatalf("cleared at = %v", at)
	}
	if err := a.Refresh(rules.Pass(4, 10, 1, ""), base.Add(3*time.Minute)); !errors.Is(err, apperr.ErrInvalidOperation) {
		t.Fatalf("refresh after clear: %v", err)
	}
}

func TestDuration(t *testing.T) {
	a, _ := Fire(testRule(t), "s1", rules.Pass(5, 10, 1, ""), base)
	if d := a.Duration(base.Add(10 * time.Minute)); d != 10*time.Minute {
		t.Fatalf("active duration = %v", d)
	}
	a.Clear(base.Add(4 * time.Minute))
	if d := a.Duration(base.Add(10 * time.Minute)); d != 4*time.Minute {
		t.Fatalf("cleared duration = %v", d)
	}
}

func TestAcknowledgeClearedAlert(t *testing.T) {
	a, _ := Fire(testRule(t), "s1", rules.Pass(5, 10, 1, ""), base)
	a.Clear(base.Add(time.Minute))
	if err := a.Acknowledge("ops", "", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("acknowledging a cleared alert: %v", err)
	}
	if a.IsActive() {
		t.Fatalf("acknowledge reactivated alert")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a, _ := Fire(testRule(t), "s1", rules.Pass(5, 10, 1, ""), base)
	c := a.Clone()
	c.Clear(base.Add(time.Minute))
	c.metadata["x"] = "y"
	if !a.IsActive() || a.metadata["x"] != "" {
		t.Fatalf("clone shares state")
	}
}
