// internal/rules/threshold.go
package rules

import (
	"math"

	"harvestry-telemetry/internal/apperr"
)

// RuleType selects the evaluation algorithm of an alert rule.
type RuleType string

const (
	TypeThresholdAbove    RuleType = "threshold_above"
	TypeThresholdBelow    RuleType = "threshold_below"
	TypeThresholdRange    RuleType = "threshold_range"
	TypeDeviationPercent  RuleType = "deviation_percent"
	TypeDeviationAbsolute RuleType = "deviation_absolute"
	TypeRateOfChange      RuleType = "rate_of_change"
)

// Threshold is the closed set of rule conditions. Each variant dispatches through
// thresholdVisitor, so adding a variant does not compile until every visitor handles it.
type Threshold interface {
	Type() RuleType
	Validate() error
	Config() ThresholdConfig
	accept(v thresholdVisitor) Result
}

type thresholdVisitor interface {
	visitAbove(AboveThreshold) Result
	visitBelow(BelowThreshold) Result
	visitRange(RangeThreshold) Result
	visitDeviationPercent(DeviationPercentThreshold) Result
	visitDeviationAbsolute(DeviationAbsoluteThreshold) Result
	visitRateOfChange(RateOfChangeThreshold) Result
}

// ThresholdConfig is the wire shape of a threshold; which fields apply depends on the rule type.
type ThresholdConfig struct {
	Value     *float64 `json:"value,omitempty" mapstructure:"value"`
	Min       *float64 `json:"min,omitempty" mapstructure:"min"`
	Max       *float64 `json:"max,omitempty" mapstructure:"max"`
	Percent   *float64 `json:"percent,omitempty" mapstructure:"percent"`
	Amount    *float64 `json:"amount,omitempty" mapstructure:"amount"`
	Baseline  *float64 `json:"baseline,omitempty" mapstructure:"baseline"`
	PerMinute *float64 `json:"per_minute,omitempty" mapstructure:"per_minute"`
}

type AboveThreshold struct{ Value float64 }

func (t AboveThreshold) Type() RuleType { return TypeThresholdAbove }
func (t AboveThreshold) Validate() error { return finite("value", t.Value) }
func (t AboveThreshold) Config() ThresholdConfig { return ThresholdConfig{Value: ptr(t.Value)} }
func (t AboveThreshold) accept(v thresholdVisitor) Result { return v.visitAbove(t) }

type BelowThreshold struct{ Value float64 }

func (t BelowThreshold) Type() RuleType { return TypeThresholdBelow }
func (t BelowThreshold) Validate() error { return finite("value", t.Value) }
func (t BelowThreshold) Config() ThresholdConfig { return ThresholdConfig{Value: ptr(t.Value)} }
func (t BelowThreshold) accept(v thresholdVisitor) Result { return v.visitBelow(t) }

type RangeThreshold struct{ Min, Max float64 }

func (t RangeThreshold) Type() RuleType { return TypeThresholdRange }
func (t RangeThreshold) Validate() error {
	if err := finite("min", t.Min); err != nil {
		return err
	}
	if err := finite("max", t.Max); err != nil {
		return err
	}
	if t.Min >= t.Max {
		return apperr.Validation("threshold_range requires min < max (got %.4g, %.4g)", t.Min, t.Max)
	}
	return nil
}
func (t RangeThreshold) Config() ThresholdConfig {
	return ThresholdConfig{Min: ptr(t.Min), Max: ptr(t.Max)}
}
func (t RangeThreshold) accept(v thresholdVisitor) Result { return v.visitRange(t) }

// DeviationPercentThreshold fires when the mean drifts more than Percent from Baseline.
// A nil Baseline means the window mean is its own baseline.
type DeviationPercentThreshold struct {
	Percent  float64
	Baseline *float64
}

func (t DeviationPercentThreshold) Type() RuleType { return TypeDeviationPercent }
func (t DeviationPercentThreshold) Validate() error {
	if err := positive("percent", t.Percent); err != nil {
		return err
	}
	if t.Baseline != nil {
		return finite("baseline", *t.Baseline)
	}
	return nil
}
func (t DeviationPercentThreshold) Config() ThresholdConfig {
	return ThresholdConfig{Percent: ptr(t.Percent), Baseline: copyPtr(t.Baseline)}
}
func (t DeviationPercentThreshold) accept(v thresholdVisitor) Result {
	return v.visitDeviationPercent(t)
}

type DeviationAbsoluteThreshold struct {
	Amount   float64
	Baseline *float64
}

func (t DeviationAbsoluteThreshold) Type() RuleType { return TypeDeviationAbsolute }
func (t DeviationAbsoluteThreshold) Validate() error {
	if err := positive("amount", t.Amount); err != nil {
		return err
	}
	if t.Baseline != nil {
		return finite("baseline", *t.Baseline)
	}
	return nil
}
func (t DeviationAbsoluteThreshold) Config() ThresholdConfig {
	return ThresholdConfig{Amount: ptr(t.Amount), Baseline: copyPtr(t.Baseline)}
}
func (t DeviationAbsoluteThreshold) accept(v thresholdVisitor) Result {
	return v.visitDeviationAbsolute(t)
}

// RateOfChangeThreshold is a magnitude in stream units per minute.
type RateOfChangeThreshold struct{ PerMinute float64 }

func (t RateOfChangeThreshold) Type() RuleType { return TypeRateOfChange }
func (t RateOfChangeThreshold) Validate() error { return positive("per_minute", t.PerMinute) }
func (t RateOfChangeThreshold) Config() ThresholdConfig {
	return ThresholdConfig{PerMinute: ptr(t.PerMinute)}
}
func (t RateOfChangeThreshold) accept(v thresholdVisitor) Result { return v.visitRateOfChange(t) }

// NewThreshold builds and validates the variant for rt from its wire config.
func NewThreshold(rt RuleType, cfg ThresholdConfig) (Threshold, error) {
	var t Threshold
	switch rt {
	case TypeThresholdAbove:
		if cfg.Value == nil {
			return nil, apperr.Validation("%s requires value", rt)
		}
		t = AboveThreshold{Value: *cfg.Value}
	case TypeThresholdBelow:
		if cfg.Value == nil {
			return nil, apperr.Validation("%s requires value", rt)
		}
		t = BelowThreshold{Value: *cfg.Value}
	case TypeThresholdRange:
		if cfg.Min == nil || cfg.Max == nil {
			return nil, apperr.Validation("%s requires min and max", rt)
		}
		t = RangeThreshold{Min: *cfg.Min, Max: *cfg.Max}
	case TypeDeviationPercent:
		if cfg.Percent == nil {
			return nil, apperr.Validation("%s requires percent", rt)
		}
		t = DeviationPercentThreshold{Percent: *cfg.Percent, Baseline: copyPtr(cfg.Baseline)}
	case TypeDeviationAbsolute:
		if cfg.Amount == nil {
			return nil, apperr.Validation("%s requires amount", rt)
		}
		t = DeviationAbsoluteThreshold{Amount: *cfg.Amount, Baseline: copyPtr(cfg.Baseline)}
	case TypeRateOfChange:
		if cfg.PerMinute == nil {
			return nil, apperr.Validation("%s requires per_minute", rt)
		}
		t = RateOfChangeThreshold{PerMinute: *cfg.PerMinute}
	default:
		return nil, apperr.Validation("unknown rule type %q", rt)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

func finite(name string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return apperr.Validation("threshold %s must be finite", name)
	}
	return nil
}

func positive(name string, v float64) error {
	if err := finite(name, v); err != nil {
		return err
	}
	if v <= 0 {
		return apperr.Validation("threshold %s must be positive", name)
	}
	return nil
}

func ptr(v float64) *float64 { return &v }

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
