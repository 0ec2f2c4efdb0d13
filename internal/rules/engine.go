// internal/rules/engine.go
package rules

import (
	"fmt"
	"math"
	"sort"
	"time"

	"harvestry-telemetry/internal/data"
)

// Outcome tags the variant held by a Result.
type Outcome int

const (
	OutcomeNoData Outcome = iota
	OutcomeFail
	OutcomePass
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoData:
		return "no_data"
	case OutcomeFail:
		return "fail"
	case OutcomePass:
		return "pass"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the outcome of one rule evaluation. Pass means the alert condition holds.
// Threshold carries the violated bound or the deviation baseline; Reason is set only for errors.
type Result struct {
	Outcome     Outcome
	Value       float64
	Threshold   float64
	SampleCount int
	Message     string
	Reason      string
}

func NoData() Result { return Result{Outcome: OutcomeNoData} }

func Fail(value float64, samples int) Result {
	return Result{Outcome: OutcomeFail, Value: value, SampleCount: samples}
}

func Pass(value, threshold float64, samples int, message string) Result {
	return Result{Outcome: OutcomePass, Value: value, Threshold: threshold, SampleCount: samples, Message: message}
}

func Errorf(format string, args ...any) Result {
	return Result{Outcome: OutcomeError, Reason: fmt.Sprintf(format, args...)}
}

func (r Result) Passed() bool { return r.Outcome == OutcomePass }

// Engine evaluates rules against reading windows. It holds no state and is safe for
// concurrent use by any number of evaluation workers.
type Engine struct{}

// Evaluate filters readings to Good quality and applies the rule's algorithm.
// at is the evaluation instant; readings stamped after it are ignored.
func (Engine) Evaluate(rule *AlertRule, readings []data.SensorReading, at time.Time) Result {
	if rule == nil || rule.threshold == nil {
		return Errorf("rule has no threshold configured")
	}
	good := make([]data.SensorReading, 0, len(readings))
	for _, r := range readings {
		if r.Quality.IsGood() && !r.Time.After(at) {
			good = append(good, r)
		}
	}
	if len(good) == 0 {
		return NoData()
	}
	ev := &evaluation{rule: rule, good: good, mean: meanOf(good)}
	return rule.threshold.accept(ev)
}

type evaluation struct {
	rule *AlertRule
	good []data.SensorReading
	mean float64
}

func (e *evaluation) n() int { return len(e.good) }

func (e *evaluation) visitAbove(t AboveThreshold) Result {
	if e.mean > t.Value {
		return Pass(e.mean, t.Value, e.n(),
			fmt.Sprintf("%s: average %.2f is above threshold %.2f (%d samples)", e.rule.name, e.mean, t.Value, e.n()))
	}
	return Fail(e.mean, e.n())
}

func (e *evaluation) visitBelow(t BelowThreshold) Result {
	if e.mean < t.Value {
		return Pass(e.mean, t.Value, e.n(),
			fmt.Sprintf("%s: average %.2f is below threshold %.2f (%d samples)", e.rule.name, e.mean, t.Value, e.n()))
	}
	return Fail(e.mean, e.n())
}

func (e *evaluation) visitRange(t RangeThreshold) Result {
	switch {
	case e.mean < t.Min:
		return Pass(e.mean, t.Min, e.n(),
			fmt.Sprintf("%s: average %.2f is below range minimum %.2f (range %.2f to %.2f)", e.rule.name, e.mean, t.Min, t.Min, t.Max))
	case e.mean > t.Max:
		return Pass(e.mean, t.Max, e.n(),
			fmt.Sprintf("%s: average %.2f is above range maximum %.2f (range %.2f to %.2f)", e.rule.name, e.mean, t.Max, t.Min, t.Max))
	default:
		return Fail(e.mean, e.n())
	}
}

func (e *evaluation) baseline(b *float64) float64 {
	if b != nil {
		return *b
	}
	return e.mean
}

func (e *evaluation) visitDeviationPercent(t DeviationPercentThreshold) Result {
	base := e.baseline(t.Baseline)
	diff := math.Abs(e.mean - base)
	if diff == 0 {
		return Fail(e.mean, e.n())
	}
	if base == 0 {
		return Errorf("%s: percent deviation is undefined for a zero baseline", e.rule.name)
	}
	pct := diff / math.Abs(base) * 100
	if pct > t.Percent {
		return Pass(e.mean, base, e.n(),
			fmt.Sprintf("%s: average %.2f deviates %.1f%% from baseline %.2f (limit %.1f%%)", e.rule.name, e.mean, pct, base, t.Percent))
	}
	return Fail(e.mean, e.n())
}

func (e *evaluation) visitDeviationAbsolute(t DeviationAbsoluteThreshold) Result {
	base := e.baseline(t.Baseline)
	diff := math.Abs(e.mean - base)
	if diff > t.Amount {
		return Pass(e.mean, base, e.n(),
			fmt.Sprintf("%s: average %.2f deviates %.2f from baseline %.2f (limit %.2f)", e.rule.name, e.mean, diff, base, t.Amount))
	}
	return Fail(e.mean, e.n())
}

func (e *evaluation) visitRateOfChange(t RateOfChangeThreshold) Result {
	if e.n() < 2 {
		return NoData()
	}
	ordered := append([]data.SensorReading(nil), e.good...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })
	first, last := ordered[0], ordered[len(ordered)-1]
	minutes := last.Time.Sub(first.Time).Minutes()
	if minutes == 0 {
		return NoData()
	}
	rate := math.Abs(last.Value-first.Value) / minutes
	if rate > t.PerMinute {
		return Pass(rate, t.PerMinute, e.n(),
			fmt.Sprintf("%s: rate of change %.2f/min exceeds %.2f/min (%.2f to %.2f over %.1f min)",
				e.rule.name, rate, t.PerMinute, first.Value, last.Value, minutes))
	}
	return Fail(rate, e.n())
}

func meanOf(rs []data.SensorReading) float64 {
	if len(rs) == 0 {
		return 0
	}
	var s float64
	for _, r := range rs {
		s += r.Value
	}
	return s / float64(len(rs))
}
