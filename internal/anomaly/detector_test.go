package anomaly_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"harvestry-telemetry/internal/anomaly"
	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/storage"
)

var now = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx      context.Context
	streams  *storage.StreamStore
	readings *storage.ReadingStore
	det      *anomaly.Detector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), streams: storage.NewStreamStore(), readings: storage.NewReadingStore(0)}
	f.det = anomaly.NewDetector(f.readings, f.streams, clock.NewManual(now),
		slog.New(slog.NewTextHandler(io.Discard, nil)), anomaly.Config{})
	return f
}

func (f *fixture) stream(t *testing.T, id, site string, active bool) {
	t.Helper()
	s, err := data.NewSensorStream(data.StreamParams{ID: id, SiteID: site, EquipmentID: "eq", DisplayName: id}, now)
	if err != nil {
		t.Fatal(err)
	}
	s.Active = active
	f.streams.Save(f.ctx, s)
}

// series writes n-1 baseline values and one outlier, one minute apart ending at now.
// A single outlier among n points sits exactly sqrt(n-1) standard deviations out.
func (f *fixture) series(t *testing.T, id string, n int, baseline, outlier float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		v := baseline
		if i == n-1 {
			v = outlier
		}
		r := data.SensorReading{Time: now.Add(-time.Duration(n-1-i) * time.Minute), StreamID: id, Value: v, Quality: data.QualityGood}
		if err := f.readings.Append(f.ctx, r); err != nil {
			t.Fatal(err)
		}
	}
}

func TestGrade(t *testing.T) {
	d := newFixture(t).det
	cases := map[float64]anomaly.Level{
		0:    anomaly.LevelNone,
		2:    anomaly.LevelNone,
		2.01: anomaly.LevelMedium,
		3:    anomaly.LevelMedium,
		3.01: anomaly.LevelAnomaly,
	}
	for sigma, want := range cases {
		if got := d.Grade(sigma); got != want {
			t.Errorf("Grade(%v) = %s, want %s", sigma, got, want)
		}
	}
}

func TestAnalyzeStreamNeedsElevenPointsForAnomaly(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "ten", "site-1", true)
	f.stream(t, "eleven", "site-1", true)
	f.series(t, "ten", 10, 10, 100)
	f.series(t, "eleven", 11, 10, 100)

	ten, err := f.det.AnalyzeStream(f.ctx, "site-1", "ten", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ten.Level != anomaly.LevelMedium || ten.AnomalyCount != 0 || math.Abs(ten.MaxSigma-3) > 1e-9 {
		t.Fatalf("ten points: %+v", ten)
	}

	eleven, _ := f.det.AnalyzeStream(f.ctx, "site-1", "eleven", nil)
	if eleven.Level != anomaly.LevelAnomaly || eleven.AnomalyCount != 1 || len(eleven.Points) != 1 {
		t.Fatalf("eleven points: %+v", eleven)
	}
	if eleven.Points[0].Value != 100 || !eleven.Points[0].Time.Equal(now) {
		t.Fatalf("point = %+v", eleven.Points[0])
	}
	if eleven.Min != 10 || eleven.Max != 100 || eleven.GoodCount != 11 {
		t.Fatalf("stats = %+v", eleven)
	}
}

func TestAnalyzeStreamFlatAndWindow(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "flat", "site-1", true)
	f.series(t, "flat", 30, 5, 5)

	a, _ := f.det.AnalyzeStream(f.ctx, "site-1", "flat", nil)
	if a.Level != anomaly.LevelNone || a.StdDev != 0 || a.SampleCount != 30 {
		t.Fatalf("flat = %+v", a)
	}

	w := 10 * time.Minute
	a, _ = f.det.AnalyzeStream(f.ctx, "site-1", "flat", &w)
	if a.SampleCount != 11 {
		t.Fatalf("10 minute window inclusive of now should hold 11 samples, got %d", a.SampleCount)
	}

	bad := time.Duration(0)
	if _, err := f.det.AnalyzeStream(f.ctx, "site-1", "flat", &bad); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("zero window: %v", err)
	}
	if a, err := f.det.AnalyzeStream(f.ctx, "site-2", "flat", nil); a != nil || err != nil {
		t.Fatalf("cross-site analysis: %v %v", a, err)
	}
}

func TestAnalyzeSiteRanksRecommendations(t *testing.T) {
	f := newFixture(t)
	f.stream(t, "spiky", "site-1", true)
	f.stream(t, "drifty", "site-1", true)
	f.stream(t, "silent", "site-1", true)
	f.stream(t, "off", "site-1", false)
	f.stream(t, "noisy", "site-1", true)
	f.series(t, "spiky", 20, 10, 100)
	f.series(t, "drifty", 6, 10, 20)
	f.series(t, "off", 20, 10, 100)
	// 3 of 10 fail quality checks
	for i := 0; i < 10; i++ {
		q := data.QualityGood
		if i < 3 {
			q = data.QualityBadOutOfRange
		}
		f.readings.Append(f.ctx, data.SensorReading{Time: now.Add(-time.Duration(i) * time.Minute), StreamID: "noisy", Value: 1, Quality: q})
	}

	rep, err := f.det.AnalyzeSite(f.ctx, "site-1", 0)
	if err != nil {
		t.Fatalf("AnalyzeSite: %v", err)
	}
	if rep.StreamsAnalyzed != 4 || rep.StreamsWithAnomalies != 1 || rep.TotalAnomalies != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Recommendations) != 4 {
		t.Fatalf("recommendations = %+v", rep.Recommendations)
	}
	if top := rep.Recommendations[0]; top.StreamID != "spiky" || top.Level != anomaly.LevelAnomaly {
		t.Fatalf("top = %+v", top)
	}
	for i := 1; i < len(rep.Recommendations); i++ {
		if rep.Recommendations[i].Score > rep.Recommendations[i-1].Score {
			t.Fatalf("not sorted by score: %+v", rep.Recommendations)
		}
	}
	seen := map[string]bool{}
	for _, r := range rep.Recommendations {
		seen[r.StreamID] = true
	}
	if !seen["drifty"] || !seen["silent"] || !seen["noisy"] || seen["off"] {
		t.Fatalf("streams recommended = %v", seen)
	}

	top1, _ := f.det.AnalyzeSite(f.ctx, "site-1", 1)
	if len(top1.Recommendations) != 1 {
		t.Fatalf("topN ignored: %d", len(top1.Recommendations))
	}
	if _, err := f.det.AnalyzeSite(f.ctx, "", 0); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("empty site: %v", err)
	}
}
