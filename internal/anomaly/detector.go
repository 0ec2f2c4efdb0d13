// internal/anomaly/detector.go
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
)

// Level grades how far a value sits from the window mean.
type Level string

const (
	LevelNone    Level = "none"
	LevelMedium  Level = "medium"
	LevelAnomaly Level = "anomaly"
)

func (l Level) rank() int {
	switch l {
	case LevelAnomaly:
		return 2
	case LevelMedium:
		return 1
	default:
		return 0
	}
}

type Config struct {
	DefaultWindow time.Duration
	MediumSigma   float64
	AnomalySigma  float64
	TopN          int
	// QualityRatio is the share of non-Good readings above which a data quality
	// recommendation is raised.
	QualityRatio float64
}

func (c Config) withDefaults() Config {
	if c.DefaultWindow <= 0 {
		c.DefaultWindow = 24 * time.Hour
	}
	if c.MediumSigma <= 0 {
		c.MediumSigma = 2
	}
	if c.AnomalySigma <= c.MediumSigma {
		c.AnomalySigma = c.MediumSigma + 1
	}
	if c.TopN <= 0 {
		c.TopN = 10
	}
	if c.QualityRatio <= 0 {
		c.QualityRatio = 0.2
	}
	return c
}

// ReadingWindow returns a stream's readings in [start, end), oldest first.
type ReadingWindow interface {
	Range(ctx context.Context, streamID string, start, end time.Time, limit int) ([]data.SensorReading, error)
}

type StreamLister interface {
	Get(ctx context.Context, id string) (*data.SensorStream, error)
	ListBySite(ctx context.Context, siteID string) ([]*data.SensorStream, error)
}

// Point is one reading flagged as deviating.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Sigma float64   `json:"sigma"`
	Level Level     `json:"level"`
}

// StreamAnalysis summarises one stream over a lookback window.
type StreamAnalysis struct {
	StreamID     string    `json:"stream_id"`
	SiteID       string    `json:"site_id"`
	DisplayName  string    `json:"display_name"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	SampleCount  int       `json:"sample_count"`
	GoodCount    int       `json:"good_count"`
	Mean         float64   `json:"mean"`
	StdDev       float64   `json:"stddev"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	MediumCount  int       `json:"medium_count"`
	AnomalyCount int       `json:"anomaly_count"`
	MaxSigma     float64   `json:"max_sigma"`
	Level        Level     `json:"level"`
	Points       []Point   `json:"points,omitempty"`
}

// HasAnomalies reports whether any reading crossed the anomaly band.
func (a *StreamAnalysis) HasAnomalies() bool { return a.AnomalyCount > 0 }

func (a *StreamAnalysis) badRatio() float64 {
	if a.SampleCount == 0 {
		return 0
	}
	return float64(a.SampleCount-a.GoodCount) / float64(a.SampleCount)
}

// Recommendation is one ranked follow-up for a site.
type Recommendation struct {
	StreamID    string  `json:"stream_id"`
	DisplayName string  `json:"display_name"`
	Level       Level   `json:"level"`
	Score       float64 `json:"score"`
	Message     string  `json:"message"`
}

// SiteReport aggregates stream analyses across a site.
type SiteReport struct {
	SiteID               string           `json:"site_id"`
	GeneratedAt          time.Time        `json:"generated_at"`
	Window               string           `json:"window"`
	StreamsAnalyzed      int              `json:"streams_analyzed"`
	StreamsWithAnomalies int              `json:"streams_with_anomalies"`
	TotalAnomalies       int              `json:"total_anomalies"`
	Recommendations      []Recommendation `json:"recommendations"`
}

// Detector is the read-only anomaly analysis layer over the reading store.
type Detector struct {
	readings ReadingWindow
	streams  StreamLister
	clock    clock.Clock
	cfg      Config
	log      *slog.Logger
}

func NewDetector(readings ReadingWindow, streams StreamLister, clk clock.Clock, logger *slog.Logger, cfg Config) *Detector {
	return &Detector{
		readings: readings,
		streams:  streams,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		log:      logger.With("component", "anomaly"),
	}
}

// Grade classifies a deviation of sigma standard deviations.
func (d *Detector) Grade(sigma float64) Level {
	switch {
	case sigma > d.cfg.AnomalySigma:
		return LevelAnomaly
	case sigma > d.cfg.MediumSigma:
		return LevelMedium
	default:
		return LevelNone
	}
}

// AnalyzeStream analyses a stream over window, or the default window when nil.
// Returns nil when the stream is unknown for the site.
func (d *Detector) AnalyzeStream(ctx context.Context, siteID, streamID string, window *time.Duration) (*StreamAnalysis, error) {
	w := d.cfg.DefaultWindow
	if window != nil {
		if *window <= 0 {
			return nil, apperr.Validation("anomaly window must be positive, got %s", window.String())
		}
		w = *window
	}
	st, err := d.streams.Get(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st == nil || st.SiteID != siteID {
		return nil, nil
	}
	return d.analyze(ctx, st, w, d.clock.Now())
}

func (d *Detector) analyze(ctx context.Context, st *data.SensorStream, w time.Duration, now time.Time) (*StreamAnalysis, error) {
	start, end := now.Add(-w), now.Add(time.Nanosecond)
	rs, err := d.readings.Range(ctx, st.ID, start, end, 0)
	if err != nil {
		return nil, fmt.Errorf("load readings for %s: %w", st.ID, err)
	}
	a := &StreamAnalysis{
		StreamID:    st.ID,
		SiteID:      st.SiteID,
		DisplayName: st.DisplayName,
		WindowStart: start,
		WindowEnd:   now,
		SampleCount: len(rs),
		Level:       LevelNone,
	}
	good := data.GoodOnly(rs)
	a.GoodCount = len(good)
	if len(good) == 0 {
		return a, nil
	}

	a.Min, a.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, r := range good {
		sum += r.Value
		a.Min = math.Min(a.Min, r.Value)
		a.Max = math.Max(a.Max, r.Value)
	}
	a.Mean = sum / float64(len(good))
	var sq float64
	for _, r := range good {
		sq += (r.Value - a.Mean) * (r.Value - a.Mean)
	}
	a.StdDev = math.Sqrt(sq / float64(len(good)))
	if a.StdDev == 0 {
		return a, nil
	}

	for _, r := range good {
		sigma := math.Abs(r.Value-a.Mean) / a.StdDev
		lvl := d.Grade(sigma)
		if lvl == LevelNone {
			continue
		}
		if lvl == LevelAnomaly {
			a.AnomalyCount++
		} else {
			a.MediumCount++
		}
		a.MaxSigma = math.Max(a.MaxSigma, sigma)
		if lvl.rank() > a.Level.rank() {
			a.Level = lvl
		}
		a.Points = append(a.Points, Point{Time: r.Time, Value: r.Value, Sigma: sigma, Level: lvl})
	}
	return a, nil
}

// AnalyzeSite analyses every active stream of a site over the default window and
// returns at most topN recommendations, highest score first. topN <= 0 uses the configured default.
func (d *Detector) AnalyzeSite(ctx context.Context, siteID string, topN int) (*SiteReport, error) {
	if siteID == "" {
		return nil, apperr.Validation("site id is required")
	}
	if topN <= 0 {
		topN = d.cfg.TopN
	}
	streams, err := d.streams.ListBySite(ctx, siteID)
	if err != nil {
		return nil, err
	}
	now := d.clock.Now()
	rep := &SiteReport{SiteID: siteID, GeneratedAt: now, Window: d.cfg.DefaultWindow.String(), Recommendations: []Recommendation{}}

	for _, st := range streams {
		if !st.Active {
			continue
		}
		a, err := d.analyze(ctx, st, d.cfg.DefaultWindow, now)
		if err != nil {
			return nil, err
		}
		rep.StreamsAnalyzed++
		if a.HasAnomalies() {
			rep.StreamsWithAnomalies++
			rep.TotalAnomalies += a.AnomalyCount
		}
		rep.Recommendations = append(rep.Recommendations, d.recommend(a)...)
	}

	sort.SliceStable(rep.Recommendations, func(i, j int) bool {
		ri, rj := rep.Recommendations[i], rep.Recommendations[j]
		if ri.Score != rj.Score {
			return ri.Score > rj.Score
		}
		return ri.StreamID < rj.StreamID
	})
	if len(rep.Recommendations) > topN {
		rep.Recommendations = rep.Recommendations[:topN]
	}
	d.log.Debug("site analysed", "site_id", siteID, "streams", rep.StreamsAnalyzed, "with_anomalies", rep.StreamsWithAnomalies)
	return rep, nil
}

func (d *Detector) recommend(a *StreamAnalysis) []Recommendation {
	var out []Recommendation
	if a.Level != LevelNone {
		deviating := a.AnomalyCount + a.MediumCount
		score := a.MaxSigma * float64(a.AnomalyCount*2+a.MediumCount) / float64(a.GoodCount)
		msg := fmt.Sprintf("%s: %d of %d readings deviate more than %.0fσ from the mean %.2f (max %.1fσ); investigate the equipment or tighten alert rules",
			a.DisplayName, deviating, a.GoodCount, d.cfg.MediumSigma, a.Mean, a.MaxSigma)
		if a.Level == LevelMedium {
			msg = fmt.Sprintf("%s: %d readings drift beyond %.0fσ (max %.1fσ); keep watching",
				a.DisplayName, deviating, d.cfg.MediumSigma, a.MaxSigma)
		}
		out = append(out, Recommendation{StreamID: a.StreamID, DisplayName: a.DisplayName, Level: a.Level, Score: score, Message: msg})
	}
	if ratio := a.badRatio(); ratio > d.cfg.QualityRatio {
		out = append(out, Recommendation{
			StreamID:    a.StreamID,
			DisplayName: a.DisplayName,
			Level:       LevelMedium,
			Score:       ratio,
			Message: fmt.Sprintf("%s: %.0f%% of readings failed quality checks; check the device clock and valid range",
				a.DisplayName, ratio*100),
		})
	}
	if a.SampleCount == 0 {
		out = append(out, Recommendation{
			StreamID:    a.StreamID,
			DisplayName: a.DisplayName,
			Level:       LevelMedium,
			Score:       0.1,
			Message:     fmt.Sprintf("%s: no readings in the last %s; check the device connection", a.DisplayName, d.cfg.DefaultWindow),
		})
	}
	return out
}
