// internal/query/query.go
package query

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
)

// Interval is a rollup bucket width.
type Interval string

const (
	IntervalRaw         Interval = "raw"
	IntervalMinute      Interval = "1m"
	IntervalFiveMinutes Interval = "5m"
	IntervalFifteen     Interval = "15m"
	IntervalHour        Interval = "1h"
	IntervalDay         Interval = "1d"
)

var intervals = map[Interval]time.Duration{
	IntervalMinute:      time.Minute,
	IntervalFiveMinutes: 5 * time.Minute,
	IntervalFifteen:     15 * time.Minute,
	IntervalHour:        time.Hour,
	IntervalDay:         24 * time.Hour,
}

// Duration returns the bucket width. Raw and unknown intervals have none.
func (i Interval) Duration() (time.Duration, bool) {
	d, ok := intervals[i]
	return d, ok
}

func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if i == IntervalRaw {
		return i, nil
	}
	if _, ok := intervals[i]; !ok {
		return "", apperr.Validation("unknown rollup interval %q", s)
	}
	return i, nil
}

// Bucket is one rollup aggregate.
type Bucket struct {
	Start  time.Time `json:"start"`
	Count  int       `json:"count"`
	Avg    float64   `json:"avg"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Median float64   `json:"median"`
	StdDev float64   `json:"stddev"`
}

// Summarize builds a bucket from raw values. An empty slice yields a zero-count bucket.
func Summarize(start time.Time, values []float64) Bucket {
	b := Bucket{Start: start, Count: len(values)}
	if len(values) == 0 {
		return b
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	b.Min, b.Max = sorted[0], sorted[len(sorted)-1]

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	b.Avg = sum / float64(len(sorted))

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		b.Median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		b.Median = sorted[mid]
	}

	var sq float64
	for _, v := range sorted {
		sq += (v - b.Avg) * (v - b.Avg)
	}
	b.StdDev = math.Sqrt(sq / float64(len(sorted)))
	return b
}

// ReadingReader is the raw read path over the reading store.
type ReadingReader interface {
	Range(ctx context.Context, streamID string, start, end time.Time, limit int) ([]data.SensorReading, error)
	Latest(ctx context.Context, streamID string) (*data.SensorReading, error)
}

// RollupSource computes interval aggregates; usually a read-optimised external store.
type RollupSource interface {
	Rollup(ctx context.Context, streamID string, start, end time.Time, bucket time.Duration) ([]Bucket, error)
}

// LatestReading is the newest reading of a stream and how old it is.
type LatestReading struct {
	Reading    data.SensorReading `json:"reading"`
	Age        time.Duration      `json:"-"`
	AgeSeconds float64            `json:"age_seconds"`
}

type Service struct {
	readings ReadingReader
	rollups  RollupSource
	clock    clock.Clock
	log      *slog.Logger
}

func NewService(readings ReadingReader, rollups RollupSource, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{readings: readings, rollups: rollups, clock: clk, log: logger.With("component", "query")}
}

func validateRange(start, end time.Time) error {
	if !end.After(start) {
		return apperr.Validation("end %s must be after start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

// RawRange returns readings in [start, end) oldest first. limit <= 0 means no limit.
func (s *Service) RawRange(ctx context.Context, streamID string, start, end time.Time, limit int) ([]data.SensorReading, error) {
	if streamID == "" {
		return nil, apperr.Validation("stream id is required")
	}
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, apperr.Validation("limit must not be negative")
	}
	return s.readings.Range(ctx, streamID, start, end, limit)
}

// Latest returns the newest reading and its age, or nil when the stream has none.
func (s *Service) Latest(ctx context.Context, streamID string) (*LatestReading, error) {
	r, err := s.readings.Latest(ctx, streamID)
	if err != nil || r == nil {
		return nil, err
	}
	age := s.clock.Now().Sub(r.Time)
	return &LatestReading{Reading: *r, Age: age, AgeSeconds: age.Seconds()}, nil
}

// Rollup returns aggregate buckets. The raw interval belongs to RawRange and is refused here.
func (s *Service) Rollup(ctx context.Context, streamID string, start, end time.Time, interval Interval) ([]Bucket, error) {
	if interval == IntervalRaw {
		return nil, apperr.Validation("interval %q is not a rollup; use the raw range query", interval)
	}
	width, ok := interval.Duration()
	if !ok {
		return nil, apperr.Validation("unknown rollup interval %q", interval)
	}
	if err := validateRange(start, end); err != nil {
		return nil, err
	}
	if s.rollups == nil {
		return nil, apperr.InvalidOperation("no rollup source configured")
	}
	buckets, err := s.rollups.Rollup(ctx, streamID, start, end, width)
	if err != nil {
		s.log.Error("rollup failed", "stream_id", streamID, "interval", interval, "err", err)
		return nil, err
	}
	return buckets, nil
}
