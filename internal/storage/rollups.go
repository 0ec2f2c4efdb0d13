// internal/storage/rollups.go
package storage

import (
	"context"
	"time"

	"harvestry-telemetry/internal/query"
)

// MemoryRollups aggregates Good readings from a ReadingStore into fixed buckets.
// Stands in for the external read store when InfluxDB is disabled.
type MemoryRollups struct {
	readings *ReadingStore
}

func NewMemoryRollups(readings *ReadingStore) *MemoryRollups {
	return &MemoryRollups{readings: readings}
}

// Rollup returns non-empty buckets aligned to multiples of width, oldest first.
func (m *MemoryRollups) Rollup(ctx context.Context, streamID string, start, end time.Time, width time.Duration) ([]query.Bucket, error) {
	rs, err := m.readings.Range(ctx, streamID, start, end, 0)
	if err != nil {
		return nil, err
	}
	var (
		out    []query.Bucket
		cur    time.Time
		values []float64
	)
	flush := func() {
		if len(values) > 0 {
			out = append(out, query.Summarize(cur, values))
		}
		values = values[:0]
	}
	for _, r := range rs {
		if !r.Quality.IsGood() {
			continue
		}
		b := r.Time.Truncate(width)
		if !b.Equal(cur) {
			flush()
			cur = b
		}
		values = append(values, r.Value)
	}
	flush()
	if out == nil {
		out = []query.Bucket{}
	}
	return out, nil
}
