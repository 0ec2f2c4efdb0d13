// internal/timeseries/influx.go
package timeseries

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/query"
)

const measurement = "sensor_reading"

type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxStore mirrors accepted readings into InfluxDB and serves rollups from it.
type InfluxStore struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
	log      *slog.Logger
}

func NewInfluxStore(cfg Config, logger *slog.Logger) *InfluxStore {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxStore{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		log:      logger.With("component", "influx"),
	}
}

func (s *InfluxStore) Close() {
	if s != nil && s.client != nil {
		s.client.Close()
	}
}

// Ping checks the server is reachable.
func (s *InfluxStore) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb not ready")
	}
	return nil
}

// WriteReadings implements the pipeline's reading mirror.
func (s *InfluxStore) WriteReadings(ctx context.Context, readings []data.SensorReading) error {
	if len(readings) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, buildPoint(r))
	}
	return s.writeAPI.WritePoint(ctx, points...)
}

func buildPoint(r data.SensorReading) *write.Point {
	tags := map[string]string{
		"site_id":   r.SiteID,
		"stream_id": r.StreamID,
		"quality":   string(r.Quality),
	}
	fields := map[string]interface{}{
		"value":       r.Value,
		"ingested_at": r.IngestedAt.UnixMilli(),
	}
	if r.MessageID != "" {
		fields["message_id"] = r.MessageID
	}
	return write.NewPoint(measurement, tags, fields, r.Time)
}

// Rollup windows Good values server-side and summarises each window.
func (s *InfluxStore) Rollup(ctx context.Context, streamID string, start, end time.Time, width time.Duration) ([]query.Bucket, error) {
	flux := rollupFlux(s.bucket, streamID, start, end, width)
	res, err := s.queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("influx rollup query: %w", err)
	}
	defer res.Close()

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
	for res.Next() {
		rec := res.Record()
		v, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		if !rec.Start().Equal(cur) {
			flush()
			cur = rec.Start()
		}
		values = append(values, v)
	}
	if err := res.Err(); err != nil {
		return nil, fmt.Errorf("influx rollup read: %w", err)
	}
	flush()
	if out == nil {
		out = []query.Bucket{}
	}
	return out, nil
}

func rollupFlux(bucket, streamID string, start, end time.Time, width time.Duration) string {
	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %s and r._field == "value" and r.stream_id == %s and r.quality == %s)
  |> window(every: %s)
  |> sort(columns: ["_start", "_time"])
  |> group()`,
		strconv.Quote(bucket),
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
		strconv.Quote(measurement),
		strconv.Quote(streamID),
		strconv.Quote(string(data.QualityGood)),
		fluxDuration(width),
	)
}

// fluxDuration renders d as a Flux duration literal such as 1h or 5m.
func fluxDuration(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	default:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	}
}
