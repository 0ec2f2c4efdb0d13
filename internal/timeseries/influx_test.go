package timeseries

import (
	"strings"
	"testing"
	"time"

	"harvestry-telemetry/internal/data"
)

func TestFluxDuration(t *testing.T) {
	cases := map[time.Duration]string{
		time.Minute:      "1m",
		5 * time.Minute:  "5m",
		time.Hour:        "1h",
		24 * time.Hour:   "1d",
		90 * time.Second: "90s",
	}
	for d, want := range cases {
		if got := fluxDuration(d); got != want {
			t.Errorf("fluxDuration(%s) = %q, want %q", d, got, want)
		}
	}
}

func TestRollupFluxQuotesInputs(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q := rollupFlux("telemetry", `s"1`, start, start.Add(time.Hour), 5*time.Minute)
	for _, want := range []string{
		`from(bucket: "telemetry")`,
		`range(start: 2024-03-01T00:00:00Z, stop: 2024-03-01T01:00:00Z)`,
		`r.stream_id == "s\"1"`,
		`r.quality == "good"`,
		`window(every: 5m)`,
	} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q:\n%s", want, q)
		}
	}
}

func TestBuildPointTags(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := buildPoint(data.SensorReading{
		Time: at, StreamID: "s1", SiteID: "site", Value: 21.5,
		Quality: data.QualityGood, IngestedAt: at, MessageID: "m1",
	})
	if p.Name() != measurement {
		t.Fatalf("measurement = %q", p.Name())
	}
	tags := map[string]string{}
	for _, tg := range p.TagList() {
		tags[tg.Key] = tg.Value
	}
	if tags["stream_id"] != "s1" || tags["site_id"] != "site" || tags["quality"] != "good" {
		t.Fatalf("tags = %v", tags)
	}
	if !p.Time().Equal(at) {
		t.Fatalf("time = %v", p.Time())
	}
}
