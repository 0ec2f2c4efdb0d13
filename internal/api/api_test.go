package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/anomaly"
	"harvestry-telemetry/internal/auth"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/ingest"
	"harvestry-telemetry/internal/query"
	"harvestry-telemetry/internal/rules"
	"harvestry-telemetry/internal/storage"
	"harvestry-telemetry/internal/websocket"
)

const apiKey = "device-key"

var t0 = time.Date(2024, 10, 1, 6, 0, 0, 0, time.UTC)

type server struct {
	data  *httptest.Server
	ui    *httptest.Server
	clk   *clock.Manual
	token string
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewManual(t0)

	streams := storage.NewStreamStore()
	readings := storage.NewReadingStore(0)
	errLog := storage.NewErrorLog()
	ruleStore := storage.NewRuleStore()
	alerts := storage.NewAlertStore()

	manager := alerting.NewManager(alerts, clk, logger)
	evaluator := alerting.NewEvaluator(ruleStore, readings, manager, clk, logger, alerting.EvaluatorConfig{Workers: 2})
	sessions := ingest.NewSessionTracker(clk, 5*time.Minute, logger)
	pipeline := ingest.NewPipeline(streams, readings, errLog, sessions, clk, logger, ingest.Config{})
	pipeline.OnIngested(func(ctx context.Context, site string, rs []data.SensorReading) {
		evaluator.ReadingsIngested(ctx, site, ingest.StreamIDs(rs))
	})

	ruleSvc := rules.NewService(ruleStore, streams, clk, logger)
	ruleSvc.OnChange(func(ctx context.Context, r *rules.AlertRule) {
		manager.ReleaseRule(ctx, r)
	})

	hash, err := auth.HashPassword("secret", bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	h := NewAPIHandler(Deps{
		Pipeline:  pipeline,
		Streams:   ingest.NewRegistry(streams, clk, logger),
		Sessions:  sessions,
		Errors:    errLog,
		Rules:     ruleSvc,
		Alerts:    manager,
		Query:     query.NewService(readings, storage.NewMemoryRollups(readings), clk, logger),
		Anomalies: anomaly.NewDetector(readings, streams, clk, logger, anomaly.Config{}),
		Hub:       websocket.NewHub(logger),
		Auth: auth.NewManager(auth.Config{
			JWTSecret: "test-secret",
			APIKeys:   []string{apiKey},
			Users:     []auth.User{{Username: "grower", PasswordHash: hash, Role: "operator"}},
		}),
		Clock:  clk,
		Logger: logger,
	})

	s := &server{data: httptest.NewServer(SetupDataRouter(h)), ui: httptest.NewServer(SetupUIRouter(h)), clk: clk}
	t.Cleanup(func() {
		s.data.Close()
		s.ui.Close()
	})

	var tok struct {
		Token string `json:"token"`
	}
	s.do(t, s.ui, http.MethodPost, "/auth/token", map[string]string{"username": "grower", "password": "secret"}, "", http.StatusOK, &tok)
	if tok.Token == "" {
		t.Fatalf("no token issued")
	}
	s.token = tok.Token
	return s
}

// do sends body as JSON, checks the status and decodes the response into out when non-nil.
func (s *server) do(t *testing.T, ts *httptest.Server, method, path string, body interface{}, token string, want int, out interface{}) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, ts.URL+path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if ts == s.data {
		req.Header.Set("X-API-Key", apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("%s %s: decode %s: %v", method, path, raw, err)
		}
	}
}

func (s *server) seed(t *testing.T) string {
	t.Helper()
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/streams", map[string]interface{}{
		"id": "temp-1", "equipment_id": "eq-1", "display_name": "Flower room temp", "type": "temperature", "unit": "C",
	}, s.token, http.StatusCreated, nil)

	var rule rules.RuleView
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/rules", map[string]interface{}{
		"rule_type":                 "threshold_above",
		"threshold":                 map[string]float64{"value": 30},
		"name":                      "Too hot",
		"stream_ids":                []string{"temp-1"},
		"evaluation_window_minutes": 5,
		"cooldown_minutes":          15,
		"severity":                  "critical",
		"notification_channels":     []string{"websocket"},
	}, s.token, http.StatusCreated, &rule)
	return rule.ID
}

func TestMutationsRequireToken(t *testing.T) {
	s := newServer(t)
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/streams", map[string]string{"equipment_id": "eq", "display_name": "x"}, "", http.StatusUnauthorized, nil)
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/alerts/a1/acknowledge", nil, "", http.StatusUnauthorized, nil)
	s.do(t, s.ui, http.MethodPost, "/auth/token", map[string]string{"username": "grower", "password": "wrong"}, "", http.StatusUnauthorized, nil)
}

func TestDataRouterRequiresAPIKey(t *testing.T) {
	s := newServer(t)
	req, _ := http.NewRequest(http.MethodPost, s.data.URL+"/sites/site-1/telemetry", bytes.NewReader([]byte(`{"readings":[]}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestIngestFiresAndAcknowledges(t *testing.T) {
	s := newServer(t)
	ruleID := s.seed(t)

	var res ingest.Result
	s.do(t, s.data, http.MethodPost, "/sites/site-1/telemetry", map[string]interface{}{
		"readings": []map[string]interface{}{
			{"stream_id": "temp-1", "value": 41.5},
			{"stream_id": "nope", "value": 1},
		},
	}, "", http.StatusOK, &res)
	if res.Accepted != 1 || res.Rejected != 1 {
		t.Fatalf("ingest result = %+v", res)
	}

	var active []alerting.InstanceView
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/alerts", nil, "", http.StatusOK, &active)
	if len(active) != 1 || active[0].RuleID != ruleID || active[0].CurrentValue != 41.5 {
		t.Fatalf("active alerts = %+v", active)
	}

	s.clk.Advance(time.Minute)
	var acked alerting.InstanceView
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/alerts/"+active[0].ID+"/acknowledge", map[string]string{"notes": "fans on"}, s.token, http.StatusOK, &acked)
	if acked.AcknowledgedBy != "grower" || acked.AcknowledgeNotes != "fans on" || !acked.Active {
		t.Fatalf("acknowledged = %+v", acked)
	}
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/alerts/"+active[0].ID+"/acknowledge", nil, s.token, http.StatusConflict, nil)

	var missing map[string]bool
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/alerts/unknown/acknowledge", nil, s.token, http.StatusNotFound, &missing)
	if found, ok := missing["found"]; !ok || found {
		t.Fatalf("missing alert body = %v", missing)
	}
	s.do(t, s.ui, http.MethodGet, "/sites/site-2/alerts/"+active[0].ID, nil, "", http.StatusNotFound, nil)

	var errs []data.IngestionError
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/ingestion-errors", nil, "", http.StatusOK, &errs)
	if len(errs) != 1 || errs[0].Type != data.ErrTypeUnknownStream {
		t.Fatalf("ingestion errors = %+v", errs)
	}
}

func TestQueries(t *testing.T) {
	s := newServer(t)
	s.seed(t)

	var latest map[string]interface{}
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/latest", nil, "", http.StatusOK, &latest)
	if latest["found"] != false {
		t.Fatalf("latest before data = %v", latest)
	}

	s.do(t, s.data, http.MethodPost, "/sites/site-1/telemetry", map[string]interface{}{
		"readings": []map[string]interface{}{
			{"stream_id": "temp-1", "value": 20, "timestamp": t0.Add(-2 * time.Minute).Format(time.RFC3339)},
			{"stream_id": "temp-1", "value": 22, "timestamp": t0.Add(-time.Minute).Format(time.RFC3339)},
		},
	}, "", http.StatusOK, nil)

	var rs []data.SensorReading
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/readings", nil, "", http.StatusOK, &rs)
	if len(rs) != 2 || rs[0].Value != 20 || rs[1].Quality != data.QualityGood {
		t.Fatalf("readings = %+v", rs)
	}

	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/latest", nil, "", http.StatusOK, &latest)
	if latest["found"] != true || latest["age_seconds"] != float64(60) {
		t.Fatalf("latest = %v", latest)
	}

	var buckets []query.Bucket
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/rollups?interval=1h&start="+t0.Add(-time.Hour).Format(time.RFC3339), nil, "", http.StatusOK, &buckets)
	if len(buckets) != 1 || buckets[0].Avg != 21 || buckets[0].Count != 2 {
		t.Fatalf("buckets = %+v", buckets)
	}

	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/rollups?interval=raw", nil, "", http.StatusBadRequest, nil)
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/readings?start="+t0.Format(time.RFC3339)+"&end="+t0.Format(time.RFC3339), nil, "", http.StatusBadRequest, nil)
	s.do(t, s.ui, http.MethodGet, "/sites/site-2/streams/temp-1/readings", nil, "", http.StatusNotFound, nil)
}

func TestValidationMapsToBadRequest(t *testing.T) {
	s := newServer(t)
	s.do(t, s.ui, http.MethodPost, "/sites/site-1/rules", map[string]interface{}{
		"rule_type": "threshold_range",
		"threshold": map[string]float64{"min": 30, "max": 10},
		"name":      "backwards",
	}, s.token, http.StatusBadRequest, nil)
	s.do(t, s.data, http.MethodPost, "/sites/site-1/telemetry", map[string]interface{}{"readings": []interface{}{}}, "", http.StatusBadRequest, nil)
	s.do(t, s.data, http.MethodPost, "/devices/eq-404/telemetry", map[string]interface{}{"metrics": map[string]int{"x": 1}}, "", http.StatusBadRequest, nil)
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/rules/missing", nil, "", http.StatusNotFound, nil)
}

func TestBatchReadingWithoutValueFailsTheBatch(t *testing.T) {
	s := newServer(t)
	s.seed(t)

	s.do(t, s.data, http.MethodPost, "/sites/site-1/telemetry", map[string]interface{}{
		"readings": []map[string]interface{}{
			{"stream_id": "temp-1", "value": 21},
			{"stream_id": "temp-1", "timestamp": t0.Add(-time.Minute).Format(time.RFC3339)},
		},
	}, "", http.StatusBadRequest, nil)

	var rs []data.SensorReading
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/streams/temp-1/readings", nil, "", http.StatusOK, &rs)
	if len(rs) != 0 {
		t.Fatalf("readings stored from a rejected batch: %+v", rs)
	}

	var res ingest.Result
	s.do(t, s.data, http.MethodPost, "/sites/site-1/telemetry", map[string]interface{}{
		"readings": []map[string]interface{}{{"stream_id": "temp-1", "value": true}},
	}, "", http.StatusOK, &res)
	if res.Accepted != 0 || res.Rejected != 1 {
		t.Fatalf("boolean value result = %+v", res)
	}
}

func TestRuleStreamsMustBelongToSite(t *testing.T) {
	s := newServer(t)
	s.seed(t)
	s.do(t, s.ui, http.MethodPost, "/sites/site-2/streams", map[string]interface{}{
		"id": "temp-9", "equipment_id": "eq-9", "display_name": "Other site temp", "type": "temperature", "unit": "C",
	}, s.token, http.StatusCreated, nil)

	for _, ids := range [][]string{{"temp-9"}, {"temp-1", "no-such-stream"}} {
		s.do(t, s.ui, http.MethodPost, "/sites/site-1/rules", map[string]interface{}{
			"rule_type":                 "threshold_above",
			"threshold":                 map[string]float64{"value": 30},
			"name":                      "Too hot",
			"stream_ids":                ids,
			"evaluation_window_minutes": 5,
			"cooldown_minutes":          15,
			"severity":                  "critical",
			"notification_channels":     []string{"websocket"},
		}, s.token, http.StatusNotFound, nil)
	}
	var list []rules.RuleView
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/rules", nil, "", http.StatusOK, &list)
	if len(list) != 1 {
		t.Fatalf("rules = %d, want only the seeded one", len(list))
	}
}

func TestDeactivatingRuleClearsItsAlerts(t *testing.T) {
	s := newServer(t)
	ruleID := s.seed(t)

	s.do(t, s.data, http.MethodPost, "/sites/site-1/telemetry", map[string]interface{}{
		"readings": []map[string]interface{}{{"stream_id": "temp-1", "value": 41.5}},
	}, "", http.StatusOK, nil)
	var active []alerting.InstanceView
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/alerts", nil, "", http.StatusOK, &active)
	if len(active) != 1 {
		t.Fatalf("active alerts = %d", len(active))
	}

	s.do(t, s.ui, http.MethodPost, "/sites/site-1/rules/"+ruleID+"/deactivate", nil, s.token, http.StatusOK, nil)
	s.do(t, s.ui, http.MethodGet, "/sites/site-1/alerts", nil, "", http.StatusOK, &active)
	if len(active) != 0 {
		t.Fatalf("alerts still active after deactivate: %+v", active)
	}
}
