package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.DataPort != 8080 || cfg.Server.UIPort != 8081 {
		t.Fatalf("ports = %d/%d", cfg.Server.DataPort, cfg.Server.UIPort)
	}
	if cfg.Ingestion.FutureTolerance != 5*time.Minute {
		t.Fatalf("future tolerance = %v", cfg.Ingestion.FutureTolerance)
	}
	if cfg.Session.StaleAfter != 2*time.Minute || cfg.Evaluation.Interval != time.Minute {
		t.Fatalf("session/evaluation = %v/%v", cfg.Session.StaleAfter, cfg.Evaluation.Interval)
	}
	if !cfg.Evaluation.PostIngest || cfg.Evaluation.Workers != 8 {
		t.Fatalf("evaluation = %+v", cfg.Evaluation)
	}
	if cfg.Kafka.Enabled || cfg.MQTT.Enabled || cfg.Influx.Enabled || cfg.Redis.Enabled {
		t.Fatalf("integrations should default off")
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  data_port: 9000
ingestion:
  max_batch_size: 50
evaluation:
  interval: 30s
auth:
  api_keys: ["k1", "k2"]
  users:
    - username: grower
      password_hash: "$2a$04$abc"
      role: operator
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_UI_PORT", "9100")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.DataPort != 9000 || cfg.Server.UIPort != 9100 {
		t.Fatalf("ports = %d/%d", cfg.Server.DataPort, cfg.Server.UIPort)
	}
	if cfg.Ingestion.MaxBatchSize != 50 || cfg.Evaluation.Interval != 30*time.Second {
		t.Fatalf("ingestion/evaluation = %d/%v", cfg.Ingestion.MaxBatchSize, cfg.Evaluation.Interval)
	}
	if len(cfg.Auth.APIKeys) != 2 || len(cfg.Auth.Users) != 1 || cfg.Auth.Users[0].Role != "operator" {
		t.Fatalf("auth = %+v", cfg.Auth)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("kafka = %+v", cfg.Kafka)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("evaluation:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected validation error")
	}
}
