// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"harvestry-telemetry/internal/auth"
)

type Config struct {
	Server struct {
		DataPort int `mapstructure:"data_port"`
		UIPort   int `mapstructure:"ui_port"`
	} `mapstructure:"server"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text | json
		File   string `mapstructure:"file"`
	} `mapstructure:"log"`

	Ingestion struct {
		FutureTolerance  time.Duration `mapstructure:"future_tolerance"`
		StaleSourceAfter time.Duration `mapstructure:"stale_source_after"`
		MaxBatchSize     int           `mapstructure:"max_batch_size"`
		// ReadingCapacity bounds in-memory readings per stream; 0 keeps all.
		ReadingCapacity int `mapstructure:"reading_capacity"`
	} `mapstructure:"ingestion"`

	Session struct {
		StaleAfter time.Duration `mapstructure:"stale_after"`
	} `mapstructure:"session"`

	Evaluation struct {
		Interval   time.Duration `mapstructure:"interval"`
		Workers    int           `mapstructure:"workers"`
		PostIngest bool          `mapstructure:"post_ingest"`
	} `mapstructure:"evaluation"`

	Anomaly struct {
		DefaultWindow time.Duration `mapstructure:"default_window"`
		MediumSigma   float64       `mapstructure:"medium_sigma"`
		AnomalySigma  float64       `mapstructure:"anomaly_sigma"`
		TopN          int           `mapstructure:"top_n"`
	} `mapstructure:"anomaly"`

	Auth auth.Config `mapstructure:"auth"`

	Kafka struct {
		Enabled        bool     `mapstructure:"enabled"`
		Brokers        []string `mapstructure:"brokers"`
		AlertTopic     string   `mapstructure:"alert_topic"`
		TelemetryTopic string   `mapstructure:"telemetry_topic"`
		GroupID        string   `mapstructure:"group_id"`
	} `mapstructure:"kafka"`

	MQTT struct {
		Enabled     bool   `mapstructure:"enabled"`
		BrokerURL   string `mapstructure:"broker_url"`
		ClientID    string `mapstructure:"client_id"`
		Username    string `mapstructure:"username"`
		Password    string `mapstructure:"password"`
		TopicPrefix string `mapstructure:"topic_prefix"`
		QoS         byte   `mapstructure:"qos"`
	} `mapstructure:"mqtt"`

	Influx struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Token   string `mapstructure:"token"`
		Org     string `mapstructure:"org"`
		Bucket  string `mapstructure:"bucket"`
	} `mapstructure:"influx"`

	Redis struct {
		Enabled   bool          `mapstructure:"enabled"`
		Addr      string        `mapstructure:"addr"`
		Password  string        `mapstructure:"password"`
		DB        int           `mapstructure:"db"`
		Namespace string        `mapstructure:"namespace"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"redis"`
}

// Load reads config.yaml from path (optional), overlays environment variables such
// as SERVER_DATA_PORT or KAFKA_ENABLED, and fills defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.data_port", 8080)
	v.SetDefault("server.ui_port", 8081)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("ingestion.future_tolerance", "5m")
	v.SetDefault("ingestion.stale_source_after", "24h")
	v.SetDefault("ingestion.max_batch_size", 1000)
	v.SetDefault("ingestion.reading_capacity", 0)

	v.SetDefault("session.stale_after", "2m")

	v.SetDefault("evaluation.interval", "1m")
	v.SetDefault("evaluation.workers", 8)
	v.SetDefault("evaluation.post_ingest", true)

	v.SetDefault("anomaly.default_window", "24h")
	v.SetDefault("anomaly.medium_sigma", 2.0)
	v.SetDefault("anomaly.anomaly_sigma", 3.0)
	v.SetDefault("anomaly.top_n", 10)

	v.SetDefault("auth.jwt_secret", "change-me")
	v.SetDefault("auth.jwt_expiration", 60)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.alert_topic", "telemetry.alerts")
	v.SetDefault("kafka.telemetry_topic", "telemetry.readings")
	v.SetDefault("kafka.group_id", "telemetry-ingest")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "telemetry-gateway")
	v.SetDefault("mqtt.topic_prefix", "telemetry")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.org", "harvestry")
	v.SetDefault("influx.bucket", "telemetry")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.namespace", "telemetry:fire")
	v.SetDefault("redis.timeout", "2s")
}

func (c *Config) validate() error {
	switch {
	case c.Ingestion.FutureTolerance <= 0:
		return fmt.Errorf("ingestion.future_tolerance must be positive")
	case c.Ingestion.MaxBatchSize <= 0:
		return fmt.Errorf("ingestion.max_batch_size must be positive")
	case c.Evaluation.Interval <= 0:
		return fmt.Errorf("evaluation.interval must be positive")
	case c.Evaluation.Workers <= 0:
		return fmt.Errorf("evaluation.workers must be positive")
	case c.Anomaly.AnomalySigma <= c.Anomaly.MediumSigma:
		return fmt.Errorf("anomaly.anomaly_sigma must exceed anomaly.medium_sigma")
	}
	return nil
}
