// cmd/gateway/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/anomaly"
	"harvestry-telemetry/internal/api"
	"harvestry-telemetry/internal/auth"
	"harvestry-telemetry/internal/broker"
	"harvestry-telemetry/internal/clock"
	"harvestry-telemetry/internal/config"
	"harvestry-telemetry/internal/cooldown"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/ingest"
	"harvestry-telemetry/internal/metrics"
	"harvestry-telemetry/internal/mqtt"
	"harvestry-telemetry/internal/query"
	"harvestry-telemetry/internal/rules"
	"harvestry-telemetry/internal/storage"
	"harvestry-telemetry/internal/timeseries"
	"harvestry-telemetry/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	code := 0
	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped with error", "err", err)
		code = 1
	}
	closeLog()
	os.Exit(code)
}

func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, nil, fmt.Errorf("log.level: %w", err)
	}
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		closeFn = func() { f.Close() }
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(out, opts)
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(h).With("service", "telemetry-gateway"), closeFn, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()
	m := metrics.New()

	// --- Storage ---
	readings := storage.NewReadingStore(cfg.Ingestion.ReadingCapacity)
	streams := storage.NewStreamStore()
	ruleStore := storage.NewRuleStore()
	alertStore := storage.NewAlertStore()
	errLog := storage.NewErrorLog()
	var rollups query.RollupSource = storage.NewMemoryRollups(readings)

	// --- Notification channels ---
	hub := websocket.NewHub(logger)
	alerter := alerting.NewAlerter(logger)
	alerter.Register("websocket", alerting.ChannelFunc(func(_ context.Context, ev alerting.AlertEvent) error {
		hub.BroadcastAlert(ev.Alert.SiteID, ev)
		return nil
	}))
	alerter.Register("log", alerting.LogChannel{Logger: logger.With("component", "alert-log")})

	managerOpts := []alerting.ManagerOption{
		alerting.WithNotifier(alerter),
		alerting.WithTransitionObserver(m),
	}
	if cfg.Kafka.Enabled {
		pub := broker.NewAlertPublisher(kafkaConfig(cfg), logger)
		defer pub.Close()
		alerter.Register("kafka", pub)
	}
	if cfg.Redis.Enabled {
		guard := cooldown.NewRedisGuard(cooldown.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
			Timeout:   cfg.Redis.Timeout,
		})
		defer guard.Close()
		if err := guard.Ping(ctx); err != nil {
			logger.Warn("redis unreachable at startup", "addr", cfg.Redis.Addr, "err", err)
		}
		managerOpts = append(managerOpts, alerting.WithFireGuard(guard))
	}
	logger.Info("notification channels ready", "channels", alerter.Channels())

	// --- Alerting ---
	manager := alerting.NewManager(alertStore, clk, logger, managerOpts...)
	evaluator := alerting.NewEvaluator(ruleStore, readings, manager, clk, logger, alerting.EvaluatorConfig{
		Workers:  cfg.Evaluation.Workers,
		Interval: cfg.Evaluation.Interval,
	})
	evaluator.SetObserver(m)

	ruleSvc := rules.NewService(ruleStore, streams, clk, logger)
	ruleSvc.OnChange(func(ctx context.Context, r *rules.AlertRule) {
		if _, err := manager.ReleaseRule(ctx, r); err != nil {
			logger.Warn("release alerts after rule change failed", "rule_id", r.ID(), "err", err)
		}
	})

	// --- Ingestion ---
	sessions := ingest.NewSessionTracker(clk, cfg.Session.StaleAfter, logger)
	pipeline := ingest.NewPipeline(streams, readings, errLog, sessions, clk, logger, ingest.Config{
		FutureTolerance:  cfg.Ingestion.FutureTolerance,
		StaleSourceAfter: cfg.Ingestion.StaleSourceAfter,
		MaxBatchSize:     cfg.Ingestion.MaxBatchSize,
	})
	pipeline.SetMetrics(m)
	if cfg.Influx.Enabled {
		influx := timeseries.NewInfluxStore(timeseries.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger)
		defer influx.Close()
		if err := influx.Ping(ctx); err != nil {
			logger.Warn("influxdb unreachable at startup", "url", cfg.Influx.URL, "err", err)
		}
		pipeline.SetMirror(influx)
		rollups = influx
	}
	pipeline.OnIngested(func(_ context.Context, siteID string, accepted []data.SensorReading) {
		hub.BroadcastReadings(siteID, accepted)
	})
	if cfg.Evaluation.PostIngest {
		pipeline.OnIngested(func(ctx context.Context, siteID string, accepted []data.SensorReading) {
			evaluator.ReadingsIngested(ctx, siteID, ingest.StreamIDs(accepted))
		})
	}

	handler := api.NewAPIHandler(api.Deps{
		Pipeline:  pipeline,
		Streams:   ingest.NewRegistry(streams, clk, logger),
		Sessions:  sessions,
		Errors:    errLog,
		Rules:     ruleSvc,
		Alerts:    manager,
		Query:     query.NewService(readings, rollups, clk, logger),
		Anomalies: anomaly.NewDetector(readings, streams, clk, logger, anomaly.Config{
			DefaultWindow: cfg.Anomaly.DefaultWindow,
			MediumSigma:   cfg.Anomaly.MediumSigma,
			AnomalySigma:  cfg.Anomaly.AnomalySigma,
			TopN:          cfg.Anomaly.TopN,
		}),
		Hub:     hub,
		Auth:    auth.NewManager(cfg.Auth),
		Metrics: m.Handler(),
		Clock:   clk,
		Logger:  logger,
	})

	// --- Background workers ---
	go hub.Run(ctx)
	go evaluator.Run(ctx)
	if cfg.Kafka.Enabled {
		consumer := broker.NewTelemetryConsumer(kafkaConfig(cfg), pipeline, logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka telemetry consumer stopped", "err", err)
			}
		}()
	}
	if cfg.MQTT.Enabled {
		sub := mqtt.NewSubscriber(mqtt.Config{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, pipeline, sessions, logger)
		defer sub.Disconnect()
		go func() {
			if err := sub.Connect(ctx, time.Second, 30*time.Second); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt connect gave up", "err", err)
			}
		}()
	}

	// --- HTTP servers ---
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           api.SetupDataRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("http server listening", "server", name, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("data", dataServer)
	go serve("ui", uiServer)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := dataServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("data server shutdown", "err", err)
	}
	if err := uiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ui server shutdown", "err", err)
	}
	logger.Info("servers stopped")
	return runErr
}

func kafkaConfig(cfg *config.Config) broker.Config {
	return broker.Config{
		Brokers:        cfg.Kafka.Brokers,
		AlertTopic:     cfg.Kafka.AlertTopic,
		TelemetryTopic: cfg.Kafka.TelemetryTopic,
		GroupID:        cfg.Kafka.GroupID,
	}
}
