// internal/broker/kafka.go
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"harvestry-telemetry/internal/alerting"
	"harvestry-telemetry/internal/apperr"
	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/ingest"
)

type Config struct {
	Brokers        []string
	AlertTopic     string
	TelemetryTopic string
	GroupID        string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// AlertPublisher is the "kafka" notification channel: alert events as JSON keyed by alert id.
type AlertPublisher struct {
	w   messageWriter
	log *slog.Logger
}

func NewAlertPublisher(cfg Config, logger *slog.Logger) *AlertPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &AlertPublisher{w: w, log: logger.With("component", "kafka-alerts")}
}

func (p *AlertPublisher) Send(ctx context.Context, ev alerting.AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal alert event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Alert.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "site_id", Value: []byte(ev.Alert.SiteID)},
		},
		Time: ev.OccurredAt,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", ev.Alert.ID, err)
	}
	return nil
}

func (p *AlertPublisher) Close() error { return p.w.Close() }

// DeviceIngester is the single-device ingestion entry point.
type DeviceIngester interface {
	IngestDevice(ctx context.Context, equipmentID string, protocol data.Protocol, raw []byte) (*ingest.Result, error)
}

// TelemetryConsumer feeds device payloads from a Kafka topic into ingestion.
// The message key, or the equipment_id header, names the equipment.
type TelemetryConsumer struct {
	r        messageReader
	ingester DeviceIngester
	log      *slog.Logger
}

func NewTelemetryConsumer(cfg Config, ingester DeviceIngester, logger *slog.Logger) *TelemetryConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.TelemetryTopic,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	return &TelemetryConsumer{r: r, ingester: ingester, log: logger.With("component", "kafka-telemetry")}
}

// Run consumes until ctx is cancelled. Payloads the pipeline rejects are committed
// so they are not redelivered; infrastructure failures stop the loop uncommitted.
func (c *TelemetryConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch telemetry: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			return fmt.Errorf("commit telemetry offset: %w", err)
		}
	}
}

func (c *TelemetryConsumer) handle(ctx context.Context, msg kafka.Message) error {
	equipmentID := equipmentOf(msg)
	res, err := c.ingester.IngestDevice(ctx, equipmentID, data.ProtocolKafka, msg.Value)
	switch {
	case err == nil:
		c.log.Debug("telemetry consumed", "equipment_id", equipmentID, "offset", msg.Offset,
			"accepted", res.Accepted, "rejected", res.Rejected)
		return nil
	case errors.Is(err, apperr.ErrValidation):
		c.log.Warn("telemetry message rejected", "equipment_id", equipmentID, "offset", msg.Offset, "err", err)
		return nil
	default:
		return fmt.Errorf("ingest offset %d: %w", msg.Offset, err)
	}
}

func equipmentOf(msg kafka.Message) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	for _, h := range msg.Headers {
		if h.Key == "equipment_id" {
			return string(h.Value)
		}
	}
	return ""
}

func (c *TelemetryConsumer) Close() error { return c.r.Close() }
