// internal/mqtt/subscriber.go
package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"harvestry-telemetry/internal/data"
	"harvestry-telemetry/internal/ingest"
)

type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// TopicPrefix is followed by /{equipmentID}/readings or /{equipmentID}/status.
	TopicPrefix string
	QoS         byte
}

// DeviceIngester is the single-device ingestion entry point.
type DeviceIngester interface {
	IngestDevice(ctx context.Context, equipmentID string, protocol data.Protocol, raw []byte) (*ingest.Result, error)
}

// SessionEnder closes a device session when it reports itself offline.
type SessionEnder interface {
	End(equipmentID string) bool
}

// Subscriber feeds MQTT device pushes into the ingestion pipeline.
type Subscriber struct {
	cfg      Config
	ingester DeviceIngester
	sessions SessionEnder
	client   paho.Client
	log      *slog.Logger
}

func NewSubscriber(cfg Config, ingester DeviceIngester, sessions SessionEnder, logger *slog.Logger) *Subscriber {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "telemetry"
	}
	s := &Subscriber{cfg: cfg, ingester: ingester, sessions: sessions, log: logger.With("component", "mqtt")}
	s.client = paho.NewClient(s.options())
	return s
}

func (s *Subscriber) options() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.BrokerURL).
		SetClientID(s.cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}

	opts.OnConnect = func(c paho.Client) {
		topic := s.cfg.TopicPrefix + "/+/+"
		if token := c.Subscribe(topic, s.cfg.QoS, s.handle); token.Wait() && token.Error() != nil {
			s.log.Error("mqtt subscribe failed", "topic", topic, "err", token.Error())
			return
		}
		s.log.Info("mqtt subscribed", "topic", topic, "qos", s.cfg.QoS)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		s.log.Warn("mqtt connection lost", "err", err)
	}
	return opts
}

// Connect retries with exponential backoff until connected or ctx is done.
func (s *Subscriber) Connect(ctx context.Context, start, max time.Duration) error {
	backoff := start
	for {
		token := s.client.Connect()
		if token.Wait() && token.Error() == nil {
			s.log.Info("mqtt connected", "broker", s.cfg.BrokerURL)
			return nil
		}
		s.log.Warn("mqtt connect failed", "err", token.Error(), "retry_in", backoff.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			if backoff < max {
				backoff *= 2
			}
		}
	}
}

func (s *Subscriber) Disconnect() {
	if s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// parseTopic splits prefix/{equipmentID}/{kind}.
func parseTopic(prefix, topic string) (equipmentID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	equipmentID, kind, ok := parseTopic(s.cfg.TopicPrefix, msg.Topic())
	if !ok {
		s.log.Debug("ignoring mqtt topic", "topic", msg.Topic())
		return
	}
	switch kind {
	case "readings":
		res, err := s.ingester.IngestDevice(context.Background(), equipmentID, data.ProtocolMQTT, msg.Payload())
		if err != nil {
			s.log.Warn("mqtt payload rejected", "equipment_id", equipmentID, "err", err)
			return
		}
		s.log.Debug("mqtt payload ingested", "equipment_id", equipmentID, "accepted", res.Accepted, "rejected", res.Rejected)
	case "status":
		if strings.EqualFold(strings.TrimSpace(string(msg.Payload())), "offline") && s.sessions.End(equipmentID) {
			s.log.Info("device went offline", "equipment_id", equipmentID)
		}
	default:
		s.log.Debug("ignoring mqtt topic", "topic", msg.Topic())
	}
}
