// internal/alerting/alerter.go
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Channel delivers alert events to one destination (websocket clients, a Kafka topic, the log).
type Channel interface {
	Send(ctx context.Context, ev AlertEvent) error
}

// ChannelFunc adapts a plain function to a Channel.
type ChannelFunc func(ctx context.Context, ev AlertEvent) error

func (f ChannelFunc) Send(ctx context.Context, ev AlertEvent) error { return f(ctx, ev) }

// Alerter fans alert events out to the channels each rule asks for.
type Alerter struct {
	mu       sync.RWMutex
	channels map[string]Channel
	log      *slog.Logger
}

func NewAlerter(logger *slog.Logger) *Alerter {
	return &Alerter{channels: make(map[string]Channel), log: logger.With("component", "alerter")}
}

// Register binds a channel name used in rule notification lists to a destination.
func (a *Alerter) Register(name string, ch Channel) {
	a.mu.Lock()
	a.channels[name] = ch
	a.mu.Unlock()
}

// Channels lists the registered channel names.
func (a *Alerter) Channels() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.channels))
	for name := range a.channels {
		out = append(out, name)
	}
	return out
}

// Notify sends ev to every channel it names. Unknown channels are logged and skipped;
// delivery failures are joined so one broken channel does not starve the others.
func (a *Alerter) Notify(ctx context.Context, ev AlertEvent) error {
	var errs []error
	for _, name := range ev.Channels {
		a.mu.RLock()
		ch, ok := a.channels[name]
		a.mu.RUnlock()
		if !ok {
			a.log.Warn("no such notification channel", "channel", name, "alert_id", ev.Alert.ID)
			continue
		}
		if err := ch.Send(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// LogChannel writes alert events to the structured log.
type LogChannel struct {
	Logger *slog.Logger
}

func (l LogChannel) Send(_ context.Context, ev AlertEvent) error {
	l.Logger.Info("alert event",
		"type", ev.Type,
		"alert_id", ev.Alert.ID,
		"rule", ev.Alert.RuleName,
		"stream_id", ev.Alert.StreamID,
		"severity", ev.Alert.Severity,
		"message", ev.Alert.Message,
	)
	return nil
}
