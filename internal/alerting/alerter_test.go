package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"
)

func TestAlerterRoutesByChannelName(t *testing.T) {
	a := NewAlerter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var got []string
	a.Register("websocket", ChannelFunc(func(_ context.Context, ev AlertEvent) error {
		got = append(got, "websocket:"+ev.Alert.ID)
		return nil
	}))
	a.Register("kafka", ChannelFunc(func(context.Context, AlertEvent) error {
		got = append(got, "kafka")
		return errors.New("broker down")
	}))
	a.Register("log", LogChannel{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ev := AlertEvent{Type: TransitionFired, Alert: InstanceView{ID: "a1"}, Channels: []string{"kafka", "sms", "websocket"}}
	err := a.Notify(context.Background(), ev)
	if err == nil {
		t.Fatalf("kafka failure not reported")
	}
	if len(got) != 2 || got[0] != "kafka" || got[1] != "websocket:a1" {
		t.Fatalf("deliveries = %v", got)
	}

	names := a.Channels()
	sort.Strings(names)
	if len(names) != 3 || names[0] != "kafka" || names[2] != "websocket" {
		t.Fatalf("channels = %v", names)
	}
}
