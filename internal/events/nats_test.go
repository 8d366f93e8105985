package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/sirupsen/logrus"
)

const testDashboard = "11111111-1111-1111-1111-111111111111"

// startTestNATS starts an embedded NATS server and returns its client URL.
func startTestNATS(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("starting embedded NATS: %v", err)
	}
	srv.Start()
	t.Cleanup(srv.Shutdown)
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS not ready")
	}
	return srv.ClientURL()
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func receive(t *testing.T, ch <-chan []byte) Envelope {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("decoding envelope: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Envelope{}
	}
}

func TestBroadcastEventReachesDashboardSubject(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url, testLogger())
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(WidgetSubject(testDashboard))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	other, cancelOther, err := sub.Subscribe(WidgetSubject("other"))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancelOther()

	pub.BroadcastEvent("widget.updated", testDashboard, json.RawMessage(`{"id":"w1","version":4}`))
	if err := pub.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	env := receive(t, ch)
	if env.Type != "widget.updated" || env.DashboardID != testDashboard {
		t.Errorf("envelope = %+v", env)
	}
	if string(env.Data) != `{"id":"w1","version":4}` {
		t.Errorf("data = %s", env.Data)
	}

	select {
	case msg := <-other:
		t.Errorf("other dashboard received %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunHeartbeat(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url, testLogger())
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(HeartbeatSubject)
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go pub.RunHeartbeat(ctx, 20*time.Millisecond)

	if env := receive(t, ch); env.Type != HeartbeatType {
		t.Errorf("type = %q, want heartbeat", env.Type)
	}
}

func TestNATSSubscriber_Cancel(t *testing.T) {
	url := startTestNATS(t)

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(WidgetSubject(testDashboard))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}

	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNATSSubscriber_OverflowClosesChannel(t *testing.T) {
	url := startTestNATS(t)

	pub, err := NewNATSPublisher(url, testLogger())
	if err != nil {
		t.Fatalf("creating publisher: %v", err)
	}
	defer pub.Close()

	sub, err := NewNATSSubscriber(url)
	if err != nil {
		t.Fatalf("creating subscriber: %v", err)
	}
	defer sub.Close()

	ch, cancel, err := sub.Subscribe(WidgetSubject(testDashboard))
	if err != nil {
		t.Fatalf("subscribing: %v", err)
	}
	defer cancel()

	// Nobody reads: the buffer fills and the subscription must end instead
	// of silently dropping events.
	for range subscriberBuffer + 10 {
		pub.BroadcastEvent("widget.updated", testDashboard, json.RawMessage(`{"id":"w1"}`))
	}
	if err := pub.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription was not terminated on overflow")
		}
	}
}
