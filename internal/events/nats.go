package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 256

// NATSPublisher publishes widget events to NATS subjects.
type NATSPublisher struct {
	conn *nats.Conn
	log  *logrus.Logger
}

// NewNATSPublisher connects to the NATS server at url.
func NewNATSPublisher(url string, log *logrus.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("dashsync-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc, log: log}, nil
}

// Publish JSON-encodes event and publishes it on topic.
func (p *NATSPublisher) Publish(_ context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	return p.conn.Publish(topic, data)
}

// BroadcastEvent publishes a widget event on the dashboard's subject.
func (p *NATSPublisher) BroadcastEvent(eventType, dashboardID string, data json.RawMessage) {
	env := Envelope{Type: eventType, DashboardID: dashboardID, Data: data, Time: time.Now()}
	if err := p.Publish(context.Background(), WidgetSubject(dashboardID), env); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"dashboard_id": dashboardID,
			"event":        eventType,
		}).Warn("NATS publish failed")
	}
}

// RunHeartbeat publishes a heartbeat every interval until ctx is cancelled.
func (p *NATSPublisher) RunHeartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Publish(ctx, HeartbeatSubject, Envelope{Type: HeartbeatType, Time: time.Now()}); err != nil {
				p.log.WithError(err).Debug("NATS heartbeat failed")
			}
		}
	}
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// NATSSubscriber subscribes to events from NATS subjects.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NewNATSSubscriber connects to NATS with automatic reconnection support.
// Extra nats.Option values (e.g. disconnect/reconnect handlers) can be appended.
func NewNATSSubscriber(url string, opts ...nats.Option) (*NATSSubscriber, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSubscriber{conn: nc}, nil
}

// Subscribe returns a channel that receives raw payloads for topic. Call the
// returned cancel function to unsubscribe and close the channel.
//
// Messages are never dropped silently: if the consumer falls behind and the
// buffer fills up, the subscription is terminated and the channel closed so
// the consumer knows to resynchronize.
func (s *NATSSubscriber) Subscribe(topic string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, subscriberBuffer)

	var (
		mu     sync.Mutex
		closed bool
		sub    *nats.Subscription
	)

	terminate := func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true
		if sub != nil {
			_ = sub.Unsubscribe()
		}
		close(ch)
	}

	mu.Lock()
	nsub, err := s.conn.Subscribe(topic, func(msg *nats.Msg) {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		select {
		case ch <- msg.Data:
			mu.Unlock()
		default:
			mu.Unlock()
			terminate()
		}
	})
	sub = nsub
	mu.Unlock()
	if err != nil {
		close(ch)
		return nil, nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so that messages published on other connections are routed.
	if err := s.conn.Flush(); err != nil {
		terminate()
		return nil, nil, fmt.Errorf("flushing subscription: %w", err)
	}

	return ch, terminate, nil
}

// Close closes the connection.
func (s *NATSSubscriber) Close() error {
	s.conn.Close()
	return nil
}
