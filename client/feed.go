package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	feedBuffer    = 256
	feedReadLimit = 1 << 20
)

// subscribeMsg asks the server to replay events after LastEventID.
type subscribeMsg struct {
	Type        string `json:"type"`
	LastEventID uint64 `json:"last_event_id,omitempty"`
}

// Subscription is an open change-feed connection for one dashboard.
// Events is closed when the connection ends; Err then reports why.
type Subscription struct {
	conn   *websocket.Conn
	events chan FeedEvent
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe opens the WebSocket change feed of a dashboard. When lastEventID
// is non-zero the server replays newer buffered events, or sends a reset
// message when they are no longer available.
func (c *Client) Subscribe(ctx context.Context, dashboardID string, lastEventID uint64) (*Subscription, error) {
	u, err := c.feedURL(dashboardID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, u, nil) //nolint:bodyclose // coder/websocket closes the handshake body.
	if err != nil {
		return nil, fmt.Errorf("dial change feed: %w", err)
	}
	conn.SetReadLimit(feedReadLimit)

	if err := wsjson.Write(ctx, conn, subscribeMsg{Type: "subscribe", LastEventID: lastEventID}); err != nil {
		conn.CloseNow() //nolint:errcheck // best-effort close on failed handshake
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		conn:   conn,
		events: make(chan FeedEvent, feedBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.readLoop(ctx)

	return s, nil
}

// Events returns the channel of received feed messages.
func (s *Subscription) Events() <-chan FeedEvent {
	return s.events
}

// Err returns the reason the subscription ended, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the connection and waits for the reader to exit.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *Subscription) readLoop(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)
	defer s.conn.CloseNow() //nolint:errcheck // best-effort close on teardown

	for {
		var evt FeedEvent
		if err := wsjson.Read(ctx, s.conn, &evt); err != nil {
			s.setErr(err)
			return
		}

		select {
		case s.events <- evt:
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		}

		if evt.Type == FeedShutdown {
			s.setErr(errors.New("server shutting down"))
			return
		}
	}
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// feedURL converts the HTTP base URL into the WebSocket feed URL.
func (c *Client) feedURL(dashboardID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws"
	u.RawQuery = url.Values{"dashboard_id": {dashboardID}}.Encode()

	return u.String(), nil
}
