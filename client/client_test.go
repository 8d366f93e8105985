package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	testDashboard = "11111111-1111-1111-1111-111111111111"
	testWidget    = "22222222-2222-2222-2222-222222222222"
)

// newTestServer creates a test server that routes to the given handler map.
// Keys are "METHOD /path", values are handler funcs.
func newTestServer(t *testing.T, routes map[string]http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := New(srv.URL, WithUserAgent("dashsync-test"))
	return srv, c
}

func jsonResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func TestHealth(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/health": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, HealthResponse{Status: "ok", Version: "0.3.0"})
		},
	})
	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health() error: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("got status %q, want ok", resp.Status)
	}
	if resp.Version != "0.3.0" {
		t.Errorf("got version %q, want 0.3.0", resp.Version)
	}
}

func TestWidgetsCRUD(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/dashboards/" + testDashboard + "/widgets": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, map[string]any{"widgets": []Widget{{ID: testWidget, DashboardID: testDashboard, Version: 2}}})
		},
		"POST /api/v1/dashboards/" + testDashboard + "/widgets": func(w http.ResponseWriter, r *http.Request) {
			var req CreateWidgetRequest
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			jsonResponse(w, 201, Widget{ID: testWidget, DashboardID: testDashboard, Type: req.Type, Content: req.Content})
		},
		"GET /api/v1/widgets/" + testWidget: func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, Widget{ID: testWidget, Version: 2})
		},
		"PUT /api/v1/widgets/" + testWidget + "/content": func(w http.ResponseWriter, r *http.Request) {
			var req UpdateContentRequest
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			jsonResponse(w, 200, Widget{ID: testWidget, Content: req.Content, Version: req.ExpectedVersion + 1})
		},
		"PUT /api/v1/widgets/" + testWidget + "/position": func(w http.ResponseWriter, r *http.Request) {
			var req UpdatePositionRequest
			json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
			jsonResponse(w, 200, Widget{ID: testWidget, Position: req.Position, Version: req.ExpectedVersion + 1})
		},
		"DELETE /api/v1/widgets/" + testWidget: func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, DeleteResponse{Deleted: []Widget{{ID: testWidget}}})
		},
	})

	ctx := context.Background()

	widgets, err := c.Widgets.List(ctx, testDashboard)
	if err != nil || len(widgets) != 1 || widgets[0].Version != 2 {
		t.Fatalf("List: err=%v, widgets=%+v", err, widgets)
	}

	created, err := c.Widgets.Create(ctx, testDashboard, &CreateWidgetRequest{Type: "text", Content: map[string]any{"text": "hi"}})
	if err != nil || created.Type != "text" || created.Content["text"] != "hi" {
		t.Fatalf("Create: err=%v, widget=%+v", err, created)
	}

	got, err := c.Widgets.Get(ctx, testWidget)
	if err != nil || got.ID != testWidget {
		t.Fatalf("Get: err=%v, widget=%+v", err, got)
	}

	updated, err := c.Widgets.UpdateContent(ctx, testWidget, map[string]any{"text": "B"}, 2)
	if err != nil || updated.Version != 3 || updated.Content["text"] != "B" {
		t.Fatalf("UpdateContent: err=%v, widget=%+v", err, updated)
	}

	moved, err := c.Widgets.UpdatePosition(ctx, testWidget, Position{X: 1, Y: 2, W: 3, H: 4}, 3)
	if err != nil || moved.Position.H != 4 || moved.Version != 4 {
		t.Fatalf("UpdatePosition: err=%v, widget=%+v", err, moved)
	}

	deleted, err := c.Widgets.Delete(ctx, testWidget)
	if err != nil || len(deleted) != 1 {
		t.Fatalf("Delete: err=%v, deleted=%+v", err, deleted)
	}
}

func TestDeleteNothing(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"DELETE /api/v1/widgets/" + testWidget: func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 200, DeleteResponse{Deleted: []Widget{}})
		},
	})

	deleted, err := c.Widgets.Delete(context.Background(), testWidget)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(deleted) != 0 {
		t.Errorf("deleted = %+v, want none", deleted)
	}
}

func TestAPIError(t *testing.T) {
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/widgets/missing": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 404, map[string]string{"code": CodeNotFound, "message": "widget not found"})
		},
		"PUT /api/v1/widgets/" + testWidget + "/content": func(w http.ResponseWriter, _ *http.Request) {
			jsonResponse(w, 409, map[string]string{"code": CodeVersionConflict, "message": "version conflict", "request_id": "req-1"})
		},
	})

	ctx := context.Background()

	_, err := c.Widgets.Get(ctx, "missing")
	if !IsNotFound(err) {
		t.Errorf("expected not found, got: %v", err)
	}

	_, err = c.Widgets.UpdateContent(ctx, testWidget, map[string]any{"text": "x"}, 1)
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got: %v", err)
	}
	if IsNotFound(err) {
		t.Error("conflict reported as not found")
	}

	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != CodeVersionConflict || apiErr.RequestID != "req-1" {
		t.Errorf("unexpected error: %#v", err)
	}
}

func TestUserAgentHeader(t *testing.T) {
	var gotUA string
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/health": func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
			jsonResponse(w, 200, HealthResponse{Status: "ok"})
		},
	})

	c.Health(context.Background()) //nolint:errcheck
	if gotUA != "dashsync-test" {
		t.Errorf("user agent: got %q, want %q", gotUA, "dashsync-test")
	}
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:3030", "ws://localhost:3030/api/v1/ws?dashboard_id=" + testDashboard},
		{"https://sync.example.com/", "wss://sync.example.com/api/v1/ws?dashboard_id=" + testDashboard},
	}
	for _, tc := range tests {
		got, err := New(tc.base).feedURL(testDashboard)
		if err != nil || got != tc.want {
			t.Errorf("feedURL(%q) = %q, %v; want %q", tc.base, got, err, tc.want)
		}
	}
}

func TestSubscribe(t *testing.T) {
	gotSubscribe := make(chan subscribeMsg, 1)

	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/ws": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("dashboard_id") != testDashboard {
				http.Error(w, "bad dashboard", http.StatusBadRequest)
				return
			}
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer conn.CloseNow() //nolint:errcheck

			ctx := r.Context()
			var msg subscribeMsg
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			gotSubscribe <- msg

			wsjson.Write(ctx, conn, FeedEvent{Type: FeedHeartbeat})                                                          //nolint:errcheck
			wsjson.Write(ctx, conn, FeedEvent{Type: "widget.updated", ID: 8, Data: json.RawMessage(`{"id":"` + testWidget + `"}`)}) //nolint:errcheck
			wsjson.Write(ctx, conn, FeedEvent{Type: FeedShutdown})                                                           //nolint:errcheck

			// Keep the connection open until the client goes away.
			conn.Read(ctx) //nolint:errcheck
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := c.Subscribe(ctx, testDashboard, 7)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close() //nolint:errcheck

	select {
	case msg := <-gotSubscribe:
		if msg.Type != "subscribe" || msg.LastEventID != 7 {
			t.Errorf("subscribe message = %+v", msg)
		}
	case <-ctx.Done():
		t.Fatal("server never received subscribe")
	}

	var types []string
	for evt := range sub.Events() {
		types = append(types, evt.Type)
		if evt.Type == "widget.updated" && evt.ID != 8 {
			t.Errorf("event id = %d, want 8", evt.ID)
		}
	}

	want := []string{FeedHeartbeat, "widget.updated", FeedShutdown}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	if sub.Err() == nil {
		t.Error("Err() = nil after shutdown message")
	}
}

func TestRateLimitedRetry(t *testing.T) {
	var calls int
	_, c := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/widgets/" + testWidget: func(w http.ResponseWriter, _ *http.Request) {
			calls++
			if calls == 1 {
				w.Header().Set("Retry-After", "1")
				jsonResponse(w, http.StatusTooManyRequests, map[string]string{"code": "rate_limited", "message": "rate limit exceeded"})
				return
			}
			jsonResponse(w, http.StatusOK, Widget{ID: testWidget, Version: 2})
		},
	})

	got, err := c.Widgets.Get(context.Background(), testWidget)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 2 || calls != 2 {
		t.Errorf("version = %d, calls = %d", got.Version, calls)
	}
}

func TestRateLimitedNoRetry(t *testing.T) {
	var calls int
	srv, _ := newTestServer(t, map[string]http.HandlerFunc{
		"GET /api/v1/widgets/" + testWidget: func(w http.ResponseWriter, _ *http.Request) {
			calls++
			jsonResponse(w, http.StatusTooManyRequests, map[string]string{"code": "rate_limited", "message": "slow down"})
		},
	})
	c := New(srv.URL, WithRetries(0))

	_, err := c.Widgets.Get(context.Background(), testWidget)
	if !IsRateLimited(err) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
