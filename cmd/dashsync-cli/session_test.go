package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/collab"
	"github.com/persistorai/dashsync/internal/models"
)

const (
	testDash   = "11111111-1111-1111-1111-111111111111"
	testWidget = "22222222-2222-2222-2222-222222222222"
)

// recordingSession returns a session whose teardown steps append to steps.
func recordingSession(steps *[]string) *session {
	done := make(chan error, 1)
	done <- nil

	return &session{
		cancel: func() { *steps = append(*steps, "cancel") },
		done:   done,
		close:  func() { *steps = append(*steps, "close") },
	}
}

func stubExit(t *testing.T, steps *[]string) {
	t.Helper()

	orig := exit
	exit = func(code int) { *steps = append(*steps, "exit") }
	t.Cleanup(func() { exit = orig })
}

func TestSessionExitWithStopsFirst(t *testing.T) {
	var steps []string
	stubExit(t, &steps)

	s := recordingSession(&steps)
	s.exitWith(2)

	// A deferred stop after exitWith must not block or repeat teardown.
	s.stop()

	want := []string{"cancel", "close", "exit"}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v, want %v", steps, want)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("steps = %v, want %v", steps, want)
		}
	}
}

func TestSessionExitWithZeroDoesNotExit(t *testing.T) {
	var steps []string
	stubExit(t, &steps)

	recordingSession(&steps).exitWith(0)

	if len(steps) != 2 || steps[1] != "close" {
		t.Fatalf("steps = %v, want teardown only", steps)
	}
}

func TestSessionFailStopsFirst(t *testing.T) {
	var steps []string
	stubExit(t, &steps)

	recordingSession(&steps).fail("editing widget", context.DeadlineExceeded)

	if len(steps) != 3 || steps[2] != "exit" {
		t.Fatalf("steps = %v, want cancel, close, exit", steps)
	}
}

func TestEditExitCode(t *testing.T) {
	tests := []struct {
		name string
		st   collab.EditStatus
		want int
	}{
		{"saved", collab.EditStatus{State: collab.StateIdle}, 0},
		{"conflict", collab.EditStatus{State: collab.StateConflict, Conflict: true}, 2},
		{"removed", collab.EditStatus{State: collab.StateRemoved}, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := editExitCode(tc.st); got != tc.want {
				t.Errorf("editExitCode = %d, want %d", got, tc.want)
			}
		})
	}
}

// stubPlatform serves one widget and answers every write with updateErr.
type stubPlatform struct {
	mu        sync.Mutex
	widget    models.Widget
	updateErr error
	writes    int
}

func (p *stubPlatform) Snapshot(context.Context, string) ([]models.Widget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return []models.Widget{p.widget.Clone()}, nil
}

func (p *stubPlatform) Get(context.Context, string) (*models.Widget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.widget.Clone()

	return &w, nil
}

func (p *stubPlatform) Create(context.Context, models.CreateWidgetRequest) (*models.Widget, error) {
	return nil, models.ErrWidgetNotFound
}

func (p *stubPlatform) UpdateContent(_ context.Context, _ string, content models.Content, _ int64) (*models.Widget, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes++
	if p.updateErr != nil {
		return nil, p.updateErr
	}

	p.widget.Content = content.Clone()
	p.widget.Version++
	w := p.widget.Clone()

	return &w, nil
}

func (p *stubPlatform) Delete(context.Context, string) ([]models.Widget, error) {
	return nil, nil
}

func (p *stubPlatform) Subscribe(context.Context, string) (collab.Subscription, error) {
	return &stubSub{ch: make(chan collab.FeedMessage)}, nil
}

type stubSub struct {
	once sync.Once
	ch   chan collab.FeedMessage
}

func (s *stubSub) Messages() <-chan collab.FeedMessage { return s.ch }

func (s *stubSub) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

func runEngine(t *testing.T, p *stubPlatform) *collab.Engine {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	e := collab.New(p, p, log, collab.WithQuietPeriod(5*time.Millisecond), collab.WithHeartbeatTimeout(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	openCtx, openCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer openCancel()
	if err := e.Open(openCtx, testDash); err != nil {
		t.Fatalf("Open: %v", err)
	}

	return e
}

func TestEditWidget(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		updateErr  error
		wantWrites int
		wantCode   int
		wantVer    int64
	}{
		{"saved", "B", nil, 1, 0, 4},
		{"unchanged text", "A", nil, 0, 0, 3},
		{"conflict", "B", models.ErrVersionConflict, 1, 2, 3},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubPlatform{
				widget: models.Widget{
					ID:          testWidget,
					DashboardID: testDash,
					Type:        models.DefaultType,
					Content:     models.Content{"text": "A"},
					Position:    models.DefaultPosition,
					Version:     3,
				},
				updateErr: tc.updateErr,
			}
			e := runEngine(t, p)

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			st, err := editWidget(ctx, e, testWidget, tc.text)
			if err != nil {
				t.Fatalf("editWidget: %v", err)
			}

			if got := editExitCode(st); got != tc.wantCode {
				t.Errorf("exit code = %d, want %d (status %+v)", got, tc.wantCode, st)
			}
			if st.BaseVersion != tc.wantVer {
				t.Errorf("BaseVersion = %d, want %d", st.BaseVersion, tc.wantVer)
			}

			p.mu.Lock()
			writes := p.writes
			p.mu.Unlock()
			if writes != tc.wantWrites {
				t.Errorf("writes = %d, want %d", writes, tc.wantWrites)
			}
		})
	}
}
