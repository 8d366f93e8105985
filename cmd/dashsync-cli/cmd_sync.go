package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/persistorai/dashsync/internal/collab"
	"github.com/persistorai/dashsync/internal/events"
	"github.com/persistorai/dashsync/internal/models"
)

// syncFlags configure the engine behind watch, edit and refresh.
type syncFlags struct {
	natsURL          string
	quietPeriod      time.Duration
	heartbeatTimeout time.Duration
	verbose          bool
}

func (f *syncFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.natsURL, "nats", "", "Receive changes from NATS instead of the WebSocket feed")
	cmd.Flags().DurationVar(&f.quietPeriod, "quiet-period", collab.DefaultQuietPeriod, "Idle time before an edit is saved")
	cmd.Flags().DurationVar(&f.heartbeatTimeout, "heartbeat-timeout", collab.DefaultHeartbeatTimeout, "Resubscribe when the feed is silent this long")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log engine activity to stderr")
}

// session is a running engine bound to one dashboard.
type session struct {
	engine *collab.Engine
	cancel context.CancelFunc
	done   chan error
	close  func()
	once   sync.Once
}

// startSession builds an engine on the HTTP remote and the selected feed,
// runs it, and opens dashboardID.
func startSession(ctx context.Context, f *syncFlags, dashboardID string) (*session, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.WarnLevel)
	if f.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	natsURL := f.natsURL
	if natsURL == "" {
		natsURL = configNATSURL
	}

	var (
		feed    collab.Feed
		closeFn = func() {}
	)
	if natsURL != "" {
		sub, err := events.NewNATSSubscriber(natsURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		feed = collab.NewNATSFeed(sub, log)
		closeFn = func() { _ = sub.Close() }
	} else {
		feed = collab.NewWSFeed(apiClient, log)
	}

	engine := collab.New(collab.NewHTTPRemote(apiClient), feed, log,
		collab.WithQuietPeriod(f.quietPeriod),
		collab.WithHeartbeatTimeout(f.heartbeatTimeout),
	)

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{engine: engine, cancel: cancel, done: make(chan error, 1), close: closeFn}
	go func() { s.done <- engine.Run(runCtx) }()

	if err := engine.Open(ctx, dashboardID); err != nil {
		s.stop()
		return nil, fmt.Errorf("opening dashboard: %w", err)
	}

	return s, nil
}

// stop ends the engine, which releases its feed subscription, and then
// closes the transport. Safe to call more than once.
func (s *session) stop() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.close()
	})
}

// exitWith stops the session before the process exits with code. Deferred
// calls do not run on exit, so the session must not be left to them.
func (s *session) exitWith(code int) {
	s.stop()
	if code != 0 {
		exit(code)
	}
}

// fail reports err and exits after stopping the session.
func (s *session) fail(msg string, err error) {
	s.stop()
	fatal(msg, err)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newWatchCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "watch <dashboard-id>",
		Short: "Follow a dashboard live",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			s, err := startSession(ctx, &f, args[0])
			if err != nil {
				fatal("starting sync", err)
			}
			defer s.stop()

			printStore(ctx, s.engine)

			for {
				select {
				case <-ctx.Done():
					return
				case err := <-s.done:
					s.done <- err
					if err != nil && !errors.Is(err, context.Canceled) {
						s.fail("sync stopped", err)
					}
					return
				case sig := <-s.engine.Signals():
					switch sig.Kind {
					case collab.SignalChanged, collab.SignalResynced:
						printStore(ctx, s.engine)
					case collab.SignalTransportFailure:
						fmt.Fprintf(os.Stderr, "feed: %v\n", sig.Err)
					}
				}
			}
		},
	}
	f.register(cmd)

	return cmd
}

func printStore(ctx context.Context, e *collab.Engine) {
	widgets, err := e.Widgets(ctx)
	if err != nil {
		return
	}

	switch flagFmt {
	case "json":
		formatJSON(widgets)
	case "quiet":
		fmt.Println(len(widgets))
	default:
		rows := make([]widgetRow, len(widgets))
		for i := range widgets {
			rows[i] = rowFromModel(&widgets[i])
		}
		printWidgets(rows, time.Now())
		fmt.Println()
	}
}

func newEditCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "edit <dashboard-id> <widget-id> <text>",
		Short: "Edit a widget's text through the sync engine and wait for the save",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			s, err := startSession(ctx, &f, args[0])
			if err != nil {
				fatal("starting sync", err)
			}
			defer s.stop()

			st, err := editWidget(ctx, s.engine, args[1], args[2])
			if errors.Is(err, context.Canceled) {
				return
			}
			if err != nil {
				s.fail("editing widget", err)
			}

			fmt.Println(statusLine(st, time.Now()))
			s.exitWith(editExitCode(st))
		},
	}
	f.register(cmd)

	return cmd
}

// editWidget mounts id, replaces its text and waits for the resulting write
// to settle. Unchanged text leaves the buffer idle and nothing is written.
func editWidget(ctx context.Context, e *collab.Engine, id, text string) (collab.EditStatus, error) {
	if err := e.Mount(ctx, id); err != nil {
		return collab.EditStatus{}, fmt.Errorf("mounting widget: %w", err)
	}
	if err := e.EditText(ctx, id, text); err != nil {
		return collab.EditStatus{}, err
	}

	st, err := e.Status(ctx, id)
	if err != nil {
		return collab.EditStatus{}, err
	}
	if st.State == collab.StateIdle {
		return st, nil
	}

	if !awaitOutcome(ctx, e, id) {
		return collab.EditStatus{}, context.Canceled
	}

	return e.Status(ctx, id)
}

// editExitCode is 2 when the edit was not saved because someone else changed
// or deleted the widget.
func editExitCode(st collab.EditStatus) int {
	if st.Conflict || st.State == collab.StateRemoved {
		return 2
	}

	return 0
}

// awaitOutcome blocks until the write to id settles. It returns false when
// ctx ends first.
func awaitOutcome(ctx context.Context, e *collab.Engine, id string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sig := <-e.Signals():
			if sig.WidgetID != id {
				continue
			}
			switch sig.Kind {
			case collab.SignalSaved, collab.SignalConflict, collab.SignalNotFound,
				collab.SignalRemoved, collab.SignalTransportFailure:
				return true
			}
		}
	}
}

func newRefreshCmd() *cobra.Command {
	var f syncFlags

	cmd := &cobra.Command{
		Use:   "refresh <dashboard-id> <widget-id>",
		Short: "Reload a widget from the server, discarding unsaved local edits",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signalContext()
			defer stop()

			s, err := startSession(ctx, &f, args[0])
			if err != nil {
				fatal("starting sync", err)
			}
			defer s.stop()

			id := args[1]
			if err := s.engine.Mount(ctx, id); err != nil {
				s.fail("mounting widget", err)
			}
			if err := s.engine.Refresh(ctx, id); err != nil {
				s.fail("refreshing widget", err)
			}

			st, err := s.engine.Status(ctx, id)
			if err != nil {
				s.fail("reading status", err)
			}
			if st.Widget != nil {
				output(st.Widget, st.Widget.Content.Text())
				return
			}
			fmt.Println(statusLine(st, time.Now()))
		},
	}
	f.register(cmd)

	return cmd
}

func rowFromModel(w *models.Widget) widgetRow {
	return widgetRow{ID: w.ID, Type: w.Type, Text: w.Content.Text(), Version: w.Version, UpdatedAt: w.UpdatedAt}
}
