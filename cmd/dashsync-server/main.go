// Command dashsync-server hosts the widget store, the version-guarded write
// API and the per-dashboard change feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/persistorai/dashsync/internal/api"
	"github.com/persistorai/dashsync/internal/config"
	"github.com/persistorai/dashsync/internal/db"
	"github.com/persistorai/dashsync/internal/db/migrations"
	"github.com/persistorai/dashsync/internal/dbpool"
	"github.com/persistorai/dashsync/internal/events"
	"github.com/persistorai/dashsync/internal/service"
	"github.com/persistorai/dashsync/internal/store"
	"github.com/persistorai/dashsync/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetOutput(os.Stderr)

	if err := run(log); err != nil {
		log.WithError(err).Fatal("dashsync-server exited")
	}
}

func run(log *logrus.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.NewPool(ctx, cfg.DatabaseURL.Value(), cfg.DBMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		return err
	}

	widgetStore := store.NewWidgetStore(store.Base{Pool: pool, Log: log})
	widgets := service.NewWidgetService(widgetStore, log)

	hub := ws.NewHub(log, cfg.HeartbeatInterval)
	outs := []db.Broadcaster{hub}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.NATSEnabled() {
		pub, err := events.NewNATSPublisher(cfg.NATSURL.Value(), log)
		if err != nil {
			return err
		}
		defer pub.Close() //nolint:errcheck // best-effort drain on exit.

		outs = append(outs, pub)

		g.Go(func() error {
			pub.RunHeartbeat(gctx, cfg.HeartbeatInterval)
			return nil
		})

		log.Info("publishing change events to NATS")
	}

	bridge := db.NewNotifyBridge(log, pool, widgetStore, outs...)
	if err := bridge.Start(gctx); err != nil {
		return err
	}

	router := api.NewRouter(gctx, &api.RouterDeps{
		Log:         log,
		Pool:        pool,
		Hub:         hub,
		Widgets:     widgets,
		CORSOrigins: cfg.CORSOrigins,
		Version:     config.Version,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"addr":    cfg.Addr(),
			"version": config.Version,
		}).Info("dashsync-server listening")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		// Feed clients get a shutdown frame before the listener closes.
		hub.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown complete")

	return nil
}
