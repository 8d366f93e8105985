package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/db"
	"github.com/persistorai/dashsync/internal/db/migrations"
	"github.com/persistorai/dashsync/internal/dbpool"
	"github.com/persistorai/dashsync/internal/store"
)

// testEnv holds shared test infrastructure (single pool across all tests).
type testEnv struct {
	pool *dbpool.Pool
	log  *logrus.Logger
}

var sharedEnv *testEnv

func getTestEnv(t *testing.T) *testEnv {
	t.Helper()

	if sharedEnv != nil {
		return sharedEnv
	}

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()

	pool, err := dbpool.NewPool(ctx, dbURL, 4)
	if err != nil {
		t.Fatalf("connecting to test DB: %v", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	if err := db.RunMigrations(ctx, pool, log, migrations.FS); err != nil {
		t.Fatalf("migrating test DB: %v", err)
	}

	sharedEnv = &testEnv{
		pool: pool,
		log:  log,
	}

	return sharedEnv
}

// setupTestStore returns a WidgetStore and a fresh dashboard id whose
// widgets are removed after the test.
func setupTestStore(t *testing.T) (*store.WidgetStore, string) {
	t.Helper()

	env := getTestEnv(t)
	dashboardID := uuid.New().String()

	t.Cleanup(func() {
		env.pool.Exec(context.Background(), "DELETE FROM widgets WHERE dashboard_id = $1", dashboardID) //nolint:errcheck // best-effort cleanup
	})

	return store.NewWidgetStore(store.Base{Pool: env.pool, Log: env.log}), dashboardID
}
