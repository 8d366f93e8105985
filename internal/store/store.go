// Package store provides pgx-backed data access for dashboard widgets.
//
// Every method bounds its query with the store timeout and maps "no row"
// results onto the sentinels in internal/models. Change notifications are
// emitted by the widgets_notify trigger, not by the store.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// DefaultQueryTimeout bounds a store call when Base.Timeout is zero.
const DefaultQueryTimeout = 30 * time.Second

// Querier is the part of a pool or transaction the store reads and writes
// through. *dbpool.Pool and pgx.Tx both satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Base carries the dependencies shared by the store types.
type Base struct {
	Pool    Querier
	Log     *logrus.Logger
	Timeout time.Duration
}

func (b Base) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	d := b.Timeout
	if d <= 0 {
		d = DefaultQueryTimeout
	}

	return context.WithTimeout(ctx, d)
}
