// Package api provides HTTP handlers for the dashsync server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/db"
)

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db        DatabaseChecker
	hub       ClientCounter
	log       *logrus.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a HealthHandler. database and hub may be nil.
func NewHealthHandler(database DatabaseChecker, hub ClientCounter, log *logrus.Logger, version string) *HealthHandler {
	return &HealthHandler{
		db:        database,
		hub:       hub,
		log:       log,
		version:   version,
		startTime: time.Now(),
	}
}

type readinessResponse struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	SchemaVersion int               `json:"schema_version"`
	FeedClients   int               `json:"feed_clients"`
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	Database      string  `json:"database"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Liveness handles GET /api/v1/health.
func (h *HealthHandler) Liveness(c *gin.Context) {
	resp := healthResponse{
		Status:        "ok",
		Version:       h.version,
		Database:      "connected",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}

	// Best-effort database ping (non-fatal for liveness).
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := h.db.HealthCheck(ctx); err != nil {
			resp.Database = "disconnected"
		}
	} else {
		resp.Database = "not_configured"
	}

	c.JSON(http.StatusOK, resp)
}

// Readiness handles GET /api/v1/ready: database reachable and widgets table present.
func (h *HealthHandler) Readiness(c *gin.Context) {
	checks := map[string]string{
		"database": "ok",
		"schema":   "ok",
	}
	status := "ready"
	statusCode := http.StatusOK

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if h.db == nil {
		checks["database"] = "not_configured"
	} else if err := h.db.HealthCheck(ctx); err != nil {
		h.log.WithError(err).Error("readiness: database health check failed")
		checks["database"] = "error"
	}

	if checks["database"] == "ok" {
		if err := h.checkSchema(ctx); err != nil {
			h.log.WithError(err).Error("readiness: schema check failed")
			checks["schema"] = "error"
		}
	} else {
		checks["schema"] = "unknown"
	}

	if checks["database"] != "ok" || checks["schema"] != "ok" {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
	}

	resp := readinessResponse{
		Status:        status,
		Checks:        checks,
		SchemaVersion: db.SchemaVersion(),
	}
	if h.hub != nil {
		resp.FeedClients = h.hub.ClientCount()
	}

	c.JSON(statusCode, resp)
}

func (h *HealthHandler) checkSchema(ctx context.Context) error {
	var count int
	if err := h.db.QueryRow(ctx, "SELECT COUNT(*) FROM widgets").Scan(&count); err != nil {
		return fmt.Errorf("schema check: %w", err)
	}

	return nil
}
