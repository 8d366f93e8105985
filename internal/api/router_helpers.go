package api

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/middleware"
	"github.com/persistorai/dashsync/internal/models"
	"github.com/persistorai/dashsync/internal/ws"
)

// feedHandler upgrades GET /api/v1/ws?dashboard_id=… to a change-feed
// connection scoped to that dashboard. The connection lives until the
// client leaves, the request context ends, or the server shuts down.
func feedHandler(appCtx context.Context, log *logrus.Logger, hub *ws.Hub, corsOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dashboardID := c.Query("dashboard_id")
		if err := models.ValidateDashboardID(dashboardID); err != nil {
			respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
			return
		}

		entry := middleware.Logger(c, log).WithField("dashboard_id", dashboardID)

		// Browser origins share the CORS allow-list; the config validator
		// rejects wildcards there.
		conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
			OriginPatterns:       corsOrigins,
			CompressionMode:      websocket.CompressionContextTakeover,
			CompressionThreshold: 128,
		})
		if err != nil {
			entry.WithError(err).Warn("feed upgrade rejected")
			return
		}

		client := ws.NewClient(hub, conn, dashboardID)
		hub.Register(client)
		entry.Debug("feed client connected")

		feedCtx, cancel := context.WithCancel(appCtx)
		defer cancel()

		stop := context.AfterFunc(c.Request.Context(), cancel)
		defer stop()

		go client.WritePump(feedCtx)
		client.ReadPump(feedCtx)

		entry.Debug("feed client disconnected")
	}
}

// ginLogger logs one line per request at a level chosen by status. Health
// and scrape endpoints log at debug.
func ginLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		entry := middleware.Logger(c, log).WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"route":    c.FullPath(),
			"status":   status,
			"duration": time.Since(start).String(),
			"client":   c.ClientIP(),
		})
		if dash := c.Param("dashboard_id"); dash != "" {
			entry = entry.WithField("dashboard_id", dash)
		}
		if id := c.Param("id"); id != "" {
			entry = entry.WithField("widget_id", id)
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("request")
		case status >= http.StatusBadRequest:
			entry.Warn("request")
		case quietRoutes[c.FullPath()]:
			entry.Debug("request")
		default:
			entry.Info("request")
		}
	}
}

var quietRoutes = map[string]bool{
	"/metrics":       true,
	"/api/v1/health": true,
	"/api/v1/ready":  true,
}

// maxWidgetIDLen bounds the :id path segment. Well-formed ids are UUIDs;
// anything else within the bound is answered as not found by the service.
const maxWidgetIDLen = 64

// widgetID returns the :id path parameter, or writes a 400 and returns false.
func widgetID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if id == "" || len(id) > maxWidgetIDLen {
		respondError(c, http.StatusBadRequest, ErrCodeInvalidRequest, "widget id must be 1-64 characters")
		return "", false
	}

	return id, true
}
