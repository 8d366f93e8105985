package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/persistorai/dashsync/internal/dbpool"
	"github.com/persistorai/dashsync/internal/middleware"
	"github.com/persistorai/dashsync/internal/ws"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Log         *logrus.Logger
	Pool        *dbpool.Pool
	Hub         *ws.Hub
	Widgets     WidgetRepository
	CORSOrigins []string
	Version     string
	RateLimit   int
	RateBurst   int
}

// Router-level limits.
const (
	maxBodySize      = 1 << 20 // 1 MB
	defaultRateLimit = 100     // requests per second per IP
	defaultRateBurst = 200     // token bucket burst size
)

// setupMiddleware configures all middleware on the Gin engine.
func setupMiddleware(ctx context.Context, r *gin.Engine, deps *RouterDeps) {
	rate, burst := deps.RateLimit, deps.RateBurst
	if rate <= 0 {
		rate = defaultRateLimit
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}

	r.SetTrustedProxies(nil) //nolint:errcheck // nil always succeeds.
	r.Use(middleware.RequestID(deps.Log))
	r.Use(ginLogger(deps.Log))
	r.Use(gin.Recovery())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.MaxBodySize(maxBodySize))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     deps.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		MaxAge:           1 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(middleware.NewRateLimiter(ctx, rate, burst).Handler())
	r.Use(middleware.PrometheusMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// registerRoutes sets up all API route handlers on the given router group.
func registerRoutes(ctx context.Context, api *gin.RouterGroup, deps *RouterDeps) {
	log := deps.Log

	var (
		database DatabaseChecker
		clients  ClientCounter
	)
	if deps.Pool != nil {
		database = deps.Pool
	}
	if deps.Hub != nil {
		clients = deps.Hub
	}

	health := NewHealthHandler(database, clients, log, deps.Version)
	widgets := NewWidgetHandler(deps.Widgets, log)

	api.GET("/health", health.Liveness)
	api.GET("/ready", health.Readiness)

	// Dashboard snapshot and creation.
	api.GET("/dashboards/:dashboard_id/widgets", widgets.List)
	api.POST("/dashboards/:dashboard_id/widgets", widgets.Create)

	// Single widget reads and version-guarded writes.
	api.GET("/widgets/:id", widgets.Get)
	api.PUT("/widgets/:id/content", widgets.UpdateContent)
	api.PUT("/widgets/:id/position", widgets.UpdatePosition)
	api.DELETE("/widgets/:id", widgets.Delete)

	// Change feed.
	if deps.Hub != nil {
		api.GET("/ws", feedHandler(ctx, log, deps.Hub, deps.CORSOrigins))
	}
}

// NewRouter creates and configures the Gin engine with all middleware and routes.
func NewRouter(ctx context.Context, deps *RouterDeps) http.Handler {
	r := gin.New()
	setupMiddleware(ctx, r, deps)
	registerRoutes(ctx, r.Group("/api/v1"), deps)

	return r
}
