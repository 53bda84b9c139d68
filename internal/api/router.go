package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/steemit/hivefeed/internal/access"
	"github.com/steemit/hivefeed/internal/feed"
	"github.com/steemit/hivefeed/internal/push"
	"github.com/steemit/hivefeed/pkg/logging"
	"github.com/steemit/hivefeed/pkg/telemetry"
)

// HealthChecker is a dependency checked by the health endpoint
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps holds what the API router serves from
type Deps struct {
	Posts     Posts
	Relations access.Relations
	Store     feed.Store
	Pages     PageCache
	Publisher message.Publisher
	Bridge    *push.Bridge
	Checks    map[string]HealthChecker
}

// Router sets up API routes
type Router struct {
	handler  *JSONRPCHandler
	timeline *TimelineAPI
	bridge   *push.Bridge
	checks   map[string]HealthChecker
	logger   *zap.Logger
}

// NewRouter creates a new API router
func NewRouter(deps Deps) *Router {
	logger := logging.GetLogger().With(zap.String("component", "api-router"))
	router := &Router{
		handler: NewJSONRPCHandler(),
		timeline: NewTimelineAPI(access.NewResolver(deps.Relations), deps.Posts, deps.Store,
			deps.Pages, deps.Publisher, logging.GetLogger()),
		bridge: deps.Bridge,
		checks: deps.Checks,
		logger: logger,
	}

	router.registerMethods()

	return router
}

// SetupRoutes sets up all API routes
func (r *Router) SetupRoutes(engine *gin.Engine) {
	// Health check endpoints
	engine.GET("/health", r.healthHandler)
	engine.GET("/.well-known/healthcheck.json", r.healthHandler)

	engine.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	// JSON-RPC endpoint
	engine.POST("/", r.handler.Handle)

	if r.bridge != nil {
		engine.GET("/ws/timeline", r.timelineSocket)
	}
}

func (r *Router) registerMethods() {
	r.handler.RegisterMethod("timeline.can_view", r.timeline.CanView)
	r.handler.RegisterMethod("timeline.list_feed", r.timeline.ListFeed)
	r.handler.RegisterMethod("timeline.rebuild", r.timeline.Rebuild)
}

// healthHandler handles health check requests
func (r *Router) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for name, check := range r.checks {
		if err := check.Health(ctx); err != nil {
			r.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "OK"
	}

	body := gin.H{
		"status":  "OK",
		"service": "hivefeed-api",
		"deps":    deps,
	}
	if r.bridge != nil {
		body["ws_clients"] = r.bridge.Clients()
	}
	if status != http.StatusOK {
		body["status"] = "DEGRADED"
	}
	c.JSON(status, body)
}

// timelineSocket upgrades the request and relays the viewer's push channel
func (r *Router) timelineSocket(c *gin.Context) {
	viewerID, err := strconv.ParseInt(c.Query("viewer_id"), 10, 64)
	if err != nil || viewerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "viewer_id must be a positive integer"})
		return
	}
	if err := r.bridge.Serve(c.Request.Context(), c.Writer, c.Request, viewerID); err != nil {
		r.logger.Debug("Timeline socket closed", zap.Int64("viewer_id", viewerID), zap.Error(err))
	}
}
