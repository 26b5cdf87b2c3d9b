package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/api/middleware"
	"github.com/assesslabs/workspace-cloud/internal/cleanup"
	"github.com/assesslabs/workspace-cloud/internal/config"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/eventbus"
	"github.com/assesslabs/workspace-cloud/internal/manager"
	"github.com/assesslabs/workspace-cloud/internal/scheduler"
	"github.com/assesslabs/workspace-cloud/internal/template"
)

type Router struct {
	engine     *gin.Engine
	server     *http.Server
	cfg        *config.Config
	mgr        *manager.Manager
	workspaces workspace.Repository
	sched      *scheduler.Scheduler
	cleaner    *cleanup.Engine
	templates  *template.Registry
	bus        *eventbus.Bus
	logger     *zap.Logger
}

func NewRouter(
	cfg *config.Config,
	mgr *manager.Manager,
	workspaces workspace.Repository,
	sched *scheduler.Scheduler,
	cleaner *cleanup.Engine,
	templates *template.Registry,
	bus *eventbus.Bus,
	logger *zap.Logger,
) *Router {
	// Disable GIN default logger
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Metrics())
	r.Use(middleware.Logger(logger))

	api := &Router{
		engine:     r,
		cfg:        cfg,
		mgr:        mgr,
		workspaces: workspaces,
		sched:      sched,
		cleaner:    cleaner,
		templates:  templates,
		bus:        bus,
		logger:     logger,
	}

	api.RegisterRoutes()
	return api
}

func (r *Router) RegisterRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Prometheus metrics endpoint
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.engine.Group("/api")
	{
		api.POST("/workspaces", r.CreateWorkspace)
		api.GET("/workspaces/:id", r.GetWorkspace)
		api.POST("/workspaces/:id/destroy", r.DestroyWorkspace)
		api.POST("/workspaces/:id/activate", r.ActivateWorkspace)
		api.GET("/workspaces/:id/operations", r.ListWorkspaceOperations)

		api.GET("/operations/active", r.ListActiveOperations)
		api.GET("/operations/:id", r.GetOperation)
		api.GET("/operations/:id/logs", r.GetOperationLogs)
		api.GET("/operations/:id/stream", r.StreamOperation)
		api.POST("/operations/:id/cancel", r.CancelOperation)
	}

	// Live event feed for dashboards
	r.engine.GET("/ws/events", r.StreamEvents)

	// Admin Routes (Protected by ADMIN_API_TOKEN)
	admin := r.engine.Group("/admin")
	admin.Use(r.adminAuth())
	{
		admin.POST("/cleanup", r.TriggerCleanup)
		admin.GET("/cleanup/dangling", r.ListDangling)

		admin.GET("/templates", r.ListTemplates)
		admin.POST("/templates", r.CreateTemplate)
		admin.POST("/templates/:name/default", r.SetDefaultTemplate)
	}
}

func (r *Router) Run() error {
	r.server = &http.Server{
		Addr:         ":" + r.cfg.Port,
		Handler:      r.engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return r.server.ListenAndServe()
}

func (r *Router) adminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(r.cfg.AdminAPIToken)
		if expected == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin_token_not_configured"})
			return
		}

		provided := strings.TrimSpace(c.GetHeader("X-Admin-Token"))
		if provided == "" {
			authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				provided = strings.TrimSpace(authHeader[7:])
			}
		}

		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Shutdown gracefully shuts down the HTTP server
func (r *Router) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
