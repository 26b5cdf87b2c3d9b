package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/cleanup"
)

type cleanupRequest struct {
	DryRun         bool `json:"dry_run"`
	Force          bool `json:"force"`
	MaxConcurrency int  `json:"max_concurrency"`
	PerOpTimeoutS  int  `json:"per_op_timeout_seconds"`
}

// TriggerCleanup runs a cleanup pass synchronously and returns the report.
// Partial failures return 207; the report carries the per-workspace detail.
func (r *Router) TriggerCleanup(c *gin.Context) {
	var req cleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := cleanup.Options{
		DryRun:         req.DryRun,
		ForceDestroy:   req.Force,
		MaxConcurrency: req.MaxConcurrency,
		PerOpTimeout:   time.Duration(req.PerOpTimeoutS) * time.Second,
	}
	if opts.MaxConcurrency == 0 {
		opts.MaxConcurrency = r.cfg.CleanupMaxConcurrency
	}
	if opts.PerOpTimeout == 0 {
		opts.PerOpTimeout = r.cfg.CleanupPerOpTimeout
	}

	r.logger.Info("cleanup_triggered",
		zap.Bool("dry_run", opts.DryRun),
		zap.Bool("force", opts.ForceDestroy),
		zap.Int("max_concurrency", opts.MaxConcurrency),
	)

	report, err := r.cleaner.Perform(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusOK
	if !report.Success {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

// ListDangling reports drift without destroying anything.
func (r *Router) ListDangling(c *gin.Context) {
	classification, err := r.cleaner.Classify(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, classification)
}
