package cleanup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/metrics"
)

const (
	minConcurrency = 1
	maxConcurrency = 10

	defaultPerOpTimeout = 5 * time.Minute
)

// Options controls one cleanup pass. ForceDestroy is never a default; it
// must be set explicitly by the caller at every layer.
type Options struct {
	DryRun         bool
	ForceDestroy   bool
	MaxConcurrency int
	PerOpTimeout   time.Duration
}

// Classification is the drift picture of one snapshot: what the
// infrastructure knows versus what the system of record considers live.
type Classification struct {
	Workspaces []string `json:"workspaces"`
	Active     []string `json:"active"`
	Dangling   []string `json:"dangling"`
}

// Report is the structured outcome of a cleanup pass. Per-item failures are
// collected here; they never abort the pass.
type Report struct {
	Success bool `json:"success"`
	DryRun  bool `json:"dry_run"`

	WorkspacesFound int `json:"workspaces_found"`
	DanglingFound   int `json:"dangling_found"`
	DanglingCleaned int `json:"dangling_cleaned"`

	Active    []string          `json:"active"`
	Dangling  []string          `json:"dangling"`
	Destroyed []string          `json:"destroyed"`
	Skipped   []string          `json:"skipped"`
	Errored   map[string]string `json:"errored"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Engine detects workspaces left behind in the infrastructure layer and
// destroys them under a bounded worker pool.
type Engine struct {
	provisioner provisioning.Provisioner
	workspaces  workspace.Repository
	logger      *zap.Logger
}

func NewEngine(provisioner provisioning.Provisioner, workspaces workspace.Repository, logger *zap.Logger) *Engine {
	return &Engine{
		provisioner: provisioner,
		workspaces:  workspaces,
		logger:      logger.Named("cleanup"),
	}
}

// Classify computes the drift picture without touching anything. Backs the
// read-only list-dangling surface and the dry-run path.
func (e *Engine) Classify(ctx context.Context) (*Classification, error) {
	known, err := e.provisioner.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate workspaces: %w", err)
	}

	activeIDs, err := e.workspaces.ListActiveIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate active instances: %w", err)
	}

	activeSet := make(map[string]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = struct{}{}
	}

	c := &Classification{Workspaces: known}
	for _, id := range known {
		if _, ok := activeSet[id]; ok {
			c.Active = append(c.Active, id)
		} else {
			c.Dangling = append(c.Dangling, id)
		}
	}
	sort.Strings(c.Active)
	sort.Strings(c.Dangling)
	return c, nil
}

// Perform runs one cleanup pass. The returned error covers whole-pass
// failures only (enumeration impossible); per-item destroy failures land in
// the report with Success=false.
func (e *Engine) Perform(ctx context.Context, opts Options) (*Report, error) {
	opts = clamp(opts)

	report := &Report{
		Success:   true,
		DryRun:    opts.DryRun,
		Errored:   make(map[string]string),
		StartedAt: time.Now().UTC(),
	}

	classification, err := e.Classify(ctx)
	if err != nil {
		return nil, err
	}

	report.WorkspacesFound = len(classification.Workspaces)
	report.Active = classification.Active
	report.Dangling = classification.Dangling
	report.DanglingFound = len(classification.Dangling)

	targets := classification.Dangling
	if opts.ForceDestroy {
		targets = append(append([]string{}, classification.Dangling...), classification.Active...)
	} else {
		// Live candidate sessions are never destroy targets without the
		// explicit force flag.
		report.Skipped = append(report.Skipped, classification.Active...)
		for range classification.Active {
			metrics.CleanupWorkspaces.WithLabelValues("skipped").Inc()
		}
	}

	if opts.DryRun {
		report.FinishedAt = time.Now().UTC()
		e.logger.Info("cleanup_dry_run",
			zap.Int("workspaces", report.WorkspacesFound),
			zap.Int("dangling", report.DanglingFound),
		)
		return report, nil
	}

	var mu sync.Mutex
	dangling := make(map[string]struct{}, len(classification.Dangling))
	for _, id := range classification.Dangling {
		dangling[id] = struct{}{}
	}

	p := pool.New().WithMaxGoroutines(opts.MaxConcurrency)
	for _, id := range targets {
		id := id
		p.Go(func() {
			err := e.destroyOne(ctx, id, opts.PerOpTimeout)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errored[id] = err.Error()
				report.Success = false
				metrics.CleanupWorkspaces.WithLabelValues("error").Inc()
				return
			}
			report.Destroyed = append(report.Destroyed, id)
			if _, ok := dangling[id]; ok {
				report.DanglingCleaned++
			}
			metrics.CleanupWorkspaces.WithLabelValues("destroyed").Inc()
		})
	}
	p.Wait()

	sort.Strings(report.Destroyed)
	sort.Strings(report.Skipped)
	report.FinishedAt = time.Now().UTC()

	e.logger.Info("cleanup_completed",
		zap.Bool("success", report.Success),
		zap.Int("workspaces", report.WorkspacesFound),
		zap.Int("dangling_found", report.DanglingFound),
		zap.Int("dangling_cleaned", report.DanglingCleaned),
		zap.Int("destroyed", len(report.Destroyed)),
		zap.Int("errored", len(report.Errored)),
	)
	return report, nil
}

func (e *Engine) destroyOne(ctx context.Context, id string, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.logger.Info("destroying_workspace", zap.String("workspace_id", id))
	if err := e.provisioner.DestroyWorkspace(opCtx, id); err != nil {
		e.logger.Warn("workspace_destroy_failed",
			zap.Error(err),
			zap.String("workspace_id", id),
		)
		return err
	}
	return nil
}

func clamp(opts Options) Options {
	if opts.MaxConcurrency < minConcurrency {
		opts.MaxConcurrency = minConcurrency
	}
	if opts.MaxConcurrency > maxConcurrency {
		opts.MaxConcurrency = maxConcurrency
	}
	if opts.PerOpTimeout <= 0 {
		opts.PerOpTimeout = defaultPerOpTimeout
	}
	return opts
}
