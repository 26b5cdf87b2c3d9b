package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
)

// workspaceRetention is how long destroyed and expired workspace records are
// kept for audit before the purge removes them.
const workspaceRetention = 7 * 24 * time.Hour

// Purger deletes expired operation records and stale workspace records on a
// cron schedule. Expiry never mutates state; records age out by timestamp and
// the purge is pure deletion.
type Purger struct {
	operations operation.Repository
	workspaces workspace.Repository
	schedule   string
	logger     *zap.Logger

	cron *cron.Cron
}

func NewPurger(operations operation.Repository, workspaces workspace.Repository, schedule string, logger *zap.Logger) *Purger {
	return &Purger{
		operations: operations,
		workspaces: workspaces,
		schedule:   schedule,
		logger:     logger.Named("retention"),
	}
}

// Start registers the purge job and starts the cron runner.
func (p *Purger) Start(ctx context.Context) error {
	p.cron = cron.New()
	_, err := p.cron.AddFunc(p.schedule, func() {
		p.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	p.logger.Info("retention_purger_started", zap.String("schedule", p.schedule))
	return nil
}

// Stop halts the cron runner and waits for a running purge to finish.
func (p *Purger) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// RunOnce executes one purge pass.
func (p *Purger) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	ops, err := p.operations.DeleteExpired(ctx, now)
	if err != nil {
		p.logger.Error("operation_purge_failed", zap.Error(err))
	}

	wss, err := p.workspaces.DeleteDestroyedBefore(ctx, now.Add(-workspaceRetention))
	if err != nil {
		p.logger.Error("workspace_purge_failed", zap.Error(err))
	}

	if ops > 0 || wss > 0 {
		p.logger.Info("retention_purge_completed",
			zap.Int64("operations_deleted", ops),
			zap.Int64("workspaces_deleted", wss),
		)
	}
}
