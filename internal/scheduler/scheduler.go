package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/provisioning"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/internal/executor"
	"github.com/assesslabs/workspace-cloud/internal/manager"
	"github.com/assesslabs/workspace-cloud/internal/metrics"
	"github.com/assesslabs/workspace-cloud/internal/usecase/provision"
)

// Scheduler drives time-based transitions from a single periodic tick:
// scheduled-start promotion, auto-destroy promotion and availability-window
// expiry. Every pass is idempotent and safe to re-run each tick.
type Scheduler struct {
	mgr        *manager.Manager
	workspaces workspace.Repository
	revoker    provisioning.CredentialRevoker
	exec       *executor.Executor
	createUC   *provision.CreateUseCase
	destroyUC  *provision.DestroyUseCase
	logger     *zap.Logger

	interval  time.Duration
	batchSize int

	// inFlight guards against overlapping ticks: a slow tick makes the next
	// one skip, never queue.
	inFlight atomic.Bool
}

func New(
	mgr *manager.Manager,
	workspaces workspace.Repository,
	revoker provisioning.CredentialRevoker,
	exec *executor.Executor,
	createUC *provision.CreateUseCase,
	destroyUC *provision.DestroyUseCase,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		mgr:        mgr,
		workspaces: workspaces,
		revoker:    revoker,
		exec:       exec,
		createUC:   createUC,
		destroyUC:  destroyUC,
		logger:     logger.Named("scheduler"),
		interval:   30 * time.Second,
		batchSize:  50,
	}
}

// SetInterval overrides the default tick interval. Call before Run.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d > 0 {
		s.interval = d
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs the three passes once. Skips when a previous tick is still
// running.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Warn("tick_skipped_previous_in_flight")
		metrics.SchedulerTicks.WithLabelValues("skipped").Inc()
		return
	}
	defer s.inFlight.Store(false)
	metrics.SchedulerTicks.WithLabelValues("run").Inc()

	now := time.Now().UTC()
	s.promoteScheduled(ctx, now)
	s.promoteAutoDestroy(ctx, now)
	s.expireAvailabilityWindows(ctx, now)
	s.recoverStalePending(ctx, now)
}

// Launch promotes a pending operation right away and hands its work to the
// executor. Used for operations created without a future start time.
func (s *Scheduler) Launch(ctx context.Context, id string) error {
	op, applied, err := s.mgr.TransitionToRunning(ctx, id)
	if err != nil {
		return err
	}
	if !applied || op == nil {
		return nil
	}
	return s.dispatch(ctx, op)
}

// recoverStalePending picks up pending operations whose immediate launch was
// lost, typically to a crash between create and dispatch. Only the caller
// whose promotion applied dispatches, so racing a live launch is harmless.
func (s *Scheduler) recoverStalePending(ctx context.Context, now time.Time) {
	ops, err := s.mgr.ListByStatus(ctx, []operation.Status{operation.StatusPending}, s.batchSize)
	if err != nil {
		s.logger.Error("pending_query_failed", zap.Error(err))
		return
	}

	for _, op := range ops {
		if now.Sub(op.CreatedAt) < s.interval {
			continue
		}
		if err := s.promoteOne(ctx, op); err != nil {
			metrics.SchedulerItems.WithLabelValues("pending_recovery", "error").Inc()
			s.logger.Warn("pending_recovery_failed",
				zap.Error(err),
				zap.String("operation_id", op.ID),
			)
			continue
		}
		metrics.SchedulerItems.WithLabelValues("pending_recovery", "ok").Inc()
	}
}

// promoteScheduled moves due scheduled operations into execution. A cancel
// that landed before this tick keeps the record out of the due query, so
// cancelled operations are never promoted.
func (s *Scheduler) promoteScheduled(ctx context.Context, now time.Time) {
	ops, err := s.mgr.ListScheduledDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("scheduled_due_query_failed", zap.Error(err))
		return
	}

	for _, op := range ops {
		if err := s.promoteOne(ctx, op); err != nil {
			metrics.SchedulerItems.WithLabelValues("scheduled_start", "error").Inc()
			s.logger.Warn("scheduled_promotion_failed",
				zap.Error(err),
				zap.String("operation_id", op.ID),
				zap.String("instance_id", op.InstanceID),
			)
			continue
		}
		metrics.SchedulerItems.WithLabelValues("scheduled_start", "ok").Inc()
	}
}

func (s *Scheduler) promoteOne(ctx context.Context, op *operation.Operation) error {
	promoted, applied, err := s.mgr.TransitionToRunning(ctx, op.ID)
	if err != nil {
		if err == operation.ErrAlreadyTerminal {
			// Cancelled (or otherwise finished) between query and promotion.
			return nil
		}
		return err
	}
	if !applied || promoted == nil {
		// Another promoter won the race and owns the dispatch.
		return nil
	}
	return s.dispatch(ctx, promoted)
}

// dispatch hands the provisioning work to the executor so the tick loop
// never blocks on infrastructure calls. A rejected submit finalizes the
// operation as failed: the status is already running at this point, and no
// pass recovers running operations, so leaving it would strand the record.
func (s *Scheduler) dispatch(ctx context.Context, op *operation.Operation) error {
	opID := op.ID
	instanceID := op.InstanceID
	kind := op.Kind

	task := executor.Task{
		Name: fmt.Sprintf("%s:%s", kind, opID),
		Run: func(ctx context.Context) {
			s.mgr.RunProvisioning(ctx, opID, func(ctx context.Context) operation.Result {
				progress := s.mgr.Reporter(ctx, opID)
				if kind == operation.KindDestroy {
					return s.destroyUC.Execute(ctx, instanceID, progress)
				}
				return s.createUC.Execute(ctx, instanceID, progress)
			})
		},
	}

	if err := s.exec.Submit(task); err != nil {
		res := operation.Result{Success: false, Error: fmt.Sprintf("dispatch rejected: %v", err)}
		if ferr := s.mgr.SetResult(ctx, opID, res); ferr != nil {
			s.logger.Error("dispatch_finalize_failed",
				zap.Error(ferr),
				zap.String("operation_id", opID),
			)
		}
		return err
	}
	return nil
}

// promoteAutoDestroy creates destroy operations for completed creates whose
// auto-destroy deadline has passed. The conditional insert in the store makes
// the pass race-safe against manual destroy requests; re-running it never
// produces a second destroy.
func (s *Scheduler) promoteAutoDestroy(ctx context.Context, now time.Time) {
	ops, err := s.mgr.ListAutoDestroyDue(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("auto_destroy_due_query_failed", zap.Error(err))
		return
	}

	for _, op := range ops {
		if err := s.autoDestroyOne(ctx, op); err != nil {
			metrics.SchedulerItems.WithLabelValues("auto_destroy", "error").Inc()
			s.logger.Warn("auto_destroy_failed",
				zap.Error(err),
				zap.String("create_operation_id", op.ID),
				zap.String("instance_id", op.InstanceID),
			)
			continue
		}
		metrics.SchedulerItems.WithLabelValues("auto_destroy", "ok").Inc()
	}
}

func (s *Scheduler) autoDestroyOne(ctx context.Context, createOp *operation.Operation) error {
	destroyOp, created, err := s.mgr.CreateDestroyIfAbsent(ctx, manager.CreateParams{
		InstanceID:     createOp.InstanceID,
		CandidateLabel: createOp.CandidateLabel,
		ChallengeRef:   createOp.ChallengeRef,
	})
	if err != nil {
		return err
	}
	if !created {
		// A destroy already exists for this instance, manual or from a
		// previous pass.
		return nil
	}

	s.logger.Info("auto_destroy_triggered",
		zap.String("instance_id", createOp.InstanceID),
		zap.String("destroy_operation_id", destroyOp.ID),
	)

	running, applied, err := s.mgr.TransitionToRunning(ctx, destroyOp.ID)
	if err != nil || !applied || running == nil {
		return err
	}
	return s.dispatch(ctx, running)
}

// expireAvailabilityWindows closes unclaimed take-home sessions whose window
// elapsed. Credential revocation is best-effort: a revocation failure is
// logged but never blocks marking the record expired.
func (s *Scheduler) expireAvailabilityWindows(ctx context.Context, now time.Time) {
	items, err := s.workspaces.ListWindowExpired(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("window_expired_query_failed", zap.Error(err))
		return
	}

	for _, ws := range items {
		if err := s.expireOne(ctx, ws); err != nil {
			metrics.SchedulerItems.WithLabelValues("window_expiry", "error").Inc()
			s.logger.Warn("window_expiry_failed",
				zap.Error(err),
				zap.String("workspace_id", ws.ID),
			)
			continue
		}
		metrics.SchedulerItems.WithLabelValues("window_expiry", "ok").Inc()
	}
}

func (s *Scheduler) expireOne(ctx context.Context, ws *workspace.Workspace) error {
	if ws.CredentialRef != "" && s.revoker != nil {
		if err := s.revoker.RevokeServiceAccount(ctx, ws.CredentialRef); err != nil {
			s.logger.Warn("credential_revocation_failed",
				zap.Error(err),
				zap.String("workspace_id", ws.ID),
				zap.String("credential_ref", ws.CredentialRef),
			)
		}
	}

	if count, err := s.mgr.CancelScheduledForInstance(ctx, ws.ID, "availability window expired"); err != nil {
		s.logger.Warn("cancel_scheduled_failed", zap.Error(err), zap.String("workspace_id", ws.ID))
	} else if count > 0 {
		s.logger.Info("scheduled_operations_cancelled",
			zap.String("workspace_id", ws.ID),
			zap.Int("count", count),
		)
	}

	ws.MarkExpired()
	return s.workspaces.Save(ctx, ws)
}
