package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/eventbus"
	"github.com/assesslabs/workspace-cloud/internal/metrics"
)

// WorkspaceSync pushes the workspace-visible status derived from an
// operation's state. Implemented by the status-sync service; the manager only
// knows the contract.
type WorkspaceSync interface {
	ApplyOperation(ctx context.Context, op *operation.Operation) error
}

var nonTerminal = []operation.Status{
	operation.StatusScheduled,
	operation.StatusPending,
	operation.StatusRunning,
}

// Manager owns the operation state machine. All status, log and result writes
// go through here; no other component mutates operation records.
type Manager struct {
	repo   operation.Repository
	sync   WorkspaceSync
	bus    *eventbus.Bus
	logger *zap.Logger

	flushWindow time.Duration
	maxBatch    int

	mu      sync.Mutex
	buffers map[string]*logBuffer
}

func New(repo operation.Repository, ws WorkspaceSync, bus *eventbus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		repo:        repo,
		sync:        ws,
		bus:         bus,
		logger:      logger.Named("operation.manager"),
		flushWindow: defaultFlushWindow,
		maxBatch:    defaultMaxBatch,
		buffers:     make(map[string]*logBuffer),
	}
}

// CreateParams describes a new operation.
type CreateParams struct {
	Kind           operation.Kind
	InstanceID     string
	CandidateLabel string
	ChallengeRef   string
	ScheduledAt    *time.Time
	AutoDestroyAt  *time.Time
}

// Create persists a new operation and emits a change event.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*operation.Operation, error) {
	op, err := operation.New(p.Kind, p.InstanceID, p.ScheduledAt, p.AutoDestroyAt)
	if err != nil {
		return nil, err
	}
	op.CandidateLabel = p.CandidateLabel
	op.ChallengeRef = p.ChallengeRef

	if err := m.repo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("create operation: %w", err)
	}

	m.logger.Info("operation_created",
		zap.String("operation_id", op.ID),
		zap.String("kind", string(op.Kind)),
		zap.String("instance_id", op.InstanceID),
		zap.String("status", string(op.Status)),
	)
	m.afterChange(ctx, op)
	return op, nil
}

// TransitionToRunning promotes a pending or scheduled operation. Promoting a
// terminal operation returns ErrAlreadyTerminal; a concurrent promotion wins
// quietly with applied=false, so only the caller that actually moved the
// status dispatches the work.
func (m *Manager) TransitionToRunning(ctx context.Context, id string) (*operation.Operation, bool, error) {
	allowed := []operation.Status{operation.StatusPending, operation.StatusScheduled}
	op, applied, err := m.repo.UpdateIf(ctx, id, allowed, func(op *operation.Operation) error {
		return op.MarkRunning()
	})
	if err != nil {
		return nil, false, err
	}
	if !applied {
		if op != nil && op.IsTerminal() {
			return nil, false, operation.ErrAlreadyTerminal
		}
		return op, false, nil
	}

	m.afterChange(ctx, op)
	return op, true, nil
}

// AppendLog timestamps and appends a line. Writes are coalesced per
// operation over a short window; the event fires immediately so UI feedback
// stays low-latency.
func (m *Manager) AppendLog(id string, line string) {
	entry := operation.LogLine{At: time.Now().UTC(), Line: line}
	m.buffer(id).append(entry)

	m.bus.Publish(eventbus.Event{
		Type:        eventbus.TypeLogAppended,
		OperationID: id,
		Line:        line,
		At:          entry.At,
	})
}

// MarkInfrastructureReady records partial progress without changing status
// and pushes early access info to the owning workspace.
func (m *Manager) MarkInfrastructureReady(ctx context.Context, id string, accessURL, credentials string) error {
	op, applied, err := m.repo.UpdateIf(ctx, id, nonTerminal, func(op *operation.Operation) error {
		res := operation.Result{}
		if op.Result != nil {
			res = *op.Result
		}
		res.InfrastructureReady = true
		if accessURL != "" {
			res.AccessURL = accessURL
		}
		if credentials != "" {
			res.Credentials = credentials
		}
		op.Result = &res
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		// Terminal already; the final result supersedes partial progress.
		return nil
	}

	m.afterChange(ctx, op)
	return nil
}

// SetResult finalizes the operation: result is written exactly once and the
// status becomes completed or failed.
func (m *Manager) SetResult(ctx context.Context, id string, res operation.Result) error {
	op, applied, err := m.repo.UpdateIf(ctx, id, nonTerminal, func(op *operation.Operation) error {
		if op.Result != nil {
			res.InfrastructureReady = res.InfrastructureReady || op.Result.InfrastructureReady
			res.HealthCheckPassed = res.HealthCheckPassed || op.Result.HealthCheckPassed
		}
		return op.SetResult(res)
	})
	if err != nil {
		return err
	}
	if !applied {
		return operation.ErrAlreadyTerminal
	}

	m.closeBuffer(id)
	metrics.OperationsFinalized.WithLabelValues(string(op.Kind), string(op.Status)).Inc()
	m.logger.Info("operation_finalized",
		zap.String("operation_id", id),
		zap.String("status", string(op.Status)),
		zap.Bool("success", res.Success),
	)
	m.afterChange(ctx, op)
	return nil
}

// Cancel terminates a non-terminal operation with an explanatory error.
// Cancelling an already-terminal operation is a no-op.
func (m *Manager) Cancel(ctx context.Context, id string, reason string) error {
	op, applied, err := m.repo.UpdateIf(ctx, id, nonTerminal, func(op *operation.Operation) error {
		op.Cancel(reason)
		return nil
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	m.closeBuffer(id)
	metrics.OperationsFinalized.WithLabelValues(string(op.Kind), string(op.Status)).Inc()
	m.logger.Info("operation_cancelled",
		zap.String("operation_id", id),
		zap.String("reason", reason),
	)
	m.afterChange(ctx, op)
	return nil
}

// CancelScheduledForInstance cancels every scheduled operation owned by the
// instance. Used when a workspace is destroyed out-of-band before its
// scheduled operation fires. Returns the count cancelled.
func (m *Manager) CancelScheduledForInstance(ctx context.Context, instanceID string, reason string) (int, error) {
	ops, err := m.repo.ListByInstance(ctx, instanceID)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	scheduled := []operation.Status{operation.StatusScheduled}
	for _, op := range ops {
		if op.Status != operation.StatusScheduled {
			continue
		}
		updated, applied, err := m.repo.UpdateIf(ctx, op.ID, scheduled, func(op *operation.Operation) error {
			op.Cancel(reason)
			return nil
		})
		if err != nil {
			return cancelled, err
		}
		if applied {
			cancelled++
			m.afterChange(ctx, updated)
		}
	}
	return cancelled, nil
}

// RunProvisioning executes provisioning work with guaranteed finalization:
// whatever fn does, the operation ends in a terminal state.
func (m *Manager) RunProvisioning(ctx context.Context, id string, fn func(ctx context.Context) operation.Result) {
	var res operation.Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = operation.Result{Success: false, Error: fmt.Sprintf("panic during provisioning: %v", r)}
				m.logger.Error("provisioning_panic",
					zap.String("operation_id", id),
					zap.Any("panic", r),
				)
			}
		}()
		res = fn(ctx)
	}()

	if err := m.SetResult(ctx, id, res); err != nil && !errors.Is(err, operation.ErrAlreadyTerminal) {
		m.logger.Error("operation_finalize_failed",
			zap.Error(err),
			zap.String("operation_id", id),
		)
	}
}

// CreateDestroyIfAbsent creates a destroy operation for the instance unless
// one already exists. The check and insert are atomic in the store, so a
// manual destroy racing the auto-destroy pass yields exactly one operation.
func (m *Manager) CreateDestroyIfAbsent(ctx context.Context, p CreateParams) (*operation.Operation, bool, error) {
	p.Kind = operation.KindDestroy
	op, err := operation.New(p.Kind, p.InstanceID, p.ScheduledAt, nil)
	if err != nil {
		return nil, false, err
	}
	op.CandidateLabel = p.CandidateLabel
	op.ChallengeRef = p.ChallengeRef

	created, err := m.repo.CreateDestroyIfAbsent(ctx, op)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return nil, false, nil
	}

	m.logger.Info("destroy_operation_created",
		zap.String("operation_id", op.ID),
		zap.String("instance_id", op.InstanceID),
	)
	m.afterChange(ctx, op)
	return op, true, nil
}

// ListScheduledDue retrieves scheduled operations ready for promotion.
func (m *Manager) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	return m.repo.ListScheduledDue(ctx, now, limit)
}

// ListAutoDestroyDue retrieves completed create operations whose
// auto-destroy deadline has elapsed.
func (m *Manager) ListAutoDestroyDue(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	return m.repo.ListAutoDestroyDue(ctx, now, limit)
}

// Reporter returns a progress reporter bound to an operation, handed to
// provisioning use cases so they can stream output and partial progress
// without knowing about the manager.
func (m *Manager) Reporter(ctx context.Context, id string) *Reporter {
	return &Reporter{mgr: m, ctx: ctx, id: id}
}

// Reporter streams provisioning progress into one operation.
type Reporter struct {
	mgr *Manager
	ctx context.Context
	id  string
}

func (r *Reporter) Log(line string) {
	r.mgr.AppendLog(r.id, line)
}

func (r *Reporter) InfrastructureReady(accessURL, credentials string) {
	if err := r.mgr.MarkInfrastructureReady(r.ctx, r.id, accessURL, credentials); err != nil {
		r.mgr.logger.Warn("mark_infrastructure_ready_failed",
			zap.Error(err),
			zap.String("operation_id", r.id),
		)
	}
}

// Get retrieves an operation by ID.
func (m *Manager) Get(ctx context.Context, id string) (*operation.Operation, error) {
	return m.repo.Get(ctx, id)
}

// ListForInstance retrieves every operation owned by the instance.
func (m *Manager) ListForInstance(ctx context.Context, instanceID string) ([]*operation.Operation, error) {
	return m.repo.ListByInstance(ctx, instanceID)
}

// ListByStatus retrieves operations in any of the given statuses.
func (m *Manager) ListByStatus(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Operation, error) {
	return m.repo.ListByStatus(ctx, statuses, limit)
}

// ListActive retrieves running and scheduled operations via the indexed
// query that backs high-frequency polling.
func (m *Manager) ListActive(ctx context.Context, limit int) ([]*operation.Operation, error) {
	return m.repo.ListActive(ctx, limit)
}

// Close flushes and stops all live log buffers. Called on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	buffers := make([]*logBuffer, 0, len(m.buffers))
	for _, b := range m.buffers {
		buffers = append(buffers, b)
	}
	m.buffers = make(map[string]*logBuffer)
	m.mu.Unlock()

	for _, b := range buffers {
		b.close()
	}
}

func (m *Manager) buffer(id string) *logBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buffers[id]; ok {
		return b
	}
	b := newLogBuffer(id, m.flushWindow, m.maxBatch, m.repo.AppendLogs, m.logger)
	m.buffers[id] = b
	return b
}

func (m *Manager) closeBuffer(id string) {
	m.mu.Lock()
	b, ok := m.buffers[id]
	if ok {
		delete(m.buffers, id)
	}
	m.mu.Unlock()
	if ok {
		b.close()
	}
}

func (m *Manager) afterChange(ctx context.Context, op *operation.Operation) {
	if m.sync != nil {
		if err := m.sync.ApplyOperation(ctx, op); err != nil {
			m.logger.Warn("workspace_sync_failed",
				zap.Error(err),
				zap.String("operation_id", op.ID),
				zap.String("instance_id", op.InstanceID),
			)
		}
	}

	m.bus.Publish(eventbus.Event{
		Type:        eventbus.TypeOperationChanged,
		OperationID: op.ID,
		InstanceID:  op.InstanceID,
		Status:      op.Status,
	})
}
