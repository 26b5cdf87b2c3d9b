package operation

import (
	"context"
	"time"
)

// Repository defines durable persistence for Operation records. Queries by
// status, schedule and instance are served by secondary indexes, not scans.
type Repository interface {
	// Create persists a new operation record.
	Create(ctx context.Context, op *Operation) error

	// Get retrieves an operation by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Operation, error)

	// Save persists the full record (status, result, timestamps).
	Save(ctx context.Context, op *Operation) error

	// UpdateIf loads id under a row lock, and only when its current status is
	// in allowed applies mutate and persists the result atomically. Returns
	// the post-mutation record and whether the update was applied; a guard
	// miss is a lost race, not an error. Terminal writes go through this so
	// no non-terminal status can ever overwrite a terminal one.
	UpdateIf(ctx context.Context, id string, allowed []Status, mutate func(*Operation) error) (*Operation, bool, error)

	// AppendLogs appends a batch of lines in order with a single write.
	AppendLogs(ctx context.Context, id string, lines []LogLine) error

	// ListByStatus retrieves operations in any of the given statuses.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Operation, error)

	// ListActive retrieves running and scheduled operations.
	ListActive(ctx context.Context, limit int) ([]*Operation, error)

	// ListByInstance retrieves all operations owned by an instance.
	ListByInstance(ctx context.Context, instanceID string) ([]*Operation, error)

	// ListScheduledDue retrieves scheduled operations whose scheduled_at has
	// elapsed at now.
	ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*Operation, error)

	// ListAutoDestroyDue retrieves completed create operations whose
	// auto_destroy_at has elapsed at now.
	ListAutoDestroyDue(ctx context.Context, now time.Time, limit int) ([]*Operation, error)

	// CreateDestroyIfAbsent inserts a destroy operation for op.InstanceID
	// unless a non-failed destroy operation already exists for that instance.
	// The check and insert are one atomic step. Returns false when a destroy
	// was already present.
	CreateDestroyIfAbsent(ctx context.Context, op *Operation) (bool, error)

	// DeleteExpired removes records whose expires_at has elapsed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
