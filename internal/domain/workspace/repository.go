package workspace

import (
	"context"
	"time"
)

// Repository defines the interface for persisting Workspace entities.
type Repository interface {
	// FindByID retrieves a workspace by its namespaced ID. Returns nil when
	// absent.
	FindByID(ctx context.Context, id string) (*Workspace, error)

	// Save persists a workspace (create or update).
	Save(ctx context.Context, ws *Workspace) error

	// UpdateStatus updates status and access info of a workspace.
	UpdateStatus(ctx context.Context, id string, status Status, accessURL string, lastError string) error

	// ListActiveIDs returns IDs of workspaces that are still considered live
	// (anything not destroyed or expired). Backs the cleanup classification.
	ListActiveIDs(ctx context.Context) ([]string, error)

	// ListByStatus retrieves workspaces matching any of the given statuses.
	ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Workspace, error)

	// ListWindowExpired retrieves unactivated take-home workspaces whose
	// availability window elapsed at now and that are still pre-activation.
	ListWindowExpired(ctx context.Context, now time.Time, limit int) ([]*Workspace, error)

	// DeleteDestroyedBefore purges destroyed/expired records older than cutoff.
	DeleteDestroyedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
