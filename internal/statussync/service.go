package statussync

import (
	"context"

	"go.uber.org/zap"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
)

// Service mirrors operation state onto the owning workspace record so that
// candidate-facing reads never need to interpret raw operation statuses.
type Service struct {
	repo   workspace.Repository
	logger *zap.Logger
}

func NewService(repo workspace.Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.Named("statussync"),
	}
}

// ApplyOperation derives the workspace-visible status from the operation and
// persists it, along with any access info the operation produced so far.
func (s *Service) ApplyOperation(ctx context.Context, op *operation.Operation) error {
	status := workspace.StatusForOperation(op)

	var accessURL, lastError string
	if op.Result != nil {
		accessURL = op.Result.AccessURL
		if !op.Result.Success && op.IsTerminal() {
			lastError = op.Result.Error
		}
	}

	if err := s.repo.UpdateStatus(ctx, op.InstanceID, status, accessURL, lastError); err != nil {
		return err
	}

	s.logger.Debug("workspace_status_synced",
		zap.String("instance_id", op.InstanceID),
		zap.String("operation_id", op.ID),
		zap.String("status", string(status)),
	)
	return nil
}
