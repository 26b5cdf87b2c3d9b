package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/assesslabs/workspace-cloud/internal/domain/operation"
)

// OperationModel is the database DTO with Gorm tags. Logs and the result
// document live in JSONB columns; everything queried by the scheduler carries
// a dedicated index.
type OperationModel struct {
	ID             string `gorm:"primaryKey;type:varchar(64)"`
	Kind           string `gorm:"type:varchar(20);index:idx_operations_instance_kind,priority:2"`
	Status         string `gorm:"type:varchar(20);index"`
	InstanceID     string `gorm:"type:varchar(128);index:idx_operations_instance_kind,priority:1"`
	CandidateLabel string `gorm:"type:varchar(255)"`
	ChallengeRef   string `gorm:"type:varchar(255)"`
	Logs           datatypes.JSON
	Result         datatypes.JSON

	CreatedAt          time.Time
	ScheduledAt        *time.Time `gorm:"index"`
	ExecutionStartedAt *time.Time
	CompletedAt        *time.Time
	AutoDestroyAt      *time.Time `gorm:"index"`
	ExpiresAt          time.Time  `gorm:"index"`
}

func (OperationModel) TableName() string {
	return "operations"
}

type OperationRepository struct {
	db *gorm.DB
}

func NewOperationRepository(db *gorm.DB) *OperationRepository {
	return &OperationRepository{db: db}
}

func (r *OperationRepository) Create(ctx context.Context, op *operation.Operation) error {
	model, err := toOperationModel(op)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&model).Error
}

func (r *OperationRepository) Get(ctx context.Context, id string) (*operation.Operation, error) {
	var model OperationModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, operation.ErrNotFound
		}
		return nil, err
	}
	return toOperationDomain(model)
}

func (r *OperationRepository) Save(ctx context.Context, op *operation.Operation) error {
	model, err := toOperationModel(op)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&model).Error
}

// UpdateIf applies mutate under a row lock, only when the current status is
// in allowed. The lock holds the record still between the guard check and the
// write, so a terminal status can never be overwritten by a stale caller.
func (r *OperationRepository) UpdateIf(
	ctx context.Context,
	id string,
	allowed []operation.Status,
	mutate func(*operation.Operation) error,
) (*operation.Operation, bool, error) {
	var (
		updated *operation.Operation
		applied bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model OperationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", id).
			First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return operation.ErrNotFound
			}
			return err
		}

		op, err := toOperationDomain(model)
		if err != nil {
			return err
		}

		if !statusAllowed(op.Status, allowed) {
			updated = op
			return nil
		}

		if err := mutate(op); err != nil {
			return err
		}

		next, err := toOperationModel(op)
		if err != nil {
			return err
		}
		if err := tx.Save(&next).Error; err != nil {
			return err
		}

		updated = op
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return updated, applied, nil
}

// AppendLogs merges a batch of lines into the JSONB log column in one write.
// The append happens server-side so concurrent batches for different
// operations never contend on application state.
func (r *OperationRepository) AppendLogs(ctx context.Context, id string, lines []operation.LogLine) error {
	if len(lines) == 0 {
		return nil
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode log batch: %w", err)
	}

	res := r.db.WithContext(ctx).Exec(
		`UPDATE operations SET logs = COALESCE(logs, '[]'::jsonb) || ?::jsonb WHERE id = ?`,
		string(payload), id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return operation.ErrNotFound
	}
	return nil
}

func (r *OperationRepository) ListByStatus(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Operation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	query := r.db.WithContext(ctx).Where("status IN ?", values).Order("created_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.list(query)
}

func (r *OperationRepository) ListActive(ctx context.Context, limit int) ([]*operation.Operation, error) {
	return r.ListByStatus(ctx, []operation.Status{operation.StatusRunning, operation.StatusScheduled}, limit)
}

func (r *OperationRepository) ListByInstance(ctx context.Context, instanceID string) ([]*operation.Operation, error) {
	query := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("created_at asc")
	return r.list(query)
}

func (r *OperationRepository) ListScheduledDue(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	query := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", string(operation.StatusScheduled), now).
		Order("scheduled_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.list(query)
}

func (r *OperationRepository) ListAutoDestroyDue(ctx context.Context, now time.Time, limit int) ([]*operation.Operation, error) {
	query := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND auto_destroy_at IS NOT NULL AND auto_destroy_at <= ?",
			string(operation.KindCreate), string(operation.StatusCompleted), now).
		Order("auto_destroy_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	return r.list(query)
}

// CreateDestroyIfAbsent inserts op unless the instance already has an
// effective destroy. Failed and cancelled destroys do not count: both leave
// the instance standing, so they must not block a retry. The guard and the
// insert run in one transaction with the existing rows locked, so two racing
// callers cannot both insert.
func (r *OperationRepository) CreateDestroyIfAbsent(ctx context.Context, op *operation.Operation) (bool, error) {
	if op.Kind != operation.KindDestroy {
		return false, fmt.Errorf("operation %s is not a destroy", op.ID)
	}

	inserted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&OperationModel{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_id = ? AND kind = ? AND status NOT IN ?",
				op.InstanceID, string(operation.KindDestroy),
				[]string{string(operation.StatusFailed), string(operation.StatusCancelled)}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return nil
		}

		model, err := toOperationModel(op)
		if err != nil {
			return err
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (r *OperationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&OperationModel{})
	return res.RowsAffected, res.Error
}

func (r *OperationRepository) list(query *gorm.DB) ([]*operation.Operation, error) {
	var models []OperationModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]*operation.Operation, 0, len(models))
	for _, model := range models {
		op, err := toOperationDomain(model)
		if err != nil {
			return nil, err
		}
		items = append(items, op)
	}
	return items, nil
}

func statusAllowed(current operation.Status, allowed []operation.Status) bool {
	for _, status := range allowed {
		if current == status {
			return true
		}
	}
	return false
}

// Mappers

func toOperationDomain(m OperationModel) (*operation.Operation, error) {
	op := &operation.Operation{
		ID:                 m.ID,
		Kind:               operation.Kind(m.Kind),
		Status:             operation.Status(m.Status),
		InstanceID:         m.InstanceID,
		CandidateLabel:     m.CandidateLabel,
		ChallengeRef:       m.ChallengeRef,
		CreatedAt:          m.CreatedAt,
		ScheduledAt:        m.ScheduledAt,
		ExecutionStartedAt: m.ExecutionStartedAt,
		CompletedAt:        m.CompletedAt,
		AutoDestroyAt:      m.AutoDestroyAt,
		ExpiresAt:          m.ExpiresAt,
	}

	if len(m.Logs) > 0 {
		if err := json.Unmarshal(m.Logs, &op.Logs); err != nil {
			return nil, fmt.Errorf("decode logs for %s: %w", m.ID, err)
		}
	}
	if len(m.Result) > 0 {
		var res operation.Result
		if err := json.Unmarshal(m.Result, &res); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", m.ID, err)
		}
		op.Result = &res
	}
	return op, nil
}

func toOperationModel(op *operation.Operation) (OperationModel, error) {
	model := OperationModel{
		ID:                 op.ID,
		Kind:               string(op.Kind),
		Status:             string(op.Status),
		InstanceID:         op.InstanceID,
		CandidateLabel:     op.CandidateLabel,
		ChallengeRef:       op.ChallengeRef,
		CreatedAt:          op.CreatedAt,
		ScheduledAt:        op.ScheduledAt,
		ExecutionStartedAt: op.ExecutionStartedAt,
		CompletedAt:        op.CompletedAt,
		AutoDestroyAt:      op.AutoDestroyAt,
		ExpiresAt:          op.ExpiresAt,
	}

	logs := op.Logs
	if logs == nil {
		logs = []operation.LogLine{}
	}
	encoded, err := json.Marshal(logs)
	if err != nil {
		return OperationModel{}, fmt.Errorf("encode logs for %s: %w", op.ID, err)
	}
	model.Logs = datatypes.JSON(encoded)

	if op.Result != nil {
		encoded, err := json.Marshal(op.Result)
		if err != nil {
			return OperationModel{}, fmt.Errorf("encode result for %s: %w", op.ID, err)
		}
		model.Result = datatypes.JSON(encoded)
	}
	return model, nil
}
