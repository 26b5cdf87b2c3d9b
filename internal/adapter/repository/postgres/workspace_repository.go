package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/assesslabs/workspace-cloud/internal/domain/workspace"
	"github.com/assesslabs/workspace-cloud/pkg/snowflake"
)

// WorkspaceModel is the database DTO with Gorm tags.
type WorkspaceModel struct {
	RecordID      int64  `gorm:"primaryKey"`
	ID            string `gorm:"uniqueIndex;type:varchar(128)"`
	CandidateName string `gorm:"type:varchar(255)"`
	ChallengeRef  string `gorm:"type:varchar(255)"`
	Status        string `gorm:"type:varchar(50);index"`
	AccessURL     string `gorm:"type:text"`
	CredentialRef string `gorm:"type:varchar(255)"`
	LastError     string `gorm:"type:text"`

	AvailabilityEndsAt *time.Time `gorm:"index"`
	ActivatedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (WorkspaceModel) TableName() string {
	return "workspaces"
}

type WorkspaceRepository struct {
	db   *gorm.DB
	node *snowflake.Node
}

func NewWorkspaceRepository(db *gorm.DB, node *snowflake.Node) *WorkspaceRepository {
	return &WorkspaceRepository{db: db, node: node}
}

func (r *WorkspaceRepository) FindByID(ctx context.Context, id string) (*workspace.Workspace, error) {
	var model WorkspaceModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return toWorkspaceDomain(model), nil
}

func (r *WorkspaceRepository) Save(ctx context.Context, ws *workspace.Workspace) error {
	if ws.RecordID == 0 {
		ws.RecordID = r.node.GenerateID()
	}
	ws.UpdatedAt = time.Now().UTC()

	model := toWorkspaceModel(ws)
	return r.db.WithContext(ctx).Save(&model).Error
}

func (r *WorkspaceRepository) UpdateStatus(ctx context.Context, id string, status workspace.Status, accessURL string, lastError string) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if accessURL != "" {
		updates["access_url"] = accessURL
	}
	updates["last_error"] = lastError

	return r.db.WithContext(ctx).Model(&WorkspaceModel{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListActiveIDs returns the IDs the infrastructure is expected to carry.
// Anything the provisioner reports beyond this set is dangling.
func (r *WorkspaceRepository) ListActiveIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&WorkspaceModel{}).
		Where("status NOT IN ?", []string{
			string(workspace.StatusDestroyed),
			string(workspace.StatusExpired),
		}).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *WorkspaceRepository) ListByStatus(ctx context.Context, statuses []workspace.Status, limit int) ([]*workspace.Workspace, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	values := make([]string, 0, len(statuses))
	for _, status := range statuses {
		values = append(values, string(status))
	}

	query := r.db.WithContext(ctx).Where("status IN ?", values).Order("updated_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []WorkspaceModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]*workspace.Workspace, 0, len(models))
	for _, model := range models {
		items = append(items, toWorkspaceDomain(model))
	}
	return items, nil
}

func (r *WorkspaceRepository) ListWindowExpired(ctx context.Context, now time.Time, limit int) ([]*workspace.Workspace, error) {
	query := r.db.WithContext(ctx).
		Where("availability_ends_at IS NOT NULL AND availability_ends_at <= ?", now).
		Where("activated_at IS NULL").
		Where("status IN ?", []string{
			string(workspace.StatusPending),
			string(workspace.StatusScheduled),
			string(workspace.StatusInitializing),
			string(workspace.StatusActive),
		}).
		Order("availability_ends_at asc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []WorkspaceModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]*workspace.Workspace, 0, len(models))
	for _, model := range models {
		items = append(items, toWorkspaceDomain(model))
	}
	return items, nil
}

func (r *WorkspaceRepository) DeleteDestroyedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", []string{
			string(workspace.StatusDestroyed),
			string(workspace.StatusExpired),
		}, cutoff).
		Delete(&WorkspaceModel{})
	return res.RowsAffected, res.Error
}

// Mappers

func toWorkspaceDomain(m WorkspaceModel) *workspace.Workspace {
	return &workspace.Workspace{
		ID:                 m.ID,
		RecordID:           m.RecordID,
		CandidateName:      m.CandidateName,
		ChallengeRef:       m.ChallengeRef,
		Status:             workspace.Status(m.Status),
		AccessURL:          m.AccessURL,
		CredentialRef:      m.CredentialRef,
		LastError:          m.LastError,
		AvailabilityEndsAt: m.AvailabilityEndsAt,
		ActivatedAt:        m.ActivatedAt,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func toWorkspaceModel(w *workspace.Workspace) WorkspaceModel {
	return WorkspaceModel{
		RecordID:           w.RecordID,
		ID:                 w.ID,
		CandidateName:      w.CandidateName,
		ChallengeRef:       w.ChallengeRef,
		Status:             string(w.Status),
		AccessURL:          w.AccessURL,
		CredentialRef:      w.CredentialRef,
		LastError:          w.LastError,
		AvailabilityEndsAt: w.AvailabilityEndsAt,
		ActivatedAt:        w.ActivatedAt,
		CreatedAt:          w.CreatedAt,
		UpdatedAt:          w.UpdatedAt,
	}
}
