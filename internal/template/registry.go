package template

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ChallengeTemplate describes one provisionable challenge environment.
type ChallengeTemplate struct {
	Name        string    `gorm:"primaryKey;type:varchar(100)"`
	DockerImage string    `gorm:"type:text;not null"`
	Status      string    `gorm:"type:varchar(20);not null"`
	CPUMHz      int       `gorm:"column:cpu_mhz;not null;default:500"`
	MemoryMB    int       `gorm:"column:memory_mb;not null;default:1024"`
	DefaultTTL  int64     `gorm:"not null;default:14400"` // seconds
	IsDefault   bool      `gorm:"default:false"`
	CreatedAt   time.Time `gorm:"default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time `gorm:"default:CURRENT_TIMESTAMP"`
}

// TableName sets the table name for GORM.
func (ChallengeTemplate) TableName() string {
	return "challenge_templates"
}

// Template status constants
const (
	StatusStable     = "stable"
	StatusDraft      = "draft"
	StatusDeprecated = "deprecated"
)

// Registry manages challenge templates.
type Registry struct {
	db *gorm.DB
}

// NewRegistry creates a new template registry.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db}
}

// Get returns a specific template.
func (r *Registry) Get(ctx context.Context, name string) (*ChallengeTemplate, error) {
	var tpl ChallengeTemplate
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		First(&tpl).Error
	if err != nil {
		return nil, fmt.Errorf("template not found: %w", err)
	}
	return &tpl, nil
}

// GetDefault returns the default template.
func (r *Registry) GetDefault(ctx context.Context) (*ChallengeTemplate, error) {
	var tpl ChallengeTemplate
	err := r.db.WithContext(ctx).
		Where("is_default = ?", true).
		First(&tpl).Error
	if err != nil {
		return nil, fmt.Errorf("no default template configured: %w", err)
	}
	return &tpl, nil
}

// Resolve returns the named template, falling back to the default when the
// name is empty.
func (r *Registry) Resolve(ctx context.Context, name string) (*ChallengeTemplate, error) {
	if name == "" {
		return r.GetDefault(ctx)
	}
	return r.Get(ctx, name)
}

// List returns all templates that are not deprecated.
func (r *Registry) List(ctx context.Context) ([]ChallengeTemplate, error) {
	var templates []ChallengeTemplate
	err := r.db.WithContext(ctx).
		Where("status != ?", StatusDeprecated).
		Order("name ASC").
		Find(&templates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

// Create adds a new template to the registry.
func (r *Registry) Create(ctx context.Context, tpl *ChallengeTemplate) error {
	if err := r.db.WithContext(ctx).Create(tpl).Error; err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// SetDefault marks a template as the default.
func (r *Registry) SetDefault(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&ChallengeTemplate{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			return fmt.Errorf("failed to unset current default: %w", err)
		}
		if err := tx.Model(&ChallengeTemplate{}).
			Where("name = ?", name).
			Update("is_default", true).Error; err != nil {
			return fmt.Errorf("failed to set new default: %w", err)
		}
		return nil
	})
}

// Validate checks that a template exists and is usable.
func (r *Registry) Validate(ctx context.Context, name string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ChallengeTemplate{}).
		Where("name = ? AND status != ?", name, StatusDeprecated).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
