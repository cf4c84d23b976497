package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"canvas-backend/internal/model"
)

// gormStore persists session records in Postgres through GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by the given GORM connection.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (g *gormStore) Create(ctx context.Context, s *model.Session) error {
	if err := g.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (g *gormStore) Get(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	err := g.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

func (g *gormStore) ListActiveSince(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	var sessions []model.Session
	err := g.db.WithContext(ctx).
		Where("last_activity_at >= ?", cutoff).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (g *gormStore) ListByIDs(ctx context.Context, ids []string) ([]model.Session, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var sessions []model.Session
	err := g.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("last_activity_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions by id: %w", err)
	}
	return sessions, nil
}

func (g *gormStore) Touch(ctx context.Context, id string, at time.Time) error {
	err := g.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_activity_at": at,
			"is_active":        true,
		}).Error
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (g *gormStore) SetActive(ctx context.Context, id string, active bool) error {
	err := g.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("id = ?", id).
		Update("is_active", active).Error
	if err != nil {
		return fmt.Errorf("set session active: %w", err)
	}
	return nil
}
