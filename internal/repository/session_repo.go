package repository

import (
	"context"
	"time"

	"procurebot/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionRepository persists per-chat sessions, including suspended flow checkpoints.
type SessionRepository interface {
	Get(ctx context.Context, chatKey string) (*model.Session, error)
	// Save upserts the session by chat key
	Save(ctx context.Context, s *model.Session) error
}

type sessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Get(ctx context.Context, chatKey string) (*model.Session, error) {
	var s model.Session
	if err := GetDB(ctx, r.db).First(&s, "chat_key = ?", chatKey).Error; err != nil {
		return nil, translate(err, "find session")
	}
	return &s, nil
}

func (r *sessionRepository) Save(ctx context.Context, s *model.Session) error {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	err := GetDB(ctx, r.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chat_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"actor_id", "org_id", "role", "work_context_id", "active_flow", "updated_at"}),
	}).Create(s).Error
	return translate(err, "save session")
}
