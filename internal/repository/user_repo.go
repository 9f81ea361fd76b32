package repository

import (
	"context"

	"procurebot/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserRepository is the actor directory
type UserRepository interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	// GetByChatKey resolves the actor bound to a chat identity
	GetByChatKey(ctx context.Context, chatKey string) (*model.User, error)
	// ListByRole returns the actors of an organization holding role, ordered by name.
	ListByRole(ctx context.Context, orgID *uuid.UUID, role string) ([]model.User, error)
	List(ctx context.Context, page, limit int) ([]model.User, int64, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a new instance of UserRepository
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(ctx context.Context, user *model.User) error {
	return translate(GetDB(ctx, r.db).Create(user).Error, "create user")
}

func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	var user model.User
	if err := GetDB(ctx, r.db).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate(err, "find user")
	}
	return &user, nil
}

func (r *userRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := GetDB(ctx, r.db).First(&user, "username = ?", username).Error; err != nil {
		return nil, translate(err, "find user by username")
	}
	return &user, nil
}

func (r *userRepository) GetByChatKey(ctx context.Context, chatKey string) (*model.User, error) {
	var user model.User
	if err := GetDB(ctx, r.db).First(&user, "chat_key = ?", chatKey).Error; err != nil {
		return nil, translate(err, "find user by chat key")
	}
	return &user, nil
}

func (r *userRepository) ListByRole(ctx context.Context, orgID *uuid.UUID, role string) ([]model.User, error) {
	var users []model.User
	db := GetDB(ctx, r.db).Where("role = ?", role)
	if orgID != nil {
		db = db.Where("org_id = ?", *orgID)
	}
	if err := db.Order("display_name, username").Find(&users).Error; err != nil {
		return nil, translate(err, "list users by role")
	}
	return users, nil
}

func (r *userRepository) List(ctx context.Context, page, limit int) ([]model.User, int64, error) {
	var users []model.User
	var total int64

	db := GetDB(ctx, r.db)
	if err := db.Model(&model.User{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count users")
	}

	offset := (page - 1) * limit
	if err := db.Order("username").Offset(offset).Limit(limit).Find(&users).Error; err != nil {
		return nil, 0, translate(err, "list users")
	}

	return users, total, nil
}
