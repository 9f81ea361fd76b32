package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"procurebot/internal/model"
	"procurebot/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DTOs for Request validation
type CreateUserRequest struct {
	Username    string `json:"username" binding:"required"`
	DisplayName string `json:"display_name"`
	Phone       string `json:"phone"`
	Password    string `json:"password" binding:"required,min=6"`
	Role        string `json:"role" binding:"required"`
	ChatKey     string `json:"chat_key"`
	OrgID       string `json:"org_id"`
}

type LoginUserRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// DTO for returning User without exposing sensitive data (e.g. password)
type UserResponse struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Phone       string    `json:"phone"`
	Role        string    `json:"role"`
	ChatKey     string    `json:"chat_key,omitempty"`
	OrgID       string    `json:"org_id,omitempty"`
	CreatedAt   string    `json:"created_at"`
}

// UserService manages the actor directory and issues API tokens
type UserService interface {
	CreateUser(ctx context.Context, req CreateUserRequest) (*UserResponse, error)
	Login(ctx context.Context, req LoginUserRequest) (*TokenResponse, error)
	GetUserByID(ctx context.Context, id string) (*UserResponse, error)
	ListUsers(ctx context.Context, page, limit int) ([]UserResponse, int64, error)
}

type userService struct {
	repo       repository.UserRepository
	secret     []byte
	expiration time.Duration
}

// NewUserService returns a new instance of UserService
func NewUserService(repo repository.UserRepository, secret string, expiration time.Duration) UserService {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &userService{repo: repo, secret: []byte(secret), expiration: expiration}
}

// Helper: parse model to standard json API response
func mapToResponse(user *model.User) *UserResponse {
	res := &UserResponse{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Phone:       user.Phone,
		Role:        user.Role,
		CreatedAt:   user.CreatedAt.Format(time.RFC3339),
	}
	if user.ChatKey != nil {
		res.ChatKey = *user.ChatKey
	}
	if user.OrgID != nil {
		res.OrgID = user.OrgID.String()
	}
	return res
}

func (s *userService) CreateUser(ctx context.Context, req CreateUserRequest) (*UserResponse, error) {
	if !model.IsValidRole(req.Role) {
		return nil, invalid("unknown role %q", req.Role)
	}

	if _, err := s.repo.GetByUsername(ctx, req.Username); err == nil {
		return nil, invalid("username already exists")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.New("failed to hash password")
	}

	user := &model.User{
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Phone:       req.Phone,
		Password:    string(hashedPassword),
		Role:        req.Role,
	}
	if key := strings.TrimSpace(req.ChatKey); key != "" {
		user.ChatKey = &key
	}
	if req.OrgID != "" {
		org, err := uuid.Parse(req.OrgID)
		if err != nil {
			return nil, invalid("invalid org_id")
		}
		user.OrgID = &org
	}

	if err := s.repo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, invalid("username or chat key already in use")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return mapToResponse(user), nil
}

func (s *userService) Login(ctx context.Context, req LoginUserRequest) (*TokenResponse, error) {
	user, err := s.repo.GetByUsername(ctx, req.Username)
	if err != nil {
		return nil, errors.New("invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, errors.New("invalid username or password")
	}

	org := ""
	if user.OrgID != nil {
		org = user.OrgID.String()
	}
	return SignToken(s.secret, user.ID.String(), user.Role, org, s.expiration)
}

// SignToken issues an HS256 API token. Gateways get theirs from the CLI with role gateway.
func SignToken(secret []byte, subject, role, org string, ttl time.Duration) (*TokenResponse, error) {
	exp := time.Now().Add(ttl)
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  exp.Unix(),
	}
	if org != "" {
		claims["org"] = org
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return nil, errors.New("failed to generate token")
	}
	return &TokenResponse{Token: tokenString, ExpiresAt: exp.Format(time.RFC3339)}, nil
}

func (s *userService) GetUserByID(ctx context.Context, id string) (*UserResponse, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, invalid("invalid user id")
	}
	user, err := s.repo.GetByID(ctx, uid)
	if err != nil {
		return nil, errors.New("user not found")
	}
	return mapToResponse(user), nil
}

func (s *userService) ListUsers(ctx context.Context, page, limit int) ([]UserResponse, int64, error) {
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 10
	}

	users, total, err := s.repo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}

	responses := make([]UserResponse, 0, len(users))
	for _, u := range users {
		responses = append(responses, *mapToResponse(&u))
	}

	return responses, total, nil
}
