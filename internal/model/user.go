package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role names. A chat actor's role gates which lifecycle transitions it may perform.
const (
	RoleRequester  = "requester"
	RoleDispatcher = "dispatcher"
	RoleDriver     = "driver"
	RoleReceiver   = "receiver"
	RoleFinalizer  = "finalizer"
	RoleSupervisor = "supervisor"
	RoleAdmin      = "admin"
	RoleGateway    = "gateway"
)

// ChatRoles are the roles that take part in the pipeline through chat.
var ChatRoles = []string{RoleRequester, RoleDispatcher, RoleDriver, RoleReceiver, RoleFinalizer, RoleSupervisor}

// IsValidRole reports whether role is one of the known role names
func IsValidRole(role string) bool {
	switch role {
	case RoleRequester, RoleDispatcher, RoleDriver, RoleReceiver, RoleFinalizer, RoleSupervisor, RoleAdmin, RoleGateway:
		return true
	}
	return false
}

// User is a directory entry: one human (or gateway) actor of an organization
type User struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OrgID       *uuid.UUID     `gorm:"type:uuid;index" json:"org_id"`
	Username    string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"username"`
	DisplayName string         `gorm:"type:varchar(255)" json:"display_name"`
	ChatKey     *string        `gorm:"type:varchar(100);uniqueIndex" json:"chat_key"` // chat identity bound to this actor
	Phone       string         `gorm:"type:varchar(20)" json:"phone"`
	Password    string         `gorm:"type:varchar(255)" json:"-"`
	Role        string         `gorm:"type:varchar(50);not null;index" json:"role"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"` // GORM soft delete
}

// Name returns the display name, falling back to the username
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}
