package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActionCreateRequest   = "CREATE_REQUEST"
	ActionDeleteRequest   = "DELETE_REQUEST"
	ActionApproveRequest  = "APPROVE_REQUEST"
	ActionRejectRequest   = "REJECT_REQUEST"
	ActionCollectRequest  = "COLLECT_REQUEST"
	ActionDeliverRequest  = "DELIVER_REQUEST"
	ActionReceiveRequest  = "RECEIVE_REQUEST"
	ActionFinalizeRequest = "FINALIZE_REQUEST"
	ActionCreateStock     = "CREATE_STOCK_ENTRY"
	ActionCreateProduct   = "CREATE_PRODUCT"
)

// ActionForStatus maps a target status to the audit action recorded for it
func ActionForStatus(to string) string {
	switch to {
	case StatusPending:
		return ActionCreateRequest
	case StatusApproved:
		return ActionApproveRequest
	case StatusRejected:
		return ActionRejectRequest
	case StatusInTransit:
		return ActionCollectRequest
	case StatusDelivered:
		return ActionDeliverRequest
	case StatusReceived:
		return ActionReceiveRequest
	case StatusFulfilled:
		return ActionFinalizeRequest
	}
	return "UNKNOWN"
}

// AuditLog tracks Who, What, and When for every pipeline change
type AuditLog struct {
	ID         uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID     *uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	User       *User      `gorm:"foreignKey:UserID" json:"user"`
	Action     string     `gorm:"type:varchar(50);not null;index" json:"action"`
	EntityID   string     `gorm:"type:varchar(50);index" json:"entity_id"`
	EntityName string     `gorm:"type:varchar(255)" json:"entity_name,omitempty"`
	Details    string     `gorm:"type:jsonb" json:"details"` // serialized JSON payload of the action
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}
