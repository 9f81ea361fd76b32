package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// FlowState is the resumption checkpoint of a suspended conversation flow.
type FlowState struct {
	Kind      string                 `json:"kind"`
	TargetID  string                 `json:"target_id,omitempty"`
	Step      string                 `json:"step"`
	Field     string                 `json:"field,omitempty"`
	Data      map[string]interface{} `json:"data"`
	StartedAt time.Time              `json:"started_at"`
}

// Session is the per-chat-identity state of one actor. Only the worker that owns the
// chat key writes it.
type Session struct {
	ChatKey       string         `gorm:"type:varchar(100);primaryKey" json:"chat_key"`
	ActorID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"actor_id"`
	OrgID         *uuid.UUID     `gorm:"type:uuid" json:"org_id"`
	Role          string         `gorm:"type:varchar(50);not null" json:"role"`
	WorkContextID *uuid.UUID     `gorm:"type:uuid" json:"work_context_id"`
	ActiveFlow    datatypes.JSON `gorm:"type:jsonb" json:"active_flow,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// TableName implements the GORM tabler interface.
func (Session) TableName() string { return "chat_sessions" }

// Flow decodes the active flow checkpoint, nil when the session is idle.
func (s *Session) Flow() (*FlowState, error) {
	if len(s.ActiveFlow) == 0 || string(s.ActiveFlow) == "null" {
		return nil, nil
	}
	var st FlowState
	if err := json.Unmarshal(s.ActiveFlow, &st); err != nil {
		return nil, err
	}
	if st.Data == nil {
		st.Data = map[string]interface{}{}
	}
	return &st, nil
}

// SetFlow stores the checkpoint; a nil state clears it.
func (s *Session) SetFlow(st *FlowState) error {
	if st == nil {
		s.ActiveFlow = nil
		return nil
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.ActiveFlow = datatypes.JSON(raw)
	return nil
}
