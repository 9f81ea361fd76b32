package service

import (
	"procurebot/internal/model"

	"github.com/google/uuid"
)

// Actor is the caller of a lifecycle operation, resolved from the directory.
type Actor struct {
	ID            uuid.UUID
	OrgID         *uuid.UUID
	WorkContextID *uuid.UUID
	Role          string
	Name          string
}

// ActorFromUser builds the actor for a directory entry
func ActorFromUser(u *model.User) Actor {
	return Actor{ID: u.ID, OrgID: u.OrgID, Role: u.Role, Name: u.Name()}
}

// Sees reports whether req belongs to the actor's organization. An actor without an
// organization (the platform admin, single-tenant deployments) sees every request.
func (a Actor) Sees(req *model.ProcurementRequest) bool {
	if a.OrgID == nil {
		return true
	}
	return req.OrgID != nil && *req.OrgID == *a.OrgID
}

// stageRoles lists which roles may move a request into each status
var stageRoles = map[string][]string{
	model.StatusPending:   {model.RoleRequester, model.RoleSupervisor},
	model.StatusApproved:  {model.RoleDispatcher},
	model.StatusRejected:  {model.RoleDispatcher, model.RoleSupervisor},
	model.StatusInTransit: {model.RoleDriver},
	model.StatusDelivered: {model.RoleDriver},
	model.StatusReceived:  {model.RoleReceiver},
	model.StatusFulfilled: {model.RoleFinalizer},
}

// MayPerform reports whether role may move a request into status `to`
func MayPerform(role, to string) bool {
	for _, r := range stageRoles[to] {
		if r == role {
			return true
		}
	}
	return false
}
