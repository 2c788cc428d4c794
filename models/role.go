package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/garage_backend/utils"
)

type Action string

const (
	ActionCreateJob              Action = "create_job"
	ActionAcceptJob              Action = "accept_job"
	ActionJobTransition          Action = "job_transition"
	ActionReassignWorker         Action = "reassign_worker"
	ActionTransferDepartment     Action = "transfer_department"
	ActionOverrideClosedJob      Action = "override_closed_job"
	ActionIssueDocument          Action = "issue_document"
	ActionEditDocument           Action = "edit_document"
	ActionSubmitDocument         Action = "submit_document"
	ActionReviewDocument         Action = "review_document"
	ActionConfirmPayment         Action = "confirm_payment"
	ActionCancelDocument         Action = "cancel_document"
	ActionCancelPaidDocument     Action = "cancel_paid_document"
	ActionDeleteDocument         Action = "delete_document"
	ActionLinkDocument           Action = "link_document"
	ActionAppendActivity         Action = "append_activity"
	ActionAppendArchivedActivity Action = "append_archived_activity"
	ActionArchiveJob             Action = "archive_job"
	ActionManageUsers            Action = "manage_users"
	ActionViewReports            Action = "view_reports"
)

// Caller is the identity an operation runs as.
type Caller struct {
	Id         string
	Name       string
	Role       UserRole
	BusinessId string
}

// CallerFromContext reads the identity the session middleware put on ctx.
func CallerFromContext(ctx context.Context) (Caller, error) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || userId == "" {
		return Caller{}, errors.New("user id is required")
	}
	name, _ := utils.GetUserNameFromContext(ctx)
	role, _ := utils.GetUserRoleFromContext(ctx)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	return Caller{Id: userId, Name: name, Role: UserRole(role), BusinessId: businessId}, nil
}

func (c Caller) WithContext(ctx context.Context) context.Context {
	ctx = utils.SetUserIdInContext(ctx, c.Id)
	ctx = utils.SetUserNameInContext(ctx, c.Name)
	ctx = utils.SetUserRoleInContext(ctx, string(c.Role))
	if c.BusinessId != "" {
		ctx = utils.SetBusinessIdInContext(ctx, c.BusinessId)
	}
	return ctx
}

// PermissionProvider answers who may trigger an action. Whether the action is
// valid for the record's current state is decided separately.
type PermissionProvider interface {
	Can(ctx context.Context, caller Caller, action Action) bool
}

// RolePermissionProvider is the default role table.
type RolePermissionProvider struct{}

var technicianActions = map[Action]bool{
	ActionCreateJob:      true,
	ActionAcceptJob:      true,
	ActionJobTransition:  true,
	ActionReassignWorker: true,
	ActionIssueDocument:  true,
	ActionEditDocument:   true,
	ActionSubmitDocument: true,
	ActionLinkDocument:   true,
	ActionAppendActivity: true,
}

var managerActions = map[Action]bool{
	ActionReviewDocument: true,
	ActionConfirmPayment: true,
	ActionCancelDocument: true,
	ActionDeleteDocument: true,
	ActionArchiveJob:     true,
	ActionViewReports:    true,
}

func (RolePermissionProvider) Can(ctx context.Context, caller Caller, action Action) bool {
	switch caller.Role {
	case UserRoleAdmin, UserRoleOwner:
		return true
	case UserRoleManager:
		return technicianActions[action] || managerActions[action]
	case UserRoleTechnician:
		return technicianActions[action]
	}
	return false
}
