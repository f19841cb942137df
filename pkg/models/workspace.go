package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkspaceStatus represents the lifecycle state of a workspace
type WorkspaceStatus string

const (
	WorkspaceStatusActive   WorkspaceStatus = "active"
	WorkspaceStatusArchived WorkspaceStatus = "archived"
)

// Workspace groups knowledge bases inside a tenant.
type Workspace struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	TenantID    uuid.UUID       `db:"tenant_id" json:"tenant_id"`
	Name        string          `db:"name" json:"name"`
	Description *string         `db:"description" json:"description,omitempty"`
	Status      WorkspaceStatus `db:"status" json:"status"`
	CreatedBy   uuid.UUID       `db:"created_by" json:"created_by"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Workspace) TableName() string {
	return "workspaces"
}

// WorkspaceRole represents a user's role on a workspace
type WorkspaceRole string

const (
	WorkspaceRoleOwner  WorkspaceRole = "ws_owner"
	WorkspaceRoleEditor WorkspaceRole = "ws_editor"
	WorkspaceRoleViewer WorkspaceRole = "ws_viewer"
)

// Valid reports whether the role is one of the known workspace roles.
func (r WorkspaceRole) Valid() bool {
	switch r {
	case WorkspaceRoleOwner, WorkspaceRoleEditor, WorkspaceRoleViewer:
		return true
	}
	return false
}

// MembershipStatus represents whether a membership grants access
type MembershipStatus string

const (
	MembershipStatusActive  MembershipStatus = "active"
	MembershipStatusRevoked MembershipStatus = "revoked"
)

// WorkspaceMembership binds a user to a workspace with a role.
// Access to a knowledge base requires BOTH a workspace membership on
// its parent workspace AND a knowledge base membership.
type WorkspaceMembership struct {
	ID          uuid.UUID        `db:"id" json:"id"`
	TenantID    uuid.UUID        `db:"tenant_id" json:"tenant_id"`
	WorkspaceID uuid.UUID        `db:"workspace_id" json:"workspace_id"`
	UserID      uuid.UUID        `db:"user_id" json:"user_id"`
	Role        WorkspaceRole    `db:"role" json:"role"`
	Status      MembershipStatus `db:"status" json:"status"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (WorkspaceMembership) TableName() string {
	return "workspace_memberships"
}
