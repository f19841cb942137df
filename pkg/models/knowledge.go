package models

import (
	"time"

	"github.com/google/uuid"
)

// KnowledgeBaseStatus represents the lifecycle state of a knowledge base
type KnowledgeBaseStatus string

const (
	KnowledgeBaseStatusActive   KnowledgeBaseStatus = "active"
	KnowledgeBaseStatusArchived KnowledgeBaseStatus = "archived"
)

// KnowledgeBase holds documents inside a workspace.
type KnowledgeBase struct {
	ID          uuid.UUID           `db:"id" json:"id"`
	TenantID    uuid.UUID           `db:"tenant_id" json:"tenant_id"`
	WorkspaceID uuid.UUID           `db:"workspace_id" json:"workspace_id"`
	Name        string              `db:"name" json:"name"`
	Description *string             `db:"description" json:"description,omitempty"`
	Status      KnowledgeBaseStatus `db:"status" json:"status"`
	CreatedBy   uuid.UUID           `db:"created_by" json:"created_by"`
	CreatedAt   time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time           `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (KnowledgeBase) TableName() string {
	return "knowledge_bases"
}

// KnowledgeBaseRole represents a user's role on a knowledge base
type KnowledgeBaseRole string

const (
	KnowledgeBaseRoleOwner  KnowledgeBaseRole = "kb_owner"
	KnowledgeBaseRoleEditor KnowledgeBaseRole = "kb_editor"
	KnowledgeBaseRoleViewer KnowledgeBaseRole = "kb_viewer"
)

// Valid reports whether the role is one of the known knowledge base roles.
func (r KnowledgeBaseRole) Valid() bool {
	switch r {
	case KnowledgeBaseRoleOwner, KnowledgeBaseRoleEditor, KnowledgeBaseRoleViewer:
		return true
	}
	return false
}

// KnowledgeBaseMembership binds a user to a knowledge base with a role.
type KnowledgeBaseMembership struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	TenantID        uuid.UUID         `db:"tenant_id" json:"tenant_id"`
	KnowledgeBaseID uuid.UUID         `db:"knowledge_base_id" json:"knowledge_base_id"`
	UserID          uuid.UUID         `db:"user_id" json:"user_id"`
	Role            KnowledgeBaseRole `db:"role" json:"role"`
	Status          MembershipStatus  `db:"status" json:"status"`
	CreatedAt       time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (KnowledgeBaseMembership) TableName() string {
	return "knowledge_base_memberships"
}
