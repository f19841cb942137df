// Package authz resolves what a caller may see and do. The resolved
// scope is always applied as a query predicate by the data layer,
// never as a filter over already-fetched rows.
package authz

import (
	"github.com/puppet4/tkp-platform/pkg/models"
)

// Action is a permission action code checked at the API boundary
type Action string

const (
	ActionTenantRead         Action = "api.tenant.read"
	ActionTenantUpdate       Action = "api.tenant.update"
	ActionTenantDelete       Action = "api.tenant.delete"
	ActionTenantMemberManage Action = "api.tenant.member.manage"

	ActionUserRead   Action = "api.user.read"
	ActionUserUpdate Action = "api.user.update"

	ActionWorkspaceCreate       Action = "api.workspace.create"
	ActionWorkspaceRead         Action = "api.workspace.read"
	ActionWorkspaceUpdate       Action = "api.workspace.update"
	ActionWorkspaceDelete       Action = "api.workspace.delete"
	ActionWorkspaceMemberManage Action = "api.workspace.member.manage"

	ActionKBCreate       Action = "api.kb.create"
	ActionKBRead         Action = "api.kb.read"
	ActionKBUpdate       Action = "api.kb.update"
	ActionKBDelete       Action = "api.kb.delete"
	ActionKBMemberManage Action = "api.kb.member.manage"

	ActionDocumentRead   Action = "api.document.read"
	ActionDocumentWrite  Action = "api.document.write"
	ActionDocumentDelete Action = "api.document.delete"

	ActionRetrievalQuery Action = "api.retrieval.query"

	ActionJobRead    Action = "api.job.read"
	ActionJobCancel  Action = "api.job.cancel"
	ActionJobRequeue Action = "api.job.requeue"
)

var allActions = []Action{
	ActionTenantRead, ActionTenantUpdate, ActionTenantDelete, ActionTenantMemberManage,
	ActionUserRead, ActionUserUpdate,
	ActionWorkspaceCreate, ActionWorkspaceRead, ActionWorkspaceUpdate, ActionWorkspaceDelete, ActionWorkspaceMemberManage,
	ActionKBCreate, ActionKBRead, ActionKBUpdate, ActionKBDelete, ActionKBMemberManage,
	ActionDocumentRead, ActionDocumentWrite, ActionDocumentDelete,
	ActionRetrievalQuery,
	ActionJobRead, ActionJobCancel, ActionJobRequeue,
}

var adminActions = []Action{
	ActionTenantRead, ActionTenantUpdate, ActionTenantMemberManage,
	ActionUserRead, ActionUserUpdate,
	ActionWorkspaceCreate, ActionWorkspaceRead, ActionWorkspaceUpdate, ActionWorkspaceDelete, ActionWorkspaceMemberManage,
	ActionKBCreate, ActionKBRead, ActionKBUpdate, ActionKBDelete, ActionKBMemberManage,
	ActionDocumentRead, ActionDocumentWrite, ActionDocumentDelete,
	ActionRetrievalQuery,
	ActionJobRead, ActionJobCancel, ActionJobRequeue,
}

var memberActions = []Action{
	ActionTenantRead,
	ActionWorkspaceCreate, ActionWorkspaceRead,
	ActionKBRead,
	ActionDocumentRead, ActionDocumentWrite, ActionDocumentDelete,
	ActionRetrievalQuery,
	ActionJobRead, ActionJobCancel,
}

var viewerActions = []Action{
	ActionTenantRead,
	ActionWorkspaceRead,
	ActionKBRead,
	ActionDocumentRead,
	ActionRetrievalQuery,
}

// ActionsForRole returns the flat capability set a tenant role grants.
// Owners hold every action.
func ActionsForRole(role models.TenantRole) map[Action]struct{} {
	var actions []Action
	switch role {
	case models.TenantRoleOwner:
		actions = allActions
	case models.TenantRoleAdmin:
		actions = adminActions
	case models.TenantRoleMember:
		actions = memberActions
	case models.TenantRoleViewer:
		actions = viewerActions
	default:
		actions = nil
	}

	set := make(map[Action]struct{}, len(actions))
	for _, a := range actions {
		set[a] = struct{}{}
	}
	return set
}

// Workspace roles allowed to write workspace content
var workspaceWriteRoles = map[models.WorkspaceRole]struct{}{
	models.WorkspaceRoleOwner:  {},
	models.WorkspaceRoleEditor: {},
}

// Knowledge base roles allowed to write knowledge base content
var kbWriteRoles = map[models.KnowledgeBaseRole]struct{}{
	models.KnowledgeBaseRoleOwner:  {},
	models.KnowledgeBaseRoleEditor: {},
}

// CanManageWorkspaceMembers reports whether the caller may grant or
// revoke workspace memberships.
func CanManageWorkspaceMembers(tenantRole models.TenantRole, wsRole *models.WorkspaceRole) bool {
	if tenantRole == models.TenantRoleOwner || tenantRole == models.TenantRoleAdmin {
		return true
	}
	return wsRole != nil && *wsRole == models.WorkspaceRoleOwner
}

// CanManageKBMembers reports whether the caller may grant or revoke
// knowledge base memberships.
func CanManageKBMembers(tenantRole models.TenantRole, wsRole *models.WorkspaceRole, kbRole *models.KnowledgeBaseRole) bool {
	if tenantRole == models.TenantRoleOwner || tenantRole == models.TenantRoleAdmin {
		return true
	}
	if wsRole != nil {
		if _, ok := workspaceWriteRoles[*wsRole]; ok {
			return true
		}
	}
	return kbRole != nil && *kbRole == models.KnowledgeBaseRoleOwner
}
