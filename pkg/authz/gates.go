package authz

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// DocumentStore is the slice of the document repository the gates need
type DocumentStore interface {
	GetByID(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error)
}

// Gates answers hierarchical access questions: workspace, knowledge
// base, document. Reads of a knowledge base require BOTH a workspace
// membership on its parent AND a knowledge base membership; a missing
// resource and a denied resource both surface as not found so the
// response does not reveal existence.
type Gates struct {
	store MembershipStore
	docs  DocumentStore
}

// NewGates creates a new Gates
func NewGates(store MembershipStore, docs DocumentStore) *Gates {
	return &Gates{
		store: store,
		docs:  docs,
	}
}

func notFound(message string) error {
	return httperror.NewHTTPError(http.StatusNotFound, message)
}

func forbidden() error {
	return httperror.NewHTTPError(http.StatusForbidden, "forbidden")
}

// EnsureWorkspaceRead verifies the user holds an active membership on
// an active workspace in their tenant.
func (g *Gates) EnsureWorkspaceRead(ctx context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.Workspace, *models.WorkspaceMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Gates.EnsureWorkspaceRead")
	defer span.End()

	ws, err := g.store.GetWorkspace(ctx, tenantID, workspaceID)
	if err != nil {
		return nil, nil, err
	}
	if ws == nil || ws.Status == models.WorkspaceStatusArchived {
		return nil, nil, notFound("workspace not found")
	}

	membership, err := g.store.GetWorkspaceMembership(ctx, tenantID, workspaceID, userID)
	if err != nil {
		return nil, nil, err
	}
	if membership == nil {
		return nil, nil, forbidden()
	}

	return ws, membership, nil
}

// EnsureWorkspaceWrite additionally requires a write role on the workspace
func (g *Gates) EnsureWorkspaceWrite(ctx context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.Workspace, *models.WorkspaceMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Gates.EnsureWorkspaceWrite")
	defer span.End()

	ws, membership, err := g.EnsureWorkspaceRead(ctx, tenantID, workspaceID, userID)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := workspaceWriteRoles[membership.Role]; !ok {
		return nil, nil, forbidden()
	}
	return ws, membership, nil
}

// EnsureKBRead verifies the workspace AND knowledge base memberships
func (g *Gates) EnsureKBRead(ctx context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBase, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Gates.EnsureKBRead")
	defer span.End()

	kb, err := g.store.GetKnowledgeBase(ctx, tenantID, kbID)
	if err != nil {
		return nil, err
	}
	if kb == nil || kb.Status == models.KnowledgeBaseStatusArchived {
		return nil, notFound("knowledge base not found")
	}

	if _, _, err := g.EnsureWorkspaceRead(ctx, tenantID, kb.WorkspaceID, userID); err != nil {
		return nil, err
	}

	kbMembership, err := g.store.GetKBMembership(ctx, tenantID, kbID, userID)
	if err != nil {
		return nil, err
	}
	if kbMembership == nil {
		return nil, forbidden()
	}

	return kb, nil
}

// EnsureKBWrite allows workspace write roles to write any knowledge
// base under the workspace without an explicit knowledge base role;
// otherwise an explicit write role on the knowledge base is required.
func (g *Gates) EnsureKBWrite(ctx context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBase, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Gates.EnsureKBWrite")
	defer span.End()

	kb, err := g.store.GetKnowledgeBase(ctx, tenantID, kbID)
	if err != nil {
		return nil, err
	}
	if kb == nil || kb.Status == models.KnowledgeBaseStatusArchived {
		return nil, notFound("knowledge base not found")
	}

	_, wsMembership, err := g.EnsureWorkspaceRead(ctx, tenantID, kb.WorkspaceID, userID)
	if err != nil {
		return nil, err
	}

	if _, ok := workspaceWriteRoles[wsMembership.Role]; ok {
		return kb, nil
	}

	kbMembership, err := g.store.GetKBMembership(ctx, tenantID, kbID, userID)
	if err != nil {
		return nil, err
	}
	if kbMembership != nil {
		if _, ok := kbWriteRoles[kbMembership.Role]; ok {
			return kb, nil
		}
	}

	return nil, forbidden()
}

// EnsureDocumentRead walks document -> knowledge base -> workspace
func (g *Gates) EnsureDocumentRead(ctx context.Context, tenantID, docID, userID uuid.UUID) (*models.Document, *models.KnowledgeBase, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Gates.EnsureDocumentRead")
	defer span.End()

	doc, err := g.docs.GetByID(ctx, tenantID, docID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil || doc.Status == models.DocumentStatusDeleted {
		return nil, nil, notFound("document not found")
	}

	kb, err := g.EnsureKBRead(ctx, tenantID, doc.KnowledgeBaseID, userID)
	if err != nil {
		return nil, nil, err
	}
	return doc, kb, nil
}

// EnsureDocumentWrite requires knowledge base write access on the
// document's knowledge base.
func (g *Gates) EnsureDocumentWrite(ctx context.Context, tenantID, docID, userID uuid.UUID) (*models.Document, *models.KnowledgeBase, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Gates.EnsureDocumentWrite")
	defer span.End()

	doc, err := g.docs.GetByID(ctx, tenantID, docID)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil || doc.Status == models.DocumentStatusDeleted {
		return nil, nil, notFound("document not found")
	}

	kb, err := g.EnsureKBWrite(ctx, tenantID, doc.KnowledgeBaseID, userID)
	if err != nil {
		return nil, nil, err
	}
	return doc, kb, nil
}
