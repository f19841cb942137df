// Package membership reads the workspace and knowledge base grants
// the authorization resolver scopes queries with.
package membership

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// MembershipRepository defines the interface for membership lookups
type MembershipRepository interface {
	GetUser(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error)
	GetUserBySubject(ctx context.Context, tenantID uuid.UUID, subject string) (*models.User, error)
	GetWorkspace(ctx context.Context, tenantID, workspaceID uuid.UUID) (*models.Workspace, error)
	GetKnowledgeBase(ctx context.Context, tenantID, kbID uuid.UUID) (*models.KnowledgeBase, error)
	GetWorkspaceMembership(ctx context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.WorkspaceMembership, error)
	GetKBMembership(ctx context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBaseMembership, error)
	ReadableKBIDs(ctx context.Context, tenantID, userID uuid.UUID, requested []uuid.UUID) ([]uuid.UUID, error)
}

// Repository implements MembershipRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new membership repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetUser gets a user scoped to its tenant
func (r *Repository) GetUser(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.GetUser")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "email", "subject", "role", "status", "created_at", "updated_at")
	sb.From("users")
	sb.Where(
		sb.Equal("id", userID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()

	var user models.User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get user")
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// GetUserBySubject resolves the OIDC subject to a tenant user
func (r *Repository) GetUserBySubject(ctx context.Context, tenantID uuid.UUID, subject string) (*models.User, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.GetUserBySubject")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "email", "subject", "role", "status", "created_at", "updated_at")
	sb.From("users")
	sb.Where(
		sb.Equal("subject", subject),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()

	var user models.User
	if err := r.db.GetContext(ctx, &user, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get user by subject")
		return nil, fmt.Errorf("failed to get user by subject: %w", err)
	}
	return &user, nil
}

// GetWorkspace gets a workspace scoped to its tenant
func (r *Repository) GetWorkspace(ctx context.Context, tenantID, workspaceID uuid.UUID) (*models.Workspace, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.GetWorkspace")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "name", "description", "status", "created_by", "created_at", "updated_at")
	sb.From("workspaces")
	sb.Where(
		sb.Equal("id", workspaceID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()

	var ws models.Workspace
	if err := r.db.GetContext(ctx, &ws, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get workspace")
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &ws, nil
}

// GetKnowledgeBase gets a knowledge base scoped to its tenant
func (r *Repository) GetKnowledgeBase(ctx context.Context, tenantID, kbID uuid.UUID) (*models.KnowledgeBase, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.GetKnowledgeBase")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "workspace_id", "name", "description", "status", "created_by", "created_at", "updated_at")
	sb.From("knowledge_bases")
	sb.Where(
		sb.Equal("id", kbID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()

	var kb models.KnowledgeBase
	if err := r.db.GetContext(ctx, &kb, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get knowledge base")
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	return &kb, nil
}

// GetWorkspaceMembership gets the user's active membership on a workspace
func (r *Repository) GetWorkspaceMembership(ctx context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.WorkspaceMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.GetWorkspaceMembership")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "workspace_id", "user_id", "role", "status", "created_at", "updated_at")
	sb.From("workspace_memberships")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("workspace_id", workspaceID),
		sb.Equal("user_id", userID),
		sb.Equal("status", models.MembershipStatusActive),
	)

	query, args := sb.Build()

	var m models.WorkspaceMembership
	if err := r.db.GetContext(ctx, &m, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get workspace membership")
		return nil, fmt.Errorf("failed to get workspace membership: %w", err)
	}
	return &m, nil
}

// GetKBMembership gets the user's active membership on a knowledge base
func (r *Repository) GetKBMembership(ctx context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBaseMembership, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.GetKBMembership")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "knowledge_base_id", "user_id", "role", "status", "created_at", "updated_at")
	sb.From("knowledge_base_memberships")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("knowledge_base_id", kbID),
		sb.Equal("user_id", userID),
		sb.Equal("status", models.MembershipStatusActive),
	)

	query, args := sb.Build()

	var m models.KnowledgeBaseMembership
	if err := r.db.GetContext(ctx, &m, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get kb membership")
		return nil, fmt.Errorf("failed to get kb membership: %w", err)
	}
	return &m, nil
}

// readableKBQuery intersects three levels in one statement: the
// knowledge base must be active in the tenant, the user must hold an
// active membership on its parent workspace, and an active membership
// on the knowledge base itself. A requested id outside this set is
// simply absent from the result.
const readableKBQuery = `
	SELECT kb.id
	FROM knowledge_bases kb
	JOIN workspace_memberships wm
	  ON wm.workspace_id = kb.workspace_id
	 AND wm.tenant_id = kb.tenant_id
	 AND wm.user_id = $2
	 AND wm.status = 'active'
	JOIN knowledge_base_memberships km
	  ON km.knowledge_base_id = kb.id
	 AND km.tenant_id = kb.tenant_id
	 AND km.user_id = $2
	 AND km.status = 'active'
	WHERE kb.tenant_id = $1
	  AND kb.status = 'active'`

// ReadableKBIDs returns the knowledge base ids the user may read,
// optionally intersected with a requested set. An empty result is a
// valid answer, not an error.
func (r *Repository) ReadableKBIDs(ctx context.Context, tenantID, userID uuid.UUID, requested []uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "MembershipRepository.ReadableKBIDs")
	defer span.End()

	query := readableKBQuery
	args := []any{tenantID, userID}
	if len(requested) > 0 {
		query += " AND kb.id = ANY($3)"
		args = append(args, pq.Array(requested))
	}
	query += " ORDER BY kb.id"

	ids := []uuid.UUID{}
	if err := r.db.SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to resolve readable knowledge bases")
		return nil, fmt.Errorf("failed to resolve readable knowledge bases: %w", err)
	}
	return ids, nil
}
