package authz

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/metrics"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// MembershipStore is the slice of the membership repository the
// resolver needs.
type MembershipStore interface {
	GetUser(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error)
	GetWorkspace(ctx context.Context, tenantID, workspaceID uuid.UUID) (*models.Workspace, error)
	GetKnowledgeBase(ctx context.Context, tenantID, kbID uuid.UUID) (*models.KnowledgeBase, error)
	GetWorkspaceMembership(ctx context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.WorkspaceMembership, error)
	GetKBMembership(ctx context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBaseMembership, error)
	ReadableKBIDs(ctx context.Context, tenantID, userID uuid.UUID, requested []uuid.UUID) ([]uuid.UUID, error)
}

// Scope is the resolved permission scope for one caller. KBIDs is the
// exact set the data layer binds into query predicates.
type Scope struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Role     models.TenantRole
	Actions  map[Action]struct{}
	KBIDs    []uuid.UUID
}

// Allows reports whether the scope grants an action
func (s *Scope) Allows(action Action) bool {
	_, ok := s.Actions[action]
	return ok
}

// Resolver builds permission scopes from memberships.
type Resolver struct {
	store  MembershipStore
	logger ectologger.Logger
}

// NewResolver creates a new Resolver
func NewResolver(store MembershipStore, logger ectologger.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// ResolveScope resolves the caller's permission scope, intersected
// with an optional requested knowledge base set. A requested id the
// caller cannot read denies the whole request rather than silently
// shrinking it.
func (r *Resolver) ResolveScope(ctx context.Context, tenantID, userID uuid.UUID, requestedKBIDs []uuid.UUID) (*Scope, error) {
	ctx, span := tracing.StartSpan(ctx, "authz.Resolver.ResolveScope")
	defer span.End()

	user, err := r.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive() {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"user_id": userID,
		}).Warn("scope requested for missing or inactive user")
		return nil, httperror.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	readable, err := r.store.ReadableKBIDs(ctx, tenantID, userID, requestedKBIDs)
	if err != nil {
		return nil, err
	}

	if len(requestedKBIDs) > 0 && len(readable) < len(dedupe(requestedKBIDs)) {
		metrics.RecordAuthzDecision(string(ActionRetrievalQuery), "denied")
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"user_id":   userID,
			"requested": len(requestedKBIDs),
			"readable":  len(readable),
		}).Warn("requested knowledge bases exceed caller scope")
		return nil, httperror.NewHTTPError(http.StatusForbidden, "forbidden kb scope")
	}

	return &Scope{
		TenantID: tenantID,
		UserID:   userID,
		Role:     user.Role,
		Actions:  ActionsForRole(user.Role),
		KBIDs:    readable,
	}, nil
}

// RequireAction checks an action against the caller's tenant role
func (r *Resolver) RequireAction(ctx context.Context, tenantID, userID uuid.UUID, action Action) error {
	ctx, span := tracing.StartSpan(ctx, "authz.Resolver.RequireAction")
	defer span.End()

	user, err := r.store.GetUser(ctx, tenantID, userID)
	if err != nil {
		return err
	}
	if user == nil || !user.IsActive() {
		metrics.RecordAuthzDecision(string(action), "denied")
		return httperror.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	if _, ok := ActionsForRole(user.Role)[action]; !ok {
		metrics.RecordAuthzDecision(string(action), "denied")
		return httperror.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	metrics.RecordAuthzDecision(string(action), "allowed")
	return nil
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
