package authz

import (
	"context"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puppet4/tkp-platform/pkg/models"
)

type fakeMembershipStore struct {
	users         map[uuid.UUID]*models.User
	workspaces    map[uuid.UUID]*models.Workspace
	kbs           map[uuid.UUID]*models.KnowledgeBase
	wsMemberships map[uuid.UUID]map[uuid.UUID]*models.WorkspaceMembership
	kbMemberships map[uuid.UUID]map[uuid.UUID]*models.KnowledgeBaseMembership
}

func newFakeMembershipStore() *fakeMembershipStore {
	return &fakeMembershipStore{
		users:         map[uuid.UUID]*models.User{},
		workspaces:    map[uuid.UUID]*models.Workspace{},
		kbs:           map[uuid.UUID]*models.KnowledgeBase{},
		wsMemberships: map[uuid.UUID]map[uuid.UUID]*models.WorkspaceMembership{},
		kbMemberships: map[uuid.UUID]map[uuid.UUID]*models.KnowledgeBaseMembership{},
	}
}

func (f *fakeMembershipStore) GetUser(_ context.Context, tenantID, userID uuid.UUID) (*models.User, error) {
	u := f.users[userID]
	if u == nil || u.TenantID != tenantID {
		return nil, nil
	}
	return u, nil
}

func (f *fakeMembershipStore) GetWorkspace(_ context.Context, tenantID, workspaceID uuid.UUID) (*models.Workspace, error) {
	ws := f.workspaces[workspaceID]
	if ws == nil || ws.TenantID != tenantID {
		return nil, nil
	}
	return ws, nil
}

func (f *fakeMembershipStore) GetKnowledgeBase(_ context.Context, tenantID, kbID uuid.UUID) (*models.KnowledgeBase, error) {
	kb := f.kbs[kbID]
	if kb == nil || kb.TenantID != tenantID {
		return nil, nil
	}
	return kb, nil
}

func (f *fakeMembershipStore) GetWorkspaceMembership(_ context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.WorkspaceMembership, error) {
	m := f.wsMemberships[workspaceID][userID]
	if m == nil || m.TenantID != tenantID || m.Status != models.MembershipStatusActive {
		return nil, nil
	}
	return m, nil
}

func (f *fakeMembershipStore) GetKBMembership(_ context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBaseMembership, error) {
	m := f.kbMemberships[kbID][userID]
	if m == nil || m.TenantID != tenantID || m.Status != models.MembershipStatusActive {
		return nil, nil
	}
	return m, nil
}

func (f *fakeMembershipStore) ReadableKBIDs(ctx context.Context, tenantID, userID uuid.UUID, requested []uuid.UUID) ([]uuid.UUID, error) {
	want := map[uuid.UUID]struct{}{}
	for _, id := range requested {
		want[id] = struct{}{}
	}

	var out []uuid.UUID
	for kbID, kb := range f.kbs {
		if kb.TenantID != tenantID || kb.Status != models.KnowledgeBaseStatusActive {
			continue
		}
		if len(requested) > 0 {
			if _, ok := want[kbID]; !ok {
				continue
			}
		}
		wsM, _ := f.GetWorkspaceMembership(ctx, tenantID, kb.WorkspaceID, userID)
		kbM, _ := f.GetKBMembership(ctx, tenantID, kbID, userID)
		if wsM != nil && kbM != nil {
			out = append(out, kbID)
		}
	}
	return out, nil
}

type fixture struct {
	store    *fakeMembershipStore
	tenantID uuid.UUID
	userID   uuid.UUID
	wsID     uuid.UUID
	kbID     uuid.UUID
}

func newFixture(tenantRole models.TenantRole, wsRole models.WorkspaceRole, kbRole models.KnowledgeBaseRole) *fixture {
	f := &fixture{
		store:    newFakeMembershipStore(),
		tenantID: uuid.New(),
		userID:   uuid.New(),
		wsID:     uuid.New(),
		kbID:     uuid.New(),
	}

	f.store.users[f.userID] = &models.User{
		ID:       f.userID,
		TenantID: f.tenantID,
		Role:     tenantRole,
		Status:   models.UserStatusActive,
	}
	f.store.workspaces[f.wsID] = &models.Workspace{
		ID:       f.wsID,
		TenantID: f.tenantID,
		Status:   models.WorkspaceStatusActive,
	}
	f.store.kbs[f.kbID] = &models.KnowledgeBase{
		ID:          f.kbID,
		TenantID:    f.tenantID,
		WorkspaceID: f.wsID,
		Status:      models.KnowledgeBaseStatusActive,
	}
	if wsRole != "" {
		f.store.wsMemberships[f.wsID] = map[uuid.UUID]*models.WorkspaceMembership{
			f.userID: {TenantID: f.tenantID, WorkspaceID: f.wsID, UserID: f.userID, Role: wsRole, Status: models.MembershipStatusActive},
		}
	}
	if kbRole != "" {
		f.store.kbMemberships[f.kbID] = map[uuid.UUID]*models.KnowledgeBaseMembership{
			f.userID: {TenantID: f.tenantID, KnowledgeBaseID: f.kbID, UserID: f.userID, Role: kbRole, Status: models.MembershipStatusActive},
		}
	}
	return f
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestActionsForRole(t *testing.T) {
	owner := ActionsForRole(models.TenantRoleOwner)
	viewer := ActionsForRole(models.TenantRoleViewer)

	assert.Contains(t, owner, ActionTenantDelete)
	assert.Contains(t, owner, ActionJobRequeue)

	assert.Contains(t, viewer, ActionRetrievalQuery)
	assert.Contains(t, viewer, ActionDocumentRead)
	assert.NotContains(t, viewer, ActionDocumentWrite)
	assert.NotContains(t, viewer, ActionTenantUpdate)

	assert.Empty(t, ActionsForRole(models.TenantRole("bogus")))
}

func TestResolveScope(t *testing.T) {
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer)
	resolver := NewResolver(f.store, testLogger())

	scope, err := resolver.ResolveScope(context.Background(), f.tenantID, f.userID, nil)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{f.kbID}, scope.KBIDs)
	assert.True(t, scope.Allows(ActionRetrievalQuery))
	assert.False(t, scope.Allows(ActionTenantUpdate))
}

func TestResolveScopeRequiresBothMemberships(t *testing.T) {
	// KB membership alone: no workspace membership means empty scope
	f := newFixture(models.TenantRoleMember, "", models.KnowledgeBaseRoleViewer)
	resolver := NewResolver(f.store, testLogger())

	scope, err := resolver.ResolveScope(context.Background(), f.tenantID, f.userID, nil)
	require.NoError(t, err)
	assert.Empty(t, scope.KBIDs)
}

func TestResolveScopeDeniesForbiddenKB(t *testing.T) {
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer)
	resolver := NewResolver(f.store, testLogger())

	outside := uuid.New()
	_, err := resolver.ResolveScope(context.Background(), f.tenantID, f.userID, []uuid.UUID{f.kbID, outside})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
}

func TestResolveScopeInactiveUser(t *testing.T) {
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer)
	f.store.users[f.userID].Status = models.UserStatusDisabled
	resolver := NewResolver(f.store, testLogger())

	_, err := resolver.ResolveScope(context.Background(), f.tenantID, f.userID, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
}

func TestRequireAction(t *testing.T) {
	f := newFixture(models.TenantRoleViewer, "", "")
	resolver := NewResolver(f.store, testLogger())

	require.NoError(t, resolver.RequireAction(context.Background(), f.tenantID, f.userID, ActionRetrievalQuery))

	err := resolver.RequireAction(context.Background(), f.tenantID, f.userID, ActionDocumentWrite)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
}

type fakeDocStore struct {
	docs map[uuid.UUID]*models.Document
}

func (f *fakeDocStore) GetByID(_ context.Context, tenantID, docID uuid.UUID) (*models.Document, error) {
	d := f.docs[docID]
	if d == nil || d.TenantID != tenantID {
		return nil, nil
	}
	return d, nil
}

func TestEnsureKBReadRequiresBothMemberships(t *testing.T) {
	tests := []struct {
		name   string
		wsRole models.WorkspaceRole
		kbRole models.KnowledgeBaseRole
		want   int
	}{
		{"both memberships", models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer, 0},
		{"workspace only", models.WorkspaceRoleViewer, "", http.StatusForbidden},
		{"kb only", "", models.KnowledgeBaseRoleViewer, http.StatusForbidden},
		{"neither", "", "", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(models.TenantRoleMember, tt.wsRole, tt.kbRole)
			gates := NewGates(f.store, &fakeDocStore{docs: map[uuid.UUID]*models.Document{}})

			kb, err := gates.EnsureKBRead(context.Background(), f.tenantID, f.kbID, f.userID)
			if tt.want == 0 {
				require.NoError(t, err)
				assert.Equal(t, f.kbID, kb.ID)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, httperror.GetStatusCode(err))
		})
	}
}

func TestEnsureKBWriteWorkspaceEditorBypassesKBRole(t *testing.T) {
	// Workspace editors may write KBs without an explicit KB role
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleEditor, "")
	gates := NewGates(f.store, &fakeDocStore{docs: map[uuid.UUID]*models.Document{}})

	kb, err := gates.EnsureKBWrite(context.Background(), f.tenantID, f.kbID, f.userID)
	require.NoError(t, err)
	assert.Equal(t, f.kbID, kb.ID)
}

func TestEnsureKBWriteViewerDenied(t *testing.T) {
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer)
	gates := NewGates(f.store, &fakeDocStore{docs: map[uuid.UUID]*models.Document{}})

	_, err := gates.EnsureKBWrite(context.Background(), f.tenantID, f.kbID, f.userID)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
}

func TestEnsureKBReadArchivedIsNotFound(t *testing.T) {
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer)
	f.store.kbs[f.kbID].Status = models.KnowledgeBaseStatusArchived
	gates := NewGates(f.store, &fakeDocStore{docs: map[uuid.UUID]*models.Document{}})

	_, err := gates.EnsureKBRead(context.Background(), f.tenantID, f.kbID, f.userID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestEnsureDocumentRead(t *testing.T) {
	f := newFixture(models.TenantRoleMember, models.WorkspaceRoleViewer, models.KnowledgeBaseRoleViewer)
	docID := uuid.New()
	docs := &fakeDocStore{docs: map[uuid.UUID]*models.Document{
		docID: {
			ID:              docID,
			TenantID:        f.tenantID,
			WorkspaceID:     f.wsID,
			KnowledgeBaseID: f.kbID,
			Status:          models.DocumentStatusReady,
		},
	}}
	gates := NewGates(f.store, docs)

	doc, kb, err := gates.EnsureDocumentRead(context.Background(), f.tenantID, docID, f.userID)
	require.NoError(t, err)
	assert.Equal(t, docID, doc.ID)
	assert.Equal(t, f.kbID, kb.ID)

	// Deleted document reads as not found
	docs.docs[docID].Status = models.DocumentStatusDeleted
	_, _, err = gates.EnsureDocumentRead(context.Background(), f.tenantID, docID, f.userID)
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestCanManageKBMembers(t *testing.T) {
	wsEditor := models.WorkspaceRoleEditor
	wsViewer := models.WorkspaceRoleViewer
	kbOwner := models.KnowledgeBaseRoleOwner

	assert.True(t, CanManageKBMembers(models.TenantRoleAdmin, nil, nil))
	assert.True(t, CanManageKBMembers(models.TenantRoleMember, &wsEditor, nil))
	assert.True(t, CanManageKBMembers(models.TenantRoleMember, &wsViewer, &kbOwner))
	assert.False(t, CanManageKBMembers(models.TenantRoleMember, &wsViewer, nil))
}
