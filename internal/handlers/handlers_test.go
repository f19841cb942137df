package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puppet4/tkp-platform/pkg/authz"
	"github.com/puppet4/tkp-platform/pkg/ingest"
	"github.com/puppet4/tkp-platform/pkg/models"

	tkpcontext "github.com/puppet4/tkp-platform/pkg/context"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeMemberships struct {
	user        *models.User
	wsRole      models.WorkspaceRole
	kbRole      models.KnowledgeBaseRole
	restrictKBs bool
}

func (f *fakeMemberships) GetUser(_ context.Context, tenantID, userID uuid.UUID) (*models.User, error) {
	if f.user == nil || f.user.TenantID != tenantID || f.user.ID != userID {
		return nil, nil
	}
	return f.user, nil
}

func (f *fakeMemberships) GetWorkspace(_ context.Context, tenantID, workspaceID uuid.UUID) (*models.Workspace, error) {
	return &models.Workspace{ID: workspaceID, TenantID: tenantID, Status: models.WorkspaceStatusActive}, nil
}

func (f *fakeMemberships) GetKnowledgeBase(_ context.Context, tenantID, kbID uuid.UUID) (*models.KnowledgeBase, error) {
	return &models.KnowledgeBase{ID: kbID, TenantID: tenantID, WorkspaceID: uuid.New(), Status: models.KnowledgeBaseStatusActive}, nil
}

func (f *fakeMemberships) GetWorkspaceMembership(_ context.Context, tenantID, workspaceID, userID uuid.UUID) (*models.WorkspaceMembership, error) {
	if f.wsRole == "" {
		return nil, nil
	}
	return &models.WorkspaceMembership{TenantID: tenantID, WorkspaceID: workspaceID, UserID: userID, Role: f.wsRole, Status: models.MembershipStatusActive}, nil
}

func (f *fakeMemberships) GetKBMembership(_ context.Context, tenantID, kbID, userID uuid.UUID) (*models.KnowledgeBaseMembership, error) {
	if f.kbRole == "" {
		return nil, nil
	}
	return &models.KnowledgeBaseMembership{TenantID: tenantID, KnowledgeBaseID: kbID, UserID: userID, Role: f.kbRole, Status: models.MembershipStatusActive}, nil
}

func (f *fakeMemberships) ReadableKBIDs(_ context.Context, _, _ uuid.UUID, requested []uuid.UUID) ([]uuid.UUID, error) {
	if f.restrictKBs {
		return nil, nil
	}
	return requested, nil
}

type fakeAudit struct {
	entries []*models.AuditLog
}

func (f *fakeAudit) Append(_ context.Context, entry *models.AuditLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

type fakeJobs struct {
	jobs map[uuid.UUID]*models.IngestionJob
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[uuid.UUID]*models.IngestionJob)}
}

func (f *fakeJobs) add(job *models.IngestionJob) *models.IngestionJob {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.jobs[job.ID] = job
	return job
}

func (f *fakeJobs) Enqueue(_ context.Context, job *models.IngestionJob) (*models.IngestionJob, bool, error) {
	job.ID = uuid.New()
	job.Status = models.JobStatusQueued
	f.jobs[job.ID] = job
	return job, true, nil
}

func (f *fakeJobs) ClaimNext(_ context.Context, _ string, _ time.Duration) (*models.IngestionJob, error) {
	return nil, nil
}

func (f *fakeJobs) Heartbeat(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeJobs) Complete(_ context.Context, _ uuid.UUID, _ string) error { return nil }

func (f *fakeJobs) Fail(_ context.Context, _ uuid.UUID, _ string, _, _ string, _ *time.Time) error {
	return nil
}

func (f *fakeJobs) Cancel(_ context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	switch job.Status {
	case models.JobStatusQueued, models.JobStatusRetrying:
		job.Status = models.JobStatusCanceled
	case models.JobStatusProcessing:
		job.CancelRequested = true
	default:
		return nil, nil
	}
	return job, nil
}

func (f *fakeJobs) MarkCanceled(_ context.Context, _ uuid.UUID, _ string) error { return nil }

func (f *fakeJobs) GetByID(_ context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, nil
	}
	return job, nil
}

func (f *fakeJobs) List(_ context.Context, tenantID uuid.UUID, status models.JobStatus, _, _ int) ([]models.IngestionJob, int, error) {
	var out []models.IngestionJob
	for _, job := range f.jobs {
		if job.TenantID != tenantID {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, *job)
	}
	return out, len(out), nil
}

func (f *fakeJobs) ListDeadLetter(_ context.Context, tenantID uuid.UUID, _, _ int) ([]models.IngestionJob, int, error) {
	var out []models.IngestionJob
	for _, job := range f.jobs {
		if job.TenantID == tenantID && job.Status == models.JobStatusDeadLetter {
			out = append(out, *job)
		}
	}
	return out, len(out), nil
}

func (f *fakeJobs) RequeueDeadLetter(_ context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error) {
	job, ok := f.jobs[jobID]
	if !ok || job.TenantID != tenantID || job.Status != models.JobStatusDeadLetter {
		return nil, nil
	}
	job.Status = models.JobStatusQueued
	job.Attempt = 0
	return job, nil
}

func (f *fakeJobs) SetStage(_ context.Context, _ uuid.UUID, _ string, _ models.JobStage) error {
	return nil
}

type handlerFixture struct {
	tenantID    uuid.UUID
	userID      uuid.UUID
	memberships *fakeMemberships
	jobs        *fakeJobs
	audit       *fakeAudit
	resolver    *authz.Resolver
}

func newHandlerFixture(role models.TenantRole) *handlerFixture {
	tenantID := uuid.New()
	userID := uuid.New()
	memberships := &fakeMemberships{
		user: &models.User{
			ID:       userID,
			TenantID: tenantID,
			Role:     role,
			Status:   models.UserStatusActive,
		},
		wsRole: models.WorkspaceRoleEditor,
		kbRole: models.KnowledgeBaseRoleEditor,
	}
	return &handlerFixture{
		tenantID:    tenantID,
		userID:      userID,
		memberships: memberships,
		jobs:        newFakeJobs(),
		audit:       &fakeAudit{},
		resolver:    authz.NewResolver(memberships, testLogger()),
	}
}

func (fx *handlerFixture) request(method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}

	ctx := req.Context()
	ctx = tkpcontext.SetTenantID(ctx, fx.tenantID.String())
	ctx = tkpcontext.SetUserID(ctx, fx.userID.String())
	req = req.WithContext(ctx)

	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestPagination(t *testing.T) {
	fx := newHandlerFixture(models.TenantRoleMember)

	t.Run("should default page and size", func(t *testing.T) {
		c, _ := fx.request(http.MethodGet, "/jobs", "")
		page, pageSize := Pagination(c)
		assert.Equal(t, 1, page)
		assert.Equal(t, 20, pageSize)
	})

	t.Run("should clamp oversized page size", func(t *testing.T) {
		c, _ := fx.request(http.MethodGet, "/jobs?page=3&page_size=500", "")
		page, pageSize := Pagination(c)
		assert.Equal(t, 3, page)
		assert.Equal(t, 100, pageSize)
	})
}

func TestIdentity(t *testing.T) {
	t.Run("should reject a request without identity", func(t *testing.T) {
		e := echo.New()
		req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
		c := e.NewContext(req, httptest.NewRecorder())

		_, _, err := Identity(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))
	})

	t.Run("should return the stamped identity", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleMember)
		c, _ := fx.request(http.MethodGet, "/jobs", "")

		tenantID, userID, err := Identity(c)
		require.NoError(t, err)
		assert.Equal(t, fx.tenantID, tenantID)
		assert.Equal(t, fx.userID, userID)
	})
}

func TestJobHandlerGet(t *testing.T) {
	fx := newHandlerFixture(models.TenantRoleMember)
	handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())

	job := fx.jobs.add(&models.IngestionJob{
		TenantID: fx.tenantID,
		Status:   models.JobStatusQueued,
		Action:   models.JobActionIngest,
	})

	t.Run("should return the job", func(t *testing.T) {
		c, rec := fx.request(http.MethodGet, "/jobs/"+job.ID.String(), "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		require.NoError(t, handler.Get(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var got models.IngestionJob
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, job.ID, got.ID)
	})

	t.Run("should return not found for an unknown job", func(t *testing.T) {
		c, _ := fx.request(http.MethodGet, "/jobs/"+uuid.NewString(), "")
		c.SetParamNames("id")
		c.SetParamValues(uuid.NewString())

		err := handler.Get(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	})

	t.Run("should reject a malformed id", func(t *testing.T) {
		c, _ := fx.request(http.MethodGet, "/jobs/not-a-uuid", "")
		c.SetParamNames("id")
		c.SetParamValues("not-a-uuid")

		err := handler.Get(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	})
}

func TestJobHandlerCancel(t *testing.T) {
	t.Run("should cancel a queued job and audit it", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleMember)
		handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())
		job := fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusQueued})

		c, rec := fx.request(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		require.NoError(t, handler.Cancel(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.JobStatusCanceled, job.Status)

		require.Len(t, fx.audit.entries, 1)
		assert.Equal(t, models.AuditOutcomeAllowed, fx.audit.entries[0].Outcome)
		assert.Equal(t, string(authz.ActionJobCancel), fx.audit.entries[0].Action)
	})

	t.Run("should request cancellation of a processing job", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleMember)
		handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())
		job := fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusProcessing})

		c, rec := fx.request(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		require.NoError(t, handler.Cancel(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.JobStatusProcessing, job.Status)
		assert.True(t, job.CancelRequested)
	})

	t.Run("should deny cancel for a viewer", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleViewer)
		handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())
		job := fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusQueued})

		c, _ := fx.request(http.MethodPost, "/jobs/"+job.ID.String()+"/cancel", "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		err := handler.Cancel(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
		assert.Equal(t, models.JobStatusQueued, job.Status)
	})
}

func TestJobHandlerRequeue(t *testing.T) {
	t.Run("should requeue a dead lettered job", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleAdmin)
		handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())
		job := fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusDeadLetter, Attempt: 5})

		c, rec := fx.request(http.MethodPost, "/jobs/dead-letter/"+job.ID.String()+"/requeue", "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		require.NoError(t, handler.Requeue(c))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, models.JobStatusQueued, job.Status)
		assert.Equal(t, 0, job.Attempt)
	})

	t.Run("should not requeue a job that is not dead lettered", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleAdmin)
		handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())
		job := fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusQueued})

		c, _ := fx.request(http.MethodPost, "/jobs/dead-letter/"+job.ID.String()+"/requeue", "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		err := handler.Requeue(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	})

	t.Run("should deny requeue for a member", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleMember)
		handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())
		job := fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusDeadLetter})

		c, _ := fx.request(http.MethodPost, "/jobs/dead-letter/"+job.ID.String()+"/requeue", "")
		c.SetParamNames("id")
		c.SetParamValues(job.ID.String())

		err := handler.Requeue(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
	})
}

func TestJobHandlerList(t *testing.T) {
	fx := newHandlerFixture(models.TenantRoleMember)
	handler := NewJobHandler(fx.jobs, fx.resolver, fx.audit, testLogger())

	fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusQueued})
	fx.jobs.add(&models.IngestionJob{TenantID: fx.tenantID, Status: models.JobStatusCompleted})
	fx.jobs.add(&models.IngestionJob{TenantID: uuid.New(), Status: models.JobStatusQueued})

	t.Run("should list only the tenant's jobs", func(t *testing.T) {
		c, rec := fx.request(http.MethodGet, "/jobs", "")

		require.NoError(t, handler.List(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var got ListResponse[models.IngestionJob]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 2, got.TotalCount)
	})

	t.Run("should filter by status", func(t *testing.T) {
		c, rec := fx.request(http.MethodGet, "/jobs?status=queued", "")

		require.NoError(t, handler.List(c))

		var got ListResponse[models.IngestionJob]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, 1, got.TotalCount)
	})
}

type fakeIntakeDocs struct {
	docs     map[uuid.UUID]*models.Document
	versions map[uuid.UUID]map[int]*models.DocumentVersion
}

func newFakeIntakeDocs() *fakeIntakeDocs {
	return &fakeIntakeDocs{
		docs:     make(map[uuid.UUID]*models.Document),
		versions: make(map[uuid.UUID]map[int]*models.DocumentVersion),
	}
}

func (f *fakeIntakeDocs) Create(_ context.Context, doc *models.Document) (*models.Document, error) {
	doc.ID = uuid.New()
	doc.Status = models.DocumentStatusPending
	doc.CurrentVersion = 1
	f.docs[doc.ID] = doc
	return doc, nil
}

func (f *fakeIntakeDocs) GetByID(_ context.Context, tenantID, docID uuid.UUID) (*models.Document, error) {
	doc, ok := f.docs[docID]
	if !ok || doc.TenantID != tenantID {
		return nil, nil
	}
	return doc, nil
}

func (f *fakeIntakeDocs) GetBySource(_ context.Context, tenantID, kbID uuid.UUID, sourceURI string) (*models.Document, error) {
	for _, doc := range f.docs {
		if doc.TenantID == tenantID && doc.KnowledgeBaseID == kbID && doc.SourceURI == sourceURI {
			return doc, nil
		}
	}
	return nil, nil
}

func (f *fakeIntakeDocs) AdvanceVersion(_ context.Context, tenantID, docID uuid.UUID) (*models.Document, error) {
	doc, ok := f.docs[docID]
	if !ok || doc.TenantID != tenantID {
		return nil, nil
	}
	doc.CurrentVersion++
	doc.Status = models.DocumentStatusPending
	return doc, nil
}

func (f *fakeIntakeDocs) CreateVersion(_ context.Context, ver *models.DocumentVersion) (*models.DocumentVersion, error) {
	if ver.ID == uuid.Nil {
		ver.ID = uuid.New()
	}
	byVersion, ok := f.versions[ver.DocumentID]
	if !ok {
		byVersion = make(map[int]*models.DocumentVersion)
		f.versions[ver.DocumentID] = byVersion
	}
	byVersion[ver.Version] = ver
	return ver, nil
}

func (f *fakeIntakeDocs) GetVersion(_ context.Context, _, docID uuid.UUID, version int) (*models.DocumentVersion, error) {
	byVersion, ok := f.versions[docID]
	if !ok {
		return nil, nil
	}
	return byVersion[version], nil
}

type fakeObjects struct {
	keys []string
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	n, err := io.Copy(io.Discard, r)
	f.keys = append(f.keys, key)
	return n, err
}

func (f *fakeObjects) Get(_ context.Context, _ string) (io.ReadCloser, error) { return nil, nil }
func (f *fakeObjects) Delete(_ context.Context, _ string) error               { return nil }
func (f *fakeObjects) Exists(_ context.Context, _ string) (bool, error)       { return false, nil }

func newDocumentFixture(role models.TenantRole) (*handlerFixture, *DocumentHandler, *fakeIntakeDocs) {
	fx := newHandlerFixture(role)
	docs := newFakeIntakeDocs()
	intake := ingest.NewService(docs, &fakeObjects{}, fx.jobs, testLogger())
	gates := authz.NewGates(fx.memberships, docGetter{docs})
	handler := NewDocumentHandler(intake, docLister{}, fx.resolver, gates, fx.audit, testLogger())
	return fx, handler, docs
}

type docGetter struct {
	docs *fakeIntakeDocs
}

func (d docGetter) GetByID(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error) {
	return d.docs.GetByID(ctx, tenantID, docID)
}

type docLister struct{}

func (docLister) List(_ context.Context, _, _ uuid.UUID, page, pageSize int) ([]models.Document, int, error) {
	return nil, 0, nil
}

func TestDocumentHandlerUpload(t *testing.T) {
	workspaceID := uuid.New()
	kbID := uuid.New()
	target := "/workspaces/" + workspaceID.String() + "/knowledge-bases/" + kbID.String() + "/documents"

	setParams := func(c echo.Context) {
		c.SetParamNames("workspaceId", "kbId")
		c.SetParamValues(workspaceID.String(), kbID.String())
	}

	t.Run("should accept an upload and enqueue a job", func(t *testing.T) {
		fx, handler, _ := newDocumentFixture(models.TenantRoleMember)
		body := `{"title": "Runbook", "mime_type": "text/markdown", "content": "# Runbook\n\nRestart the service."}`

		c, rec := fx.request(http.MethodPost, target, body)
		setParams(c)

		require.NoError(t, handler.Upload(c))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var got ingest.UploadResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.NotNil(t, got.Document)
		require.NotNil(t, got.Job)
		assert.Equal(t, models.JobActionIngest, got.Job.Action)
		assert.False(t, got.Unchanged)

		require.Len(t, fx.audit.entries, 1)
		assert.Equal(t, models.AuditOutcomeAllowed, fx.audit.entries[0].Outcome)
	})

	t.Run("should report an unchanged re-upload without a new job", func(t *testing.T) {
		fx, handler, _ := newDocumentFixture(models.TenantRoleMember)
		body := `{"title": "Runbook", "source_uri": "upload://runbook", "content": "stable content"}`

		c, rec := fx.request(http.MethodPost, target, body)
		setParams(c)
		require.NoError(t, handler.Upload(c))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		c, rec = fx.request(http.MethodPost, target, body)
		setParams(c)
		require.NoError(t, handler.Upload(c))
		assert.Equal(t, http.StatusOK, rec.Code)

		var got ingest.UploadResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.True(t, got.Unchanged)
		assert.Nil(t, got.Job)
	})

	t.Run("should reject a body without content", func(t *testing.T) {
		fx, handler, _ := newDocumentFixture(models.TenantRoleMember)

		c, _ := fx.request(http.MethodPost, target, `{"title": "Runbook"}`)
		setParams(c)

		err := handler.Upload(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
	})

	t.Run("should deny upload for a viewer", func(t *testing.T) {
		fx, handler, _ := newDocumentFixture(models.TenantRoleViewer)
		body := `{"title": "Runbook", "content": "text"}`

		c, _ := fx.request(http.MethodPost, target, body)
		setParams(c)

		err := handler.Upload(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
	})
}

func TestDocumentHandlerDelete(t *testing.T) {
	t.Run("should enqueue a delete job", func(t *testing.T) {
		fx, handler, docs := newDocumentFixture(models.TenantRoleMember)
		doc := &models.Document{TenantID: fx.tenantID, Title: "Runbook", Status: models.DocumentStatusReady}
		_, err := docs.Create(context.Background(), doc)
		require.NoError(t, err)

		c, rec := fx.request(http.MethodDelete, "/documents/"+doc.ID.String(), "")
		c.SetParamNames("id")
		c.SetParamValues(doc.ID.String())

		require.NoError(t, handler.Delete(c))
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var got models.IngestionJob
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, models.JobActionDelete, got.Action)
	})

	t.Run("should return not found for an unknown document", func(t *testing.T) {
		fx, handler, _ := newDocumentFixture(models.TenantRoleMember)

		c, _ := fx.request(http.MethodDelete, "/documents/"+uuid.NewString(), "")
		c.SetParamNames("id")
		c.SetParamValues(uuid.NewString())

		err := handler.Delete(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	})
}

func TestRetrievalHandlerQuery(t *testing.T) {
	t.Run("should deny and audit a query outside the caller's kb scope", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleMember)
		fx.memberships.restrictKBs = true
		handler := NewRetrievalHandler(nil, fx.resolver, fx.audit, testLogger())

		body := fmt.Sprintf(`{"query":"how do I rotate signing keys","knowledge_base_ids":[%q]}`, uuid.New())
		c, _ := fx.request(http.MethodPost, "/query", body)

		err := handler.Query(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, httperror.GetStatusCode(err))
		require.Len(t, fx.audit.entries, 1)
		assert.Equal(t, string(authz.ActionRetrievalQuery), fx.audit.entries[0].Action)
		assert.Equal(t, models.AuditOutcomeDenied, fx.audit.entries[0].Outcome)
	})

	t.Run("should reject an empty query before resolving scope", func(t *testing.T) {
		fx := newHandlerFixture(models.TenantRoleMember)
		handler := NewRetrievalHandler(nil, fx.resolver, fx.audit, testLogger())

		c, _ := fx.request(http.MethodPost, "/query", `{"query":""}`)

		err := handler.Query(c)
		require.Error(t, err)
		assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
		assert.Empty(t, fx.audit.entries)
	})
}
