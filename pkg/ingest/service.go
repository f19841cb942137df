package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/metrics"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/storage"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// IntakeDocumentStore is the slice of the document repository intake needs
type IntakeDocumentStore interface {
	Create(ctx context.Context, doc *models.Document) (*models.Document, error)
	GetByID(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error)
	GetBySource(ctx context.Context, tenantID, kbID uuid.UUID, sourceURI string) (*models.Document, error)
	AdvanceVersion(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error)
	CreateVersion(ctx context.Context, ver *models.DocumentVersion) (*models.DocumentVersion, error)
	GetVersion(ctx context.Context, tenantID, docID uuid.UUID, version int) (*models.DocumentVersion, error)
}

// Enqueuer accepts jobs onto the queue
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.IngestionJob) (*models.IngestionJob, bool, error)
}

// UploadParams describes one document upload
type UploadParams struct {
	TenantID        uuid.UUID
	WorkspaceID     uuid.UUID
	KnowledgeBaseID uuid.UUID
	Title           string
	SourceType      models.SourceType
	SourceURI       string
	MimeType        string
	ClientKey       string
	CreatedBy       uuid.UUID
	Content         io.Reader
}

// UploadResult reports what an upload did. Job is nil when the content
// was already ingested and nothing needed to run.
type UploadResult struct {
	Document  *models.Document     `json:"document"`
	Job       *models.IngestionJob `json:"job,omitempty"`
	Unchanged bool                 `json:"unchanged"`
}

// Service accepts documents into the platform: it stores raw bytes,
// versions the document row and enqueues the pipeline job. Processing
// itself happens in the worker; upload returns as soon as the job is
// durably queued.
type Service struct {
	documents IntakeDocumentStore
	store     storage.ObjectStore
	jobs      Enqueuer
	logger    ectologger.Logger
}

// NewService creates an intake service
func NewService(documents IntakeDocumentStore, store storage.ObjectStore, jobs Enqueuer, logger ectologger.Logger) *Service {
	return &Service{
		documents: documents,
		store:     store,
		jobs:      jobs,
		logger:    logger,
	}
}

// Upload accepts document content. A new source creates a document at
// version one; a known source with changed content advances to the
// next version; unchanged content is a no-op. In every case the raw
// bytes land in the object store before the job is enqueued, so a
// claimed job never races its own payload.
func (s *Service) Upload(ctx context.Context, params UploadParams) (*UploadResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Service.Upload")
	defer span.End()

	raw, err := io.ReadAll(params.Content)
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "failed to read content")
	}
	if len(raw) == 0 {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "content is empty")
	}
	hash := contentHash(raw)

	doc, action, err := s.resolveDocument(ctx, params, hash)
	if err != nil {
		return nil, err
	}
	if doc != nil && action == "" {
		// Same source, same bytes
		return &UploadResult{Document: doc, Unchanged: true}, nil
	}

	rawKey := storage.RawKey(params.TenantID, doc.ID, doc.CurrentVersion)
	if _, err := s.store.Put(ctx, rawKey, bytes.NewReader(raw)); err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("failed to store raw content")
		return nil, err
	}

	if _, err := s.documents.CreateVersion(ctx, &models.DocumentVersion{
		TenantID:    params.TenantID,
		DocumentID:  doc.ID,
		Version:     doc.CurrentVersion,
		ContentHash: hash,
		RawKey:      rawKey,
		SizeBytes:   int64(len(raw)),
	}); err != nil {
		return nil, err
	}

	job, created, err := s.jobs.Enqueue(ctx, &models.IngestionJob{
		TenantID:        params.TenantID,
		WorkspaceID:     params.WorkspaceID,
		KnowledgeBaseID: params.KnowledgeBaseID,
		DocumentID:      doc.ID,
		Version:         doc.CurrentVersion,
		Action:          action,
		IdempotencyKey:  models.JobIdempotencyKey(params.TenantID, params.WorkspaceID, params.KnowledgeBaseID, doc.ID, doc.CurrentVersion, action, params.ClientKey),
	})
	if err != nil {
		if errors.Is(err, models.ErrIdempotencyConflict) {
			return nil, httperror.NewHTTPError(http.StatusConflict, "idempotency key already in use")
		}
		return nil, err
	}
	if created {
		metrics.JobsEnqueuedTotal.WithLabelValues(params.TenantID.String(), string(action)).Inc()
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"document_id": doc.ID,
		"version":     doc.CurrentVersion,
		"action":      action,
		"job_id":      job.ID,
	}).Info("accepted document upload")

	return &UploadResult{Document: doc, Job: job}, nil
}

// resolveDocument finds or creates the document row for an upload and
// decides the pipeline action. An empty action means the latest
// version already has this content.
func (s *Service) resolveDocument(ctx context.Context, params UploadParams, hash string) (*models.Document, models.JobAction, error) {
	var existing *models.Document
	if params.SourceURI != "" {
		var err error
		existing, err = s.documents.GetBySource(ctx, params.TenantID, params.KnowledgeBaseID, params.SourceURI)
		if err != nil {
			return nil, "", err
		}
	}

	if existing == nil {
		doc, err := s.documents.Create(ctx, &models.Document{
			TenantID:        params.TenantID,
			WorkspaceID:     params.WorkspaceID,
			KnowledgeBaseID: params.KnowledgeBaseID,
			Title:           params.Title,
			SourceType:      params.SourceType,
			SourceURI:       params.SourceURI,
			MimeType:        params.MimeType,
			CreatedBy:       params.CreatedBy,
		})
		if err != nil {
			return nil, "", err
		}
		return doc, models.JobActionIngest, nil
	}

	current, err := s.documents.GetVersion(ctx, params.TenantID, existing.ID, existing.CurrentVersion)
	if err != nil {
		return nil, "", err
	}
	if current != nil && current.ContentHash == hash {
		return existing, "", nil
	}

	advanced, err := s.documents.AdvanceVersion(ctx, params.TenantID, existing.ID)
	if err != nil {
		return nil, "", err
	}
	if advanced == nil {
		return nil, "", httperror.NewHTTPError(http.StatusNotFound, "Not Found")
	}
	return advanced, models.JobActionReingest, nil
}

// Delete enqueues removal of a document and its derived data
func (s *Service) Delete(ctx context.Context, tenantID, docID uuid.UUID, clientKey string) (*models.IngestionJob, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.Service.Delete")
	defer span.End()

	doc, err := s.documents.GetByID(ctx, tenantID, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "Not Found")
	}

	job, created, err := s.jobs.Enqueue(ctx, &models.IngestionJob{
		TenantID:        tenantID,
		WorkspaceID:     doc.WorkspaceID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		DocumentID:      doc.ID,
		Version:         doc.CurrentVersion,
		Action:          models.JobActionDelete,
		IdempotencyKey:  models.JobIdempotencyKey(tenantID, doc.WorkspaceID, doc.KnowledgeBaseID, doc.ID, doc.CurrentVersion, models.JobActionDelete, clientKey),
	})
	if err != nil {
		if errors.Is(err, models.ErrIdempotencyConflict) {
			return nil, httperror.NewHTTPError(http.StatusConflict, "idempotency key already in use")
		}
		return nil, err
	}
	if created {
		metrics.JobsEnqueuedTotal.WithLabelValues(tenantID.String(), string(models.JobActionDelete)).Inc()
	}
	return job, nil
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
