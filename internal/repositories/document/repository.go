// Package document persists documents and their ingested versions.
package document

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// DocumentRepository defines the interface for document operations
type DocumentRepository interface {
	Create(ctx context.Context, doc *models.Document) (*models.Document, error)
	GetByID(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error)
	GetBySource(ctx context.Context, tenantID, kbID uuid.UUID, sourceURI string) (*models.Document, error)
	List(ctx context.Context, tenantID, kbID uuid.UUID, page, pageSize int) ([]models.Document, int, error)
	AdvanceVersion(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error)
	SetStatus(ctx context.Context, tenantID, docID uuid.UUID, status models.DocumentStatus, failureReason *string) error
	Publish(ctx context.Context, tenantID, docID uuid.UUID, version int) error
	SoftDelete(ctx context.Context, tenantID, docID uuid.UUID) error
	CreateVersion(ctx context.Context, ver *models.DocumentVersion) (*models.DocumentVersion, error)
	GetVersion(ctx context.Context, tenantID, docID uuid.UUID, version int) (*models.DocumentVersion, error)
	SetVersionChunkCount(ctx context.Context, tenantID, versionID uuid.UUID, chunkCount int) error
}

// Repository implements DocumentRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new document repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "documents"

const docColumns = `id, tenant_id, workspace_id, knowledge_base_id, title, source_type,
	source_uri, mime_type, status, current_version, failure_reason, created_by,
	created_at, updated_at`

// Create inserts a new document in pending state at version 1
func (r *Repository) Create(ctx context.Context, doc *models.Document) (*models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.Create")
	defer span.End()

	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()

	sb := database.NewInsertBuilder()
	sb.InsertInto(tableName)
	sb.Cols("id", "tenant_id", "workspace_id", "knowledge_base_id", "title", "source_type",
		"source_uri", "mime_type", "status", "current_version", "created_by", "created_at", "updated_at")
	sb.Values(doc.ID, doc.TenantID, doc.WorkspaceID, doc.KnowledgeBaseID, doc.Title, doc.SourceType,
		doc.SourceURI, doc.MimeType, models.DocumentStatusPending, 1, doc.CreatedBy, now, now)

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to create document")
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"document_id": doc.ID,
		"kb_id":       doc.KnowledgeBaseID,
	}).Info("created document")

	return r.GetByID(ctx, doc.TenantID, doc.ID)
}

// GetByID gets a document scoped to its tenant. Soft deleted
// documents are not returned.
func (r *Repository) GetByID(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(docColumns)
	sb.From(tableName)
	sb.Where(
		sb.Equal("id", docID),
		sb.Equal("tenant_id", tenantID),
		sb.NotEqual("status", models.DocumentStatusDeleted),
	)

	query, args := sb.Build()

	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get document")
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// GetBySource finds the live document for a source URI inside a
// knowledge base. Used to route re-uploads onto a new version of the
// same document.
func (r *Repository) GetBySource(ctx context.Context, tenantID, kbID uuid.UUID, sourceURI string) (*models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.GetBySource")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(docColumns)
	sb.From(tableName)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("knowledge_base_id", kbID),
		sb.Equal("source_uri", sourceURI),
		sb.NotEqual("status", models.DocumentStatusDeleted),
	)

	query, args := sb.Build()

	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get document by source")
		return nil, fmt.Errorf("failed to get document by source: %w", err)
	}
	return &doc, nil
}

// List lists a knowledge base's documents with pagination
func (r *Repository) List(ctx context.Context, tenantID, kbID uuid.UUID, page, pageSize int) ([]models.Document, int, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	countSb := database.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From(tableName)
	countSb.Where(
		countSb.Equal("tenant_id", tenantID),
		countSb.Equal("knowledge_base_id", kbID),
		countSb.NotEqual("status", models.DocumentStatusDeleted),
	)
	countQuery, countArgs := countSb.Build()

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	sb := database.NewSelectBuilder()
	sb.Select(docColumns)
	sb.From(tableName)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("knowledge_base_id", kbID),
		sb.NotEqual("status", models.DocumentStatusDeleted),
	)
	sb.OrderBy("created_at").Desc()
	sb.Limit(pageSize)
	sb.Offset(offset)

	query, args := sb.Build()

	docs := []models.Document{}
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list documents")
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, total, nil
}

// AdvanceVersion bumps current_version and resets the document to
// pending for re-ingestion. Returns the updated document.
func (r *Repository) AdvanceVersion(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.AdvanceVersion")
	defer span.End()

	const query = `
		UPDATE documents
		SET current_version = current_version + 1,
		    status = 'pending',
		    failure_reason = NULL,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status != 'deleted'
		RETURNING ` + docColumns

	var doc models.Document
	if err := r.db.GetContext(ctx, &doc, query, docID, tenantID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to advance document version")
		return nil, fmt.Errorf("failed to advance document version: %w", err)
	}
	return &doc, nil
}

// SetStatus writes processing progress onto the document row
func (r *Repository) SetStatus(ctx context.Context, tenantID, docID uuid.UUID, status models.DocumentStatus, failureReason *string) error {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.SetStatus")
	defer span.End()

	sb := database.NewUpdateBuilder()
	sb.Update(tableName)
	sb.Set(
		sb.Assign("status", status),
		sb.Assign("failure_reason", failureReason),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("id", docID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to set document status")
		return fmt.Errorf("failed to set document status: %w", err)
	}
	return nil
}

// Publish flips the document to ready at the given version. The
// caller holds the per-document publish lock.
func (r *Repository) Publish(ctx context.Context, tenantID, docID uuid.UUID, version int) error {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.Publish")
	defer span.End()

	const query = `
		UPDATE documents
		SET status = 'ready',
		    current_version = $3,
		    failure_reason = NULL,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status != 'deleted' AND current_version <= $3`

	res, err := r.db.ExecContext(ctx, query, docID, tenantID, version)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to publish document version")
		return fmt.Errorf("failed to publish document version: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("document %s not publishable at version %d", docID, version)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"document_id": docID,
		"version":     version,
	}).Info("published document version")
	return nil
}

// SoftDelete marks the document deleted. Chunks and embeddings are
// removed separately by the delete pipeline.
func (r *Repository) SoftDelete(ctx context.Context, tenantID, docID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.SoftDelete")
	defer span.End()

	const query = `
		UPDATE documents
		SET status = 'deleted', updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status != 'deleted'`

	if _, err := r.db.ExecContext(ctx, query, docID, tenantID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to soft delete document")
		return fmt.Errorf("failed to soft delete document: %w", err)
	}
	return nil
}

// CreateVersion records an ingested revision. A version row is
// immutable once written; re-running the fetch stage for the same
// (document, version) leaves the original row in place and returns it.
func (r *Repository) CreateVersion(ctx context.Context, ver *models.DocumentVersion) (*models.DocumentVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.CreateVersion")
	defer span.End()

	if ver.ID == uuid.Nil {
		ver.ID = uuid.New()
	}
	now := time.Now().UTC()

	sb := database.NewInsertBuilder()
	sb.InsertInto("document_versions")
	sb.Cols("id", "tenant_id", "document_id", "version", "content_hash", "raw_key", "size_bytes", "chunk_count", "created_at")
	sb.Values(ver.ID, ver.TenantID, ver.DocumentID, ver.Version, ver.ContentHash, ver.RawKey, ver.SizeBytes, 0, now)
	sb.OnConflictDoNothing()

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to create document version")
		return nil, fmt.Errorf("failed to create document version: %w", err)
	}

	return r.GetVersion(ctx, ver.TenantID, ver.DocumentID, ver.Version)
}

// GetVersion gets one revision of a document
func (r *Repository) GetVersion(ctx context.Context, tenantID, docID uuid.UUID, version int) (*models.DocumentVersion, error) {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.GetVersion")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "document_id", "version", "content_hash", "raw_key", "size_bytes", "chunk_count", "created_at")
	sb.From("document_versions")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("document_id", docID),
		sb.Equal("version", version),
	)

	query, args := sb.Build()

	var ver models.DocumentVersion
	if err := r.db.GetContext(ctx, &ver, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get document version")
		return nil, fmt.Errorf("failed to get document version: %w", err)
	}
	return &ver, nil
}

// SetVersionChunkCount records how many child chunks the version produced
func (r *Repository) SetVersionChunkCount(ctx context.Context, tenantID, versionID uuid.UUID, chunkCount int) error {
	ctx, span := tracing.StartSpan(ctx, "DocumentRepository.SetVersionChunkCount")
	defer span.End()

	const query = `
		UPDATE document_versions
		SET chunk_count = $3
		WHERE id = $1 AND tenant_id = $2`

	if _, err := r.db.ExecContext(ctx, query, versionID, tenantID, chunkCount); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to set version chunk count")
		return fmt.Errorf("failed to set version chunk count: %w", err)
	}
	return nil
}
