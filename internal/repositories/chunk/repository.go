// Package chunk persists document chunks and their embeddings, and
// serves the scope-bounded recall queries for retrieval.
package chunk

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// ChunkRepository defines the interface for chunk storage and recall
type ChunkRepository interface {
	UpsertChunks(ctx context.Context, chunks []models.DocumentChunk) error
	UpsertEmbeddings(ctx context.Context, embeddings []models.ChunkEmbedding) error
	DeleteByDocument(ctx context.Context, tenantID, docID uuid.UUID) error
	DeleteStaleVersions(ctx context.Context, tenantID, docID uuid.UUID, keepVersion int) error
	GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]models.DocumentChunk, error)
	GetChildren(ctx context.Context, tenantID, parentID uuid.UUID) ([]models.DocumentChunk, error)
	VectorSearch(ctx context.Context, tenantID uuid.UUID, kbIDs []uuid.UUID, embedding models.Vector, model string, limit int) ([]models.ChunkHit, error)
	LexicalSearch(ctx context.Context, tenantID uuid.UUID, kbIDs []uuid.UUID, query string, limit int) ([]models.ChunkHit, error)
}

// Repository implements ChunkRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new chunk repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// UpsertChunks writes chunks keyed on (document_id, version, level,
// ordinal) so a re-run of the chunk stage converges on the same rows.
func (r *Repository) UpsertChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.UpsertChunks")
	defer span.End()

	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()

	sb := database.NewInsertBuilder()
	sb.InsertInto("document_chunks")
	sb.Cols("id", "tenant_id", "knowledge_base_id", "document_id", "version", "parent_id",
		"level", "ordinal", "text", "title_path", "token_count", "created_at", "updated_at")
	for i := range chunks {
		c := &chunks[i]
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		sb.Values(c.ID, c.TenantID, c.KnowledgeBaseID, c.DocumentID, c.Version, c.ParentID,
			c.Level, c.Ordinal, c.Text, c.TitlePath, c.TokenCount, now, now)
	}
	ub := sb.OnConflict("document_id", "version", "level", "ordinal")
	ub.Set(
		ub.Assign("parent_id", database.Excluded("parent_id")),
		ub.Assign("text", database.Excluded("text")),
		ub.Assign("title_path", database.Excluded("title_path")),
		ub.Assign("token_count", database.Excluded("token_count")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to upsert chunks")
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"chunk_count": len(chunks),
	}).Debug("upserted chunks")
	return nil
}

// UpsertEmbeddings writes vectors keyed on (chunk_id, model) so a
// re-run of the embed stage overwrites rather than duplicates.
func (r *Repository) UpsertEmbeddings(ctx context.Context, embeddings []models.ChunkEmbedding) error {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.UpsertEmbeddings")
	defer span.End()

	if len(embeddings) == 0 {
		return nil
	}
	now := time.Now().UTC()

	sb := database.NewInsertBuilder()
	sb.InsertInto("chunk_embeddings")
	sb.Cols("id", "tenant_id", "chunk_id", "model", "dims", "embedding", "created_at", "updated_at")
	for i := range embeddings {
		e := &embeddings[i]
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		sb.Values(e.ID, e.TenantID, e.ChunkID, e.Model, e.Dims, e.Embedding, now, now)
	}
	ub := sb.OnConflict("chunk_id", "model")
	ub.Set(
		ub.Assign("dims", database.Excluded("dims")),
		ub.Assign("embedding", database.Excluded("embedding")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to upsert embeddings")
		return fmt.Errorf("failed to upsert embeddings: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"embedding_count": len(embeddings),
	}).Debug("upserted embeddings")
	return nil
}

// DeleteByDocument removes all chunks for a document. Embeddings go
// with them via ON DELETE CASCADE.
func (r *Repository) DeleteByDocument(ctx context.Context, tenantID, docID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.DeleteByDocument")
	defer span.End()

	const query = `DELETE FROM document_chunks WHERE tenant_id = $1 AND document_id = $2`

	if _, err := r.db.ExecContext(ctx, query, tenantID, docID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete document chunks")
		return fmt.Errorf("failed to delete document chunks: %w", err)
	}
	return nil
}

// DeleteStaleVersions drops chunks from superseded versions after a
// publish so only the live version is searchable.
func (r *Repository) DeleteStaleVersions(ctx context.Context, tenantID, docID uuid.UUID, keepVersion int) error {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.DeleteStaleVersions")
	defer span.End()

	const query = `DELETE FROM document_chunks WHERE tenant_id = $1 AND document_id = $2 AND version != $3`

	if _, err := r.db.ExecContext(ctx, query, tenantID, docID, keepVersion); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete stale chunk versions")
		return fmt.Errorf("failed to delete stale chunk versions: %w", err)
	}
	return nil
}

const chunkColumns = `id, tenant_id, knowledge_base_id, document_id, version, parent_id,
	level, ordinal, text, title_path, token_count, created_at, updated_at`

// GetByIDs loads chunks by id within a tenant
func (r *Repository) GetByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]models.DocumentChunk, error) {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.GetByIDs")
	defer span.End()

	if len(ids) == 0 {
		return []models.DocumentChunk{}, nil
	}

	const query = `
		SELECT ` + chunkColumns + `
		FROM document_chunks
		WHERE tenant_id = $1 AND id = ANY($2)`

	chunks := []models.DocumentChunk{}
	if err := r.db.SelectContext(ctx, &chunks, query, tenantID, pq.Array(ids)); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get chunks")
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	return chunks, nil
}

// GetChildren loads a parent's child chunks in document order
func (r *Repository) GetChildren(ctx context.Context, tenantID, parentID uuid.UUID) ([]models.DocumentChunk, error) {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.GetChildren")
	defer span.End()

	const query = `
		SELECT ` + chunkColumns + `
		FROM document_chunks
		WHERE tenant_id = $1 AND parent_id = $2
		ORDER BY ordinal`

	chunks := []models.DocumentChunk{}
	if err := r.db.SelectContext(ctx, &chunks, query, tenantID, parentID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get child chunks")
		return nil, fmt.Errorf("failed to get child chunks: %w", err)
	}
	return chunks, nil
}

// vectorSearchQuery bounds recall to the caller's readable knowledge
// bases inside the statement itself. Only child chunks of the live
// version of ready documents participate. Cosine distance maps to a
// [0, 1] similarity score.
const vectorSearchQuery = `
	SELECT c.id AS chunk_id,
	       c.document_id,
	       c.knowledge_base_id,
	       c.parent_id,
	       c.version,
	       c.ordinal,
	       c.text,
	       c.title_path,
	       c.token_count,
	       d.title AS document_title,
	       d.updated_at AS document_updated_at,
	       1 - (e.embedding <=> $1) AS score
	FROM chunk_embeddings e
	JOIN document_chunks c ON c.id = e.chunk_id AND c.tenant_id = e.tenant_id
	JOIN documents d ON d.id = c.document_id
	 AND d.tenant_id = c.tenant_id
	 AND d.status = 'ready'
	 AND d.current_version = c.version
	WHERE e.tenant_id = $2
	  AND c.knowledge_base_id = ANY($3)
	  AND c.level = 'child'
	  AND e.model = $4
	ORDER BY e.embedding <=> $1
	LIMIT $5`

// VectorSearch runs scope-bounded nearest neighbor recall
func (r *Repository) VectorSearch(ctx context.Context, tenantID uuid.UUID, kbIDs []uuid.UUID, embedding models.Vector, model string, limit int) ([]models.ChunkHit, error) {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.VectorSearch")
	defer span.End()

	if len(kbIDs) == 0 {
		return []models.ChunkHit{}, nil
	}

	hits := []models.ChunkHit{}
	if err := r.db.SelectContext(ctx, &hits, vectorSearchQuery, embedding, tenantID, pq.Array(kbIDs), model, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("vector search failed")
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return hits, nil
}

// lexicalSearchQuery uses Postgres full text search over chunk text
// with the same scope predicate as vector recall. ts_rank_cd is
// squashed into [0, 1) so scores are comparable across channels.
const lexicalSearchQuery = `
	SELECT c.id AS chunk_id,
	       c.document_id,
	       c.knowledge_base_id,
	       c.parent_id,
	       c.version,
	       c.ordinal,
	       c.text,
	       c.title_path,
	       c.token_count,
	       d.title AS document_title,
	       d.updated_at AS document_updated_at,
	       ts_rank_cd(c.text_tsv, plainto_tsquery('simple', $1)) /
	           (1 + ts_rank_cd(c.text_tsv, plainto_tsquery('simple', $1))) AS score
	FROM document_chunks c
	JOIN documents d ON d.id = c.document_id
	 AND d.tenant_id = c.tenant_id
	 AND d.status = 'ready'
	 AND d.current_version = c.version
	WHERE c.tenant_id = $2
	  AND c.knowledge_base_id = ANY($3)
	  AND c.level = 'child'
	  AND c.text_tsv @@ plainto_tsquery('simple', $1)
	ORDER BY score DESC
	LIMIT $4`

// LexicalSearch runs scope-bounded full text recall
func (r *Repository) LexicalSearch(ctx context.Context, tenantID uuid.UUID, kbIDs []uuid.UUID, query string, limit int) ([]models.ChunkHit, error) {
	ctx, span := tracing.StartSpan(ctx, "ChunkRepository.LexicalSearch")
	defer span.End()

	if len(kbIDs) == 0 {
		return []models.ChunkHit{}, nil
	}

	hits := []models.ChunkHit{}
	if err := r.db.SelectContext(ctx, &hits, lexicalSearchQuery, query, tenantID, pq.Array(kbIDs), limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("lexical search failed")
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	return hits, nil
}
