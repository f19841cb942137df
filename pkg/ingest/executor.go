package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/metrics"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/storage"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// DocumentStore is the slice of the document repository the executor needs
type DocumentStore interface {
	GetByID(ctx context.Context, tenantID, docID uuid.UUID) (*models.Document, error)
	GetVersion(ctx context.Context, tenantID, docID uuid.UUID, version int) (*models.DocumentVersion, error)
	SetStatus(ctx context.Context, tenantID, docID uuid.UUID, status models.DocumentStatus, failureReason *string) error
	SetVersionChunkCount(ctx context.Context, tenantID, versionID uuid.UUID, chunkCount int) error
	Publish(ctx context.Context, tenantID, docID uuid.UUID, version int) error
	SoftDelete(ctx context.Context, tenantID, docID uuid.UUID) error
}

// ChunkStore is the slice of the chunk repository the executor needs
type ChunkStore interface {
	UpsertChunks(ctx context.Context, chunks []models.DocumentChunk) error
	UpsertEmbeddings(ctx context.Context, embeddings []models.ChunkEmbedding) error
	DeleteByDocument(ctx context.Context, tenantID, docID uuid.UUID) error
	DeleteStaleVersions(ctx context.Context, tenantID, docID uuid.UUID, keepVersion int) error
}

// Embedder turns chunk texts into vectors
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dims() int
}

// EventEmitter publishes document lifecycle events
type EventEmitter interface {
	EmitDocumentReady(ctx context.Context, doc *models.Document, version int) error
	EmitDocumentFailed(ctx context.Context, doc *models.Document, version int, reason string) error
	EmitDocumentDeleted(ctx context.Context, doc *models.Document) error
}

// PublishLocker serializes publishes for a document across workers
type PublishLocker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// ProgressFunc is called at each stage boundary before the stage runs.
// Returning an error aborts the job; ErrCanceled aborts as a cancel,
// anything else as a stage failure.
type ProgressFunc func(ctx context.Context, stage models.JobStage) error

// ExecutorConfig tunes pipeline behavior
type ExecutorConfig struct {
	Chunker        ChunkerConfig
	PublishLockTTL time.Duration
}

// DefaultExecutorConfig returns the production defaults
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Chunker:        DefaultChunkerConfig(),
		PublishLockTTL: 30 * time.Second,
	}
}

// Executor runs the ingestion pipeline for a claimed job. Every stage
// is idempotent, so a job that lost its lease mid-flight can be
// re-executed from the first stage by another worker without
// corrupting state.
type Executor struct {
	documents DocumentStore
	chunks    ChunkStore
	store     storage.ObjectStore
	embedder  Embedder
	locker    PublishLocker
	emitter   EventEmitter
	config    ExecutorConfig
	logger    ectologger.Logger
}

// NewExecutor creates a pipeline executor
func NewExecutor(documents DocumentStore, chunks ChunkStore, store storage.ObjectStore, embedder Embedder, locker PublishLocker, emitter EventEmitter, config ExecutorConfig, logger ectologger.Logger) *Executor {
	if config.PublishLockTTL <= 0 {
		config.PublishLockTTL = DefaultExecutorConfig().PublishLockTTL
	}
	return &Executor{
		documents: documents,
		chunks:    chunks,
		store:     store,
		embedder:  embedder,
		locker:    locker,
		emitter:   emitter,
		config:    config,
		logger:    logger,
	}
}

// Execute runs the job's action to completion. A nil error means the
// job may be marked completed. Stage failures come back as *StageError
// so the caller can decide between retry and dead letter; ErrCanceled
// comes back when the progress callback reports a cancel request.
func (e *Executor) Execute(ctx context.Context, job *models.IngestionJob, progress ProgressFunc) error {
	ctx, span := tracing.StartSpan(ctx, "Executor.Execute")
	defer span.End()

	if progress == nil {
		progress = func(context.Context, models.JobStage) error { return nil }
	}

	switch job.Action {
	case models.JobActionDelete:
		return e.executeDelete(ctx, job, progress)
	default:
		return e.executeIngest(ctx, job, progress)
	}
}

func (e *Executor) executeIngest(ctx context.Context, job *models.IngestionJob, progress ProgressFunc) error {
	doc, raw, err := e.runFetch(ctx, job, progress)
	if err != nil {
		return err
	}

	if err := progress(ctx, models.JobStageParse); err != nil {
		return err
	}
	text, err := e.timed(models.JobStageParse, func() (string, error) {
		return Parse(raw, doc.MimeType)
	})
	if err != nil {
		return AsStageError(models.JobStageParse, err)
	}

	if err := progress(ctx, models.JobStageClean); err != nil {
		return err
	}
	cleaned, err := e.timed(models.JobStageClean, func() (string, error) {
		c := Clean(text)
		if c == "" {
			return "", NewPermanent(models.JobStageClean, CodeEmptyContent, errors.New("document has no content after cleaning"))
		}
		return c, nil
	})
	if err != nil {
		return AsStageError(models.JobStageClean, err)
	}

	if err := progress(ctx, models.JobStageChunk); err != nil {
		return err
	}
	rows, children, err := e.runChunk(ctx, job, cleaned)
	if err != nil {
		return err
	}

	if err := progress(ctx, models.JobStageEmbed); err != nil {
		return err
	}
	embeddings, err := e.runEmbed(ctx, job, children)
	if err != nil {
		return err
	}

	if err := progress(ctx, models.JobStageIndex); err != nil {
		return err
	}
	if err := e.runIndex(ctx, job, rows, embeddings, len(children)); err != nil {
		return err
	}

	if err := progress(ctx, models.JobStagePublish); err != nil {
		return err
	}
	return e.runPublish(ctx, job, doc)
}

func (e *Executor) runFetch(ctx context.Context, job *models.IngestionJob, progress ProgressFunc) (*models.Document, []byte, error) {
	if err := progress(ctx, models.JobStageFetch); err != nil {
		return nil, nil, err
	}
	start := time.Now()

	doc, err := e.documents.GetByID(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return nil, nil, NewTransient(models.JobStageFetch, CodeFetchFailed, err)
	}
	if doc == nil {
		return nil, nil, NewPermanent(models.JobStageFetch, CodeObjectMissing, errors.New("document no longer exists"))
	}

	ver, err := e.documents.GetVersion(ctx, job.TenantID, job.DocumentID, job.Version)
	if err != nil {
		return nil, nil, NewTransient(models.JobStageFetch, CodeFetchFailed, err)
	}
	if ver == nil {
		return nil, nil, NewPermanent(models.JobStageFetch, CodeObjectMissing, fmt.Errorf("document version %d not found", job.Version))
	}

	if err := e.documents.SetStatus(ctx, job.TenantID, job.DocumentID, models.DocumentStatusProcessing, nil); err != nil {
		return nil, nil, NewTransient(models.JobStageFetch, CodeFetchFailed, err)
	}

	rc, err := e.store.Get(ctx, ver.RawKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, NewPermanent(models.JobStageFetch, CodeObjectMissing, err)
		}
		return nil, nil, NewTransient(models.JobStageFetch, CodeFetchFailed, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, nil, NewTransient(models.JobStageFetch, CodeFetchFailed, err)
	}

	metrics.RecordStage(string(models.JobStageFetch), time.Since(start).Seconds())
	return doc, buf.Bytes(), nil
}

// runChunk builds the persisted chunk rows. Chunk IDs derive
// deterministically from (document, version, level, ordinal) so the
// ordinal upsert key and the embedding foreign key agree across
// re-runs of the stage.
func (e *Executor) runChunk(ctx context.Context, job *models.IngestionJob, cleaned string) ([]models.DocumentChunk, []models.DocumentChunk, error) {
	start := time.Now()

	parents := ChunkText(cleaned, e.config.Chunker)
	if len(parents) == 0 {
		return nil, nil, NewPermanent(models.JobStageChunk, CodeEmptyContent, errors.New("chunking produced no chunks"))
	}

	var rows []models.DocumentChunk
	var children []models.DocumentChunk
	parentOrdinal := 0
	childOrdinal := 0
	for _, parent := range parents {
		parentID := chunkID(job.DocumentID, job.Version, models.ChunkLevelParent, parentOrdinal)
		rows = append(rows, models.DocumentChunk{
			ID:              parentID,
			TenantID:        job.TenantID,
			KnowledgeBaseID: job.KnowledgeBaseID,
			DocumentID:      job.DocumentID,
			Version:         job.Version,
			Level:           models.ChunkLevelParent,
			Ordinal:         parentOrdinal,
			Text:            parent.Text,
			TitlePath:       parent.TitlePath,
			TokenCount:      parent.TokenCount,
		})
		parentOrdinal++

		for _, piece := range parent.Children {
			pid := parentID
			child := models.DocumentChunk{
				ID:              chunkID(job.DocumentID, job.Version, models.ChunkLevelChild, childOrdinal),
				TenantID:        job.TenantID,
				KnowledgeBaseID: job.KnowledgeBaseID,
				DocumentID:      job.DocumentID,
				Version:         job.Version,
				ParentID:        &pid,
				Level:           models.ChunkLevelChild,
				Ordinal:         childOrdinal,
				Text:            piece.Text,
				TitlePath:       parent.TitlePath,
				TokenCount:      piece.TokenCount,
			}
			rows = append(rows, child)
			children = append(children, child)
			childOrdinal++
		}
	}

	metrics.RecordStage(string(models.JobStageChunk), time.Since(start).Seconds())
	return rows, children, nil
}

func (e *Executor) runEmbed(ctx context.Context, job *models.IngestionJob, children []models.DocumentChunk) ([]models.ChunkEmbedding, error) {
	start := time.Now()

	texts := make([]string, len(children))
	for i, child := range children {
		texts[i] = child.Text
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, NewTransient(models.JobStageEmbed, CodeEmbedFailed, err)
	}
	if len(vectors) != len(children) {
		return nil, NewTransient(models.JobStageEmbed, CodeEmbedFailed, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(children)))
	}

	embeddings := make([]models.ChunkEmbedding, len(children))
	for i, child := range children {
		embeddings[i] = models.ChunkEmbedding{
			ID:        uuid.New(),
			TenantID:  job.TenantID,
			ChunkID:   child.ID,
			Model:     e.embedder.Model(),
			Dims:      e.embedder.Dims(),
			Embedding: models.Vector(vectors[i]),
		}
	}

	metrics.RecordStage(string(models.JobStageEmbed), time.Since(start).Seconds())
	return embeddings, nil
}

func (e *Executor) runIndex(ctx context.Context, job *models.IngestionJob, rows []models.DocumentChunk, embeddings []models.ChunkEmbedding, childCount int) error {
	start := time.Now()

	if err := e.chunks.UpsertChunks(ctx, rows); err != nil {
		return NewTransient(models.JobStageIndex, CodeIndexFailed, err)
	}
	if err := e.chunks.UpsertEmbeddings(ctx, embeddings); err != nil {
		return NewTransient(models.JobStageIndex, CodeIndexFailed, err)
	}

	ver, err := e.documents.GetVersion(ctx, job.TenantID, job.DocumentID, job.Version)
	if err != nil || ver == nil {
		return NewTransient(models.JobStageIndex, CodeIndexFailed, fmt.Errorf("failed to load version for chunk count: %w", err))
	}
	if err := e.documents.SetVersionChunkCount(ctx, job.TenantID, ver.ID, childCount); err != nil {
		return NewTransient(models.JobStageIndex, CodeIndexFailed, err)
	}

	metrics.RecordStage(string(models.JobStageIndex), time.Since(start).Seconds())
	return nil
}

// runPublish flips the document's current version under a per-document
// lock so concurrent jobs for different versions cannot interleave
// their publish and stale-version cleanup.
func (e *Executor) runPublish(ctx context.Context, job *models.IngestionJob, doc *models.Document) error {
	start := time.Now()

	err := e.locker.WithLock(ctx, publishLockKey(job.DocumentID), e.config.PublishLockTTL, func() error {
		if err := e.documents.Publish(ctx, job.TenantID, job.DocumentID, job.Version); err != nil {
			return err
		}
		if err := e.chunks.DeleteStaleVersions(ctx, job.TenantID, job.DocumentID, job.Version); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return NewTransient(models.JobStagePublish, CodePublishFailed, err)
	}

	if err := e.emitter.EmitDocumentReady(ctx, doc, job.Version); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("failed to emit document ready event")
	}

	metrics.RecordStage(string(models.JobStagePublish), time.Since(start).Seconds())
	return nil
}

// executeDelete removes a document's chunks and raw objects, then soft
// deletes the row. Missing pieces are not errors; the job's goal is
// absence.
func (e *Executor) executeDelete(ctx context.Context, job *models.IngestionJob, progress ProgressFunc) error {
	if err := progress(ctx, models.JobStageIndex); err != nil {
		return err
	}

	doc, err := e.documents.GetByID(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return NewTransient(models.JobStageIndex, CodeIndexFailed, err)
	}
	if doc == nil {
		return nil
	}

	if err := e.chunks.DeleteByDocument(ctx, job.TenantID, job.DocumentID); err != nil {
		return NewTransient(models.JobStageIndex, CodeIndexFailed, err)
	}

	for v := 1; v <= doc.CurrentVersion; v++ {
		if err := e.store.Delete(ctx, storage.RawKey(job.TenantID, job.DocumentID, v)); err != nil {
			return NewTransient(models.JobStageIndex, CodeIndexFailed, err)
		}
	}

	if err := progress(ctx, models.JobStagePublish); err != nil {
		return err
	}

	if err := e.documents.SoftDelete(ctx, job.TenantID, job.DocumentID); err != nil {
		return NewTransient(models.JobStagePublish, CodePublishFailed, err)
	}

	if err := e.emitter.EmitDocumentDeleted(ctx, doc); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("failed to emit document deleted event")
	}
	return nil
}

// MarkFailed records a terminal failure on the job's document and
// emits the failure event. Called when the job dead letters or is
// canceled mid-flight; transient retries leave the document in
// processing.
func (e *Executor) MarkFailed(ctx context.Context, job *models.IngestionJob, reason string) {
	ctx, span := tracing.StartSpan(ctx, "Executor.MarkFailed")
	defer span.End()

	doc, err := e.documents.GetByID(ctx, job.TenantID, job.DocumentID)
	if err != nil || doc == nil {
		return
	}
	if doc.Status == models.DocumentStatusDeleted {
		return
	}

	if err := e.documents.SetStatus(ctx, job.TenantID, job.DocumentID, models.DocumentStatusFailed, &reason); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("failed to mark document failed")
		return
	}
	if err := e.emitter.EmitDocumentFailed(ctx, doc, job.Version, reason); err != nil {
		e.logger.WithContext(ctx).WithError(err).Warn("failed to emit document failed event")
	}
}

func (e *Executor) timed(stage models.JobStage, fn func() (string, error)) (string, error) {
	start := time.Now()
	out, err := fn()
	if err != nil {
		return "", err
	}
	metrics.RecordStage(string(stage), time.Since(start).Seconds())
	return out, nil
}

// chunkID derives a stable chunk ID from the upsert key.
func chunkID(documentID uuid.UUID, version int, level models.ChunkLevel, ordinal int) uuid.UUID {
	return uuid.NewSHA1(documentID, []byte(fmt.Sprintf("%d:%s:%d", version, level, ordinal)))
}

func publishLockKey(documentID uuid.UUID) string {
	return "publish:" + documentID.String()
}
