package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/storage"
)

type fakeDocs struct {
	doc             *models.Document
	version         *models.DocumentVersion
	statuses        []models.DocumentStatus
	failureReason   *string
	publishedAt     int
	chunkCount      int
	softDeleted     bool
	publishErr      error
}

func (f *fakeDocs) GetByID(_ context.Context, _, _ uuid.UUID) (*models.Document, error) {
	return f.doc, nil
}

func (f *fakeDocs) GetVersion(_ context.Context, _, _ uuid.UUID, _ int) (*models.DocumentVersion, error) {
	return f.version, nil
}

func (f *fakeDocs) SetStatus(_ context.Context, _, _ uuid.UUID, status models.DocumentStatus, failureReason *string) error {
	f.statuses = append(f.statuses, status)
	f.failureReason = failureReason
	return nil
}

func (f *fakeDocs) SetVersionChunkCount(_ context.Context, _, _ uuid.UUID, chunkCount int) error {
	f.chunkCount = chunkCount
	return nil
}

func (f *fakeDocs) Publish(_ context.Context, _, _ uuid.UUID, version int) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.publishedAt = version
	return nil
}

func (f *fakeDocs) SoftDelete(_ context.Context, _, _ uuid.UUID) error {
	f.softDeleted = true
	return nil
}

type fakeChunks struct {
	chunks       []models.DocumentChunk
	embeddings   []models.ChunkEmbedding
	deletedDoc   bool
	staleKeep    int
	staleDeleted bool
}

func (f *fakeChunks) UpsertChunks(_ context.Context, chunks []models.DocumentChunk) error {
	f.chunks = chunks
	return nil
}

func (f *fakeChunks) UpsertEmbeddings(_ context.Context, embeddings []models.ChunkEmbedding) error {
	f.embeddings = embeddings
	return nil
}

func (f *fakeChunks) DeleteByDocument(_ context.Context, _, _ uuid.UUID) error {
	f.deletedDoc = true
	return nil
}

func (f *fakeChunks) DeleteStaleVersions(_ context.Context, _, _ uuid.UUID, keepVersion int) error {
	f.staleDeleted = true
	f.staleKeep = keepVersion
	return nil
}

type fakeObjectStore struct {
	objects map[string][]byte
	deleted []string
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.objects[key] = data
	return int64(len(data)), nil
}

func (f *fakeObjectStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		out[i] = []float32{
			float32(binary.BigEndian.Uint16(sum[0:2])) / 65535,
			float32(binary.BigEndian.Uint16(sum[2:4])) / 65535,
			float32(binary.BigEndian.Uint16(sum[4:6])) / 65535,
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Model() string { return "test-embed" }
func (f *fakeEmbedder) Dims() int     { return 3 }

type fakeLocker struct {
	held int
}

func (f *fakeLocker) WithLock(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	f.held++
	return fn()
}

type fakeEmitter struct {
	ready   []int
	failed  []string
	deleted int
}

func (f *fakeEmitter) EmitDocumentReady(_ context.Context, _ *models.Document, version int) error {
	f.ready = append(f.ready, version)
	return nil
}

func (f *fakeEmitter) EmitDocumentFailed(_ context.Context, _ *models.Document, _ int, reason string) error {
	f.failed = append(f.failed, reason)
	return nil
}

func (f *fakeEmitter) EmitDocumentDeleted(_ context.Context, _ *models.Document) error {
	f.deleted++
	return nil
}

type executorFixture struct {
	executor *Executor
	docs     *fakeDocs
	chunks   *fakeChunks
	store    *fakeObjectStore
	embedder *fakeEmbedder
	locker   *fakeLocker
	emitter  *fakeEmitter
	job      *models.IngestionJob
}

func newExecutorFixture(content string, mimeType string) *executorFixture {
	tenantID := uuid.New()
	docID := uuid.New()
	rawKey := storage.RawKey(tenantID, docID, 1)

	docs := &fakeDocs{
		doc: &models.Document{
			ID:              docID,
			TenantID:        tenantID,
			WorkspaceID:     uuid.New(),
			KnowledgeBaseID: uuid.New(),
			Title:           "test doc",
			MimeType:        mimeType,
			Status:          models.DocumentStatusPending,
			CurrentVersion:  1,
		},
		version: &models.DocumentVersion{
			ID:         uuid.New(),
			TenantID:   tenantID,
			DocumentID: docID,
			Version:    1,
			RawKey:     rawKey,
		},
	}
	chunks := &fakeChunks{}
	store := &fakeObjectStore{objects: map[string][]byte{rawKey: []byte(content)}}
	embedder := &fakeEmbedder{}
	locker := &fakeLocker{}
	emitter := &fakeEmitter{}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	return &executorFixture{
		executor: NewExecutor(docs, chunks, store, embedder, locker, emitter, DefaultExecutorConfig(), logger),
		docs:     docs,
		chunks:   chunks,
		store:    store,
		embedder: embedder,
		locker:   locker,
		emitter:  emitter,
		job: &models.IngestionJob{
			ID:              uuid.New(),
			TenantID:        tenantID,
			WorkspaceID:     docs.doc.WorkspaceID,
			KnowledgeBaseID: docs.doc.KnowledgeBaseID,
			DocumentID:      docID,
			Version:         1,
			Action:          models.JobActionIngest,
			Status:          models.JobStatusProcessing,
		},
	}
}

func TestExecutorIngest(t *testing.T) {
	t.Run("should run the full pipeline and publish", func(t *testing.T) {
		fx := newExecutorFixture("# Title\n\nsome body text for the pipeline to chew on", "text/markdown")

		var stages []models.JobStage
		err := fx.executor.Execute(context.Background(), fx.job, func(_ context.Context, stage models.JobStage) error {
			stages = append(stages, stage)
			return nil
		})
		require.NoError(t, err)

		assert.Equal(t, models.Stages(), stages)
		assert.Contains(t, fx.docs.statuses, models.DocumentStatusProcessing)
		assert.Equal(t, 1, fx.docs.publishedAt)
		assert.True(t, fx.chunks.staleDeleted)
		assert.Equal(t, 1, fx.chunks.staleKeep)
		assert.Equal(t, 1, fx.locker.held)
		assert.Equal(t, []int{1}, fx.emitter.ready)

		require.NotEmpty(t, fx.chunks.chunks)
		var parentCount, childCount int
		for _, chunk := range fx.chunks.chunks {
			switch chunk.Level {
			case models.ChunkLevelParent:
				parentCount++
				assert.Nil(t, chunk.ParentID)
				assert.Equal(t, "Title", chunk.TitlePath)
			case models.ChunkLevelChild:
				childCount++
				require.NotNil(t, chunk.ParentID)
			}
			assert.Equal(t, fx.job.TenantID, chunk.TenantID)
			assert.Equal(t, 1, chunk.Version)
		}
		assert.Equal(t, 1, parentCount)
		assert.Equal(t, 1, childCount)
		assert.Equal(t, childCount, fx.docs.chunkCount)

		require.Len(t, fx.chunks.embeddings, childCount)
		assert.Equal(t, "test-embed", fx.chunks.embeddings[0].Model)
		assert.Equal(t, 3, fx.chunks.embeddings[0].Dims)
		assert.Equal(t, fx.chunks.embeddings[0].ChunkID, fx.chunks.chunks[1].ID)
	})

	t.Run("should derive the same chunk ids on re-run", func(t *testing.T) {
		fx := newExecutorFixture("text that will be processed twice", "text/plain")

		require.NoError(t, fx.executor.Execute(context.Background(), fx.job, nil))
		first := make([]uuid.UUID, 0, len(fx.chunks.chunks))
		for _, chunk := range fx.chunks.chunks {
			first = append(first, chunk.ID)
		}

		require.NoError(t, fx.executor.Execute(context.Background(), fx.job, nil))
		second := make([]uuid.UUID, 0, len(fx.chunks.chunks))
		for _, chunk := range fx.chunks.chunks {
			second = append(second, chunk.ID)
		}

		assert.Equal(t, first, second)
	})

	t.Run("should fail permanently when the raw object is missing", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")
		fx.store.objects = map[string][]byte{}

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeObjectMissing, stageErr.Code)
		assert.Equal(t, models.JobStageFetch, stageErr.Stage)
	})

	t.Run("should fail permanently when the document is gone", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")
		fx.docs.doc = nil

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeObjectMissing, stageErr.Code)
	})

	t.Run("should fail permanently on unsupported mime type", func(t *testing.T) {
		fx := newExecutorFixture("%PDF-1.7", "application/pdf")

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeUnsupportedMime, stageErr.Code)
		assert.Empty(t, fx.emitter.ready)
	})

	t.Run("should fail permanently when cleaning leaves nothing", func(t *testing.T) {
		fx := newExecutorFixture("  \n\n \t \n", "text/plain")

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.True(t, stageErr.Permanent)
		assert.Equal(t, CodeEmptyContent, stageErr.Code)
	})

	t.Run("should fail transiently when the embedder is down", func(t *testing.T) {
		fx := newExecutorFixture("content worth embedding", "text/plain")
		fx.embedder.err = errors.New("connection refused")

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.False(t, stageErr.Permanent)
		assert.Equal(t, CodeEmbedFailed, stageErr.Code)
		assert.Empty(t, fx.chunks.chunks)
	})

	t.Run("should fail transiently when publish loses the version race", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")
		fx.docs.publishErr = errors.New("document not publishable at version 1")

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.Error(t, err)

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.False(t, stageErr.Permanent)
		assert.Equal(t, CodePublishFailed, stageErr.Code)
		assert.Empty(t, fx.emitter.ready)
	})

	t.Run("should stop when the progress callback reports a cancel", func(t *testing.T) {
		fx := newExecutorFixture("content to cancel", "text/plain")

		err := fx.executor.Execute(context.Background(), fx.job, func(_ context.Context, stage models.JobStage) error {
			if stage == models.JobStageEmbed {
				return ErrCanceled
			}
			return nil
		})
		require.ErrorIs(t, err, ErrCanceled)
		assert.Empty(t, fx.chunks.chunks)
		assert.Zero(t, fx.docs.publishedAt)
	})
}

func TestExecutorDelete(t *testing.T) {
	t.Run("should remove chunks, objects and soft delete the document", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")
		fx.job.Action = models.JobActionDelete

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.NoError(t, err)

		assert.True(t, fx.chunks.deletedDoc)
		assert.True(t, fx.docs.softDeleted)
		assert.Equal(t, 1, fx.emitter.deleted)
		require.Len(t, fx.store.deleted, 1)
		assert.True(t, strings.HasPrefix(fx.store.deleted[0], "raw/"))
	})

	t.Run("should succeed when the document is already gone", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")
		fx.job.Action = models.JobActionDelete
		fx.docs.doc = nil

		err := fx.executor.Execute(context.Background(), fx.job, nil)
		require.NoError(t, err)
		assert.False(t, fx.chunks.deletedDoc)
		assert.Zero(t, fx.emitter.deleted)
	})
}

func TestExecutorMarkFailed(t *testing.T) {
	t.Run("should set the document failed and emit the event", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")

		fx.executor.MarkFailed(context.Background(), fx.job, "embed_failed: connection refused")

		require.NotEmpty(t, fx.docs.statuses)
		assert.Equal(t, models.DocumentStatusFailed, fx.docs.statuses[len(fx.docs.statuses)-1])
		require.NotNil(t, fx.docs.failureReason)
		assert.Equal(t, "embed_failed: connection refused", *fx.docs.failureReason)
		assert.Equal(t, []string{"embed_failed: connection refused"}, fx.emitter.failed)
	})

	t.Run("should not touch a deleted document", func(t *testing.T) {
		fx := newExecutorFixture("content", "text/plain")
		fx.docs.doc.Status = models.DocumentStatusDeleted

		fx.executor.MarkFailed(context.Background(), fx.job, "late failure")

		assert.Empty(t, fx.docs.statuses)
		assert.Empty(t, fx.emitter.failed)
	})
}
