package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobrepo "github.com/puppet4/tkp-platform/internal/repositories/job"
	"github.com/puppet4/tkp-platform/pkg/ingest"
	"github.com/puppet4/tkp-platform/pkg/models"
)

type fakeJobStore struct {
	mu              sync.Mutex
	job             *models.IngestionJob
	requestCancel   bool
	setStageErr     error
	stages          []models.JobStage
	completed       bool
	markedCanceled  bool
	failedCode      string
	failedRetryAt   *time.Time
	failCalls       int
	heartbeats      int
}

func (f *fakeJobStore) ClaimNext(_ context.Context, _ string, _ time.Duration) (*models.IngestionJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.job
	f.job = nil
	return job, nil
}

func (f *fakeJobStore) Heartbeat(_ context.Context, _ uuid.UUID, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.requestCancel, nil
}

func (f *fakeJobStore) SetStage(_ context.Context, _ uuid.UUID, _ string, stage models.JobStage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setStageErr != nil {
		return f.setStageErr
	}
	f.stages = append(f.stages, stage)
	return nil
}

func (f *fakeJobStore) Complete(_ context.Context, _ uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

func (f *fakeJobStore) Fail(_ context.Context, _ uuid.UUID, _ string, errorCode, _ string, retryAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCalls++
	f.failedCode = errorCode
	f.failedRetryAt = retryAt
	return nil
}

func (f *fakeJobStore) MarkCanceled(_ context.Context, _ uuid.UUID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedCanceled = true
	return nil
}

type fakeRunner struct {
	execute       func(ctx context.Context, job *models.IngestionJob, progress ingest.ProgressFunc) error
	failedReasons []string
}

func (f *fakeRunner) Execute(ctx context.Context, job *models.IngestionJob, progress ingest.ProgressFunc) error {
	return f.execute(ctx, job, progress)
}

func (f *fakeRunner) MarkFailed(_ context.Context, _ *models.IngestionJob, reason string) {
	f.failedReasons = append(f.failedReasons, reason)
}

type fakeDeadLetterEmitter struct {
	deadLettered []uuid.UUID
}

func (f *fakeDeadLetterEmitter) EmitJobDeadLettered(_ context.Context, job *models.IngestionJob) error {
	f.deadLettered = append(f.deadLettered, job.ID)
	return nil
}

type fakeAuditRecorder struct {
	entries []*models.AuditLog
}

func (f *fakeAuditRecorder) Append(_ context.Context, entry *models.AuditLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditRecorder) actions() []string {
	out := make([]string, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.Action)
	}
	return out
}

func testJob(attempt int) *models.IngestionJob {
	return &models.IngestionJob{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		DocumentID:  uuid.New(),
		Version:     1,
		Action:      models.JobActionIngest,
		Status:      models.JobStatusProcessing,
		Attempt:     attempt,
		MaxAttempts: 5,
	}
}

func testWorker(store *fakeJobStore, runner *fakeRunner, emitter *fakeDeadLetterEmitter) *Worker {
	return testWorkerWithAudit(store, runner, emitter, &fakeAuditRecorder{})
}

func testWorkerWithAudit(store *fakeJobStore, runner *fakeRunner, emitter *fakeDeadLetterEmitter, audit *fakeAuditRecorder) *Worker {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewWorker(store, runner, emitter, audit, WorkerConfig{
		ID:                "worker-test",
		Lease:             time.Second,
		HeartbeatInterval: 10 * time.Millisecond,
		PollInterval:      time.Millisecond,
		Backoff:           BackoffConfig{Base: time.Minute, Max: time.Hour},
	}, logger)
}

func TestWorkerProcessOne(t *testing.T) {
	t.Run("should report no work on an empty queue", func(t *testing.T) {
		worker := testWorker(&fakeJobStore{}, &fakeRunner{}, &fakeDeadLetterEmitter{})

		processed, err := worker.ProcessOne(context.Background())
		assert.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("should complete a successful job and record its stages", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(1)}
		runner := &fakeRunner{execute: func(ctx context.Context, _ *models.IngestionJob, progress ingest.ProgressFunc) error {
			for _, stage := range models.Stages() {
				if err := progress(ctx, stage); err != nil {
					return err
				}
			}
			return nil
		}}
		worker := testWorker(store, runner, &fakeDeadLetterEmitter{})

		processed, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.True(t, processed)
		assert.True(t, store.completed)
		assert.Equal(t, models.Stages(), store.stages)
		assert.Zero(t, store.failCalls)
	})

	t.Run("should schedule a retry for a transient failure", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(1)}
		runner := &fakeRunner{execute: func(context.Context, *models.IngestionJob, ingest.ProgressFunc) error {
			return ingest.NewTransient(models.JobStageEmbed, ingest.CodeEmbedFailed, errors.New("connection refused"))
		}}
		emitter := &fakeDeadLetterEmitter{}
		worker := testWorker(store, runner, emitter)

		processed, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, ingest.CodeEmbedFailed, store.failedCode)
		require.NotNil(t, store.failedRetryAt)
		assert.True(t, store.failedRetryAt.After(time.Now()))
		assert.Empty(t, emitter.deadLettered)
		assert.Empty(t, runner.failedReasons)
	})

	t.Run("should dead letter a permanent failure", func(t *testing.T) {
		job := testJob(1)
		store := &fakeJobStore{job: job}
		runner := &fakeRunner{execute: func(context.Context, *models.IngestionJob, ingest.ProgressFunc) error {
			return ingest.NewPermanent(models.JobStageParse, ingest.CodeUnsupportedMime, errors.New("no parser"))
		}}
		emitter := &fakeDeadLetterEmitter{}
		worker := testWorker(store, runner, emitter)

		_, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ingest.CodeUnsupportedMime, store.failedCode)
		assert.Nil(t, store.failedRetryAt)
		assert.Equal(t, []uuid.UUID{job.ID}, emitter.deadLettered)
		require.Len(t, runner.failedReasons, 1)
		assert.Contains(t, runner.failedReasons[0], ingest.CodeUnsupportedMime)
	})

	t.Run("should audit terminal transitions but not retries", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(1)}
		runner := &fakeRunner{execute: func(context.Context, *models.IngestionJob, ingest.ProgressFunc) error {
			return nil
		}}
		audit := &fakeAuditRecorder{}
		worker := testWorkerWithAudit(store, runner, &fakeDeadLetterEmitter{}, audit)

		_, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"job.completed"}, audit.actions())

		store = &fakeJobStore{job: testJob(1)}
		runner = &fakeRunner{execute: func(context.Context, *models.IngestionJob, ingest.ProgressFunc) error {
			return ingest.NewTransient(models.JobStageEmbed, ingest.CodeEmbedFailed, errors.New("timeout"))
		}}
		audit = &fakeAuditRecorder{}
		worker = testWorkerWithAudit(store, runner, &fakeDeadLetterEmitter{}, audit)

		_, err = worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.Empty(t, audit.entries)

		store = &fakeJobStore{job: testJob(5)}
		audit = &fakeAuditRecorder{}
		worker = testWorkerWithAudit(store, runner, &fakeDeadLetterEmitter{}, audit)

		_, err = worker.ProcessOne(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"job.dead_lettered"}, audit.actions())
		require.NotNil(t, audit.entries[0].Reason)
		assert.Equal(t, ingest.CodeEmbedFailed, *audit.entries[0].Reason)
	})

	t.Run("should dead letter when the attempt budget runs out", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(5)}
		runner := &fakeRunner{execute: func(context.Context, *models.IngestionJob, ingest.ProgressFunc) error {
			return ingest.NewTransient(models.JobStageEmbed, ingest.CodeEmbedFailed, errors.New("still down"))
		}}
		emitter := &fakeDeadLetterEmitter{}
		worker := testWorker(store, runner, emitter)

		_, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.Nil(t, store.failedRetryAt)
		assert.Len(t, emitter.deadLettered, 1)
	})

	t.Run("should dead letter unclassified errors as internal", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(5)}
		runner := &fakeRunner{execute: func(context.Context, *models.IngestionJob, ingest.ProgressFunc) error {
			return errors.New("something unexpected")
		}}
		worker := testWorker(store, runner, &fakeDeadLetterEmitter{})

		_, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "internal", store.failedCode)
		assert.Nil(t, store.failedRetryAt)
	})

	t.Run("should cancel a job when the heartbeat reports a cancel request", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(1), requestCancel: true}
		runner := &fakeRunner{execute: func(ctx context.Context, _ *models.IngestionJob, progress ingest.ProgressFunc) error {
			deadline := time.After(2 * time.Second)
			for {
				if err := progress(ctx, models.JobStageEmbed); err != nil {
					return err
				}
				select {
				case <-deadline:
					return errors.New("cancel never arrived")
				case <-time.After(5 * time.Millisecond):
				}
			}
		}}
		emitter := &fakeDeadLetterEmitter{}
		worker := testWorker(store, runner, emitter)

		_, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.True(t, store.markedCanceled)
		assert.Empty(t, emitter.deadLettered)
		require.Len(t, runner.failedReasons, 1)
		assert.Equal(t, ingest.CodeCanceled, runner.failedReasons[0])
	})

	t.Run("should abandon the job without an outcome when the lease is lost", func(t *testing.T) {
		store := &fakeJobStore{job: testJob(1), setStageErr: jobrepo.ErrLeaseLost}
		runner := &fakeRunner{execute: func(ctx context.Context, _ *models.IngestionJob, progress ingest.ProgressFunc) error {
			return progress(ctx, models.JobStageFetch)
		}}
		emitter := &fakeDeadLetterEmitter{}
		worker := testWorker(store, runner, emitter)

		_, err := worker.ProcessOne(context.Background())
		require.NoError(t, err)
		assert.False(t, store.completed)
		assert.False(t, store.markedCanceled)
		assert.Zero(t, store.failCalls)
		assert.Empty(t, emitter.deadLettered)
	})
}

func TestWorkerRun(t *testing.T) {
	t.Run("should stop when the context is canceled", func(t *testing.T) {
		worker := testWorker(&fakeJobStore{}, &fakeRunner{}, &fakeDeadLetterEmitter{})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- worker.Run(ctx) }()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("worker did not stop")
		}
	})
}
