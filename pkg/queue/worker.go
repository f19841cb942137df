// Package queue runs the worker loop over the ingestion job queue.
package queue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/ingest"
	"github.com/puppet4/tkp-platform/pkg/metrics"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"

	jobrepo "github.com/puppet4/tkp-platform/internal/repositories/job"
	tkpcontext "github.com/puppet4/tkp-platform/pkg/context"
)

// JobStore is the slice of the job repository the worker needs
type JobStore interface {
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.IngestionJob, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (bool, error)
	SetStage(ctx context.Context, jobID uuid.UUID, workerID string, stage models.JobStage) error
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error
	Fail(ctx context.Context, jobID uuid.UUID, workerID string, errorCode, errMsg string, retryAt *time.Time) error
	MarkCanceled(ctx context.Context, jobID uuid.UUID, workerID string) error
}

// Runner executes a claimed job's pipeline
type Runner interface {
	Execute(ctx context.Context, job *models.IngestionJob, progress ingest.ProgressFunc) error
	MarkFailed(ctx context.Context, job *models.IngestionJob, reason string)
}

// DeadLetterEmitter publishes dead letter events
type DeadLetterEmitter interface {
	EmitJobDeadLettered(ctx context.Context, job *models.IngestionJob) error
}

// AuditRecorder appends terminal job transitions to the audit trail
type AuditRecorder interface {
	Append(ctx context.Context, entry *models.AuditLog) error
}

// WorkerConfig tunes the claim loop
type WorkerConfig struct {
	ID                string
	Lease             time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	Backoff           BackoffConfig
}

// DefaultWorkerConfig returns the production loop settings. The
// heartbeat runs at a quarter of the lease so a single missed beat
// cannot lose the lease.
func DefaultWorkerConfig() WorkerConfig {
	hostname, _ := os.Hostname()
	return WorkerConfig{
		ID:                fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		Lease:             60 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		PollInterval:      2 * time.Second,
		Backoff:           DefaultBackoffConfig(),
	}
}

// Worker claims jobs one at a time and drives them through the
// pipeline. Run several workers for parallelism; SKIP LOCKED claiming
// keeps them from stepping on each other.
type Worker struct {
	jobs    JobStore
	runner  Runner
	emitter DeadLetterEmitter
	audit   AuditRecorder
	config  WorkerConfig
	logger  ectologger.Logger
}

// NewWorker creates a worker
func NewWorker(jobs JobStore, runner Runner, emitter DeadLetterEmitter, audit AuditRecorder, config WorkerConfig, logger ectologger.Logger) *Worker {
	def := DefaultWorkerConfig()
	if config.ID == "" {
		config.ID = def.ID
	}
	if config.Lease <= 0 {
		config.Lease = def.Lease
	}
	if config.HeartbeatInterval <= 0 || config.HeartbeatInterval >= config.Lease {
		config.HeartbeatInterval = config.Lease / 4
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Backoff.Base <= 0 {
		config.Backoff = def.Backoff
	}
	return &Worker{
		jobs:    jobs,
		runner:  runner,
		emitter: emitter,
		audit:   audit,
		config:  config,
		logger:  logger,
	}
}

// Run claims and processes jobs until the context is canceled. A job
// in flight when the context ends is abandoned mid-stage; its lease
// expires and another worker reclaims it without burning an attempt.
func (w *Worker) Run(ctx context.Context) error {
	ctx = tkpcontext.SetWorkerID(ctx, w.config.ID)
	w.logger.WithContext(ctx).WithFields(map[string]any{
		"worker_id": w.config.ID,
	}).Info("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.WithContext(ctx).Info("worker stopping")
			return ctx.Err()
		default:
		}

		job, err := w.jobs.ClaimNext(ctx, w.config.ID, w.config.Lease)
		if err != nil {
			w.logger.WithContext(ctx).WithError(err).Error("failed to claim job")
			w.sleep(ctx, w.config.PollInterval)
			continue
		}
		if job == nil {
			w.sleep(ctx, w.config.PollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

// ProcessOne claims at most one job and processes it. Returns whether
// a job was processed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNext(ctx, w.config.ID, w.config.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *models.IngestionJob) {
	ctx, span := tracing.StartSpan(ctx, "Worker.Process")
	defer span.End()

	ctx = tkpcontext.SetTenantID(ctx, job.TenantID.String())
	logger := w.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":      job.ID,
		"document_id": job.DocumentID,
		"action":      job.Action,
		"attempt":     job.Attempt,
	})
	logger.Info("processing job")

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()
	start := time.Now()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelRequested atomic.Bool
	var leaseLost atomic.Bool

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(jobCtx, job, &cancelRequested, &leaseLost, cancelJob)
	}()

	progress := func(pctx context.Context, stage models.JobStage) error {
		if cancelRequested.Load() {
			return ingest.ErrCanceled
		}
		if err := w.jobs.SetStage(pctx, job.ID, w.config.ID, stage); err != nil {
			if errors.Is(err, jobrepo.ErrLeaseLost) {
				leaseLost.Store(true)
				cancelJob()
			}
			return err
		}
		return nil
	}

	err := w.runner.Execute(jobCtx, job, progress)
	cancelJob()
	wg.Wait()

	duration := time.Since(start).Seconds()

	if leaseLost.Load() {
		logger.Warn("lease lost, abandoning job without outcome")
		metrics.RecordJobOutcome("lease_lost", string(job.Action), duration)
		return
	}

	switch {
	case errors.Is(err, ingest.ErrCanceled):
		w.finishCanceled(ctx, job, logger)
		metrics.RecordJobOutcome("canceled", string(job.Action), duration)

	case err == nil:
		if err := w.jobs.Complete(ctx, job.ID, w.config.ID); err != nil {
			logger.WithError(err).Warn("failed to complete job")
			return
		}
		logger.Info("job completed")
		w.recordTransition(ctx, job, "job.completed", nil)
		metrics.RecordJobOutcome("completed", string(job.Action), duration)

	default:
		w.finishFailed(ctx, job, err, logger)
		metrics.RecordJobOutcome("failed", string(job.Action), duration)
	}
}

// heartbeat extends the lease until the job context ends. A heartbeat
// that loses the lease cancels the job context so the pipeline stops
// instead of racing the reclaiming worker.
func (w *Worker) heartbeat(ctx context.Context, job *models.IngestionJob, cancelRequested, leaseLost *atomic.Bool, cancelJob context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := w.jobs.Heartbeat(ctx, job.ID, w.config.ID, w.config.Lease)
			if err != nil {
				if errors.Is(err, jobrepo.ErrLeaseLost) {
					leaseLost.Store(true)
					cancelJob()
					return
				}
				w.logger.WithContext(ctx).WithError(err).Warn("heartbeat failed")
				continue
			}
			if requested {
				cancelRequested.Store(true)
			}
		}
	}
}

func (w *Worker) finishCanceled(ctx context.Context, job *models.IngestionJob, logger ectologger.Logger) {
	if err := w.jobs.MarkCanceled(ctx, job.ID, w.config.ID); err != nil {
		logger.WithError(err).Warn("failed to mark job canceled")
		return
	}
	w.runner.MarkFailed(ctx, job, ingest.CodeCanceled)
	w.recordTransition(ctx, job, "job.canceled", nil)
	logger.Info("job canceled")
}

// recordTransition appends a terminal job transition to the audit
// trail. The trail is the system of record for job history, so a
// failed append is logged loudly even though the transition stands.
func (w *Worker) recordTransition(ctx context.Context, job *models.IngestionJob, action string, reason *string) {
	jobID := job.ID
	entry := &models.AuditLog{
		TenantID:     job.TenantID,
		Action:       action,
		ResourceType: "job",
		ResourceID:   &jobID,
		Outcome:      models.AuditOutcomeAllowed,
		Reason:       reason,
		Metadata: database.JSONB[map[string]string]{Data: map[string]string{
			"worker_id":   w.config.ID,
			"document_id": job.DocumentID.String(),
			"job_action":  string(job.Action),
		}},
	}
	if err := w.audit.Append(ctx, entry); err != nil {
		w.logger.WithContext(ctx).WithError(err).Error("failed to audit job transition")
	}
}

// finishFailed routes a stage failure to retry or dead letter.
// Permanent errors and exhausted attempt budgets dead letter; anything
// else retries on the backoff schedule.
func (w *Worker) finishFailed(ctx context.Context, job *models.IngestionJob, execErr error, logger ectologger.Logger) {
	stageErr := ingest.AsStageError(models.JobStageFetch, execErr)
	metrics.RecordStageFailure(string(stageErr.Stage), stageErr.Code)

	logger = logger.WithFields(map[string]any{
		"stage":      stageErr.Stage,
		"error_code": stageErr.Code,
		"permanent":  stageErr.Permanent,
	})

	if stageErr.Permanent || job.Attempt >= job.MaxAttempts {
		if err := w.jobs.Fail(ctx, job.ID, w.config.ID, stageErr.Code, stageErr.Error(), nil); err != nil {
			logger.WithError(err).Warn("failed to dead letter job")
			return
		}
		w.runner.MarkFailed(ctx, job, stageErr.Error())
		if err := w.emitter.EmitJobDeadLettered(ctx, job); err != nil {
			logger.WithError(err).Warn("failed to emit dead letter event")
		}
		metrics.RecordDeadLetter(job.TenantID.String(), stageErr.Code)
		reason := stageErr.Code
		w.recordTransition(ctx, job, "job.dead_lettered", &reason)
		logger.Error("job dead lettered")
		return
	}

	retryAt := w.config.Backoff.NextRetryAt(time.Now().UTC(), job.Attempt)
	if err := w.jobs.Fail(ctx, job.ID, w.config.ID, stageErr.Code, stageErr.Error(), &retryAt); err != nil {
		logger.WithError(err).Warn("failed to schedule retry")
		return
	}
	logger.WithFields(map[string]any{
		"retry_at": retryAt,
	}).Warn("job attempt failed, retry scheduled")
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
