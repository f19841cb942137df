// Package job persists the ingestion job queue.
package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// ErrLeaseLost is returned when a worker's lease on a job no longer
// holds. The worker must abandon the job without recording an outcome.
var ErrLeaseLost = errors.New("job lease lost")

// JobRepository defines the interface for queue operations
type JobRepository interface {
	Enqueue(ctx context.Context, job *models.IngestionJob) (*models.IngestionJob, bool, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.IngestionJob, error)
	Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (bool, error)
	Complete(ctx context.Context, jobID uuid.UUID, workerID string) error
	Fail(ctx context.Context, jobID uuid.UUID, workerID string, errorCode, errMsg string, retryAt *time.Time) error
	Cancel(ctx context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error)
	MarkCanceled(ctx context.Context, jobID uuid.UUID, workerID string) error
	GetByID(ctx context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error)
	List(ctx context.Context, tenantID uuid.UUID, status models.JobStatus, page, pageSize int) ([]models.IngestionJob, int, error)
	ListDeadLetter(ctx context.Context, tenantID uuid.UUID, page, pageSize int) ([]models.IngestionJob, int, error)
	RequeueDeadLetter(ctx context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error)
	SetStage(ctx context.Context, jobID uuid.UUID, workerID string, stage models.JobStage) error
}

// Repository implements JobRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new job repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "ingestion_jobs"

const jobColumns = `id, tenant_id, workspace_id, knowledge_base_id, document_id, version,
	action, idempotency_key, status, stage, progress, attempt, max_attempts, priority, run_at,
	cancel_requested, leased_by, lease_expires_at, last_error_code, last_error,
	completed_at, created_at, updated_at`

// enqueueQuery relies on a partial unique index over
// (tenant_id, idempotency_key) covering non-terminal jobs, so a
// duplicate enqueue inserts nothing and the existing job wins.
const enqueueQuery = `
	INSERT INTO ingestion_jobs (
		id, tenant_id, workspace_id, knowledge_base_id, document_id, version,
		action, idempotency_key, status, attempt, max_attempts, priority, run_at,
		created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'queued', 0, $9, $10, $11, $12, $12)
	ON CONFLICT (tenant_id, idempotency_key)
		WHERE status IN ('queued', 'processing', 'retrying')
		DO NOTHING
	RETURNING ` + jobColumns

const activeByKeyQuery = `
	SELECT ` + jobColumns + `
	FROM ingestion_jobs
	WHERE tenant_id = $1
	  AND idempotency_key = $2
	  AND status IN ('queued', 'processing', 'retrying')`

// Enqueue inserts a job or returns the existing active job for the
// same idempotency key. The second return reports whether a new job
// was created.
func (r *Repository) Enqueue(ctx context.Context, job *models.IngestionJob) (*models.IngestionJob, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.Enqueue")
	defer span.End()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	now := time.Now().UTC()
	runAt := job.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	var created models.IngestionJob
	err := r.db.GetContext(ctx, &created, enqueueQuery,
		job.ID, job.TenantID, job.WorkspaceID, job.KnowledgeBaseID, job.DocumentID, job.Version,
		job.Action, job.IdempotencyKey, job.MaxAttempts, job.Priority, runAt, now,
	)
	if err == nil {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"job_id":      created.ID,
			"document_id": created.DocumentID,
			"action":      created.Action,
		}).Info("enqueued job")
		return &created, true, nil
	}
	if err != sql.ErrNoRows {
		r.logger.WithContext(ctx).WithError(err).Error("failed to enqueue job")
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	// Conflict path: hand back the job already in flight
	var existing models.IngestionJob
	if err := r.db.GetContext(ctx, &existing, activeByKeyQuery, job.TenantID, job.IdempotencyKey); err != nil {
		if err == sql.ErrNoRows {
			// The active job finished between insert and select; retry once
			return r.Enqueue(ctx, job)
		}
		return nil, false, fmt.Errorf("failed to load existing job: %w", err)
	}
	if existing.DocumentID != job.DocumentID || existing.Version != job.Version || existing.Action != job.Action {
		return nil, false, models.ErrIdempotencyConflict
	}
	return &existing, false, nil
}

// claimQuery picks the oldest runnable job and leases it in one
// statement. SKIP LOCKED keeps concurrent workers from blocking on
// each other. Fresh claims of queued or retrying jobs increment the
// attempt counter; reclaims of expired leases do not, since the prior
// attempt never reported an outcome.
const claimQuery = `
	WITH next_job AS (
		SELECT id, status
		FROM ingestion_jobs
		WHERE (status IN ('queued', 'retrying') AND run_at <= now())
		   OR (status = 'processing' AND lease_expires_at < now())
		ORDER BY priority DESC, run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE ingestion_jobs j
	SET status = 'processing',
	    attempt = CASE WHEN next_job.status = 'processing' THEN j.attempt ELSE j.attempt + 1 END,
	    leased_by = $1,
	    lease_expires_at = now() + $2 * interval '1 second',
	    updated_at = now()
	FROM next_job
	WHERE j.id = next_job.id
	RETURNING ` + claimReturning

const claimReturning = `j.id, j.tenant_id, j.workspace_id, j.knowledge_base_id, j.document_id, j.version,
	j.action, j.idempotency_key, j.status, j.stage, j.progress, j.attempt, j.max_attempts, j.priority, j.run_at,
	j.cancel_requested, j.leased_by, j.lease_expires_at, j.last_error_code, j.last_error,
	j.completed_at, j.created_at, j.updated_at`

// ClaimNext leases the next runnable job to the worker. Returns nil
// when the queue is empty.
func (r *Repository) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*models.IngestionJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.ClaimNext")
	defer span.End()

	var job models.IngestionJob
	err := r.db.GetContext(ctx, &job, claimQuery, workerID, int64(lease.Seconds()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to claim job")
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":    job.ID,
		"worker_id": workerID,
		"attempt":   job.Attempt,
	}).Info("claimed job")

	return &job, nil
}

// Heartbeat extends the worker's lease. The second return reports
// whether a cancel has been requested for the job. ErrLeaseLost means
// another worker owns the job now.
func (r *Repository) Heartbeat(ctx context.Context, jobID uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.Heartbeat")
	defer span.End()

	const query = `
		UPDATE ingestion_jobs
		SET lease_expires_at = now() + $3 * interval '1 second',
		    updated_at = now()
		WHERE id = $1
		  AND leased_by = $2
		  AND status = 'processing'
		RETURNING cancel_requested`

	var cancelRequested bool
	err := r.db.GetContext(ctx, &cancelRequested, query, jobID, workerID, int64(lease.Seconds()))
	if err != nil {
		if err == sql.ErrNoRows {
			return false, ErrLeaseLost
		}
		return false, fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return cancelRequested, nil
}

// SetStage records pipeline progress on the leased job
func (r *Repository) SetStage(ctx context.Context, jobID uuid.UUID, workerID string, stage models.JobStage) error {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.SetStage")
	defer span.End()

	const query = `
		UPDATE ingestion_jobs
		SET stage = $3, progress = $4, updated_at = now()
		WHERE id = $1 AND leased_by = $2 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, jobID, workerID, stage, models.StageProgress(stage))
	if err != nil {
		return fmt.Errorf("failed to set job stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete marks the job done and releases the lease
func (r *Repository) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.Complete")
	defer span.End()

	const query = `
		UPDATE ingestion_jobs
		SET status = 'completed',
		    progress = 100,
		    completed_at = now(),
		    leased_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND leased_by = $2 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, jobID, workerID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to complete job")
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": jobID,
	}).Info("completed job")
	return nil
}

// Fail records a failed attempt. With retryAt set the job goes back
// to retrying and runs again at that time; without it the job moves
// to the dead letter queue.
func (r *Repository) Fail(ctx context.Context, jobID uuid.UUID, workerID string, errorCode, errMsg string, retryAt *time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.Fail")
	defer span.End()

	var query string
	var args []any
	if retryAt != nil {
		query = `
			UPDATE ingestion_jobs
			SET status = 'retrying',
			    run_at = $3,
			    last_error_code = $4,
			    last_error = $5,
			    leased_by = NULL,
			    lease_expires_at = NULL,
			    updated_at = now()
			WHERE id = $1 AND leased_by = $2 AND status = 'processing'`
		args = []any{jobID, workerID, *retryAt, errorCode, errMsg}
	} else {
		query = `
			UPDATE ingestion_jobs
			SET status = 'dead_letter',
			    last_error_code = $3,
			    last_error = $4,
			    leased_by = NULL,
			    lease_expires_at = NULL,
			    updated_at = now()
			WHERE id = $1 AND leased_by = $2 AND status = 'processing'`
		args = []any{jobID, workerID, errorCode, errMsg}
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to record job failure")
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":     jobID,
		"error_code": errorCode,
		"retrying":   retryAt != nil,
	}).Warn("job attempt failed")
	return nil
}

// Cancel cancels a job. Queued and retrying jobs cancel immediately;
// processing jobs get a cancel request the worker honors at its next
// heartbeat. Terminal jobs are returned unchanged.
func (r *Repository) Cancel(ctx context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.Cancel")
	defer span.End()

	const query = `
		UPDATE ingestion_jobs
		SET status = CASE WHEN status IN ('queued', 'retrying') THEN 'canceled' ELSE status END,
		    cancel_requested = CASE WHEN status = 'processing' THEN TRUE ELSE cancel_requested END,
		    completed_at = CASE WHEN status IN ('queued', 'retrying') THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2
		RETURNING ` + jobColumns

	var job models.IngestionJob
	err := r.db.GetContext(ctx, &job, query, jobID, tenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to cancel job")
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}
	return &job, nil
}

// MarkCanceled finalizes a processing job whose cancel request the
// worker has honored.
func (r *Repository) MarkCanceled(ctx context.Context, jobID uuid.UUID, workerID string) error {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.MarkCanceled")
	defer span.End()

	const query = `
		UPDATE ingestion_jobs
		SET status = 'canceled',
		    completed_at = now(),
		    leased_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND leased_by = $2 AND status = 'processing'`

	res, err := r.db.ExecContext(ctx, query, jobID, workerID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to mark job canceled")
		return fmt.Errorf("failed to mark job canceled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": jobID,
	}).Info("canceled job")
	return nil
}

// GetByID gets a job scoped to its tenant
func (r *Repository) GetByID(ctx context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From(tableName)
	sb.Where(
		sb.Equal("id", jobID),
		sb.Equal("tenant_id", tenantID),
	)

	query, args := sb.Build()

	var job models.IngestionJob
	err := r.db.GetContext(ctx, &job, query, args...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get job")
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// List lists a tenant's jobs, optionally filtered by status
func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, status models.JobStatus, page, pageSize int) ([]models.IngestionJob, int, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.List")
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
	countSb.Where(countSb.Equal("tenant_id", tenantID))
	if status != "" {
		countSb.Where(countSb.Equal("status", status))
	}
	countQuery, countArgs := countSb.Build()

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	sb := database.NewSelectBuilder()
	sb.Select(jobColumns)
	sb.From(tableName)
	sb.Where(sb.Equal("tenant_id", tenantID))
	if status != "" {
		sb.Where(sb.Equal("status", status))
	}
	sb.OrderBy("created_at").Desc()
	sb.Limit(pageSize)
	sb.Offset(offset)

	query, args := sb.Build()

	jobs := []models.IngestionJob{}
	if err := r.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list jobs")
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, total, nil
}

// ListDeadLetter lists a tenant's dead lettered jobs
func (r *Repository) ListDeadLetter(ctx context.Context, tenantID uuid.UUID, page, pageSize int) ([]models.IngestionJob, int, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.ListDeadLetter")
	defer span.End()

	return r.List(ctx, tenantID, models.JobStatusDeadLetter, page, pageSize)
}

// RequeueDeadLetter puts a dead lettered job back on the queue with a
// fresh attempt budget.
func (r *Repository) RequeueDeadLetter(ctx context.Context, tenantID, jobID uuid.UUID) (*models.IngestionJob, error) {
	ctx, span := tracing.StartSpan(ctx, "JobRepository.RequeueDeadLetter")
	defer span.End()

	const query = `
		UPDATE ingestion_jobs
		SET status = 'queued',
		    attempt = 0,
		    stage = NULL,
		    progress = 0,
		    run_at = now(),
		    cancel_requested = FALSE,
		    last_error_code = NULL,
		    last_error = NULL,
		    updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status = 'dead_letter'
		RETURNING ` + jobColumns

	var job models.IngestionJob
	err := r.db.GetContext(ctx, &job, query, jobID, tenantID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to requeue dead lettered job")
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id": job.ID,
	}).Info("requeued dead lettered job")
	return &job, nil
}
