package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrIdempotencyConflict is returned when an enqueue reuses an active
// idempotency key with a different document, version or action.
var ErrIdempotencyConflict = errors.New("idempotency key conflict")

// JobStatus represents the lifecycle state of an ingestion job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusDeadLetter JobStatus = "dead_letter"
	JobStatusCanceled   JobStatus = "canceled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusDeadLetter, JobStatusCanceled:
		return true
	}
	return false
}

// Claimable reports whether a job in this status may be handed to a
// worker once its run time has arrived.
func (s JobStatus) Claimable() bool {
	return s == JobStatusQueued || s == JobStatusRetrying
}

// JobAction represents what an ingestion job does to its document
type JobAction string

const (
	JobActionIngest   JobAction = "ingest"
	JobActionReingest JobAction = "reingest"
	JobActionDelete   JobAction = "delete"
)

// JobStage represents the pipeline stage a processing job is in
type JobStage string

const (
	JobStageFetch   JobStage = "fetch"
	JobStageParse   JobStage = "parse"
	JobStageClean   JobStage = "clean"
	JobStageChunk   JobStage = "chunk"
	JobStageEmbed   JobStage = "embed"
	JobStageIndex   JobStage = "index"
	JobStagePublish JobStage = "publish"
)

// Stages lists the pipeline stages in execution order.
func Stages() []JobStage {
	return []JobStage{
		JobStageFetch,
		JobStageParse,
		JobStageClean,
		JobStageChunk,
		JobStageEmbed,
		JobStageIndex,
		JobStagePublish,
	}
}

// StageProgress maps a pipeline stage onto coarse percent progress.
// Entering a stage reports the work completed before it; only a
// completed job reads 100.
func StageProgress(stage JobStage) int {
	stages := Stages()
	for i, s := range stages {
		if s == stage {
			return i * 100 / len(stages)
		}
	}
	return 0
}

// IngestionJob is a persisted unit of pipeline work. Claims are
// lease-based: a claimed job carries leased_by and lease_expires_at,
// and a worker that stops heartbeating loses the lease without the
// attempt counter moving.
type IngestionJob struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	TenantID        uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	WorkspaceID     uuid.UUID  `db:"workspace_id" json:"workspace_id"`
	KnowledgeBaseID uuid.UUID  `db:"knowledge_base_id" json:"knowledge_base_id"`
	DocumentID      uuid.UUID  `db:"document_id" json:"document_id"`
	Version         int        `db:"version" json:"version"`
	Action          JobAction  `db:"action" json:"action"`
	IdempotencyKey  string     `db:"idempotency_key" json:"idempotency_key"`
	Status          JobStatus  `db:"status" json:"status"`
	Stage           *JobStage  `db:"stage" json:"stage,omitempty"`
	Progress        int        `db:"progress" json:"progress"`
	Attempt         int        `db:"attempt" json:"attempt"`
	MaxAttempts     int        `db:"max_attempts" json:"max_attempts"`
	Priority        int        `db:"priority" json:"priority"`
	RunAt           time.Time  `db:"run_at" json:"run_at"`
	CancelRequested bool       `db:"cancel_requested" json:"cancel_requested"`
	LeasedBy        *string    `db:"leased_by" json:"leased_by,omitempty"`
	LeaseExpiresAt  *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	LastErrorCode   *string    `db:"last_error_code" json:"last_error_code,omitempty"`
	LastError       *string    `db:"last_error" json:"last_error,omitempty"`
	CompletedAt     *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (IngestionJob) TableName() string {
	return "ingestion_jobs"
}

// LeaseExpired reports whether the job's lease has lapsed as of now.
func (j *IngestionJob) LeaseExpired(now time.Time) bool {
	return j.LeaseExpiresAt != nil && now.After(*j.LeaseExpiresAt)
}

// JobIdempotencyKey derives the deduplication key for an enqueue.
// Two enqueues with the same inputs coalesce onto one active job per
// tenant. An optional client key lets callers force distinct jobs.
func JobIdempotencyKey(tenantID, workspaceID, kbID, documentID uuid.UUID, version int, action JobAction, clientKey string) string {
	material := fmt.Sprintf("%s:%s:%s:%s:%d:%s", tenantID, workspaceID, kbID, documentID, version, action)
	if clientKey != "" {
		material += ":" + clientKey
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:64]
}
