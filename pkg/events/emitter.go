// Package events handles event emission for document lifecycle changes
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/puppet4/tkp-platform/pkg/kafka"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// DocumentEvent is emitted when a document changes lifecycle state.
type DocumentEvent struct {
	EventType       string    `json:"event_type"` // document.ready, document.failed, document.deleted
	TenantID        string    `json:"tenant_id"`
	WorkspaceID     string    `json:"workspace_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DocumentID      string    `json:"document_id"`
	Version         int       `json:"version"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// JobEvent is emitted when a job reaches the dead letter queue.
type JobEvent struct {
	EventType  string    `json:"event_type"` // job.dead_letter
	TenantID   string    `json:"tenant_id"`
	JobID      string    `json:"job_id"`
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
}

// Emitter publishes lifecycle events for consumers downstream
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitDocumentReady emits a document.ready event
func (e *Emitter) EmitDocumentReady(ctx context.Context, doc *models.Document, version int) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDocumentReady")
	defer span.End()

	return e.emitDocument(ctx, "document.ready", doc, version, "")
}

// EmitDocumentFailed emits a document.failed event
func (e *Emitter) EmitDocumentFailed(ctx context.Context, doc *models.Document, version int, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDocumentFailed")
	defer span.End()

	return e.emitDocument(ctx, "document.failed", doc, version, reason)
}

// EmitDocumentDeleted emits a document.deleted event
func (e *Emitter) EmitDocumentDeleted(ctx context.Context, doc *models.Document) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitDocumentDeleted")
	defer span.End()

	return e.emitDocument(ctx, "document.deleted", doc, doc.CurrentVersion, "")
}

func (e *Emitter) emitDocument(ctx context.Context, eventType string, doc *models.Document, version int, reason string) error {
	event := &DocumentEvent{
		EventType:       eventType,
		TenantID:        doc.TenantID.String(),
		WorkspaceID:     doc.WorkspaceID.String(),
		KnowledgeBaseID: doc.KnowledgeBaseID.String(),
		DocumentID:      doc.ID.String(),
		Version:         version,
		Reason:          reason,
		Timestamp:       time.Now().UTC(),
	}

	if err := e.producer.Publish(ctx, event.DocumentID, eventType, event.TenantID, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Errorf("Failed to emit %s event", eventType)
		return err
	}
	return nil
}

// EmitJobDeadLettered emits a job.dead_letter event for operator alerting
func (e *Emitter) EmitJobDeadLettered(ctx context.Context, job *models.IngestionJob) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitJobDeadLettered")
	defer span.End()

	event := &JobEvent{
		EventType:  "job.dead_letter",
		TenantID:   job.TenantID.String(),
		JobID:      job.ID.String(),
		DocumentID: job.DocumentID.String(),
		Attempt:    job.Attempt,
		Timestamp:  time.Now().UTC(),
	}
	if job.Stage != nil {
		event.Stage = string(*job.Stage)
	}
	if job.LastErrorCode != nil {
		event.ErrorCode = *job.LastErrorCode
	}

	if err := e.producer.Publish(ctx, event.DocumentID, event.EventType, event.TenantID, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit job.dead_letter event")
		return err
	}
	return nil
}
