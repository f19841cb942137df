package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus represents the lifecycle state of a document
type DocumentStatus string

const (
	DocumentStatusPending    DocumentStatus = "pending"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusFailed     DocumentStatus = "failed"
	DocumentStatusDeleted    DocumentStatus = "deleted"
)

// Searchable reports whether the document's chunks may appear in
// retrieval results. Only ready documents are searchable.
func (s DocumentStatus) Searchable() bool {
	return s == DocumentStatusReady
}

// SourceType represents where a document's raw bytes come from
type SourceType string

const (
	SourceTypeUpload SourceType = "upload"
	SourceTypeURL    SourceType = "url"
	SourceTypeObject SourceType = "object"
)

// Document is a single source item inside a knowledge base. The row
// tracks the latest version; prior versions live in document_versions.
type Document struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	TenantID        uuid.UUID      `db:"tenant_id" json:"tenant_id"`
	WorkspaceID     uuid.UUID      `db:"workspace_id" json:"workspace_id"`
	KnowledgeBaseID uuid.UUID      `db:"knowledge_base_id" json:"knowledge_base_id"`
	Title           string         `db:"title" json:"title"`
	SourceType      SourceType     `db:"source_type" json:"source_type"`
	SourceURI       string         `db:"source_uri" json:"source_uri"`
	MimeType        string         `db:"mime_type" json:"mime_type"`
	Status          DocumentStatus `db:"status" json:"status"`
	CurrentVersion  int            `db:"current_version" json:"current_version"`
	FailureReason   *string        `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedBy       uuid.UUID      `db:"created_by" json:"created_by"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Document) TableName() string {
	return "documents"
}

// DocumentVersion captures one ingested revision of a document. A new
// version with an unchanged content hash is skipped by the pipeline.
type DocumentVersion struct {
	ID          uuid.UUID `db:"id" json:"id"`
	TenantID    uuid.UUID `db:"tenant_id" json:"tenant_id"`
	DocumentID  uuid.UUID `db:"document_id" json:"document_id"`
	Version     int       `db:"version" json:"version"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	RawKey      string    `db:"raw_key" json:"raw_key"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
	ChunkCount  int       `db:"chunk_count" json:"chunk_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (DocumentVersion) TableName() string {
	return "document_versions"
}
