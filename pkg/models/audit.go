package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/database"
)

// AuditOutcome represents the decision recorded for an audited action
type AuditOutcome string

const (
	AuditOutcomeAllowed AuditOutcome = "allowed"
	AuditOutcomeDenied  AuditOutcome = "denied"
)

// AuditLog is an append-only record of a permission-relevant action.
// Rows are never updated or deleted.
type AuditLog struct {
	ID           uuid.UUID                         `db:"id" json:"id"`
	TenantID     uuid.UUID                         `db:"tenant_id" json:"tenant_id"`
	ActorID      *uuid.UUID                        `db:"actor_id" json:"actor_id,omitempty"`
	Action       string                            `db:"action" json:"action"`
	ResourceType string                            `db:"resource_type" json:"resource_type"`
	ResourceID   *uuid.UUID                        `db:"resource_id" json:"resource_id,omitempty"`
	Outcome      AuditOutcome                      `db:"outcome" json:"outcome"`
	Reason       *string                           `db:"reason" json:"reason,omitempty"`
	RequestID    string                            `db:"request_id" json:"request_id"`
	RemoteIP     string                            `db:"remote_ip" json:"remote_ip"`
	UserAgent    string                            `db:"user_agent" json:"user_agent"`
	Metadata     database.JSONB[map[string]string] `db:"metadata" json:"metadata"`
	CreatedAt    time.Time                         `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// RetrievalOutcome represents how a retrieval query concluded
type RetrievalOutcome string

const (
	RetrievalOutcomeAnswered RetrievalOutcome = "answered"
	RetrievalOutcomeDeclined RetrievalOutcome = "declined"
)

// RetrievalLog is an append-only record of a retrieval query. The
// query text is stored hashed so the log carries no document content.
type RetrievalLog struct {
	ID            uuid.UUID                       `db:"id" json:"id"`
	TenantID      uuid.UUID                       `db:"tenant_id" json:"tenant_id"`
	UserID        uuid.UUID                       `db:"user_id" json:"user_id"`
	QueryHash     string                          `db:"query_hash" json:"query_hash"`
	ScopedKBIDs   database.JSONB[[]uuid.UUID]     `db:"scoped_kb_ids" json:"scoped_kb_ids"`
	TopK          int                             `db:"top_k" json:"top_k"`
	Outcome       RetrievalOutcome                `db:"outcome" json:"outcome"`
	Confidence    float64                         `db:"confidence" json:"confidence"`
	ResultCount   int                             `db:"result_count" json:"result_count"`
	CitationCount int                             `db:"citation_count" json:"citation_count"`
	LatencyMS     int64                           `db:"latency_ms" json:"latency_ms"`
	RequestID     string                          `db:"request_id" json:"request_id"`
	CreatedAt     time.Time                       `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (RetrievalLog) TableName() string {
	return "retrieval_logs"
}
