// Package retrievallog appends retrieval query records. Append-only,
// like the audit log.
package retrievallog

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/puppet4/tkp-platform/pkg/database"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/tracing"
)

// RetrievalLogRepository defines the interface for retrieval log operations
type RetrievalLogRepository interface {
	Append(ctx context.Context, entry *models.RetrievalLog) error
	List(ctx context.Context, tenantID uuid.UUID, page, pageSize int) ([]models.RetrievalLog, int, error)
}

// Repository implements RetrievalLogRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new retrieval log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "retrieval_logs"

// Append writes one retrieval record. Non-fatal to the query path.
func (r *Repository) Append(ctx context.Context, entry *models.RetrievalLog) error {
	ctx, span := tracing.StartSpan(ctx, "RetrievalLogRepository.Append")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto(tableName)
	sb.Cols("id", "tenant_id", "user_id", "query_hash", "scoped_kb_ids", "top_k",
		"outcome", "confidence", "result_count", "citation_count", "latency_ms", "request_id", "created_at")
	sb.Values(entry.ID, entry.TenantID, entry.UserID, entry.QueryHash, entry.ScopedKBIDs, entry.TopK,
		entry.Outcome, entry.Confidence, entry.ResultCount, entry.CitationCount, entry.LatencyMS, entry.RequestID, entry.CreatedAt)

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to append retrieval log entry")
		return fmt.Errorf("failed to append retrieval log entry: %w", err)
	}
	return nil
}

// List lists a tenant's retrieval records, newest first
func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, page, pageSize int) ([]models.RetrievalLog, int, error) {
	ctx, span := tracing.StartSpan(ctx, "RetrievalLogRepository.List")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	offset := (page - 1) * pageSize

	countSb := database.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From(tableName)
	countSb.Where(countSb.Equal("tenant_id", tenantID))
	countQuery, countArgs := countSb.Build()

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count retrieval log entries: %w", err)
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "user_id", "query_hash", "scoped_kb_ids", "top_k",
		"outcome", "confidence", "result_count", "citation_count", "latency_ms", "request_id", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(pageSize)
	sb.Offset(offset)

	query, args := sb.Build()

	entries := []models.RetrievalLog{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list retrieval log entries")
		return nil, 0, fmt.Errorf("failed to list retrieval log entries: %w", err)
	}
	return entries, total, nil
}
