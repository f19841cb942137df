// Package audit appends permission-relevant actions to the audit log.
// The log is append-only: there are no update or delete operations.
package audit

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

// AuditRepository defines the interface for audit log operations
type AuditRepository interface {
	Append(ctx context.Context, entry *models.AuditLog) error
	List(ctx context.Context, tenantID uuid.UUID, page, pageSize int) ([]models.AuditLog, int, error)
}

// Repository implements AuditRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new audit repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "audit_logs"

// Append writes one audit entry. Failures are logged and returned but
// callers treat them as non-fatal; an audit miss must not fail the
// user's request.
func (r *Repository) Append(ctx context.Context, entry *models.AuditLog) error {
	ctx, span := tracing.StartSpan(ctx, "AuditRepository.Append")
	defer span.End()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	sb := database.NewInsertBuilder()
	sb.InsertInto(tableName)
	sb.Cols("id", "tenant_id", "actor_id", "action", "resource_type", "resource_id",
		"outcome", "reason", "request_id", "remote_ip", "user_agent", "metadata", "created_at")
	sb.Values(entry.ID, entry.TenantID, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.Outcome, entry.Reason, entry.RequestID, entry.RemoteIP, entry.UserAgent, entry.Metadata, entry.CreatedAt)

	query, args := sb.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to append audit entry")
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// List lists a tenant's audit entries, newest first
func (r *Repository) List(ctx context.Context, tenantID uuid.UUID, page, pageSize int) ([]models.AuditLog, int, error) {
	ctx, span := tracing.StartSpan(ctx, "AuditRepository.List")
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
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "tenant_id", "actor_id", "action", "resource_type", "resource_id",
		"outcome", "reason", "request_id", "remote_ip", "user_agent", "metadata", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(pageSize)
	sb.Offset(offset)

	query, args := sb.Build()

	entries := []models.AuditLog{}
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list audit entries")
		return nil, 0, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, total, nil
}
