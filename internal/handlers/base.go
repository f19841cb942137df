// Package handlers holds the HTTP API handlers.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/puppet4/tkp-platform/pkg/models"

	tkpcontext "github.com/puppet4/tkp-platform/pkg/context"
)

// AuditStore appends audit log entries
type AuditStore interface {
	Append(ctx context.Context, entry *models.AuditLog) error
}

// ParseUUID parses a UUID from a path parameter
func ParseUUID(c echo.Context, param string) (uuid.UUID, error) {
	idStr := c.Param(param)
	if idStr == "" {
		return uuid.Nil, httperror.NewHTTPError(http.StatusBadRequest, "missing "+param)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid %s: must be a valid UUID", param)
	}

	return id, nil
}

// Identity extracts the authenticated tenant and user from context
func Identity(c echo.Context) (uuid.UUID, uuid.UUID, error) {
	ctx := c.Request().Context()

	tenantID, err := uuid.Parse(tkpcontext.GetTenantID(ctx))
	if err != nil {
		return uuid.Nil, uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	userID, err := uuid.Parse(tkpcontext.GetUserID(ctx))
	if err != nil {
		return uuid.Nil, uuid.Nil, httperror.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	return tenantID, userID, nil
}

// Pagination parses page and page_size query parameters
func Pagination(c echo.Context) (int, int) {
	page, _ := strconv.Atoi(c.QueryParam("page"))
	pageSize, _ := strconv.Atoi(c.QueryParam("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

// ListResponse is the envelope for paginated collections
type ListResponse[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}

// appendAudit records a permission-relevant action. Audit failures are
// logged, never surfaced; the action itself already happened.
func appendAudit(ctx context.Context, store AuditStore, logger ectologger.Logger, tenantID, actorID uuid.UUID, action, resourceType string, resourceID *uuid.UUID, outcome models.AuditOutcome) {
	entry := &models.AuditLog{
		TenantID:     tenantID,
		ActorID:      &actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      outcome,
		RequestID:    tkpcontext.GetRequestID(ctx),
		RemoteIP:     tkpcontext.GetRemoteIP(ctx),
		UserAgent:    tkpcontext.GetUserAgent(ctx),
	}
	if err := store.Append(ctx, entry); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to append audit log")
	}
}
