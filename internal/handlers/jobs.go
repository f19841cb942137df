package handlers

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/puppet4/tkp-platform/internal/repositories/job"
	"github.com/puppet4/tkp-platform/pkg/authz"
	"github.com/puppet4/tkp-platform/pkg/models"
)

// JobHandler handles ingestion job API requests
type JobHandler struct {
	jobs     job.JobRepository
	resolver *authz.Resolver
	audit    AuditStore
	logger   ectologger.Logger
}

// NewJobHandler creates a job handler
func NewJobHandler(jobs job.JobRepository, resolver *authz.Resolver, audit AuditStore, logger ectologger.Logger) *JobHandler {
	return &JobHandler{
		jobs:     jobs,
		resolver: resolver,
		audit:    audit,
		logger:   logger,
	}
}

// List lists the tenant's jobs, optionally filtered by status
// GET /jobs
func (h *JobHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionJobRead); err != nil {
		return err
	}

	status := models.JobStatus(c.QueryParam("status"))
	page, pageSize := Pagination(c)

	items, total, err := h.jobs.List(ctx, tenantID, status, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse[models.IngestionJob]{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns a single job
// GET /jobs/:id
func (h *JobHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	jobID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionJobRead); err != nil {
		return err
	}

	found, err := h.jobs.GetByID(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if found == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "Not Found")
	}

	return c.JSON(http.StatusOK, found)
}

// Cancel requests cancellation of a job. Queued jobs cancel
// immediately; a processing job stops at its next stage boundary.
// POST /jobs/:id/cancel
func (h *JobHandler) Cancel(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	jobID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionJobCancel); err != nil {
		return err
	}

	canceled, err := h.jobs.Cancel(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if canceled == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "Not Found")
	}

	appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionJobCancel), "job", &jobID, models.AuditOutcomeAllowed)

	return c.JSON(http.StatusOK, canceled)
}

// ListDeadLetter lists the tenant's dead lettered jobs
// GET /jobs/dead-letter
func (h *JobHandler) ListDeadLetter(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionJobRead); err != nil {
		return err
	}

	page, pageSize := Pagination(c)
	items, total, err := h.jobs.ListDeadLetter(ctx, tenantID, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse[models.IngestionJob]{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Requeue puts a dead lettered job back on the queue
// POST /jobs/dead-letter/:id/requeue
func (h *JobHandler) Requeue(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	jobID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}
	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionJobRequeue); err != nil {
		return err
	}

	requeued, err := h.jobs.RequeueDeadLetter(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if requeued == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "Not Found")
	}

	appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionJobRequeue), "job", &jobID, models.AuditOutcomeAllowed)

	return c.JSON(http.StatusOK, requeued)
}
