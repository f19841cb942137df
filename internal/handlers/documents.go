package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/puppet4/tkp-platform/pkg/authz"
	"github.com/puppet4/tkp-platform/pkg/ingest"
	"github.com/puppet4/tkp-platform/pkg/models"
)

var validate = validator.New()

// DocumentLister is the slice of the document repository the handler
// reads collections through. Single-document reads go through the
// authorization gates instead.
type DocumentLister interface {
	List(ctx context.Context, tenantID, kbID uuid.UUID, page, pageSize int) ([]models.Document, int, error)
}

// DocumentHandler handles document API requests
type DocumentHandler struct {
	intake   *ingest.Service
	docs     DocumentLister
	resolver *authz.Resolver
	gates    *authz.Gates
	audit    AuditStore
	logger   ectologger.Logger
}

// NewDocumentHandler creates a document handler
func NewDocumentHandler(intake *ingest.Service, docs DocumentLister, resolver *authz.Resolver, gates *authz.Gates, audit AuditStore, logger ectologger.Logger) *DocumentHandler {
	return &DocumentHandler{
		intake:   intake,
		docs:     docs,
		resolver: resolver,
		gates:    gates,
		audit:    audit,
		logger:   logger,
	}
}

// UploadDocumentRequest is the body for uploading document content
type UploadDocumentRequest struct {
	Title     string `json:"title" validate:"required,max=500"`
	MimeType  string `json:"mime_type" validate:"max=255"`
	SourceURI string `json:"source_uri" validate:"max=2048"`
	Content   string `json:"content" validate:"required"`
	ClientKey string `json:"client_key" validate:"max=255"`
}

// Upload accepts document content into a knowledge base
// POST /workspaces/:workspaceId/knowledge-bases/:kbId/documents
func (h *DocumentHandler) Upload(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	workspaceID, err := ParseUUID(c, "workspaceId")
	if err != nil {
		return err
	}
	kbID, err := ParseUUID(c, "kbId")
	if err != nil {
		return err
	}

	var req UploadDocumentRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionDocumentWrite); err != nil {
		return err
	}
	if _, _, err := h.gates.EnsureWorkspaceWrite(ctx, tenantID, workspaceID, userID); err != nil {
		appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionDocumentWrite), "workspace", &workspaceID, models.AuditOutcomeDenied)
		return err
	}
	if _, err := h.gates.EnsureKBWrite(ctx, tenantID, kbID, userID); err != nil {
		appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionDocumentWrite), "knowledge_base", &kbID, models.AuditOutcomeDenied)
		return err
	}

	result, err := h.intake.Upload(ctx, ingest.UploadParams{
		TenantID:        tenantID,
		WorkspaceID:     workspaceID,
		KnowledgeBaseID: kbID,
		Title:           req.Title,
		SourceType:      models.SourceTypeUpload,
		SourceURI:       req.SourceURI,
		MimeType:        req.MimeType,
		ClientKey:       req.ClientKey,
		CreatedBy:       userID,
		Content:         strings.NewReader(req.Content),
	})
	if err != nil {
		return err
	}

	appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionDocumentWrite), "document", &result.Document.ID, models.AuditOutcomeAllowed)

	if result.Unchanged {
		return c.JSON(http.StatusOK, result)
	}
	return c.JSON(http.StatusAccepted, result)
}

// List lists the documents in a knowledge base
// GET /workspaces/:workspaceId/knowledge-bases/:kbId/documents
func (h *DocumentHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	kbID, err := ParseUUID(c, "kbId")
	if err != nil {
		return err
	}

	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionDocumentRead); err != nil {
		return err
	}
	if _, err := h.gates.EnsureKBRead(ctx, tenantID, kbID, userID); err != nil {
		return err
	}

	page, pageSize := Pagination(c)
	items, total, err := h.docs.List(ctx, tenantID, kbID, page, pageSize)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, ListResponse[models.Document]{
		Items:      items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
	})
}

// Get returns a single document
// GET /documents/:id
func (h *DocumentHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	docID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionDocumentRead); err != nil {
		return err
	}
	doc, _, err := h.gates.EnsureDocumentRead(ctx, tenantID, docID, userID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, doc)
}

// Delete enqueues removal of a document
// DELETE /documents/:id
func (h *DocumentHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}
	docID, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.resolver.RequireAction(ctx, tenantID, userID, authz.ActionDocumentDelete); err != nil {
		return err
	}
	if _, _, err := h.gates.EnsureDocumentWrite(ctx, tenantID, docID, userID); err != nil {
		appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionDocumentDelete), "document", &docID, models.AuditOutcomeDenied)
		return err
	}

	job, err := h.intake.Delete(ctx, tenantID, docID, c.QueryParam("client_key"))
	if err != nil {
		return err
	}

	appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionDocumentDelete), "document", &docID, models.AuditOutcomeAllowed)

	return c.JSON(http.StatusAccepted, job)
}
