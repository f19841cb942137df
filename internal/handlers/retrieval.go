package handlers

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/puppet4/tkp-platform/pkg/authz"
	"github.com/puppet4/tkp-platform/pkg/models"
	"github.com/puppet4/tkp-platform/pkg/retrieval"
)

// RetrievalHandler handles retrieval query requests
type RetrievalHandler struct {
	service  *retrieval.Service
	resolver *authz.Resolver
	audit    AuditStore
	logger   ectologger.Logger
}

// NewRetrievalHandler creates a retrieval handler
func NewRetrievalHandler(service *retrieval.Service, resolver *authz.Resolver, audit AuditStore, logger ectologger.Logger) *RetrievalHandler {
	return &RetrievalHandler{
		service:  service,
		resolver: resolver,
		audit:    audit,
		logger:   logger,
	}
}

// QueryRequest is the body for a retrieval query. Naming knowledge
// bases is optional; an empty list scopes the query to everything the
// caller can read.
type QueryRequest struct {
	Query            string      `json:"query" validate:"required,max=4000"`
	KnowledgeBaseIDs []uuid.UUID `json:"knowledge_base_ids" validate:"max=50"`
	TopK             int         `json:"top_k" validate:"min=0,max=50"`
}

// Query runs a permission-scoped retrieval query
// POST /query
func (h *RetrievalHandler) Query(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, userID, err := Identity(c)
	if err != nil {
		return err
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	scope, err := h.resolver.ResolveScope(ctx, tenantID, userID, req.KnowledgeBaseIDs)
	if err != nil {
		if httperror.GetStatusCode(err) == http.StatusForbidden {
			appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionRetrievalQuery), "knowledge_base", nil, models.AuditOutcomeDenied)
		}
		return err
	}
	if !scope.Allows(authz.ActionRetrievalQuery) {
		appendAudit(ctx, h.audit, h.logger, tenantID, userID, string(authz.ActionRetrievalQuery), "tenant", &tenantID, models.AuditOutcomeDenied)
		return httperror.NewHTTPError(http.StatusForbidden, "forbidden")
	}

	result, err := h.service.Query(ctx, scope, retrieval.Query{
		Text: req.Query,
		TopK: req.TopK,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
