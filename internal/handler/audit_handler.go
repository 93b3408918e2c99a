package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-registrar-api/internal/repository"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
	"github.com/noah-isme/sis-registrar-api/pkg/response"
)

// AuditHandler exposes the audit trail for a resource.
type AuditHandler struct {
	audit *repository.AuditRepository
}

// NewAuditHandler constructs AuditHandler.
func NewAuditHandler(audit *repository.AuditRepository) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// ListByResource godoc
// @Summary List the audit trail for one resource
// @Tags Audit
// @Produce json
// @Param resource path string true "Resource kind"
// @Param id path string true "Resource ID"
// @Param limit query int false "Max entries"
// @Success 200 {object} response.Envelope
// @Router /audit/{resource}/{id} [get]
func (h *AuditHandler) ListByResource(c *gin.Context) {
	resource := c.Param("resource")
	switch resource {
	case "enrollment", "period", "invoice":
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown audit resource"))
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.audit.ListByResource(c.Request.Context(), resource, c.Param("id"), limit)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list audit trail"))
		return
	}
	response.JSON(c, http.StatusOK, logs, nil)
}
