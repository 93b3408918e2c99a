package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/internal/service"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
	"github.com/noah-isme/sis-registrar-api/pkg/response"
)

// FeeHandler exposes fee schedule endpoints.
type FeeHandler struct {
	fees *service.FeeService
}

// NewFeeHandler constructs FeeHandler.
func NewFeeHandler(fees *service.FeeService) *FeeHandler {
	return &FeeHandler{fees: fees}
}

// List godoc
// @Summary List fee schedules
// @Tags Fees
// @Produce json
// @Param gradeLevel query string false "Filter by grade level"
// @Param schoolYear query string false "Filter by school year"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /fee-schedules [get]
func (h *FeeHandler) List(c *gin.Context) {
	var filter models.FeeScheduleFilter
	filter.GradeLevel = c.Query("gradeLevel")
	filter.SchoolYear = c.Query("schoolYear")
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	schedules, pagination, err := h.fees.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, schedules, pagination)
}

// Resolve godoc
// @Summary Resolve the fee breakdown for a grade level and school year
// @Tags Fees
// @Produce json
// @Param gradeLevel query string true "Grade level"
// @Param schoolYear query string true "School year"
// @Success 200 {object} response.Envelope
// @Router /fee-schedules/resolve [get]
func (h *FeeHandler) Resolve(c *gin.Context) {
	breakdown, err := h.fees.Resolve(c.Request.Context(), c.Query("gradeLevel"), c.Query("schoolYear"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, breakdown, nil)
}

// Create godoc
// @Summary Create a fee schedule
// @Tags Fees
// @Accept json
// @Produce json
// @Param payload body service.CreateFeeScheduleRequest true "Fee schedule payload"
// @Success 201 {object} response.Envelope
// @Router /fee-schedules [post]
func (h *FeeHandler) Create(c *gin.Context) {
	var req service.CreateFeeScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	schedule, err := h.fees.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, schedule)
}

// Deactivate godoc
// @Summary Deactivate a fee schedule
// @Tags Fees
// @Produce json
// @Param id path string true "Fee schedule ID"
// @Success 204
// @Router /fee-schedules/{id} [delete]
func (h *FeeHandler) Deactivate(c *gin.Context) {
	if err := h.fees.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
