package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/internal/service"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
	"github.com/noah-isme/sis-registrar-api/pkg/export"
	"github.com/noah-isme/sis-registrar-api/pkg/response"
)

// BillingHandler exposes invoice and payment endpoints.
type BillingHandler struct {
	billing *service.BillingService
	csv     *export.CSVExporter
}

// NewBillingHandler constructs BillingHandler.
func NewBillingHandler(billing *service.BillingService) *BillingHandler {
	return &BillingHandler{billing: billing, csv: export.NewCSVExporter()}
}

// List godoc
// @Summary List invoices
// @Tags Billing
// @Produce json
// @Param enrollmentId query string false "Filter by enrollment"
// @Param periodId query string false "Filter by period"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /invoices [get]
func (h *BillingHandler) List(c *gin.Context) {
	filter := h.invoiceFilter(c)
	invoices, pagination, err := h.billing.ListInvoices(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoices, pagination)
}

// Get godoc
// @Summary Get one invoice with line items
// @Tags Billing
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id} [get]
func (h *BillingHandler) Get(c *gin.Context) {
	invoice, err := h.billing.GetInvoice(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

type issueInvoiceRequest struct {
	EnrollmentID string `json:"enrollment_id" binding:"required"`
}

// Issue godoc
// @Summary Issue the invoice for an approved enrollment
// @Tags Billing
// @Accept json
// @Produce json
// @Param payload body issueInvoiceRequest true "Issue payload"
// @Success 201 {object} response.Envelope
// @Router /invoices [post]
func (h *BillingHandler) Issue(c *gin.Context) {
	var req issueInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	invoice, err := h.billing.IssueInvoice(c.Request.Context(), req.EnrollmentID, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, invoice)
}

// Send godoc
// @Summary Send an invoice to the guardian
// @Tags Billing
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/send [put]
func (h *BillingHandler) Send(c *gin.Context) {
	invoice, err := h.billing.SendInvoice(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// Cancel godoc
// @Summary Cancel an invoice
// @Tags Billing
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/cancel [put]
func (h *BillingHandler) Cancel(c *gin.Context) {
	invoice, err := h.billing.CancelInvoice(c.Request.Context(), c.Param("id"), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, invoice, nil)
}

// ListPayments godoc
// @Summary List the payment ledger for an invoice
// @Tags Billing
// @Produce json
// @Param id path string true "Invoice ID"
// @Success 200 {object} response.Envelope
// @Router /invoices/{id}/payments [get]
func (h *BillingHandler) ListPayments(c *gin.Context) {
	payments, err := h.billing.ListPayments(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, payments, nil)
}

// RecordPayment godoc
// @Summary Record a payment against an invoice
// @Tags Billing
// @Accept json
// @Produce json
// @Param id path string true "Invoice ID"
// @Param payload body service.RecordPaymentRequest true "Payment payload"
// @Success 201 {object} response.Envelope
// @Router /invoices/{id}/payments [post]
func (h *BillingHandler) RecordPayment(c *gin.Context) {
	var req service.RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	payment, invoice, err := h.billing.RecordPayment(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, gin.H{"payment": payment, "invoice": invoice}, nil)
}

// RecordRefund godoc
// @Summary Record a refund against an invoice
// @Tags Billing
// @Accept json
// @Produce json
// @Param id path string true "Invoice ID"
// @Param payload body service.RecordRefundRequest true "Refund payload"
// @Success 201 {object} response.Envelope
// @Router /invoices/{id}/refunds [post]
func (h *BillingHandler) RecordRefund(c *gin.Context) {
	var req service.RecordRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	refund, invoice, err := h.billing.RecordRefund(c.Request.Context(), c.Param("id"), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, gin.H{"refund": refund, "invoice": invoice}, nil)
}

// MarkOverdue godoc
// @Summary Re-derive overdue invoice statuses now
// @Tags Billing
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /invoices/mark-overdue [post]
func (h *BillingHandler) MarkOverdue(c *gin.Context) {
	marked, err := h.billing.MarkOverdueInvoices(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"marked": marked}, nil)
}

// ExportPDF godoc
// @Summary Download the statement of account as PDF
// @Tags Billing
// @Produce application/pdf
// @Param id path string true "Invoice ID"
// @Success 200 {file} binary
// @Router /invoices/{id}/pdf [get]
func (h *BillingHandler) ExportPDF(c *gin.Context) {
	raw, filename, err := h.billing.ExportInvoicePDF(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "application/pdf", raw)
}

// ExportCSV godoc
// @Summary Download an invoice listing as CSV
// @Tags Billing
// @Produce text/csv
// @Param periodId query string false "Filter by period"
// @Param status query string false "Filter by status"
// @Success 200 {file} binary
// @Router /invoices/export [get]
func (h *BillingHandler) ExportCSV(c *gin.Context) {
	dataset, err := h.billing.InvoiceCSVDataset(c.Request.Context(), h.invoiceFilter(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	raw, err := h.csv.Render(dataset)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv"))
		return
	}
	filename := fmt.Sprintf("invoices-%s.csv", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, "text/csv", raw)
}

func (h *BillingHandler) invoiceFilter(c *gin.Context) models.InvoiceFilter {
	var filter models.InvoiceFilter
	filter.EnrollmentID = c.Query("enrollmentId")
	filter.PeriodID = c.Query("periodId")
	filter.Status = models.InvoiceStatus(strings.ToUpper(c.Query("status")))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}
	return filter
}
