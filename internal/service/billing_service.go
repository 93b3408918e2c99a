package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
	"github.com/noah-isme/sis-registrar-api/pkg/export"
)

const sweepLockOverdue = "invoice-overdue"

type invoiceStore interface {
	FindByID(ctx context.Context, id string) (*models.Invoice, error)
	FindDetailByID(ctx context.Context, id string) (*models.InvoiceDetail, error)
	FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Invoice, error)
	List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error)
	CreateWithLines(ctx context.Context, invoice *models.Invoice, lines []models.InvoiceLineItem) error
	MarkSent(ctx context.Context, id string, status models.InvoiceStatus, now time.Time) (bool, error)
	Cancel(ctx context.Context, id string, now time.Time) (bool, error)
	RecordPayment(ctx context.Context, payment *models.Payment, tolerance int64, now time.Time) (*models.Invoice, error)
	RecordRefund(ctx context.Context, refund *models.Payment, now time.Time) (*models.Invoice, error)
	ListStatusRefreshCandidates(ctx context.Context, now time.Time) ([]models.Invoice, error)
	UpdateDerivedStatus(ctx context.Context, id string, status models.InvoiceStatus, now time.Time) error
}

type paymentReader interface {
	ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error)
}

type enrollmentRollupApplier interface {
	Get(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ApplyPaymentRollup(ctx context.Context, id string, amountPaid int64) error
}

type overdueLockStore interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// RecordPaymentRequest describes one incoming payment.
type RecordPaymentRequest struct {
	Amount          int64                `json:"amount" validate:"required,gt=0"`
	Method          models.PaymentMethod `json:"method" validate:"required,oneof=CASH BANK_TRANSFER GCASH CHECK"`
	ReferenceNumber string               `json:"reference_number"`
	Notes           *string              `json:"notes,omitempty"`
}

// RecordRefundRequest describes one refund. Amount is the positive value to
// return; the ledger stores it negated.
type RecordRefundRequest struct {
	Amount          int64                `json:"amount" validate:"required,gt=0"`
	Method          models.PaymentMethod `json:"method" validate:"required,oneof=CASH BANK_TRANSFER GCASH CHECK"`
	ReferenceNumber string               `json:"reference_number"`
	Notes           *string              `json:"notes,omitempty"`
}

// BillingService owns invoices, the append-only payment ledger and the
// reconciliation that keeps invoice status and the enrollment payment rollup
// consistent with the ledger.
type BillingService struct {
	invoices    invoiceStore
	payments    paymentReader
	enrollments enrollmentRollupApplier
	locks       overdueLockStore
	audit       auditLogger
	events      eventDispatcher
	metrics     *MetricsService
	pdf         *export.InvoicePDFExporter
	cfg         config.BillingConfig
	validator   *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// NewBillingService constructs BillingService.
func NewBillingService(invoices invoiceStore, payments paymentReader, enrollments enrollmentRollupApplier, locks overdueLockStore, audit auditLogger, events eventDispatcher, cfg config.BillingConfig, validate *validator.Validate, logger *zap.Logger) *BillingService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BillingService{
		invoices:    invoices,
		payments:    payments,
		enrollments: enrollments,
		locks:       locks,
		audit:       audit,
		events:      events,
		pdf:         export.NewInvoicePDFExporter(),
		cfg:         cfg,
		validator:   validate,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *BillingService) WithClock(now func() time.Time) *BillingService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMetrics attaches the Prometheus collectors.
func (s *BillingService) WithMetrics(metrics *MetricsService) *BillingService {
	s.metrics = metrics
	return s
}

// GetInvoice returns an invoice with its line items.
func (s *BillingService) GetInvoice(ctx context.Context, id string) (*models.InvoiceDetail, error) {
	detail, err := s.invoices.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	return detail, nil
}

// ListInvoices returns invoices with pagination metadata.
func (s *BillingService) ListInvoices(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, *models.Pagination, error) {
	invoices, total, err := s.invoices.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invoices")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return invoices, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ListPayments returns the ledger for an invoice in chronological order.
func (s *BillingService) ListPayments(ctx context.Context, invoiceID string) ([]models.Payment, error) {
	if _, err := s.GetInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list payments")
	}
	return payments, nil
}

// IssueInvoice creates the invoice for an approved enrollment from its
// frozen fee snapshot. Line items mirror the snapshot, with the discount as
// a negative line, so the total always equals the enrollment's net amount.
// One invoice per enrollment; a second issue is a conflict.
func (s *BillingService) IssueInvoice(ctx context.Context, enrollmentID string, actor *models.JWTClaims) (*models.InvoiceDetail, error) {
	enrollment, err := s.enrollments.Get(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	switch enrollment.Status {
	case models.EnrollmentStatusApproved, models.EnrollmentStatusEnrolled:
	default:
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot issue an invoice for a %s enrollment", enrollment.Status))
	}

	if existing, err := s.invoices.FindByEnrollment(ctx, enrollmentID); err == nil && existing != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("invoice %s already issued for this enrollment", existing.InvoiceNumber))
	} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing invoice")
	}

	now := s.now()
	dueDate := now.AddDate(0, 0, 30)
	if enrollment.PaymentDueDate != nil {
		dueDate = *enrollment.PaymentDueDate
	}

	lines := []models.InvoiceLineItem{
		{Description: "Tuition Fee", Amount: enrollment.TuitionFee},
		{Description: "Miscellaneous Fee", Amount: enrollment.MiscFee},
	}
	if enrollment.OtherFee > 0 {
		lines = append(lines, models.InvoiceLineItem{Description: "Other Fees", Amount: enrollment.OtherFee})
	}
	if enrollment.Discount > 0 {
		lines = append(lines, models.InvoiceLineItem{Description: "Discount", Amount: -enrollment.Discount})
	}

	var total int64
	for _, line := range lines {
		total += line.Amount
	}

	invoice := &models.Invoice{
		EnrollmentID: enrollmentID,
		PeriodID:     enrollment.PeriodID,
		TotalAmount:  total,
		PaidAmount:   0,
		DueDate:      dueDate,
	}
	invoice.Status = models.DeriveInvoiceStatus(*invoice, now)
	if err := s.invoices.CreateWithLines(ctx, invoice, lines); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue invoice")
	}

	s.auditInvoice(ctx, actor, models.AuditActionInvoiceIssue, invoice.ID, map[string]interface{}{
		"invoice_number": invoice.InvoiceNumber,
		"total_amount":   invoice.TotalAmount,
	})
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventInvoiceIssued,
		Resource:   "invoice",
		ResourceID: invoice.ID,
		Recipients: []string{enrollment.GuardianID},
		Payload:    map[string]interface{}{"invoice_number": invoice.InvoiceNumber, "total_amount": invoice.TotalAmount},
		OccurredAt: now,
	})

	return s.GetInvoice(ctx, invoice.ID)
}

// SendInvoice stamps sent_at once and moves the invoice out of DRAFT.
func (s *BillingService) SendInvoice(ctx context.Context, id string, actor *models.JWTClaims) (*models.InvoiceDetail, error) {
	invoice, err := s.loadInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Cancelled {
		return nil, appErrors.ErrInvoiceCancelled
	}
	if invoice.SentAt != nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "invoice has already been sent")
	}

	now := s.now()
	sent := *invoice
	sent.SentAt = &now
	status := models.DeriveInvoiceStatus(sent, now)

	ok, err := s.invoices.MarkSent(ctx, id, status, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to send invoice")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrConflict, "invoice was sent or cancelled concurrently")
	}

	s.auditInvoice(ctx, actor, models.AuditActionInvoiceSend, id, nil)
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventInvoiceSent,
		Resource:   "invoice",
		ResourceID: id,
		Payload:    map[string]interface{}{"invoice_number": invoice.InvoiceNumber},
		OccurredAt: now,
	})
	return s.GetInvoice(ctx, id)
}

// CancelInvoice voids the invoice. Ledger history is kept; further payments
// are rejected.
func (s *BillingService) CancelInvoice(ctx context.Context, id string, actor *models.JWTClaims) (*models.InvoiceDetail, error) {
	invoice, err := s.loadInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if invoice.Cancelled {
		return nil, appErrors.Clone(appErrors.ErrConflict, "invoice is already cancelled")
	}

	now := s.now()
	ok, err := s.invoices.Cancel(ctx, id, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to cancel invoice")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrConflict, "invoice was cancelled concurrently")
	}

	s.auditInvoice(ctx, actor, models.AuditActionInvoiceCancel, id, nil)
	return s.GetInvoice(ctx, id)
}

// RecordPayment appends a payment to the ledger, reconciles the invoice and
// pushes the new figures onto the enrollment rollup.
func (s *BillingService) RecordPayment(ctx context.Context, invoiceID string, req RecordPaymentRequest, actor *models.JWTClaims) (*models.Payment, *models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment payload")
	}

	now := s.now()
	payment := &models.Payment{
		InvoiceID:       invoiceID,
		Amount:          req.Amount,
		Method:          req.Method,
		ReferenceNumber: req.ReferenceNumber,
		PaidAt:          now,
		ProcessedBy:     actorID(actor),
		Notes:           req.Notes,
	}
	invoice, err := s.invoices.RecordPayment(ctx, payment, s.cfg.OverpaymentTolerance, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, nil, err
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record payment")
	}

	s.metrics.RecordLedgerEntry("payment")
	s.applyRollup(ctx, invoice)
	s.auditInvoice(ctx, actor, models.AuditActionPaymentRecord, invoice.ID, map[string]interface{}{
		"payment_id": payment.ID,
		"amount":     payment.Amount,
		"method":     payment.Method,
	})
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventPaymentRecorded,
		Resource:   "invoice",
		ResourceID: invoice.ID,
		Payload:    map[string]interface{}{"amount": payment.Amount, "paid_amount": invoice.PaidAmount},
		OccurredAt: now,
	})
	return payment, invoice, nil
}

// RecordRefund appends a negative ledger entry, never exceeding what has
// been received, and reconciles the same way a payment does.
func (s *BillingService) RecordRefund(ctx context.Context, invoiceID string, req RecordRefundRequest, actor *models.JWTClaims) (*models.Payment, *models.Invoice, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refund payload")
	}

	now := s.now()
	refund := &models.Payment{
		InvoiceID:       invoiceID,
		Amount:          -req.Amount,
		Method:          req.Method,
		ReferenceNumber: req.ReferenceNumber,
		PaidAt:          now,
		ProcessedBy:     actorID(actor),
		Notes:           req.Notes,
	}
	invoice, err := s.invoices.RecordRefund(ctx, refund, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		var appErr *appErrors.Error
		if errors.As(err, &appErr) {
			return nil, nil, err
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record refund")
	}

	s.metrics.RecordLedgerEntry("refund")
	s.applyRollup(ctx, invoice)
	s.auditInvoice(ctx, actor, models.AuditActionRefundRecord, invoice.ID, map[string]interface{}{
		"payment_id": refund.ID,
		"amount":     refund.Amount,
	})
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventRefundRecorded,
		Resource:   "invoice",
		ResourceID: invoice.ID,
		Payload:    map[string]interface{}{"amount": refund.Amount, "paid_amount": invoice.PaidAmount},
		OccurredAt: now,
	})
	return refund, invoice, nil
}

// CalculateLateFee returns the flat per-day late fee accrued after the grace
// window, capped. Pure arithmetic: nothing is written.
func (s *BillingService) CalculateLateFee(dueDate, now time.Time) int64 {
	if s.cfg.LateFeePerDay <= 0 || !dueDate.Before(now) {
		return 0
	}
	daysLate := int64(now.Sub(dueDate) / (24 * time.Hour))
	chargeable := daysLate - int64(s.cfg.LateFeeGraceDays)
	if chargeable <= 0 {
		return 0
	}
	fee := chargeable * s.cfg.LateFeePerDay
	if s.cfg.LateFeeCap > 0 && fee > s.cfg.LateFeeCap {
		return s.cfg.LateFeeCap
	}
	return fee
}

// MarkOverdueInvoices re-derives the status of sent invoices whose due date
// has crossed. Runs under a distributed lock like the period sweeps.
func (s *BillingService) MarkOverdueInvoices(ctx context.Context) ([]string, error) {
	ok, err := s.locks.Acquire(ctx, sweepLockOverdue, 5*time.Minute)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire overdue lock")
	}
	if !ok {
		return nil, appErrors.ErrSweepLocked
	}
	defer func() {
		if releaseErr := s.locks.Release(ctx, sweepLockOverdue); releaseErr != nil {
			s.logger.Sugar().Warnw("failed to release overdue lock", "error", releaseErr)
		}
	}()

	now := s.now()
	candidates, err := s.invoices.ListStatusRefreshCandidates(ctx, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list overdue candidates")
	}

	var marked []string
	for _, invoice := range candidates {
		status := models.DeriveInvoiceStatus(invoice, now)
		if status == invoice.Status {
			continue
		}
		if err := s.invoices.UpdateDerivedStatus(ctx, invoice.ID, status, now); err != nil {
			s.logger.Sugar().Errorw("failed to mark invoice overdue", "invoice_id", invoice.ID, "error", err)
			continue
		}
		marked = append(marked, invoice.ID)
		s.events.Dispatch(ctx, models.DomainEvent{
			Type:       models.EventInvoiceOverdue,
			Resource:   "invoice",
			ResourceID: invoice.ID,
			Payload:    map[string]interface{}{"invoice_number": invoice.InvoiceNumber},
			OccurredAt: now,
		})
	}
	return marked, nil
}

// ExportInvoicePDF renders the statement of account for an invoice.
func (s *BillingService) ExportInvoicePDF(ctx context.Context, id string) ([]byte, string, error) {
	detail, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, "", err
	}
	enrollment, err := s.enrollments.Get(ctx, detail.EnrollmentID)
	if err != nil {
		return nil, "", err
	}

	lines := make([]export.InvoiceLine, 0, len(detail.LineItems))
	for _, item := range detail.LineItems {
		lines = append(lines, export.InvoiceLine{Description: item.Description, Amount: FormatCentavos(item.Amount)})
	}
	doc := export.InvoiceDocument{
		SchoolName:    "Registrar Office",
		InvoiceNumber: detail.InvoiceNumber,
		StudentName:   enrollment.StudentName,
		GradeLevel:    enrollment.GradeLevel,
		SchoolYear:    enrollment.SchoolYear,
		IssuedDate:    detail.CreatedAt.Format("2006-01-02"),
		DueDate:       detail.DueDate.Format("2006-01-02"),
		Status:        string(detail.Status),
		Lines:         lines,
		Total:         FormatCentavos(detail.TotalAmount),
		Paid:          FormatCentavos(detail.PaidAmount),
		Balance:       FormatCentavos(detail.TotalAmount - detail.PaidAmount),
	}
	raw, err := s.pdf.Render(doc)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render invoice pdf")
	}
	return raw, fmt.Sprintf("%s.pdf", detail.InvoiceNumber), nil
}

// InvoiceCSVDataset builds the export rows for an invoice listing.
func (s *BillingService) InvoiceCSVDataset(ctx context.Context, filter models.InvoiceFilter) (export.Dataset, error) {
	filter.PageSize = 100
	if filter.Page < 1 {
		filter.Page = 1
	}
	invoices, _, err := s.invoices.List(ctx, filter)
	if err != nil {
		return export.Dataset{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list invoices")
	}

	headers := []string{"invoice_number", "enrollment_id", "status", "total_amount", "paid_amount", "balance", "due_date"}
	rows := make([]map[string]string, 0, len(invoices))
	for _, invoice := range invoices {
		rows = append(rows, map[string]string{
			"invoice_number": invoice.InvoiceNumber,
			"enrollment_id":  invoice.EnrollmentID,
			"status":         string(invoice.Status),
			"total_amount":   FormatCentavos(invoice.TotalAmount),
			"paid_amount":    FormatCentavos(invoice.PaidAmount),
			"balance":        FormatCentavos(invoice.TotalAmount - invoice.PaidAmount),
			"due_date":       invoice.DueDate.Format("2006-01-02"),
		})
	}
	return export.Dataset{Headers: headers, Rows: rows}, nil
}

// FormatCentavos renders an integer centavo amount as pesos with two
// decimal places.
func FormatCentavos(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func (s *BillingService) loadInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	invoice, err := s.invoices.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "invoice not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load invoice")
	}
	return invoice, nil
}

func (s *BillingService) applyRollup(ctx context.Context, invoice *models.Invoice) {
	if err := s.enrollments.ApplyPaymentRollup(ctx, invoice.EnrollmentID, invoice.PaidAmount); err != nil {
		s.logger.Sugar().Errorw("failed to apply payment rollup",
			"invoice_id", invoice.ID, "enrollment_id", invoice.EnrollmentID, "error", err)
	}
}

func (s *BillingService) auditInvoice(ctx context.Context, actor *models.JWTClaims, action, invoiceID string, details map[string]interface{}) {
	log := &models.AuditLog{
		Action:     action,
		Resource:   "invoice",
		ResourceID: &invoiceID,
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			log.NewValues = raw
		}
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Sugar().Errorw("failed to write audit log", "action", action, "invoice_id", invoiceID, "error", err)
	}
}
