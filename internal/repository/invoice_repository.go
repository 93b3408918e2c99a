package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

// InvoiceRepository handles persistence of invoices, their line items and
// the payment ledger mutations that must stay inside one transaction.
type InvoiceRepository struct {
	db *sqlx.DB
}

// NewInvoiceRepository constructs the repository.
func NewInvoiceRepository(db *sqlx.DB) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

const invoiceColumns = `id, invoice_number, enrollment_id, period_id, total_amount, paid_amount,
        due_date, status, sent_at, cancelled, created_at, updated_at`

// FindByID returns an invoice by its ID.
func (r *InvoiceRepository) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	query := fmt.Sprintf("SELECT %s FROM invoices WHERE id = $1", invoiceColumns)
	var invoice models.Invoice
	if err := r.db.GetContext(ctx, &invoice, query, id); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// FindDetailByID returns an invoice with its line items.
func (r *InvoiceRepository) FindDetailByID(ctx context.Context, id string) (*models.InvoiceDetail, error) {
	invoice, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	var items []models.InvoiceLineItem
	if err := r.db.SelectContext(ctx, &items,
		`SELECT id, invoice_id, description, amount FROM invoice_line_items WHERE invoice_id = $1 ORDER BY id`, id); err != nil {
		return nil, fmt.Errorf("list invoice lines: %w", err)
	}
	return &models.InvoiceDetail{Invoice: *invoice, LineItems: items}, nil
}

// FindByEnrollment returns the invoice issued for an enrollment, if any.
func (r *InvoiceRepository) FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Invoice, error) {
	query := fmt.Sprintf("SELECT %s FROM invoices WHERE enrollment_id = $1 LIMIT 1", invoiceColumns)
	var invoice models.Invoice
	if err := r.db.GetContext(ctx, &invoice, query, enrollmentID); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// List returns invoices filtered by the provided criteria.
func (r *InvoiceRepository) List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error) {
	conditions := "WHERE 1=1"
	var args []interface{}
	if filter.EnrollmentID != "" {
		args = append(args, filter.EnrollmentID)
		conditions += fmt.Sprintf(" AND enrollment_id = $%d", len(args))
	}
	if filter.PeriodID != "" {
		args = append(args, filter.PeriodID)
		conditions += fmt.Sprintf(" AND period_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions += fmt.Sprintf(" AND status = $%d", len(args))
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s FROM invoices %s ORDER BY created_at DESC LIMIT %d OFFSET %d",
		invoiceColumns, conditions, size, offset)
	var invoices []models.Invoice
	if err := r.db.SelectContext(ctx, &invoices, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list invoices: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM invoices %s", conditions)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count invoices: %w", err)
	}
	return invoices, total, nil
}

// CreateWithLines persists the invoice and its line items in one
// transaction, allocating the next sequential number within the period.
// The period row is locked so concurrent issues cannot collide on a number.
func (r *InvoiceRepository) CreateWithLines(ctx context.Context, invoice *models.Invoice, lines []models.InvoiceLineItem) (err error) {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin invoice create: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var periodYear string
	if err = tx.GetContext(ctx, &periodYear,
		`SELECT school_year FROM enrollment_periods WHERE id = $1 FOR UPDATE`, invoice.PeriodID); err != nil {
		return fmt.Errorf("lock period for numbering: %w", err)
	}

	var seq int
	if err = tx.GetContext(ctx, &seq,
		`SELECT COUNT(*) + 1 FROM invoices WHERE period_id = $1`, invoice.PeriodID); err != nil {
		return fmt.Errorf("next invoice sequence: %w", err)
	}
	invoice.InvoiceNumber = fmt.Sprintf("INV-%s-%06d", periodYear, seq)

	if _, err = tx.NamedExecContext(ctx,
		`INSERT INTO invoices (id, invoice_number, enrollment_id, period_id, total_amount, paid_amount, due_date, status, cancelled)
        VALUES (:id, :invoice_number, :enrollment_id, :period_id, :total_amount, :paid_amount, :due_date, :status, :cancelled)`,
		invoice); err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}

	for i := range lines {
		lines[i].InvoiceID = invoice.ID
		if lines[i].ID == "" {
			lines[i].ID = uuid.NewString()
		}
		if _, err = tx.NamedExecContext(ctx,
			`INSERT INTO invoice_line_items (id, invoice_id, description, amount)
            VALUES (:id, :invoice_id, :description, :amount)`, &lines[i]); err != nil {
			return fmt.Errorf("create invoice line: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit invoice create: %w", err)
	}
	return nil
}

// MarkSent stamps sent_at once and stores the re-derived status.
func (r *InvoiceRepository) MarkSent(ctx context.Context, id string, status models.InvoiceStatus, now time.Time) (bool, error) {
	const query = `UPDATE invoices SET sent_at = $2, status = $3, updated_at = $2
        WHERE id = $1 AND sent_at IS NULL AND cancelled = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, now, status)
	if err != nil {
		return false, fmt.Errorf("mark invoice sent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark invoice sent result: %w", err)
	}
	return affected == 1, nil
}

// Cancel sets the cancellation flag and stores the re-derived status.
func (r *InvoiceRepository) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `UPDATE invoices SET cancelled = TRUE, status = $2, updated_at = $3
        WHERE id = $1 AND cancelled = FALSE`
	res, err := r.db.ExecContext(ctx, query, id, models.InvoiceStatusCancelled, now)
	if err != nil {
		return false, fmt.Errorf("cancel invoice: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel invoice result: %w", err)
	}
	return affected == 1, nil
}

// RecordPayment appends a payment to the ledger and reconciles the invoice
// inside one transaction. The invoice row is locked for the read-sum-write
// so concurrent payments serialize. Overpayment beyond the tolerance is
// rejected under the same lock.
func (r *InvoiceRepository) RecordPayment(ctx context.Context, payment *models.Payment, tolerance int64, now time.Time) (inv *models.Invoice, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin payment: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var invoice models.Invoice
	query := fmt.Sprintf("SELECT %s FROM invoices WHERE id = $1 FOR UPDATE", invoiceColumns)
	if err = tx.GetContext(ctx, &invoice, query, payment.InvoiceID); err != nil {
		return nil, err
	}
	if invoice.Cancelled {
		err = appErrors.ErrInvoiceCancelled
		return nil, err
	}
	if invoice.PaidAmount+payment.Amount > invoice.TotalAmount+tolerance {
		err = appErrors.ErrOverpayment
		return nil, err
	}

	if err = r.appendAndReconcile(ctx, tx, &invoice, payment, now); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit payment: %w", err)
	}
	return &invoice, nil
}

// RecordRefund appends a negative payment under the same locking discipline
// as RecordPayment. The refundable ceiling is the sum of positive payments
// minus prior refunds, read under the invoice lock.
func (r *InvoiceRepository) RecordRefund(ctx context.Context, refund *models.Payment, now time.Time) (inv *models.Invoice, err error) {
	if refund.Amount >= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "refund amount must be negative")
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin refund: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var invoice models.Invoice
	query := fmt.Sprintf("SELECT %s FROM invoices WHERE id = $1 FOR UPDATE", invoiceColumns)
	if err = tx.GetContext(ctx, &invoice, query, refund.InvoiceID); err != nil {
		return nil, err
	}

	var netReceived int64
	if err = tx.GetContext(ctx, &netReceived,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, refund.InvoiceID); err != nil {
		return nil, fmt.Errorf("sum payments: %w", err)
	}
	if -refund.Amount > netReceived {
		err = appErrors.ErrRefundExceedsPaid
		return nil, err
	}

	if err = r.appendAndReconcile(ctx, tx, &invoice, refund, now); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit refund: %w", err)
	}
	return &invoice, nil
}

// appendAndReconcile inserts the ledger row, recomputes paid_amount as the
// ledger sum and stores the re-derived status. Runs inside the caller's
// transaction while the invoice row is locked.
func (r *InvoiceRepository) appendAndReconcile(ctx context.Context, tx *sqlx.Tx, invoice *models.Invoice, payment *models.Payment, now time.Time) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = now
	}
	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO payments (id, invoice_id, amount, method, reference_number, paid_at, processed_by, notes)
        VALUES (:id, :invoice_id, :amount, :method, :reference_number, :paid_at, :processed_by, :notes)`,
		payment); err != nil {
		return fmt.Errorf("append payment: %w", err)
	}

	var paid int64
	if err := tx.GetContext(ctx, &paid,
		`SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, payment.InvoiceID); err != nil {
		return fmt.Errorf("sum payments: %w", err)
	}

	invoice.PaidAmount = paid
	invoice.Status = models.DeriveInvoiceStatus(*invoice, now)
	invoice.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`UPDATE invoices SET paid_amount = $2, status = $3, updated_at = $4 WHERE id = $1`,
		invoice.ID, invoice.PaidAmount, invoice.Status, now); err != nil {
		return fmt.Errorf("reconcile invoice: %w", err)
	}
	return nil
}

// ListStatusRefreshCandidates returns sent invoices whose due date has
// crossed, for the overdue sweep to re-derive.
func (r *InvoiceRepository) ListStatusRefreshCandidates(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	query := fmt.Sprintf(`SELECT %s FROM invoices
        WHERE status = $1 AND due_date < $2 AND cancelled = FALSE`, invoiceColumns)
	var invoices []models.Invoice
	if err := r.db.SelectContext(ctx, &invoices, query, models.InvoiceStatusSent, now); err != nil {
		return nil, fmt.Errorf("list overdue candidates: %w", err)
	}
	return invoices, nil
}

// UpdateDerivedStatus stores a re-derived status. The value must come from
// models.DeriveInvoiceStatus; nothing else writes invoice status.
func (r *InvoiceRepository) UpdateDerivedStatus(ctx context.Context, id string, status models.InvoiceStatus, now time.Time) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE invoices SET status = $2, updated_at = $3 WHERE id = $1`, id, status, now); err != nil {
		return fmt.Errorf("update derived status: %w", err)
	}
	return nil
}
