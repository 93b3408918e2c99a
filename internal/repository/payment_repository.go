package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

// PaymentRepository reads the append-only payment ledger. Writes go through
// InvoiceRepository so they stay inside the reconciliation transaction.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// ListByInvoice returns the ledger for an invoice in chronological order.
func (r *PaymentRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error) {
	const query = `SELECT id, invoice_id, amount, method, reference_number, paid_at, processed_by, notes, created_at
        FROM payments WHERE invoice_id = $1 ORDER BY paid_at ASC, created_at ASC`
	var payments []models.Payment
	if err := r.db.SelectContext(ctx, &payments, query, invoiceID); err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return payments, nil
}
