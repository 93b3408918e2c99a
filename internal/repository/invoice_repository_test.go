package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

func invoiceRowColumns() []string {
	return []string{"id", "invoice_number", "enrollment_id", "period_id", "total_amount", "paid_amount",
		"due_date", "status", "sent_at", "cancelled", "created_at", "updated_at"}
}

func TestInvoiceRepositoryRecordPayment(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	sent := now.AddDate(0, 0, -3)
	due := now.AddDate(0, 0, 27)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE id = .+ FOR UPDATE").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(invoiceRowColumns()).
			AddRow("inv-1", "INV-2026-2027-000001", "enr-1", "per-1", int64(2400000), int64(0),
				due, models.InvoiceStatusSent, sent, false, sent, sent))
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(1000000)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE invoices SET paid_amount = $2, status = $3, updated_at = $4 WHERE id = $1")).
		WithArgs("inv-1", int64(1000000), models.InvoiceStatusPartiallyPaid, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	payment := &models.Payment{InvoiceID: "inv-1", Amount: 1000000, Method: models.PaymentMethodCash, ProcessedBy: "usr-1"}
	invoice, err := repo.RecordPayment(context.Background(), payment, 0, now)
	require.NoError(t, err)
	require.Equal(t, int64(1000000), invoice.PaidAmount)
	require.Equal(t, models.InvoiceStatusPartiallyPaid, invoice.Status)
	require.NotEmpty(t, payment.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryRecordPaymentOverpayment(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	sent := now.AddDate(0, 0, -3)
	due := now.AddDate(0, 0, 27)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE id = .+ FOR UPDATE").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(invoiceRowColumns()).
			AddRow("inv-1", "INV-2026-2027-000001", "enr-1", "per-1", int64(2400000), int64(2300000),
				due, models.InvoiceStatusPartiallyPaid, sent, false, sent, sent))
	mock.ExpectRollback()

	payment := &models.Payment{InvoiceID: "inv-1", Amount: 200000, Method: models.PaymentMethodCash}
	_, err := repo.RecordPayment(context.Background(), payment, 0, now)
	require.ErrorIs(t, err, appErrors.ErrOverpayment)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryRecordPaymentCancelled(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	due := now.AddDate(0, 0, 27)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE id = .+ FOR UPDATE").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(invoiceRowColumns()).
			AddRow("inv-1", "INV-2026-2027-000001", "enr-1", "per-1", int64(2400000), int64(0),
				due, models.InvoiceStatusCancelled, nil, true, now, now))
	mock.ExpectRollback()

	payment := &models.Payment{InvoiceID: "inv-1", Amount: 100, Method: models.PaymentMethodCash}
	_, err := repo.RecordPayment(context.Background(), payment, 0, now)
	require.ErrorIs(t, err, appErrors.ErrInvoiceCancelled)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryRecordRefundExceedsPaid(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	sent := now.AddDate(0, 0, -3)
	due := now.AddDate(0, 0, 27)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .+ FROM invoices WHERE id = .+ FOR UPDATE").
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows(invoiceRowColumns()).
			AddRow("inv-1", "INV-2026-2027-000001", "enr-1", "per-1", int64(2400000), int64(500000),
				due, models.InvoiceStatusPartiallyPaid, sent, false, sent, sent))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1")).
		WithArgs("inv-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(500000)))
	mock.ExpectRollback()

	refund := &models.Payment{InvoiceID: "inv-1", Amount: -600000, Method: models.PaymentMethodCash}
	_, err := repo.RecordRefund(context.Background(), refund, now)
	require.ErrorIs(t, err, appErrors.ErrRefundExceedsPaid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInvoiceRepositoryRecordRefundRejectsPositiveAmount(t *testing.T) {
	db, _, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)

	refund := &models.Payment{InvoiceID: "inv-1", Amount: 500, Method: models.PaymentMethodCash}
	_, err := repo.RecordRefund(context.Background(), refund, time.Now())
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestInvoiceRepositoryMarkSentOnce(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewInvoiceRepository(db)
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE invoices SET sent_at = $2, status = $3, updated_at = $2")).
		WithArgs("inv-1", now, models.InvoiceStatusSent).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkSent(context.Background(), "inv-1", models.InvoiceStatusSent, now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}
