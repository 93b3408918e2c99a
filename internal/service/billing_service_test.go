package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

type mockInvoiceStore struct {
	mu       sync.Mutex
	invoices map[string]models.Invoice
	lines    map[string][]models.InvoiceLineItem
	ledger   map[string][]models.Payment
	seq      int
}

func (m *mockInvoiceStore) FindByID(ctx context.Context, id string) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[id]; ok {
		return &inv, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceStore) FindDetailByID(ctx context.Context, id string) (*models.InvoiceDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[id]; ok {
		return &models.InvoiceDetail{Invoice: inv, LineItems: m.lines[id]}, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceStore) FindByEnrollment(ctx context.Context, enrollmentID string) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invoices {
		if inv.EnrollmentID == enrollmentID {
			invoice := inv
			return &invoice, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockInvoiceStore) List(ctx context.Context, filter models.InvoiceFilter) ([]models.Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Invoice
	for _, inv := range m.invoices {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		out = append(out, inv)
	}
	return out, len(out), nil
}

func (m *mockInvoiceStore) CreateWithLines(ctx context.Context, invoice *models.Invoice, lines []models.InvoiceLineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invoices == nil {
		m.invoices = make(map[string]models.Invoice)
		m.lines = make(map[string][]models.InvoiceLineItem)
		m.ledger = make(map[string][]models.Payment)
	}
	m.seq++
	if invoice.ID == "" {
		invoice.ID = fmt.Sprintf("inv-%d", m.seq)
	}
	invoice.InvoiceNumber = "INV-2026-2027-000001"
	m.invoices[invoice.ID] = *invoice
	m.lines[invoice.ID] = lines
	return nil
}

func (m *mockInvoiceStore) MarkSent(ctx context.Context, id string, status models.InvoiceStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || inv.SentAt != nil || inv.Cancelled {
		return false, nil
	}
	inv.SentAt = &now
	inv.Status = status
	m.invoices[id] = inv
	return true, nil
}

func (m *mockInvoiceStore) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || inv.Cancelled {
		return false, nil
	}
	inv.Cancelled = true
	inv.Status = models.InvoiceStatusCancelled
	m.invoices[id] = inv
	return true, nil
}

func (m *mockInvoiceStore) RecordPayment(ctx context.Context, payment *models.Payment, tolerance int64, now time.Time) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[payment.InvoiceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	if inv.Cancelled {
		return nil, appErrors.ErrInvoiceCancelled
	}
	if inv.PaidAmount+payment.Amount > inv.TotalAmount+tolerance {
		return nil, appErrors.ErrOverpayment
	}
	return m.appendLocked(&inv, payment, now), nil
}

func (m *mockInvoiceStore) RecordRefund(ctx context.Context, refund *models.Payment, now time.Time) (*models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[refund.InvoiceID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	var net int64
	for _, p := range m.ledger[refund.InvoiceID] {
		net += p.Amount
	}
	if -refund.Amount > net {
		return nil, appErrors.ErrRefundExceedsPaid
	}
	return m.appendLocked(&inv, refund, now), nil
}

func (m *mockInvoiceStore) appendLocked(inv *models.Invoice, payment *models.Payment, now time.Time) *models.Invoice {
	if payment.ID == "" {
		payment.ID = "pay"
	}
	m.ledger[payment.InvoiceID] = append(m.ledger[payment.InvoiceID], *payment)
	var paid int64
	for _, p := range m.ledger[payment.InvoiceID] {
		paid += p.Amount
	}
	inv.PaidAmount = paid
	inv.Status = models.DeriveInvoiceStatus(*inv, now)
	m.invoices[inv.ID] = *inv
	return inv
}

func (m *mockInvoiceStore) ListStatusRefreshCandidates(ctx context.Context, now time.Time) ([]models.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Invoice
	for _, inv := range m.invoices {
		if inv.Status == models.InvoiceStatusSent && inv.DueDate.Before(now) && !inv.Cancelled {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *mockInvoiceStore) UpdateDerivedStatus(ctx context.Context, id string, status models.InvoiceStatus, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.invoices[id]
	inv.Status = status
	m.invoices[id] = inv
	return nil
}

type mockPaymentReader struct {
	store *mockInvoiceStore
}

func (m *mockPaymentReader) ListByInvoice(ctx context.Context, invoiceID string) ([]models.Payment, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	return m.store.ledger[invoiceID], nil
}

type mockRollupApplier struct {
	enrollments map[string]models.EnrollmentDetail
	rollups     map[string]int64
}

func (m *mockRollupApplier) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
}

func (m *mockRollupApplier) ApplyPaymentRollup(ctx context.Context, id string, amountPaid int64) error {
	if m.rollups == nil {
		m.rollups = make(map[string]int64)
	}
	m.rollups[id] = amountPaid
	return nil
}

func testBillingCfg() config.BillingConfig {
	return config.BillingConfig{OverpaymentTolerance: 0, LateFeePerDay: 5000, LateFeeGraceDays: 7, LateFeeCap: 500000}
}

func newTestBillingService(store *mockInvoiceStore, enrollments *mockRollupApplier, cfg config.BillingConfig, now time.Time) (*BillingService, *mockAuditLogger, *mockEventDispatcher) {
	audit := &mockAuditLogger{}
	events := &mockEventDispatcher{}
	svc := NewBillingService(store, &mockPaymentReader{store: store}, enrollments, &mockSweepLocks{}, audit, events,
		cfg, validator.New(), zap.NewNop()).WithClock(func() time.Time { return now })
	return svc, audit, events
}

func approvedEnrollment() *mockRollupApplier {
	due := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	return &mockRollupApplier{enrollments: map[string]models.EnrollmentDetail{
		"e1": {
			Enrollment: models.Enrollment{
				ID: "e1", GuardianID: "g1", PeriodID: "p1", SchoolYear: "2026-2027", GradeLevel: "Grade 7",
				Status:     models.EnrollmentStatusApproved,
				TuitionFee: 2000000, MiscFee: 300000, OtherFee: 200000, Discount: 100000,
				NetAmount: 2400000, PaymentDueDate: &due, FeesFrozen: true,
			},
			StudentName: "Juan Dela Cruz",
		},
	}}
}

func TestBillingServiceIssueInvoice(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	store := &mockInvoiceStore{}
	svc, audit, events := newTestBillingService(store, approvedEnrollment(), testBillingCfg(), now)

	detail, err := svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.NoError(t, err)

	assert.Equal(t, int64(2400000), detail.TotalAmount)
	assert.Equal(t, models.InvoiceStatusDraft, detail.Status)
	require.Len(t, detail.LineItems, 4)
	var sum int64
	for _, line := range detail.LineItems {
		sum += line.Amount
	}
	assert.Equal(t, detail.TotalAmount, sum)
	assert.Contains(t, audit.actions(), models.AuditActionInvoiceIssue)
	assert.Contains(t, events.types(), models.EventInvoiceIssued)

	// Second issue for the same enrollment conflicts.
	_, err = svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestBillingServiceIssueRequiresApproved(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	enrollments := approvedEnrollment()
	e := enrollments.enrollments["e1"]
	e.Status = models.EnrollmentStatusPending
	enrollments.enrollments["e1"] = e
	svc, _, _ := newTestBillingService(&mockInvoiceStore{}, enrollments, testBillingCfg(), now)

	_, err := svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestBillingServiceSendOnce(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	store := &mockInvoiceStore{}
	svc, _, events := newTestBillingService(store, approvedEnrollment(), testBillingCfg(), now)

	issued, err := svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.NoError(t, err)

	sent, err := svc.SendInvoice(context.Background(), issued.ID, registrarClaims())
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSent, sent.Status)
	require.NotNil(t, sent.SentAt)
	assert.Contains(t, events.types(), models.EventInvoiceSent)

	_, err = svc.SendInvoice(context.Background(), issued.ID, registrarClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestBillingServicePaymentLifecycle(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	store := &mockInvoiceStore{}
	enrollments := approvedEnrollment()
	svc, audit, events := newTestBillingService(store, enrollments, testBillingCfg(), now)

	issued, err := svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.NoError(t, err)
	_, err = svc.SendInvoice(context.Background(), issued.ID, registrarClaims())
	require.NoError(t, err)

	// 25,000.00 total: pay 10,000.00 then 15,000.00.
	_, invoice, err := svc.RecordPayment(context.Background(), issued.ID, RecordPaymentRequest{
		Amount: 1000000, Method: models.PaymentMethodCash,
	}, registrarClaims())
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPartiallyPaid, invoice.Status)
	assert.Equal(t, int64(1000000), enrollments.rollups["e1"])

	_, invoice, err = svc.RecordPayment(context.Background(), issued.ID, RecordPaymentRequest{
		Amount: 1400000, Method: models.PaymentMethodGCash, ReferenceNumber: "GC-123",
	}, registrarClaims())
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, invoice.Status)
	assert.Equal(t, invoice.TotalAmount, invoice.PaidAmount)
	assert.Equal(t, int64(2400000), enrollments.rollups["e1"])

	// A single extra centavo breaches the zero tolerance.
	_, _, err = svc.RecordPayment(context.Background(), issued.ID, RecordPaymentRequest{
		Amount: 1, Method: models.PaymentMethodCash,
	}, registrarClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrOverpayment.Code, appErrors.FromError(err).Code)

	assert.Contains(t, audit.actions(), models.AuditActionPaymentRecord)
	assert.Contains(t, events.types(), models.EventPaymentRecorded)

	payments, err := svc.ListPayments(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestBillingServiceRefund(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	store := &mockInvoiceStore{}
	enrollments := approvedEnrollment()
	svc, _, events := newTestBillingService(store, enrollments, testBillingCfg(), now)

	issued, err := svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.NoError(t, err)
	_, _, err = svc.RecordPayment(context.Background(), issued.ID, RecordPaymentRequest{
		Amount: 500000, Method: models.PaymentMethodCash,
	}, registrarClaims())
	require.NoError(t, err)

	// Refund beyond what was received is rejected.
	_, _, err = svc.RecordRefund(context.Background(), issued.ID, RecordRefundRequest{
		Amount: 600000, Method: models.PaymentMethodCash,
	}, registrarClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrRefundExceedsPaid.Code, appErrors.FromError(err).Code)

	refund, invoice, err := svc.RecordRefund(context.Background(), issued.ID, RecordRefundRequest{
		Amount: 500000, Method: models.PaymentMethodCash,
	}, registrarClaims())
	require.NoError(t, err)
	assert.Equal(t, int64(-500000), refund.Amount)
	assert.Equal(t, int64(0), invoice.PaidAmount)
	assert.Equal(t, int64(0), enrollments.rollups["e1"])
	assert.Contains(t, events.types(), models.EventRefundRecorded)

	// The ledger keeps both entries; nothing was mutated in place.
	payments, err := svc.ListPayments(context.Background(), issued.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestBillingServiceCancelBlocksPayments(t *testing.T) {
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	store := &mockInvoiceStore{}
	svc, _, _ := newTestBillingService(store, approvedEnrollment(), testBillingCfg(), now)

	issued, err := svc.IssueInvoice(context.Background(), "e1", registrarClaims())
	require.NoError(t, err)

	cancelled, err := svc.CancelInvoice(context.Background(), issued.ID, registrarClaims())
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusCancelled, cancelled.Status)

	_, _, err = svc.RecordPayment(context.Background(), issued.ID, RecordPaymentRequest{
		Amount: 100, Method: models.PaymentMethodCash,
	}, registrarClaims())
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrInvoiceCancelled.Code, appErrors.FromError(err).Code)
}

func TestBillingServiceCalculateLateFee(t *testing.T) {
	now := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newTestBillingService(&mockInvoiceStore{}, approvedEnrollment(), testBillingCfg(), now)

	// Not yet due.
	assert.Equal(t, int64(0), svc.CalculateLateFee(now.AddDate(0, 0, 1), now))
	// Within the 7 day grace window.
	assert.Equal(t, int64(0), svc.CalculateLateFee(now.AddDate(0, 0, -5), now))
	// 10 days late, 3 chargeable at 50.00/day.
	assert.Equal(t, int64(15000), svc.CalculateLateFee(now.AddDate(0, 0, -10), now))
	// Capped at 5,000.00.
	assert.Equal(t, int64(500000), svc.CalculateLateFee(now.AddDate(0, -6, 0), now))
}

func TestBillingServiceMarkOverdueInvoices(t *testing.T) {
	now := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	sent := now.AddDate(0, -1, 0)
	store := &mockInvoiceStore{
		invoices: map[string]models.Invoice{
			"due": {ID: "due", EnrollmentID: "e1", TotalAmount: 1000, SentAt: &sent, DueDate: now.AddDate(0, 0, -3), Status: models.InvoiceStatusSent},
			"ok":  {ID: "ok", EnrollmentID: "e2", TotalAmount: 1000, SentAt: &sent, DueDate: now.AddDate(0, 0, 3), Status: models.InvoiceStatusSent},
		},
		lines:  map[string][]models.InvoiceLineItem{},
		ledger: map[string][]models.Payment{},
	}
	svc, _, events := newTestBillingService(store, approvedEnrollment(), testBillingCfg(), now)

	marked, err := svc.MarkOverdueInvoices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, marked)
	assert.Equal(t, models.InvoiceStatusOverdue, store.invoices["due"].Status)
	assert.Equal(t, models.InvoiceStatusSent, store.invoices["ok"].Status)
	assert.Contains(t, events.types(), models.EventInvoiceOverdue)
}

func TestFormatCentavos(t *testing.T) {
	assert.Equal(t, "25000.00", FormatCentavos(2500000))
	assert.Equal(t, "0.05", FormatCentavos(5))
	assert.Equal(t, "-150.75", FormatCentavos(-15075))
	assert.Equal(t, "0.00", FormatCentavos(0))
}
