package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeriveInvoiceStatus(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	sent := now.AddDate(0, 0, -10)
	futureDue := now.AddDate(0, 0, 5)
	pastDue := now.AddDate(0, 0, -1)

	cases := []struct {
		name string
		inv  Invoice
		want InvoiceStatus
	}{
		{"cancelled wins over everything", Invoice{Cancelled: true, TotalAmount: 1000, PaidAmount: 1000}, InvoiceStatusCancelled},
		{"fully paid", Invoice{TotalAmount: 1000, PaidAmount: 1000, SentAt: &sent, DueDate: pastDue}, InvoiceStatusPaid},
		{"overpaid still paid", Invoice{TotalAmount: 1000, PaidAmount: 1200, SentAt: &sent, DueDate: futureDue}, InvoiceStatusPaid},
		{"partially paid even past due", Invoice{TotalAmount: 1000, PaidAmount: 500, SentAt: &sent, DueDate: pastDue}, InvoiceStatusPartiallyPaid},
		{"draft until sent", Invoice{TotalAmount: 1000, PaidAmount: 0, DueDate: pastDue}, InvoiceStatusDraft},
		{"overdue when sent and past due", Invoice{TotalAmount: 1000, PaidAmount: 0, SentAt: &sent, DueDate: pastDue}, InvoiceStatusOverdue},
		{"sent when not yet due", Invoice{TotalAmount: 1000, PaidAmount: 0, SentAt: &sent, DueDate: futureDue}, InvoiceStatusSent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, DeriveInvoiceStatus(tc.inv, now))
		})
	}
}

func TestDeriveInvoiceStatusIsIdempotent(t *testing.T) {
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	sent := now.AddDate(0, 0, -3)
	inv := Invoice{TotalAmount: 250000, PaidAmount: 100000, SentAt: &sent, DueDate: now.AddDate(0, 0, 7)}

	first := DeriveInvoiceStatus(inv, now)
	inv.Status = first
	assert.Equal(t, first, DeriveInvoiceStatus(inv, now))
}
