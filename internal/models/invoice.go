package models

import "time"

// InvoiceStatus is derived from amounts, dates and the cancellation flag. It
// is never assigned directly outside the derivation function.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusSent          InvoiceStatus = "SENT"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusOverdue       InvoiceStatus = "OVERDUE"
	InvoiceStatusCancelled     InvoiceStatus = "CANCELLED"
)

// Invoice is the billing document for an enrollment. TotalAmount always
// equals the sum of its line items; PaidAmount always equals the ledger sum
// of its payments.
type Invoice struct {
	ID            string        `db:"id" json:"id"`
	InvoiceNumber string        `db:"invoice_number" json:"invoice_number"`
	EnrollmentID  string        `db:"enrollment_id" json:"enrollment_id"`
	PeriodID      string        `db:"period_id" json:"period_id"`
	TotalAmount   int64         `db:"total_amount" json:"total_amount"`
	PaidAmount    int64         `db:"paid_amount" json:"paid_amount"`
	DueDate       time.Time     `db:"due_date" json:"due_date"`
	Status        InvoiceStatus `db:"status" json:"status"`
	SentAt        *time.Time    `db:"sent_at" json:"sent_at,omitempty"`
	Cancelled     bool          `db:"cancelled" json:"cancelled"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
}

// DeriveInvoiceStatus computes the invoice status from its amounts, dates
// and cancellation flag. It is the only writer of Invoice.Status: every
// mutation re-runs it, nothing assigns the field directly.
func DeriveInvoiceStatus(inv Invoice, now time.Time) InvoiceStatus {
	switch {
	case inv.Cancelled:
		return InvoiceStatusCancelled
	case inv.PaidAmount >= inv.TotalAmount:
		return InvoiceStatusPaid
	case inv.PaidAmount > 0:
		return InvoiceStatusPartiallyPaid
	case inv.SentAt == nil:
		return InvoiceStatusDraft
	case inv.DueDate.Before(now):
		return InvoiceStatusOverdue
	default:
		return InvoiceStatusSent
	}
}

// InvoiceLineItem is one charge line on an invoice. Discounts are recorded
// as negative amounts.
type InvoiceLineItem struct {
	ID          string `db:"id" json:"id"`
	InvoiceID   string `db:"invoice_id" json:"invoice_id"`
	Description string `db:"description" json:"description"`
	Amount      int64  `db:"amount" json:"amount"`
}

// InvoiceDetail bundles an invoice with its line items.
type InvoiceDetail struct {
	Invoice
	LineItems []InvoiceLineItem `json:"line_items"`
}

// InvoiceFilter constrains invoice listings.
type InvoiceFilter struct {
	EnrollmentID string
	PeriodID     string
	Status       InvoiceStatus
	Page         int
	PageSize     int
}
