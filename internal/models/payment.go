package models

import "time"

// PaymentMethod enumerates accepted payment channels.
type PaymentMethod string

const (
	PaymentMethodCash         PaymentMethod = "CASH"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	PaymentMethodGCash        PaymentMethod = "GCASH"
	PaymentMethodCheck        PaymentMethod = "CHECK"
)

// Payment is one money movement against an invoice. Amount is signed:
// positive for payments, negative for refunds. The ledger is append-only;
// a refund never mutates a prior payment row.
type Payment struct {
	ID              string        `db:"id" json:"id"`
	InvoiceID       string        `db:"invoice_id" json:"invoice_id"`
	Amount          int64         `db:"amount" json:"amount"`
	Method          PaymentMethod `db:"method" json:"method"`
	ReferenceNumber string        `db:"reference_number" json:"reference_number"`
	PaidAt          time.Time     `db:"paid_at" json:"paid_at"`
	ProcessedBy     string        `db:"processed_by" json:"processed_by"`
	Notes           *string       `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time     `db:"created_at" json:"created_at"`
}
