package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionEnrollmentSubmit   = "ENROLLMENT_SUBMIT"
	AuditActionEnrollmentApprove  = "ENROLLMENT_APPROVE"
	AuditActionEnrollmentReject   = "ENROLLMENT_REJECT"
	AuditActionEnrollmentEnroll   = "ENROLLMENT_ENROLL"
	AuditActionEnrollmentComplete = "ENROLLMENT_COMPLETE"
	AuditActionEnrollmentWithdraw = "ENROLLMENT_WITHDRAW"
	AuditActionEnrollmentReset    = "ENROLLMENT_RESET"
	AuditActionPeriodActivate     = "PERIOD_ACTIVATE"
	AuditActionPeriodClose        = "PERIOD_CLOSE"
	AuditActionPeriodForce        = "PERIOD_FORCE_TRANSITION"
	AuditActionInvoiceIssue       = "INVOICE_ISSUE"
	AuditActionInvoiceSend        = "INVOICE_SEND"
	AuditActionInvoiceCancel      = "INVOICE_CANCEL"
	AuditActionPaymentRecord      = "PAYMENT_RECORD"
	AuditActionRefundRecord       = "REFUND_RECORD"
	AuditActionHTTPWrite          = "HTTP_WRITE"
)

// AuditLog represents an append-only audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
