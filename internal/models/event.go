package models

import "time"

// EventType enumerates domain events emitted by state transitions.
type EventType string

const (
	EventEnrollmentSubmitted EventType = "enrollment.submitted"
	EventEnrollmentApproved  EventType = "enrollment.approved"
	EventEnrollmentRejected  EventType = "enrollment.rejected"
	EventEnrollmentEnrolled  EventType = "enrollment.enrolled"
	EventEnrollmentCompleted EventType = "enrollment.completed"
	EventEnrollmentWithdrawn EventType = "enrollment.withdrawn"
	EventPeriodActivated     EventType = "period.activated"
	EventPeriodClosed        EventType = "period.closed"
	EventInvoiceIssued       EventType = "invoice.issued"
	EventInvoiceSent         EventType = "invoice.sent"
	EventInvoiceOverdue      EventType = "invoice.overdue"
	EventPaymentRecorded     EventType = "payment.recorded"
	EventRefundRecorded      EventType = "refund.recorded"
)

// DomainEvent is returned by state-changing operations and handed to the
// notification dispatcher. Delivery is best-effort; a failed dispatch never
// rolls back the transition that produced the event.
type DomainEvent struct {
	Type       EventType              `json:"type"`
	Resource   string                 `json:"resource"`
	ResourceID string                 `json:"resource_id"`
	Recipients []string               `json:"recipients,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}
