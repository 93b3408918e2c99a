package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment application.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending   EnrollmentStatus = "PENDING"
	EnrollmentStatusApproved  EnrollmentStatus = "APPROVED"
	EnrollmentStatusRejected  EnrollmentStatus = "REJECTED"
	EnrollmentStatusEnrolled  EnrollmentStatus = "ENROLLED"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusWithdrawn EnrollmentStatus = "WITHDRAWN"
)

// enrollmentTransitions is the single transition table governing the status
// machine. Illegal transitions are rejected here, not by scattered guards.
var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusPending:  {EnrollmentStatusApproved, EnrollmentStatusRejected, EnrollmentStatusWithdrawn},
	EnrollmentStatusApproved: {EnrollmentStatusEnrolled, EnrollmentStatusWithdrawn},
	EnrollmentStatusEnrolled: {EnrollmentStatusCompleted, EnrollmentStatusWithdrawn},
}

// CanTransitionTo reports whether the status machine allows moving to next.
func (s EnrollmentStatus) CanTransitionTo(next EnrollmentStatus) bool {
	for _, allowed := range enrollmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automated transition leaves the status.
func (s EnrollmentStatus) Terminal() bool {
	switch s {
	case EnrollmentStatusRejected, EnrollmentStatusCompleted, EnrollmentStatusWithdrawn:
		return true
	}
	return false
}

// ResettableTo reports whether an administrative reset back to next is
// permitted. Reset is the only path re-entering ENROLLED and is audited
// separately from the regular transition table.
func (s EnrollmentStatus) ResettableTo(next EnrollmentStatus) bool {
	if next != EnrollmentStatusEnrolled {
		return false
	}
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusWithdrawn
}

// PaymentStatus is the rollup of money received against an enrollment.
type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "UNPAID"
	PaymentStatusPartial PaymentStatus = "PARTIAL"
	PaymentStatusPaid    PaymentStatus = "PAID"
)

// DerivePaymentStatus computes the payment rollup from the amount owed and
// the amount received.
func DerivePaymentStatus(netAmount, amountPaid int64) PaymentStatus {
	switch {
	case amountPaid <= 0:
		return PaymentStatusUnpaid
	case amountPaid < netAmount:
		return PaymentStatusPartial
	default:
		return PaymentStatusPaid
	}
}

// Enrollment captures one student's application for one school year.
// Fee amounts are integer centavos, frozen at approval time.
type Enrollment struct {
	ID             string           `db:"id" json:"id"`
	StudentID      string           `db:"student_id" json:"student_id"`
	GuardianID     string           `db:"guardian_id" json:"guardian_id"`
	SchoolYear     string           `db:"school_year" json:"school_year"`
	PeriodID       string           `db:"period_id" json:"period_id"`
	GradeLevel     string           `db:"grade_level" json:"grade_level"`
	Status         EnrollmentStatus `db:"status" json:"status"`
	TuitionFee     int64            `db:"tuition_fee" json:"tuition_fee"`
	MiscFee        int64            `db:"misc_fee" json:"misc_fee"`
	OtherFee       int64            `db:"other_fee" json:"other_fee"`
	Discount       int64            `db:"discount" json:"discount"`
	NetAmount      int64            `db:"net_amount" json:"net_amount"`
	AmountPaid     int64            `db:"amount_paid" json:"amount_paid"`
	Balance        int64            `db:"balance" json:"balance"`
	PaymentStatus  PaymentStatus    `db:"payment_status" json:"payment_status"`
	PaymentDueDate *time.Time       `db:"payment_due_date" json:"payment_due_date,omitempty"`
	FeesFrozen     bool             `db:"fees_frozen" json:"fees_frozen"`
	SubmittedAt    time.Time        `db:"submitted_at" json:"submitted_at"`
	ApprovedAt     *time.Time       `db:"approved_at" json:"approved_at,omitempty"`
	ApprovedBy     *string          `db:"approved_by" json:"approved_by,omitempty"`
	RejectedAt     *time.Time       `db:"rejected_at" json:"rejected_at,omitempty"`
	RejectedBy     *string          `db:"rejected_by" json:"rejected_by,omitempty"`
	Remarks        *string          `db:"remarks" json:"remarks,omitempty"`
	UpdatedAt      time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollmentDetail enriches Enrollment with student context.
type EnrollmentDetail struct {
	Enrollment
	StudentName     string          `db:"student_name" json:"student_name"`
	StudentLRN      string          `db:"student_lrn" json:"student_lrn"`
	StudentCategory StudentCategory `db:"student_category" json:"student_category"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID  string
	SchoolYear string
	GradeLevel string
	Status     EnrollmentStatus
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}

// BulkApproveResult reports per-id outcomes of a bulk approval.
type BulkApproveResult struct {
	Succeeded int               `json:"succeeded"`
	Skipped   []BulkApproveSkip `json:"skipped"`
}

// BulkApproveSkip names a skipped enrollment and why it was skipped.
type BulkApproveSkip struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
