package models

import "time"

// PeriodStatus represents the lifecycle of an enrollment period.
type PeriodStatus string

const (
	PeriodStatusUpcoming PeriodStatus = "UPCOMING"
	PeriodStatusActive   PeriodStatus = "ACTIVE"
	PeriodStatusClosed   PeriodStatus = "CLOSED"
)

// EnrollmentPeriod models one school year's admission window. At most one
// period may be ACTIVE at any time.
type EnrollmentPeriod struct {
	ID                     string       `db:"id" json:"id"`
	SchoolYear             string       `db:"school_year" json:"school_year"`
	StartDate              time.Time    `db:"start_date" json:"start_date"`
	EndDate                time.Time    `db:"end_date" json:"end_date"`
	EarlyRegDeadline       *time.Time   `db:"early_reg_deadline" json:"early_reg_deadline,omitempty"`
	RegularRegDeadline     time.Time    `db:"regular_reg_deadline" json:"regular_reg_deadline"`
	LateRegDeadline        *time.Time   `db:"late_reg_deadline" json:"late_reg_deadline,omitempty"`
	Status                 PeriodStatus `db:"status" json:"status"`
	AllowNewStudents       bool         `db:"allow_new_students" json:"allow_new_students"`
	AllowReturningStudents bool         `db:"allow_returning_students" json:"allow_returning_students"`
	CreatedAt              time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time    `db:"updated_at" json:"updated_at"`
}

// Accepts reports whether the period admits the given student category.
func (p *EnrollmentPeriod) Accepts(category StudentCategory) bool {
	switch category {
	case StudentCategoryNew:
		return p.AllowNewStudents
	case StudentCategoryReturning:
		return p.AllowReturningStudents
	}
	return false
}

// ValidateDates checks the ordering invariants of the admission window.
func (p *EnrollmentPeriod) ValidateDates() bool {
	if !p.StartDate.Before(p.EndDate) {
		return false
	}
	if p.RegularRegDeadline.Before(p.StartDate) || p.RegularRegDeadline.After(p.EndDate) {
		return false
	}
	if p.EarlyRegDeadline != nil && !p.EarlyRegDeadline.Before(p.RegularRegDeadline) {
		return false
	}
	if p.LateRegDeadline != nil && !p.RegularRegDeadline.Before(*p.LateRegDeadline) {
		return false
	}
	return true
}

// PeriodFilter constrains period listings.
type PeriodFilter struct {
	SchoolYear string
	Status     PeriodStatus
	Page       int
	PageSize   int
}
