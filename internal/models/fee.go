package models

import "time"

// FeeSchedule is the configured charge set for one (grade level, school year)
// pair. Amounts are integer centavos.
type FeeSchedule struct {
	ID         string    `db:"id" json:"id"`
	GradeLevel string    `db:"grade_level" json:"grade_level"`
	SchoolYear string    `db:"school_year" json:"school_year"`
	Tuition    int64     `db:"tuition" json:"tuition"`
	Misc       int64     `db:"misc" json:"misc"`
	Other      int64     `db:"other" json:"other"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// FeeBreakdown is the resolved charge set applied to a submission.
type FeeBreakdown struct {
	Tuition int64 `json:"tuition"`
	Misc    int64 `json:"misc"`
	Other   int64 `json:"other"`
}

// Total sums the breakdown components.
func (f FeeBreakdown) Total() int64 {
	return f.Tuition + f.Misc + f.Other
}

// FeeScheduleFilter constrains fee schedule listings.
type FeeScheduleFilter struct {
	GradeLevel string
	SchoolYear string
	Active     *bool
	Page       int
	PageSize   int
}
