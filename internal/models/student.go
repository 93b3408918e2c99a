package models

import "time"

// StudentCategory distinguishes first-time applicants from returning students.
type StudentCategory string

const (
	StudentCategoryNew       StudentCategory = "NEW"
	StudentCategoryReturning StudentCategory = "RETURNING"
)

// Student represents a student record maintained by the registrar.
type Student struct {
	ID         string          `db:"id" json:"id"`
	LRN        string          `db:"lrn" json:"lrn"`
	FullName   string          `db:"full_name" json:"full_name"`
	GuardianID string          `db:"guardian_id" json:"guardian_id"`
	Category   StudentCategory `db:"category" json:"category"`
	GradeLevel string          `db:"grade_level" json:"grade_level"`
	Active     bool            `db:"active" json:"active"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}
