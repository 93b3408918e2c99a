package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

// StudentRepository handles persistence of student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a student by its ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	const query = `SELECT id, lrn, full_name, guardian_id, category, grade_level, active, created_at, updated_at
        FROM students WHERE id = $1`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// UpdateGradeLevel moves the student to the enrollment's grade level. Called
// when an enrollment is approved.
func (r *StudentRepository) UpdateGradeLevel(ctx context.Context, id, gradeLevel string) error {
	const query = `UPDATE students SET grade_level = $2, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, gradeLevel); err != nil {
		return fmt.Errorf("update student grade level: %w", err)
	}
	return nil
}
