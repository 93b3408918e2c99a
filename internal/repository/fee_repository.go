package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

// FeeScheduleRepository handles persistence of fee schedules.
type FeeScheduleRepository struct {
	db *sqlx.DB
}

// NewFeeScheduleRepository constructs the repository.
func NewFeeScheduleRepository(db *sqlx.DB) *FeeScheduleRepository {
	return &FeeScheduleRepository{db: db}
}

const feeColumns = `id, grade_level, school_year, tuition, misc, other, active, created_at, updated_at`

// FindActive returns the active schedule for a (grade, year) pair.
func (r *FeeScheduleRepository) FindActive(ctx context.Context, gradeLevel, schoolYear string) (*models.FeeSchedule, error) {
	query := fmt.Sprintf(`SELECT %s FROM fee_schedules
        WHERE grade_level = $1 AND school_year = $2 AND active = TRUE LIMIT 1`, feeColumns)
	var schedule models.FeeSchedule
	if err := r.db.GetContext(ctx, &schedule, query, gradeLevel, schoolYear); err != nil {
		return nil, err
	}
	return &schedule, nil
}

// List returns fee schedules filtered by the provided criteria.
func (r *FeeScheduleRepository) List(ctx context.Context, filter models.FeeScheduleFilter) ([]models.FeeSchedule, int, error) {
	conditions := "WHERE 1=1"
	var args []interface{}
	if filter.GradeLevel != "" {
		args = append(args, filter.GradeLevel)
		conditions += fmt.Sprintf(" AND grade_level = $%d", len(args))
	}
	if filter.SchoolYear != "" {
		args = append(args, filter.SchoolYear)
		conditions += fmt.Sprintf(" AND school_year = $%d", len(args))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions += fmt.Sprintf(" AND active = $%d", len(args))
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s FROM fee_schedules %s ORDER BY school_year DESC, grade_level ASC LIMIT %d OFFSET %d",
		feeColumns, conditions, size, offset)
	var schedules []models.FeeSchedule
	if err := r.db.SelectContext(ctx, &schedules, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list fee schedules: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM fee_schedules %s", conditions)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count fee schedules: %w", err)
	}
	return schedules, total, nil
}

// Create persists a new fee schedule, deactivating any prior schedule for
// the same (grade, year) pair so FindActive stays unambiguous.
func (r *FeeScheduleRepository) Create(ctx context.Context, schedule *models.FeeSchedule) error {
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin fee schedule create: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`UPDATE fee_schedules SET active = FALSE, updated_at = NOW() WHERE grade_level = $1 AND school_year = $2 AND active = TRUE`,
		schedule.GradeLevel, schedule.SchoolYear); err != nil {
		return fmt.Errorf("deactivate prior fee schedule: %w", err)
	}

	schedule.Active = true
	if _, err = tx.NamedExecContext(ctx,
		`INSERT INTO fee_schedules (id, grade_level, school_year, tuition, misc, other, active)
        VALUES (:id, :grade_level, :school_year, :tuition, :misc, :other, :active)`, schedule); err != nil {
		return fmt.Errorf("create fee schedule: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit fee schedule create: %w", err)
	}
	return nil
}

// Deactivate retires a fee schedule without deleting its history.
func (r *FeeScheduleRepository) Deactivate(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE fee_schedules SET active = FALSE, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate fee schedule: %w", err)
	}
	return nil
}
