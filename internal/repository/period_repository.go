package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

// PeriodRepository handles persistence of enrollment periods.
type PeriodRepository struct {
	db *sqlx.DB
}

// NewPeriodRepository constructs the repository.
func NewPeriodRepository(db *sqlx.DB) *PeriodRepository {
	return &PeriodRepository{db: db}
}

const periodColumns = `id, school_year, start_date, end_date, early_reg_deadline, regular_reg_deadline,
        late_reg_deadline, status, allow_new_students, allow_returning_students, created_at, updated_at`

// FindByID returns a period by its ID.
func (r *PeriodRepository) FindByID(ctx context.Context, id string) (*models.EnrollmentPeriod, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollment_periods WHERE id = $1", periodColumns)
	var period models.EnrollmentPeriod
	if err := r.db.GetContext(ctx, &period, query, id); err != nil {
		return nil, err
	}
	return &period, nil
}

// FindActive returns the single active period, or sql.ErrNoRows.
func (r *PeriodRepository) FindActive(ctx context.Context) (*models.EnrollmentPeriod, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollment_periods WHERE status = $1 LIMIT 1", periodColumns)
	var period models.EnrollmentPeriod
	if err := r.db.GetContext(ctx, &period, query, models.PeriodStatusActive); err != nil {
		return nil, err
	}
	return &period, nil
}

// List returns periods filtered by the provided criteria.
func (r *PeriodRepository) List(ctx context.Context, filter models.PeriodFilter) ([]models.EnrollmentPeriod, int, error) {
	conditions := "WHERE 1=1"
	var args []interface{}
	if filter.SchoolYear != "" {
		args = append(args, filter.SchoolYear)
		conditions += fmt.Sprintf(" AND school_year = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions += fmt.Sprintf(" AND status = $%d", len(args))
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

	query := fmt.Sprintf("SELECT %s FROM enrollment_periods %s ORDER BY start_date DESC LIMIT %d OFFSET %d",
		periodColumns, conditions, size, offset)
	var periods []models.EnrollmentPeriod
	if err := r.db.SelectContext(ctx, &periods, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list periods: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM enrollment_periods %s", conditions)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count periods: %w", err)
	}
	return periods, total, nil
}

// Create persists a new period in UPCOMING status.
func (r *PeriodRepository) Create(ctx context.Context, period *models.EnrollmentPeriod) error {
	if period.ID == "" {
		period.ID = uuid.NewString()
	}
	if period.Status == "" {
		period.Status = models.PeriodStatusUpcoming
	}
	const query = `INSERT INTO enrollment_periods (id, school_year, start_date, end_date, early_reg_deadline,
        regular_reg_deadline, late_reg_deadline, status, allow_new_students, allow_returning_students)
        VALUES (:id, :school_year, :start_date, :end_date, :early_reg_deadline,
        :regular_reg_deadline, :late_reg_deadline, :status, :allow_new_students, :allow_returning_students)`
	if _, err := r.db.NamedExecContext(ctx, query, period); err != nil {
		return fmt.Errorf("create period: %w", err)
	}
	return nil
}

// Update stores date and eligibility changes for an upcoming period.
func (r *PeriodRepository) Update(ctx context.Context, period *models.EnrollmentPeriod) error {
	const query = `UPDATE enrollment_periods
        SET start_date = :start_date, end_date = :end_date, early_reg_deadline = :early_reg_deadline,
        regular_reg_deadline = :regular_reg_deadline, late_reg_deadline = :late_reg_deadline,
        allow_new_students = :allow_new_students, allow_returning_students = :allow_returning_students,
        updated_at = NOW()
        WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, period); err != nil {
		return fmt.Errorf("update period: %w", err)
	}
	return nil
}

// ListDueForActivation returns upcoming periods whose start date has passed.
func (r *PeriodRepository) ListDueForActivation(ctx context.Context, now time.Time) ([]models.EnrollmentPeriod, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollment_periods
        WHERE status = $1 AND start_date <= $2 ORDER BY start_date ASC`, periodColumns)
	var periods []models.EnrollmentPeriod
	if err := r.db.SelectContext(ctx, &periods, query, models.PeriodStatusUpcoming, now); err != nil {
		return nil, fmt.Errorf("list due activations: %w", err)
	}
	return periods, nil
}

// ListDueForClosure returns active periods whose end date has passed.
func (r *PeriodRepository) ListDueForClosure(ctx context.Context, now time.Time) ([]models.EnrollmentPeriod, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollment_periods
        WHERE status = $1 AND end_date < $2 ORDER BY end_date ASC`, periodColumns)
	var periods []models.EnrollmentPeriod
	if err := r.db.SelectContext(ctx, &periods, query, models.PeriodStatusActive, now); err != nil {
		return nil, fmt.Errorf("list due closures: %w", err)
	}
	return periods, nil
}

// ActivateExclusive promotes the period to ACTIVE inside a single
// transaction that first closes any currently active period. The
// at-most-one-active invariant is enforced here, never by callers
// sequencing two calls. Returns the ids of periods force-closed along the
// way and whether the activation took effect.
func (r *PeriodRepository) ActivateExclusive(ctx context.Context, id string, now time.Time) (closed []string, activated bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin activation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// Lock active rows so concurrent activations serialize.
	var activeIDs []string
	if err = tx.SelectContext(ctx, &activeIDs,
		`SELECT id FROM enrollment_periods WHERE status = $1 AND id <> $2 FOR UPDATE`,
		models.PeriodStatusActive, id); err != nil {
		return nil, false, fmt.Errorf("lock active periods: %w", err)
	}

	for _, activeID := range activeIDs {
		if _, err = tx.ExecContext(ctx,
			`UPDATE enrollment_periods SET status = $2, updated_at = $3 WHERE id = $1`,
			activeID, models.PeriodStatusClosed, now); err != nil {
			return nil, false, fmt.Errorf("close period %s: %w", activeID, err)
		}
		closed = append(closed, activeID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE enrollment_periods SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`,
		id, models.PeriodStatusActive, now, models.PeriodStatusUpcoming)
	if err != nil {
		return nil, false, fmt.Errorf("activate period: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("activate period result: %w", err)
	}
	if affected == 0 {
		// Already activated by a concurrent sweep, or no longer upcoming.
		_ = tx.Rollback()
		return nil, false, nil
	}

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit activation: %w", err)
	}
	return closed, true, nil
}

// Close moves an active period to CLOSED with a compare-and-swap.
func (r *PeriodRepository) Close(ctx context.Context, id string, now time.Time) (bool, error) {
	const query = `UPDATE enrollment_periods SET status = $2, updated_at = $3 WHERE id = $1 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, id, models.PeriodStatusClosed, now, models.PeriodStatusActive)
	if err != nil {
		return false, fmt.Errorf("close period: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close period result: %w", err)
	}
	return affected == 1, nil
}

// CountActive returns the number of active periods. Used by health checks
// and tests guarding the single-active invariant.
func (r *PeriodRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM enrollment_periods WHERE status = $1`, models.PeriodStatusActive); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("count active periods: %w", err)
	}
	return count, nil
}
