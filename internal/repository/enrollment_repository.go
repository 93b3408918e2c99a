package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sis-registrar-api/internal/models"
)

// EnrollmentRepository handles persistence of enrollment applications.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

const enrollmentColumns = `e.id, e.student_id, e.guardian_id, e.school_year, e.period_id, e.grade_level, e.status,
        e.tuition_fee, e.misc_fee, e.other_fee, e.discount, e.net_amount, e.amount_paid, e.balance,
        e.payment_status, e.payment_due_date, e.fees_frozen, e.submitted_at, e.approved_at, e.approved_by,
        e.rejected_at, e.rejected_by, e.remarks, e.updated_at`

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
LEFT JOIN students s ON s.id = e.student_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.SchoolYear != "" {
		conditions = append(conditions, fmt.Sprintf("e.school_year = $%d", len(args)+1))
		args = append(args, filter.SchoolYear)
	}
	if filter.GradeLevel != "" {
		conditions = append(conditions, fmt.Sprintf("e.grade_level = $%d", len(args)+1))
		args = append(args, filter.GradeLevel)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"submitted_at": "e.submitted_at",
		"student_name": "s.full_name",
		"grade_level":  "e.grade_level",
		"balance":      "e.balance",
	}
	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = "submitted_at"
	}
	orderBy := allowedSorts[sortBy]
	if orderBy == "" {
		orderBy = "e.submitted_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT %s,
        s.full_name AS student_name, s.lrn AS student_lrn, s.category AS student_category
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, enrollmentColumns, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments e WHERE e.id = $1", enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with student context.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	query := fmt.Sprintf(`SELECT %s,
        s.full_name AS student_name, s.lrn AS student_lrn, s.category AS student_category
        FROM enrollments e
        LEFT JOIN students s ON s.id = e.student_id
        WHERE e.id = $1`, enrollmentColumns)
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsOpen checks whether the student already holds a non-terminal
// enrollment for the school year.
func (r *EnrollmentRepository) ExistsOpen(ctx context.Context, studentID, schoolYear string) (bool, error) {
	const query = `SELECT 1 FROM enrollments WHERE student_id = $1 AND school_year = $2
        AND status NOT IN ($3, $4, $5) LIMIT 1`
	var exists int
	err := r.db.GetContext(ctx, &exists, query, studentID, schoolYear,
		models.EnrollmentStatusRejected, models.EnrollmentStatusCompleted, models.EnrollmentStatusWithdrawn)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check open enrollment: %w", err)
	}
	return true, nil
}

// Create persists a new enrollment record.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	if enrollment.SubmittedAt.IsZero() {
		enrollment.SubmittedAt = time.Now().UTC()
	}
	if enrollment.Status == "" {
		enrollment.Status = models.EnrollmentStatusPending
	}
	if enrollment.PaymentStatus == "" {
		enrollment.PaymentStatus = models.PaymentStatusUnpaid
	}
	const query = `INSERT INTO enrollments (id, student_id, guardian_id, school_year, period_id, grade_level, status,
        tuition_fee, misc_fee, other_fee, discount, net_amount, amount_paid, balance,
        payment_status, payment_due_date, fees_frozen, submitted_at)
        VALUES (:id, :student_id, :guardian_id, :school_year, :period_id, :grade_level, :status,
        :tuition_fee, :misc_fee, :other_fee, :discount, :net_amount, :amount_paid, :balance,
        :payment_status, :payment_due_date, :fees_frozen, :submitted_at)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}
	return nil
}

// Approve stamps the approval exactly once using a compare-and-swap on the
// PENDING status. Returns false when the row was not pending anymore, which
// serializes concurrent approve/reject calls.
func (r *EnrollmentRepository) Approve(ctx context.Context, id, actor string, now time.Time) (bool, error) {
	const query = `UPDATE enrollments
        SET status = $3, approved_at = $4, approved_by = $5, fees_frozen = TRUE, updated_at = $4
        WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, models.EnrollmentStatusPending,
		models.EnrollmentStatusApproved, now, actor)
	if err != nil {
		return false, fmt.Errorf("approve enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("approve enrollment result: %w", err)
	}
	return affected == 1, nil
}

// Reject stamps the rejection exactly once, same CAS discipline as Approve.
func (r *EnrollmentRepository) Reject(ctx context.Context, id, actor, reason string, now time.Time) (bool, error) {
	const query = `UPDATE enrollments
        SET status = $3, rejected_at = $4, rejected_by = $5, remarks = $6, updated_at = $4
        WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, models.EnrollmentStatusPending,
		models.EnrollmentStatusRejected, now, actor, reason)
	if err != nil {
		return false, fmt.Errorf("reject enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reject enrollment result: %w", err)
	}
	return affected == 1, nil
}

// TransitionStatus moves the enrollment from one status to another with a
// compare-and-swap so concurrent transitions cannot both succeed.
func (r *EnrollmentRepository) TransitionStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, remarks *string, now time.Time) (bool, error) {
	const query = `UPDATE enrollments
        SET status = $3, remarks = COALESCE($4, remarks), updated_at = $5
        WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, remarks, now)
	if err != nil {
		return false, fmt.Errorf("transition enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition enrollment result: %w", err)
	}
	return affected == 1, nil
}

// UpdatePaymentRollup stores the reconciled payment figures for the
// enrollment. Balance is always net_amount - amount_paid.
func (r *EnrollmentRepository) UpdatePaymentRollup(ctx context.Context, id string, amountPaid, balance int64, status models.PaymentStatus, now time.Time) error {
	const query = `UPDATE enrollments
        SET amount_paid = $2, balance = $3, payment_status = $4, updated_at = $5
        WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, amountPaid, balance, status, now); err != nil {
		return fmt.Errorf("update payment rollup: %w", err)
	}
	return nil
}
