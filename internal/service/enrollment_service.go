package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

type enrollmentStore interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ExistsOpen(ctx context.Context, studentID, schoolYear string) (bool, error)
	Create(ctx context.Context, enrollment *models.Enrollment) error
	Approve(ctx context.Context, id, actor string, now time.Time) (bool, error)
	Reject(ctx context.Context, id, actor, reason string, now time.Time) (bool, error)
	TransitionStatus(ctx context.Context, id string, from, to models.EnrollmentStatus, remarks *string, now time.Time) (bool, error)
	UpdatePaymentRollup(ctx context.Context, id string, amountPaid, balance int64, status models.PaymentStatus, now time.Time) error
}

type studentStore interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	UpdateGradeLevel(ctx context.Context, id, gradeLevel string) error
}

type activePeriodProvider interface {
	ActivePeriod(ctx context.Context) (*models.EnrollmentPeriod, error)
}

type feeResolver interface {
	Resolve(ctx context.Context, gradeLevel, schoolYear string) (models.FeeBreakdown, error)
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type eventDispatcher interface {
	Dispatch(ctx context.Context, events ...models.DomainEvent)
}

// SubmitEnrollmentRequest describes a guardian's application.
type SubmitEnrollmentRequest struct {
	StudentID  string `json:"student_id" validate:"required"`
	GradeLevel string `json:"grade_level" validate:"required"`
	Discount   int64  `json:"discount" validate:"gte=0"`
}

// RejectEnrollmentRequest carries the mandatory rejection reason.
type RejectEnrollmentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// WithdrawEnrollmentRequest carries the withdrawal reason.
type WithdrawEnrollmentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// ResetEnrollmentRequest carries the justification for an exceptional reset.
type ResetEnrollmentRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// UpdatePaymentStatusRequest sets the payment rollup, cross-checked against
// the billing math.
type UpdatePaymentStatusRequest struct {
	Status     models.PaymentStatus `json:"status" validate:"required"`
	AmountPaid int64                `json:"amount_paid" validate:"gte=0"`
}

// EnrollmentService owns the enrollment status machine. Every transition is
// validated against the central table, stamped exactly once, audited, and
// returned with the domain events it produced.
type EnrollmentService struct {
	repo      enrollmentStore
	students  studentStore
	periods   activePeriodProvider
	fees      feeResolver
	audit     auditLogger
	events    eventDispatcher
	metrics   *MetricsService
	cfg       config.EnrollmentConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentStore, students studentStore, periods activePeriodProvider, fees feeResolver, audit auditLogger, events eventDispatcher, cfg config.EnrollmentConfig, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RejectReasonMinLen <= 0 {
		cfg.RejectReasonMinLen = 10
	}
	if cfg.RejectReasonMaxLen <= 0 {
		cfg.RejectReasonMaxLen = 500
	}
	if cfg.PaymentDueDays <= 0 {
		cfg.PaymentDueDays = 30
	}
	return &EnrollmentService{
		repo:      repo,
		students:  students,
		periods:   periods,
		fees:      fees,
		audit:     audit,
		events:    events,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *EnrollmentService) WithClock(now func() time.Time) *EnrollmentService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMetrics attaches the Prometheus collectors.
func (s *EnrollmentService) WithMetrics(metrics *MetricsService) *EnrollmentService {
	s.metrics = metrics
	return s
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one enrollment with student context.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Submit creates a PENDING enrollment for the active period. Eligibility is
// checked against the period's student-category flags and fees come from the
// resolver; a missing fee schedule blocks the submission.
func (s *EnrollmentService) Submit(ctx context.Context, req SubmitEnrollmentRequest, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student record is inactive")
	}

	period, err := s.periods.ActivePeriod(ctx)
	if err != nil {
		var appErr *appErrors.Error
		if errors.As(err, &appErr) && appErr.Code == appErrors.ErrNotFound.Code {
			return nil, appErrors.ErrPeriodClosed
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active period")
	}
	if !period.Accepts(student.Category) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("active period does not accept %s students", strings.ToLower(string(student.Category))))
	}

	open, err := s.repo.ExistsOpen(ctx, student.ID, period.SchoolYear)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check existing enrollments")
	}
	if open {
		return nil, appErrors.ErrDuplicateApplicant
	}

	fees, err := s.fees.Resolve(ctx, req.GradeLevel, period.SchoolYear)
	if err != nil {
		return nil, err
	}
	if req.Discount > fees.Total() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "discount exceeds total charges")
	}

	now := s.now()
	dueDate := now.AddDate(0, 0, s.cfg.PaymentDueDays)
	net := fees.Total() - req.Discount
	enrollment := &models.Enrollment{
		StudentID:      student.ID,
		GuardianID:     student.GuardianID,
		SchoolYear:     period.SchoolYear,
		PeriodID:       period.ID,
		GradeLevel:     req.GradeLevel,
		Status:         models.EnrollmentStatusPending,
		TuitionFee:     fees.Tuition,
		MiscFee:        fees.Misc,
		OtherFee:       fees.Other,
		Discount:       req.Discount,
		NetAmount:      net,
		AmountPaid:     0,
		Balance:        net,
		PaymentStatus:  models.PaymentStatusUnpaid,
		PaymentDueDate: &dueDate,
		SubmittedAt:    now,
	}
	if err := s.repo.Create(ctx, enrollment); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}

	s.metrics.RecordTransition(string(models.EnrollmentStatusPending))
	s.emitAudit(ctx, actor, models.AuditActionEnrollmentSubmit, enrollment.ID, nil, statusSnapshot("", models.EnrollmentStatusPending))
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventEnrollmentSubmitted,
		Resource:   "enrollment",
		ResourceID: enrollment.ID,
		Recipients: []string{enrollment.GuardianID},
		Payload:    map[string]interface{}{"school_year": enrollment.SchoolYear, "grade_level": enrollment.GradeLevel},
		OccurredAt: now,
	})

	return s.repo.FindDetailByID(ctx, enrollment.ID)
}

// Approve moves a PENDING enrollment to APPROVED, freezing its fee snapshot
// and promoting the student's grade-level record.
func (s *EnrollmentService) Approve(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	enrollment, err := s.loadForTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enrollment.Status.CanTransitionTo(models.EnrollmentStatusApproved) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot approve enrollment in status %s", enrollment.Status))
	}

	now := s.now()
	ok, err := s.repo.Approve(ctx, id, actorID(actor), now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to approve enrollment")
	}
	if !ok {
		// Lost the race to a concurrent transition.
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is no longer pending")
	}

	if err := s.students.UpdateGradeLevel(ctx, enrollment.StudentID, enrollment.GradeLevel); err != nil {
		s.logger.Sugar().Errorw("failed to update student grade level", "enrollment_id", id, "error", err)
	}

	s.metrics.RecordTransition(string(models.EnrollmentStatusApproved))
	s.emitAudit(ctx, actor, models.AuditActionEnrollmentApprove, id,
		statusSnapshot(enrollment.Status, ""), statusSnapshot("", models.EnrollmentStatusApproved))
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventEnrollmentApproved,
		Resource:   "enrollment",
		ResourceID: id,
		Recipients: []string{enrollment.GuardianID},
		Payload:    map[string]interface{}{"net_amount": enrollment.NetAmount},
		OccurredAt: now,
	})

	return s.repo.FindDetailByID(ctx, id)
}

// Reject moves a PENDING enrollment to REJECTED. The reason is mandatory
// and bounded.
func (s *EnrollmentService) Reject(ctx context.Context, id string, req RejectEnrollmentRequest, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	reason := strings.TrimSpace(req.Reason)
	if len(reason) < s.cfg.RejectReasonMinLen {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("rejection reason must be at least %d characters", s.cfg.RejectReasonMinLen))
	}
	if len(reason) > s.cfg.RejectReasonMaxLen {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("rejection reason must be at most %d characters", s.cfg.RejectReasonMaxLen))
	}

	enrollment, err := s.loadForTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enrollment.Status.CanTransitionTo(models.EnrollmentStatusRejected) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot reject enrollment in status %s", enrollment.Status))
	}

	now := s.now()
	ok, err := s.repo.Reject(ctx, id, actorID(actor), reason, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reject enrollment")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment is no longer pending")
	}

	s.metrics.RecordTransition(string(models.EnrollmentStatusRejected))
	s.emitAudit(ctx, actor, models.AuditActionEnrollmentReject, id,
		statusSnapshot(enrollment.Status, ""), statusSnapshot("", models.EnrollmentStatusRejected))
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventEnrollmentRejected,
		Resource:   "enrollment",
		ResourceID: id,
		Recipients: []string{enrollment.GuardianID},
		Payload:    map[string]interface{}{"reason": reason},
		OccurredAt: now,
	})

	return s.repo.FindDetailByID(ctx, id)
}

// BulkApprove applies Approve to each id independently. Non-pending rows
// are skipped and reported, never failed; the batch is deliberately not
// atomic, so partial success is the expected outcome.
func (s *EnrollmentService) BulkApprove(ctx context.Context, ids []string, actor *models.JWTClaims) (*models.BulkApproveResult, error) {
	if len(ids) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "no enrollment ids provided")
	}

	result := &models.BulkApproveResult{}
	for _, id := range ids {
		if _, err := s.Approve(ctx, id, actor); err != nil {
			appErr := appErrors.FromError(err)
			result.Skipped = append(result.Skipped, models.BulkApproveSkip{ID: id, Reason: appErr.Message})
			s.logger.Sugar().Infow("bulk approve skipped enrollment", "enrollment_id", id, "reason", appErr.Message)
			continue
		}
		result.Succeeded++
	}
	return result, nil
}

// MarkEnrolled moves an APPROVED enrollment to ENROLLED.
func (s *EnrollmentService) MarkEnrolled(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	return s.transition(ctx, id, models.EnrollmentStatusEnrolled, models.AuditActionEnrollmentEnroll, models.EventEnrollmentEnrolled, nil, actor)
}

// Complete moves an ENROLLED enrollment to COMPLETED at year end.
func (s *EnrollmentService) Complete(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	return s.transition(ctx, id, models.EnrollmentStatusCompleted, models.AuditActionEnrollmentComplete, models.EventEnrollmentCompleted, nil, actor)
}

// Withdraw moves any non-terminal enrollment to WITHDRAWN.
func (s *EnrollmentService) Withdraw(ctx context.Context, id string, req WithdrawEnrollmentRequest, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "withdrawal reason is required")
	}
	return s.transition(ctx, id, models.EnrollmentStatusWithdrawn, models.AuditActionEnrollmentWithdraw, models.EventEnrollmentWithdrawn, &reason, actor)
}

// Reset is the exceptional re-entry path back to ENROLLED, restricted to
// super admins and always audited with the justification.
func (s *EnrollmentService) Reset(ctx context.Context, id string, req ResetEnrollmentRequest, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	if actor == nil || actor.Role != models.RoleSuperAdmin {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only super admins may reset an enrollment")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "reset reason is required")
	}

	enrollment, err := s.loadForTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enrollment.Status.ResettableTo(models.EnrollmentStatusEnrolled) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot reset enrollment in status %s", enrollment.Status))
	}

	now := s.now()
	ok, err := s.repo.TransitionStatus(ctx, id, enrollment.Status, models.EnrollmentStatusEnrolled, &reason, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset enrollment")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment status changed concurrently")
	}

	s.metrics.RecordTransition(string(models.EnrollmentStatusEnrolled))
	s.emitAudit(ctx, actor, models.AuditActionEnrollmentReset, id,
		statusSnapshot(enrollment.Status, ""), statusSnapshot("", models.EnrollmentStatusEnrolled))
	return s.repo.FindDetailByID(ctx, id)
}

// UpdatePaymentStatus sets the payment rollup after cross-checking the
// combination against the reconciliation math.
func (s *EnrollmentService) UpdatePaymentStatus(ctx context.Context, id string, req UpdatePaymentStatusRequest) (*models.EnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment status payload")
	}

	enrollment, err := s.loadForTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.AmountPaid > enrollment.NetAmount {
		return nil, appErrors.Clone(appErrors.ErrValidation, "amount paid exceeds net amount")
	}
	if derived := models.DerivePaymentStatus(enrollment.NetAmount, req.AmountPaid); derived != req.Status {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("status %s is inconsistent with amount paid; expected %s", req.Status, derived))
	}

	balance := enrollment.NetAmount - req.AmountPaid
	if err := s.repo.UpdatePaymentRollup(ctx, id, req.AmountPaid, balance, req.Status, s.now()); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update payment status")
	}
	return s.repo.FindDetailByID(ctx, id)
}

// ApplyPaymentRollup reconciles the enrollment's figures from the billing
// engine after a payment or refund. Balance stays net - paid and the rollup
// status is always derived, never trusted from the caller.
func (s *EnrollmentService) ApplyPaymentRollup(ctx context.Context, id string, amountPaid int64) error {
	enrollment, err := s.loadForTransition(ctx, id)
	if err != nil {
		return err
	}
	balance := enrollment.NetAmount - amountPaid
	if balance < 0 {
		balance = 0
	}
	status := models.DerivePaymentStatus(enrollment.NetAmount, amountPaid)
	if err := s.repo.UpdatePaymentRollup(ctx, id, amountPaid, balance, status, s.now()); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to apply payment rollup")
	}
	return nil
}

func (s *EnrollmentService) transition(ctx context.Context, id string, to models.EnrollmentStatus, auditAction string, eventType models.EventType, remarks *string, actor *models.JWTClaims) (*models.EnrollmentDetail, error) {
	enrollment, err := s.loadForTransition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !enrollment.Status.CanTransitionTo(to) {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, fmt.Sprintf("cannot move enrollment from %s to %s", enrollment.Status, to))
	}

	now := s.now()
	ok, err := s.repo.TransitionStatus(ctx, id, enrollment.Status, to, remarks, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to transition enrollment")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "enrollment status changed concurrently")
	}

	s.metrics.RecordTransition(string(to))
	s.emitAudit(ctx, actor, auditAction, id, statusSnapshot(enrollment.Status, ""), statusSnapshot("", to))
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       eventType,
		Resource:   "enrollment",
		ResourceID: id,
		Recipients: []string{enrollment.GuardianID},
		OccurredAt: now,
	})

	return s.repo.FindDetailByID(ctx, id)
}

func (s *EnrollmentService) loadForTransition(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) emitAudit(ctx context.Context, actor *models.JWTClaims, action, resourceID string, oldValues, newValues []byte) {
	log := &models.AuditLog{
		Action:     action,
		Resource:   "enrollment",
		ResourceID: &resourceID,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Sugar().Errorw("failed to write audit log", "action", action, "resource_id", resourceID, "error", err)
	}
}

func actorID(actor *models.JWTClaims) string {
	if actor == nil {
		return "system"
	}
	return actor.UserID
}

func statusSnapshot(oldStatus, newStatus models.EnrollmentStatus) []byte {
	snapshot := map[string]string{}
	if oldStatus != "" {
		snapshot["status"] = string(oldStatus)
	}
	if newStatus != "" {
		snapshot["status"] = string(newStatus)
	}
	raw, _ := json.Marshal(snapshot)
	return raw
}
