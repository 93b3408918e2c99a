package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

type feeScheduleStore interface {
	FindActive(ctx context.Context, gradeLevel, schoolYear string) (*models.FeeSchedule, error)
	List(ctx context.Context, filter models.FeeScheduleFilter) ([]models.FeeSchedule, int, error)
	Create(ctx context.Context, schedule *models.FeeSchedule) error
	Deactivate(ctx context.Context, id string) error
}

// CreateFeeScheduleRequest describes a new fee schedule.
type CreateFeeScheduleRequest struct {
	GradeLevel string `json:"grade_level" validate:"required"`
	SchoolYear string `json:"school_year" validate:"required"`
	Tuition    int64  `json:"tuition" validate:"gte=0"`
	Misc       int64  `json:"misc" validate:"gte=0"`
	Other      int64  `json:"other" validate:"gte=0"`
}

// FeeService resolves the fee breakdown in effect for a grade level and
// school year and maintains the schedule records.
type FeeService struct {
	repo      feeScheduleStore
	validator *validator.Validate
	logger    *zap.Logger
}

// NewFeeService constructs FeeService.
func NewFeeService(repo feeScheduleStore, validate *validator.Validate, logger *zap.Logger) *FeeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeeService{repo: repo, validator: validate, logger: logger}
}

// Resolve returns the fee breakdown in effect for the pair. A missing
// schedule is an error: callers must block enrollment submission rather
// than default to zero fees.
func (s *FeeService) Resolve(ctx context.Context, gradeLevel, schoolYear string) (models.FeeBreakdown, error) {
	if gradeLevel == "" || schoolYear == "" {
		return models.FeeBreakdown{}, appErrors.Clone(appErrors.ErrValidation, "grade level and school year are required")
	}
	schedule, err := s.repo.FindActive(ctx, gradeLevel, schoolYear)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.FeeBreakdown{}, appErrors.ErrNoFeeSchedule
		}
		return models.FeeBreakdown{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve fee schedule")
	}
	return models.FeeBreakdown{Tuition: schedule.Tuition, Misc: schedule.Misc, Other: schedule.Other}, nil
}

// List returns fee schedules with pagination metadata.
func (s *FeeService) List(ctx context.Context, filter models.FeeScheduleFilter) ([]models.FeeSchedule, *models.Pagination, error) {
	schedules, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list fee schedules")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return schedules, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Create registers a new active schedule for the pair, retiring any prior
// one. Changes never retroactively alter approved enrollments, whose fee
// snapshot is frozen.
func (s *FeeService) Create(ctx context.Context, req CreateFeeScheduleRequest) (*models.FeeSchedule, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid fee schedule payload")
	}
	schedule := &models.FeeSchedule{
		GradeLevel: req.GradeLevel,
		SchoolYear: req.SchoolYear,
		Tuition:    req.Tuition,
		Misc:       req.Misc,
		Other:      req.Other,
	}
	if err := s.repo.Create(ctx, schedule); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create fee schedule")
	}
	s.logger.Sugar().Infow("fee schedule created", "grade_level", schedule.GradeLevel, "school_year", schedule.SchoolYear)
	return schedule, nil
}

// Deactivate retires a schedule. Pending submissions for the pair will fail
// until a replacement is configured.
func (s *FeeService) Deactivate(ctx context.Context, id string) error {
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to deactivate fee schedule")
	}
	return nil
}
