package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

const (
	sweepLockActivation = "period-activation"
	sweepLockClosure    = "period-closure"
)

type periodStore interface {
	FindByID(ctx context.Context, id string) (*models.EnrollmentPeriod, error)
	FindActive(ctx context.Context) (*models.EnrollmentPeriod, error)
	List(ctx context.Context, filter models.PeriodFilter) ([]models.EnrollmentPeriod, int, error)
	Create(ctx context.Context, period *models.EnrollmentPeriod) error
	Update(ctx context.Context, period *models.EnrollmentPeriod) error
	ListDueForActivation(ctx context.Context, now time.Time) ([]models.EnrollmentPeriod, error)
	ListDueForClosure(ctx context.Context, now time.Time) ([]models.EnrollmentPeriod, error)
	ActivateExclusive(ctx context.Context, id string, now time.Time) (closed []string, activated bool, err error)
	Close(ctx context.Context, id string, now time.Time) (bool, error)
	CountActive(ctx context.Context) (int, error)
}

type sweepLockStore interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
	GetActivePeriod(ctx context.Context) (*models.EnrollmentPeriod, error)
	SetActivePeriod(ctx context.Context, period *models.EnrollmentPeriod, ttl time.Duration) error
	InvalidateActivePeriod(ctx context.Context) error
}

// CreatePeriodRequest describes a new admission window.
type CreatePeriodRequest struct {
	SchoolYear             string     `json:"school_year" validate:"required"`
	StartDate              time.Time  `json:"start_date" validate:"required"`
	EndDate                time.Time  `json:"end_date" validate:"required"`
	EarlyRegDeadline       *time.Time `json:"early_reg_deadline,omitempty"`
	RegularRegDeadline     time.Time  `json:"regular_reg_deadline" validate:"required"`
	LateRegDeadline        *time.Time `json:"late_reg_deadline,omitempty"`
	AllowNewStudents       bool       `json:"allow_new_students"`
	AllowReturningStudents bool       `json:"allow_returning_students"`
}

// UpdatePeriodRequest adjusts an upcoming period's window.
type UpdatePeriodRequest struct {
	StartDate              time.Time  `json:"start_date" validate:"required"`
	EndDate                time.Time  `json:"end_date" validate:"required"`
	EarlyRegDeadline       *time.Time `json:"early_reg_deadline,omitempty"`
	RegularRegDeadline     time.Time  `json:"regular_reg_deadline" validate:"required"`
	LateRegDeadline        *time.Time `json:"late_reg_deadline,omitempty"`
	AllowNewStudents       bool       `json:"allow_new_students"`
	AllowReturningStudents bool       `json:"allow_returning_students"`
}

// SweepResult summarizes one scheduler pass.
type SweepResult struct {
	Activated []string `json:"activated"`
	Closed    []string `json:"closed"`
	Skipped   []string `json:"skipped"`
}

// PeriodService manages enrollment periods and runs the scheduler sweeps
// that activate and close them on time. Manual force operations go through
// the same exclusive activation path as the sweep, so the single-active
// invariant holds no matter who triggers the transition.
type PeriodService struct {
	repo      periodStore
	locks     sweepLockStore
	audit     auditLogger
	events    eventDispatcher
	metrics   *MetricsService
	cfg       config.PeriodsConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewPeriodService constructs PeriodService.
func NewPeriodService(repo periodStore, locks sweepLockStore, audit auditLogger, events eventDispatcher, cfg config.PeriodsConfig, validate *validator.Validate, logger *zap.Logger) *PeriodService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = 5 * time.Minute
	}
	if cfg.ActiveCacheTTL <= 0 {
		cfg.ActiveCacheTTL = 10 * time.Minute
	}
	return &PeriodService{
		repo:      repo,
		locks:     locks,
		audit:     audit,
		events:    events,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for deterministic tests.
func (s *PeriodService) WithClock(now func() time.Time) *PeriodService {
	if now != nil {
		s.now = now
	}
	return s
}

// WithMetrics attaches the Prometheus collectors.
func (s *PeriodService) WithMetrics(metrics *MetricsService) *PeriodService {
	s.metrics = metrics
	return s
}

// Get returns one period.
func (s *PeriodService) Get(ctx context.Context, id string) (*models.EnrollmentPeriod, error) {
	period, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment period not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load period")
	}
	return period, nil
}

// List returns periods with pagination metadata.
func (s *PeriodService) List(ctx context.Context, filter models.PeriodFilter) ([]models.EnrollmentPeriod, *models.Pagination, error) {
	periods, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list periods")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return periods, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// ActivePeriod returns the currently active period, served from cache when
// possible. Returns a not-found error when no period is active.
func (s *PeriodService) ActivePeriod(ctx context.Context) (*models.EnrollmentPeriod, error) {
	if cached, err := s.locks.GetActivePeriod(ctx); err == nil {
		return cached, nil
	} else if !errors.Is(err, appErrors.ErrCacheMiss) {
		s.logger.Sugar().Warnw("active period cache read failed", "error", err)
	}

	period, err := s.repo.FindActive(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no active enrollment period")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active period")
	}
	if err := s.locks.SetActivePeriod(ctx, period, s.cfg.ActiveCacheTTL); err != nil {
		s.logger.Sugar().Warnw("active period cache write failed", "error", err)
	}
	return period, nil
}

// Create registers a new UPCOMING period after validating the window dates.
func (s *PeriodService) Create(ctx context.Context, req CreatePeriodRequest, actor *models.JWTClaims) (*models.EnrollmentPeriod, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid period payload")
	}
	period := &models.EnrollmentPeriod{
		SchoolYear:             req.SchoolYear,
		StartDate:              req.StartDate,
		EndDate:                req.EndDate,
		EarlyRegDeadline:       req.EarlyRegDeadline,
		RegularRegDeadline:     req.RegularRegDeadline,
		LateRegDeadline:        req.LateRegDeadline,
		Status:                 models.PeriodStatusUpcoming,
		AllowNewStudents:       req.AllowNewStudents,
		AllowReturningStudents: req.AllowReturningStudents,
	}
	if !period.ValidateDates() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "period dates are out of order")
	}
	if err := s.repo.Create(ctx, period); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create period")
	}
	s.logger.Sugar().Infow("enrollment period created", "period_id", period.ID, "school_year", period.SchoolYear)
	return period, nil
}

// Update adjusts an UPCOMING period. Active and closed windows are
// immutable except through the force operations.
func (s *PeriodService) Update(ctx context.Context, id string, req UpdatePeriodRequest) (*models.EnrollmentPeriod, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid period payload")
	}
	period, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if period.Status != models.PeriodStatusUpcoming {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot edit a %s period", period.Status))
	}

	period.StartDate = req.StartDate
	period.EndDate = req.EndDate
	period.EarlyRegDeadline = req.EarlyRegDeadline
	period.RegularRegDeadline = req.RegularRegDeadline
	period.LateRegDeadline = req.LateRegDeadline
	period.AllowNewStudents = req.AllowNewStudents
	period.AllowReturningStudents = req.AllowReturningStudents
	if !period.ValidateDates() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "period dates are out of order")
	}
	if err := s.repo.Update(ctx, period); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update period")
	}
	return period, nil
}

// ForceActivate promotes a period to ACTIVE immediately, closing whichever
// period is active now. The caller confirms the takeover by listing the
// sacrificed period ids in the response.
func (s *PeriodService) ForceActivate(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentPeriod, []string, error) {
	period, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if period.Status != models.PeriodStatusUpcoming {
		return nil, nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot activate a %s period", period.Status))
	}

	now := s.now()
	closed, activated, err := s.repo.ActivateExclusive(ctx, id, now)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to activate period")
	}
	if !activated {
		return nil, nil, appErrors.Clone(appErrors.ErrConflict, "period was activated or closed concurrently")
	}
	_ = s.locks.InvalidateActivePeriod(ctx)

	s.auditPeriod(ctx, actor, models.AuditActionPeriodForce, id, map[string]interface{}{"to": models.PeriodStatusActive, "closed": closed})
	s.dispatchPeriodEvents(ctx, period, closed, now)
	s.publishActiveGauge(ctx)
	refreshed, err := s.Get(ctx, id)
	return refreshed, closed, err
}

// ForceClose closes an ACTIVE period immediately.
func (s *PeriodService) ForceClose(ctx context.Context, id string, actor *models.JWTClaims) (*models.EnrollmentPeriod, error) {
	period, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if period.Status != models.PeriodStatusActive {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot close a %s period", period.Status))
	}

	now := s.now()
	ok, err := s.repo.Close(ctx, id, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to close period")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrConflict, "period was closed concurrently")
	}
	_ = s.locks.InvalidateActivePeriod(ctx)

	s.auditPeriod(ctx, actor, models.AuditActionPeriodForce, id, map[string]interface{}{"to": models.PeriodStatusClosed})
	s.events.Dispatch(ctx, models.DomainEvent{
		Type:       models.EventPeriodClosed,
		Resource:   "period",
		ResourceID: id,
		OccurredAt: now,
	})
	s.publishActiveGauge(ctx)
	return s.Get(ctx, id)
}

// RunSweep performs one scheduler pass: close overdue periods first, then
// activate any period whose start date has arrived. Each half takes its own
// distributed lock so that overlapping instances never double-run; a locked
// sweep is skipped silently and caught on the next tick.
func (s *PeriodService) RunSweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}

	closed, err := s.CloseDuePeriods(ctx)
	if err != nil && !errors.Is(err, appErrors.ErrSweepLocked) {
		return result, err
	}
	result.Closed = closed

	activated, skipped, err := s.ActivateDuePeriods(ctx)
	if err != nil && !errors.Is(err, appErrors.ErrSweepLocked) {
		return result, err
	}
	result.Activated = activated
	result.Skipped = skipped
	s.publishActiveGauge(ctx)
	return result, nil
}

func (s *PeriodService) publishActiveGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	count, err := s.repo.CountActive(ctx)
	if err != nil {
		s.logger.Sugar().Warnw("failed to count active periods", "error", err)
		return
	}
	s.metrics.SetActivePeriods(count)
}

// ActivateDuePeriods activates every UPCOMING period whose start date has
// passed. Failures on one period are logged and skipped, never abort the
// sweep: the remaining candidates still get their turn and the failed one
// is retried next tick.
func (s *PeriodService) ActivateDuePeriods(ctx context.Context) (activated []string, skipped []string, err error) {
	ok, err := s.locks.Acquire(ctx, sweepLockActivation, s.cfg.SweepLockTTL)
	if err != nil {
		s.metrics.RecordSweep("activation", "error")
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire activation lock")
	}
	if !ok {
		s.metrics.RecordSweep("activation", "locked")
		return nil, nil, appErrors.ErrSweepLocked
	}
	s.metrics.RecordSweep("activation", "run")
	defer func() {
		if releaseErr := s.locks.Release(ctx, sweepLockActivation); releaseErr != nil {
			s.logger.Sugar().Warnw("failed to release activation lock", "error", releaseErr)
		}
	}()

	now := s.now()
	due, err := s.repo.ListDueForActivation(ctx, now)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list due activations")
	}

	for _, period := range due {
		closedIDs, didActivate, actErr := s.repo.ActivateExclusive(ctx, period.ID, now)
		if actErr != nil {
			s.logger.Sugar().Errorw("sweep failed to activate period", "period_id", period.ID, "error", actErr)
			skipped = append(skipped, period.ID)
			continue
		}
		if !didActivate {
			skipped = append(skipped, period.ID)
			continue
		}
		activated = append(activated, period.ID)
		_ = s.locks.InvalidateActivePeriod(ctx)
		s.auditPeriod(ctx, nil, models.AuditActionPeriodActivate, period.ID, map[string]interface{}{"closed": closedIDs})
		s.dispatchPeriodEvents(ctx, &period, closedIDs, now)
	}
	return activated, skipped, nil
}

// CloseDuePeriods closes every ACTIVE period whose end date has passed.
func (s *PeriodService) CloseDuePeriods(ctx context.Context) ([]string, error) {
	ok, err := s.locks.Acquire(ctx, sweepLockClosure, s.cfg.SweepLockTTL)
	if err != nil {
		s.metrics.RecordSweep("closure", "error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to acquire closure lock")
	}
	if !ok {
		s.metrics.RecordSweep("closure", "locked")
		return nil, appErrors.ErrSweepLocked
	}
	s.metrics.RecordSweep("closure", "run")
	defer func() {
		if releaseErr := s.locks.Release(ctx, sweepLockClosure); releaseErr != nil {
			s.logger.Sugar().Warnw("failed to release closure lock", "error", releaseErr)
		}
	}()

	now := s.now()
	due, err := s.repo.ListDueForClosure(ctx, now)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list due closures")
	}

	var closed []string
	for _, period := range due {
		didClose, closeErr := s.repo.Close(ctx, period.ID, now)
		if closeErr != nil {
			s.logger.Sugar().Errorw("sweep failed to close period", "period_id", period.ID, "error", closeErr)
			continue
		}
		if !didClose {
			continue
		}
		closed = append(closed, period.ID)
		_ = s.locks.InvalidateActivePeriod(ctx)
		s.auditPeriod(ctx, nil, models.AuditActionPeriodClose, period.ID, nil)
		s.events.Dispatch(ctx, models.DomainEvent{
			Type:       models.EventPeriodClosed,
			Resource:   "period",
			ResourceID: period.ID,
			OccurredAt: now,
		})
	}
	return closed, nil
}

// StartSweeper runs the scheduler loop until ctx is cancelled.
func (s *PeriodService) StartSweeper(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if result, err := s.RunSweep(ctx); err != nil {
					s.logger.Sugar().Errorw("period sweep failed", "error", err)
				} else if len(result.Activated) > 0 || len(result.Closed) > 0 {
					s.logger.Sugar().Infow("period sweep completed",
						"activated", result.Activated, "closed", result.Closed, "skipped", result.Skipped)
				}
			}
		}
	}()
}

func (s *PeriodService) dispatchPeriodEvents(ctx context.Context, period *models.EnrollmentPeriod, closed []string, now time.Time) {
	events := []models.DomainEvent{{
		Type:       models.EventPeriodActivated,
		Resource:   "period",
		ResourceID: period.ID,
		Payload:    map[string]interface{}{"school_year": period.SchoolYear},
		OccurredAt: now,
	}}
	for _, closedID := range closed {
		events = append(events, models.DomainEvent{
			Type:       models.EventPeriodClosed,
			Resource:   "period",
			ResourceID: closedID,
			OccurredAt: now,
		})
	}
	s.events.Dispatch(ctx, events...)
}

func (s *PeriodService) auditPeriod(ctx context.Context, actor *models.JWTClaims, action, periodID string, details map[string]interface{}) {
	log := &models.AuditLog{
		Action:     action,
		Resource:   "period",
		ResourceID: &periodID,
	}
	if actor != nil {
		log.UserID = &actor.UserID
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			log.NewValues = raw
		}
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Sugar().Errorw("failed to write audit log", "action", action, "period_id", periodID, "error", err)
	}
}
