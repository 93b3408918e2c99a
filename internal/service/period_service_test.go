package service

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	"github.com/noah-isme/sis-registrar-api/pkg/config"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

type mockPeriodStore struct {
	mu      sync.Mutex
	periods map[string]models.EnrollmentPeriod
}

func (m *mockPeriodStore) FindByID(ctx context.Context, id string) (*models.EnrollmentPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.periods[id]; ok {
		return &p, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockPeriodStore) FindActive(ctx context.Context) (*models.EnrollmentPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.Status == models.PeriodStatusActive {
			period := p
			return &period, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockPeriodStore) List(ctx context.Context, filter models.PeriodFilter) ([]models.EnrollmentPeriod, int, error) {
	return nil, 0, nil
}

func (m *mockPeriodStore) Create(ctx context.Context, period *models.EnrollmentPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.periods == nil {
		m.periods = make(map[string]models.EnrollmentPeriod)
	}
	if period.ID == "" {
		period.ID = "new-period"
	}
	m.periods[period.ID] = *period
	return nil
}

func (m *mockPeriodStore) Update(ctx context.Context, period *models.EnrollmentPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.periods[period.ID] = *period
	return nil
}

func (m *mockPeriodStore) ListDueForActivation(ctx context.Context, now time.Time) ([]models.EnrollmentPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.EnrollmentPeriod
	for _, p := range m.periods {
		if p.Status == models.PeriodStatusUpcoming && !p.StartDate.After(now) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (m *mockPeriodStore) ListDueForClosure(ctx context.Context, now time.Time) ([]models.EnrollmentPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []models.EnrollmentPeriod
	for _, p := range m.periods {
		if p.Status == models.PeriodStatusActive && p.EndDate.Before(now) {
			due = append(due, p)
		}
	}
	return due, nil
}

func (m *mockPeriodStore) ActivateExclusive(ctx context.Context, id string, now time.Time) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.periods[id]
	if !ok || target.Status != models.PeriodStatusUpcoming {
		return nil, false, nil
	}
	var closed []string
	for pid, p := range m.periods {
		if pid != id && p.Status == models.PeriodStatusActive {
			p.Status = models.PeriodStatusClosed
			m.periods[pid] = p
			closed = append(closed, pid)
		}
	}
	target.Status = models.PeriodStatusActive
	m.periods[id] = target
	return closed, true, nil
}

func (m *mockPeriodStore) Close(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok || p.Status != models.PeriodStatusActive {
		return false, nil
	}
	p.Status = models.PeriodStatusClosed
	m.periods[id] = p
	return true, nil
}

func (m *mockPeriodStore) CountActive(ctx context.Context) (int, error) {
	return m.countActive(), nil
}

func (m *mockPeriodStore) countActive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, p := range m.periods {
		if p.Status == models.PeriodStatusActive {
			count++
		}
	}
	return count
}

type mockSweepLocks struct {
	mu           sync.Mutex
	held         map[string]bool
	cached       *models.EnrollmentPeriod
	invalidated  int
	acquireCalls int
}

func (m *mockSweepLocks) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++
	if m.held == nil {
		m.held = make(map[string]bool)
	}
	if m.held[name] {
		return false, nil
	}
	m.held[name] = true
	return true, nil
}

func (m *mockSweepLocks) Release(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, name)
	return nil
}

func (m *mockSweepLocks) GetActivePeriod(ctx context.Context) (*models.EnrollmentPeriod, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return nil, appErrors.ErrCacheMiss
	}
	return m.cached, nil
}

func (m *mockSweepLocks) SetActivePeriod(ctx context.Context, period *models.EnrollmentPeriod, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = period
	return nil
}

func (m *mockSweepLocks) InvalidateActivePeriod(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.invalidated++
	return nil
}

func newTestPeriodService(repo *mockPeriodStore, locks *mockSweepLocks, now time.Time) (*PeriodService, *mockAuditLogger, *mockEventDispatcher) {
	audit := &mockAuditLogger{}
	events := &mockEventDispatcher{}
	svc := NewPeriodService(repo, locks, audit, events,
		config.PeriodsConfig{SweepInterval: time.Hour, SweepLockTTL: 5 * time.Minute, ActiveCacheTTL: 10 * time.Minute},
		validator.New(), zap.NewNop()).WithClock(func() time.Time { return now })
	return svc, audit, events
}

func TestPeriodServiceCreateValidatesDates(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	svc, _, _ := newTestPeriodService(&mockPeriodStore{}, &mockSweepLocks{}, now)

	_, err := svc.Create(context.Background(), CreatePeriodRequest{
		SchoolYear:         "2026-2027",
		StartDate:          day(10),
		EndDate:            day(5),
		RegularRegDeadline: day(8),
	}, nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)

	period, err := svc.Create(context.Background(), CreatePeriodRequest{
		SchoolYear:         "2026-2027",
		StartDate:          day(1),
		EndDate:            day(30),
		RegularRegDeadline: day(15),
		AllowNewStudents:   true,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.PeriodStatusUpcoming, period.Status)
}

func day(d int) time.Time {
	return time.Date(2026, 6, d, 0, 0, 0, 0, time.UTC)
}

func TestPeriodServiceSweepActivatesAndCloses(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"old": {ID: "old", Status: models.PeriodStatusActive, StartDate: day(1).AddDate(-1, 0, 0), EndDate: day(1)},
		"new": {ID: "new", Status: models.PeriodStatusUpcoming, StartDate: day(5), EndDate: day(30)},
	}}
	locks := &mockSweepLocks{}
	svc, audit, events := newTestPeriodService(repo, locks, now)

	result, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, result.Closed)
	assert.Equal(t, []string{"new"}, result.Activated)
	assert.Empty(t, result.Skipped)
	assert.Equal(t, 1, repo.countActive())
	assert.Contains(t, audit.actions(), models.AuditActionPeriodActivate)
	assert.Contains(t, audit.actions(), models.AuditActionPeriodClose)
	assert.Contains(t, events.types(), models.EventPeriodActivated)
	assert.Contains(t, events.types(), models.EventPeriodClosed)
}

func TestPeriodServiceSweepIsIdempotent(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"new": {ID: "new", Status: models.PeriodStatusUpcoming, StartDate: day(5), EndDate: day(30)},
	}}
	svc, _, _ := newTestPeriodService(repo, &mockSweepLocks{}, now)

	first, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, first.Activated)

	second, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Activated)
	assert.Empty(t, second.Closed)
	assert.Equal(t, 1, repo.countActive())
}

func TestPeriodServiceSweepSkipsWhenLockHeld(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"new": {ID: "new", Status: models.PeriodStatusUpcoming, StartDate: day(5), EndDate: day(30)},
	}}
	locks := &mockSweepLocks{held: map[string]bool{
		sweepLockActivation: true,
		sweepLockClosure:    true,
	}}
	svc, _, _ := newTestPeriodService(repo, locks, now)

	result, err := svc.RunSweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Activated)
	assert.Empty(t, result.Closed)
	assert.Equal(t, 0, repo.countActive())
}

func TestPeriodServiceForceActivateClosesCurrent(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"current": {ID: "current", Status: models.PeriodStatusActive, StartDate: day(1), EndDate: day(30)},
		"next":    {ID: "next", Status: models.PeriodStatusUpcoming, StartDate: day(20), EndDate: day(30)},
	}}
	locks := &mockSweepLocks{}
	svc, audit, _ := newTestPeriodService(repo, locks, now)

	period, closed, err := svc.ForceActivate(context.Background(), "next", &models.JWTClaims{UserID: "root", Role: models.RoleSuperAdmin})
	require.NoError(t, err)
	assert.Equal(t, models.PeriodStatusActive, period.Status)
	assert.Equal(t, []string{"current"}, closed)
	assert.Equal(t, 1, repo.countActive())
	assert.GreaterOrEqual(t, locks.invalidated, 1)
	assert.Contains(t, audit.actions(), models.AuditActionPeriodForce)

	_, _, err = svc.ForceActivate(context.Background(), "next", nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestPeriodServiceForceClose(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"current": {ID: "current", Status: models.PeriodStatusActive, StartDate: day(1), EndDate: day(30)},
	}}
	svc, _, events := newTestPeriodService(repo, &mockSweepLocks{}, now)

	period, err := svc.ForceClose(context.Background(), "current", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PeriodStatusClosed, period.Status)
	assert.Contains(t, events.types(), models.EventPeriodClosed)

	_, err = svc.ForceClose(context.Background(), "current", nil)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestPeriodServiceActivePeriodUsesCache(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"p1": {ID: "p1", Status: models.PeriodStatusActive, SchoolYear: "2026-2027"},
	}}
	locks := &mockSweepLocks{}
	svc, _, _ := newTestPeriodService(repo, locks, now)

	period, err := svc.ActivePeriod(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", period.ID)
	require.NotNil(t, locks.cached)

	// Served from cache even after the row changes underneath.
	repo.mu.Lock()
	delete(repo.periods, "p1")
	repo.mu.Unlock()
	cached, err := svc.ActivePeriod(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "p1", cached.ID)
}

func TestPeriodServiceUpdateOnlyUpcoming(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	repo := &mockPeriodStore{periods: map[string]models.EnrollmentPeriod{
		"p1": {ID: "p1", Status: models.PeriodStatusActive, StartDate: day(1), EndDate: day(30), RegularRegDeadline: day(15)},
	}}
	svc, _, _ := newTestPeriodService(repo, &mockSweepLocks{}, now)

	_, err := svc.Update(context.Background(), "p1", UpdatePeriodRequest{
		StartDate: day(2), EndDate: day(28), RegularRegDeadline: day(14),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
