package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sis-registrar-api/internal/models"
	appErrors "github.com/noah-isme/sis-registrar-api/pkg/errors"
)

type mockFeeScheduleStore struct {
	schedules   []models.FeeSchedule
	deactivated []string
}

func (m *mockFeeScheduleStore) FindActive(ctx context.Context, gradeLevel, schoolYear string) (*models.FeeSchedule, error) {
	for _, s := range m.schedules {
		if s.GradeLevel == gradeLevel && s.SchoolYear == schoolYear && s.Active {
			schedule := s
			return &schedule, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockFeeScheduleStore) List(ctx context.Context, filter models.FeeScheduleFilter) ([]models.FeeSchedule, int, error) {
	return m.schedules, len(m.schedules), nil
}

func (m *mockFeeScheduleStore) Create(ctx context.Context, schedule *models.FeeSchedule) error {
	schedule.ID = "fs-new"
	schedule.Active = true
	// A new schedule for the pair retires the old one.
	for i := range m.schedules {
		if m.schedules[i].GradeLevel == schedule.GradeLevel && m.schedules[i].SchoolYear == schedule.SchoolYear {
			m.schedules[i].Active = false
		}
	}
	m.schedules = append(m.schedules, *schedule)
	return nil
}

func (m *mockFeeScheduleStore) Deactivate(ctx context.Context, id string) error {
	m.deactivated = append(m.deactivated, id)
	for i := range m.schedules {
		if m.schedules[i].ID == id {
			m.schedules[i].Active = false
		}
	}
	return nil
}

func TestFeeServiceResolve(t *testing.T) {
	store := &mockFeeScheduleStore{schedules: []models.FeeSchedule{
		{ID: "fs-1", GradeLevel: "Grade 7", SchoolYear: "2026-2027", Tuition: 2000000, Misc: 300000, Other: 200000, Active: true},
	}}
	svc := NewFeeService(store, validator.New(), zap.NewNop())

	fees, err := svc.Resolve(context.Background(), "Grade 7", "2026-2027")
	require.NoError(t, err)
	assert.Equal(t, int64(2000000), fees.Tuition)
	assert.Equal(t, int64(2500000), fees.Total())
}

func TestFeeServiceResolveMissing(t *testing.T) {
	svc := NewFeeService(&mockFeeScheduleStore{}, validator.New(), zap.NewNop())

	_, err := svc.Resolve(context.Background(), "Grade 12", "2026-2027")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNoFeeSchedule.Code, appErrors.FromError(err).Code)

	_, err = svc.Resolve(context.Background(), "", "2026-2027")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestFeeServiceCreateRetiresPrior(t *testing.T) {
	store := &mockFeeScheduleStore{schedules: []models.FeeSchedule{
		{ID: "fs-1", GradeLevel: "Grade 7", SchoolYear: "2026-2027", Tuition: 1800000, Misc: 250000, Active: true},
	}}
	svc := NewFeeService(store, validator.New(), zap.NewNop())

	created, err := svc.Create(context.Background(), CreateFeeScheduleRequest{
		GradeLevel: "Grade 7", SchoolYear: "2026-2027", Tuition: 2000000, Misc: 300000, Other: 200000,
	})
	require.NoError(t, err)
	assert.True(t, created.Active)

	fees, err := svc.Resolve(context.Background(), "Grade 7", "2026-2027")
	require.NoError(t, err)
	assert.Equal(t, int64(2000000), fees.Tuition)
}

func TestFeeServiceCreateRejectsNegative(t *testing.T) {
	svc := NewFeeService(&mockFeeScheduleStore{}, validator.New(), zap.NewNop())

	_, err := svc.Create(context.Background(), CreateFeeScheduleRequest{
		GradeLevel: "Grade 7", SchoolYear: "2026-2027", Tuition: -1,
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}
