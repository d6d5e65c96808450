package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/models"
	appErrors "github.com/hbics/dismissal-api/pkg/errors"
)

type mockStudentRepo struct {
	students        map[string]models.Student
	existsByBarcode map[string]string
	deactivated     []string
	lastFilter      models.StudentFilter
	listTotal       int
	err             error
}

func (m *mockStudentRepo) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	m.lastFilter = filter
	if m.err != nil {
		return nil, 0, m.err
	}
	out := make([]models.Student, 0, len(m.students))
	for _, s := range m.students {
		out = append(out, s)
	}
	return out, m.listTotal, nil
}

func (m *mockStudentRepo) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := m.students[id]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockStudentRepo) ExistsByBarcode(ctx context.Context, barcode string, excludeID string) (bool, error) {
	if id, ok := m.existsByBarcode[barcode]; ok {
		if excludeID == "" || id != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStudentRepo) Create(ctx context.Context, student *models.Student) error {
	if m.students == nil {
		m.students = make(map[string]models.Student)
	}
	if student.ID == "" {
		student.ID = "generated"
	}
	m.students[student.ID] = *student
	return nil
}

func (m *mockStudentRepo) Update(ctx context.Context, student *models.Student) error {
	if m.students == nil {
		m.students = make(map[string]models.Student)
	}
	m.students[student.ID] = *student
	return nil
}

func (m *mockStudentRepo) Deactivate(ctx context.Context, id string) error {
	m.deactivated = append(m.deactivated, id)
	if s, ok := m.students[id]; ok {
		s.Active = false
		m.students[id] = s
	}
	return nil
}

func TestStudentServiceCreate(t *testing.T) {
	repo := &mockStudentRepo{existsByBarcode: make(map[string]string)}
	svc := NewStudentService(repo, validator.New(), zap.NewNop())

	student, err := svc.Create(context.Background(), CreateStudentRequest{
		Barcode:   "HB-0042",
		FullName:  "Omar Saleh",
		ClassName: "G1-B",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, student.ID)
	assert.True(t, student.Active)
	assert.Equal(t, "HB-0042", student.Barcode)
}

func TestStudentServiceCreateDuplicateBarcode(t *testing.T) {
	repo := &mockStudentRepo{existsByBarcode: map[string]string{"HB-0042": "other-student"}}
	svc := NewStudentService(repo, validator.New(), zap.NewNop())

	_, err := svc.Create(context.Background(), CreateStudentRequest{
		Barcode:   "HB-0042",
		FullName:  "Omar Saleh",
		ClassName: "G1-B",
	})

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
}

func TestStudentServiceCreateValidation(t *testing.T) {
	svc := NewStudentService(&mockStudentRepo{}, validator.New(), zap.NewNop())

	_, err := svc.Create(context.Background(), CreateStudentRequest{Barcode: "HB-0042"})

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestStudentServiceUpdate(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"student-1": {ID: "student-1", Barcode: "HB-0042", FullName: "Omar Saleh", ClassName: "G1-B", Active: true},
		},
		existsByBarcode: map[string]string{"HB-0042": "student-1"},
	}
	svc := NewStudentService(repo, validator.New(), zap.NewNop())

	updated, err := svc.Update(context.Background(), "student-1", UpdateStudentRequest{
		Barcode:   "HB-0042",
		FullName:  "Omar K. Saleh",
		ClassName: "G2-A",
		Active:    true,
	})

	require.NoError(t, err)
	assert.Equal(t, "Omar K. Saleh", updated.FullName)
	assert.Equal(t, "G2-A", updated.ClassName)
}

func TestStudentServiceUpdateNotFound(t *testing.T) {
	svc := NewStudentService(&mockStudentRepo{}, validator.New(), zap.NewNop())

	_, err := svc.Update(context.Background(), "missing", UpdateStudentRequest{
		Barcode:   "HB-0042",
		FullName:  "Omar Saleh",
		ClassName: "G1-B",
	})

	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)
}

func TestStudentServiceDeactivate(t *testing.T) {
	repo := &mockStudentRepo{
		students: map[string]models.Student{
			"student-1": {ID: "student-1", Barcode: "HB-0042", Active: true},
		},
	}
	svc := NewStudentService(repo, validator.New(), zap.NewNop())

	require.NoError(t, svc.Deactivate(context.Background(), "student-1"))
	assert.Contains(t, repo.deactivated, "student-1")
	assert.False(t, repo.students["student-1"].Active)
}

func TestStudentServiceListPaginationDefaults(t *testing.T) {
	repo := &mockStudentRepo{listTotal: 3}
	svc := NewStudentService(repo, validator.New(), zap.NewNop())

	_, pagination, err := svc.List(context.Background(), models.StudentFilter{})

	require.NoError(t, err)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 100, pagination.PageSize)
	assert.Equal(t, 3, pagination.TotalCount)
}
