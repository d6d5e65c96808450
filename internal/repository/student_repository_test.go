package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbics/dismissal-api/internal/models"
)

func newStudentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func studentRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"id", "barcode", "full_name", "class_name", "photo_url", "sound_url", "active", "created_at", "updated_at"}).
		AddRow("student-1", "HB-0001", "Amira Hassan", "KG2-A", nil, nil, true, now, now)
}

func TestStudentRepositoryFindByBarcode(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, barcode, full_name, class_name, photo_url, sound_url, active, created_at, updated_at FROM students WHERE barcode = $1")).
		WithArgs("HB-0001").
		WillReturnRows(studentRows())

	student, err := repo.FindByBarcode(context.Background(), "HB-0001")
	require.NoError(t, err)
	assert.Equal(t, "student-1", student.ID)
	assert.Equal(t, "Amira Hassan", student.FullName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryListWithFilters(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)
	active := true

	mock.ExpectQuery("SELECT id, barcode, .+ FROM students WHERE 1=1 AND class_name = \\$1 AND active = \\$2 AND \\(LOWER\\(full_name\\) LIKE \\$3 OR LOWER\\(barcode\\) LIKE \\$3\\)").
		WithArgs("KG2-A", true, "%amira%").
		WillReturnRows(studentRows())
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM students WHERE 1=1").
		WithArgs("KG2-A", true, "%amira%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	students, total, err := repo.List(context.Background(), models.StudentFilter{
		ClassName: "KG2-A",
		Active:    &active,
		Search:    "Amira",
	})
	require.NoError(t, err)
	require.Len(t, students, 1)
	assert.Equal(t, 1, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryExistsByBarcode(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE barcode = $1 LIMIT 1")).
		WithArgs("HB-0001").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsByBarcode(context.Background(), "HB-0001", "")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryExistsByBarcodeExcludesID(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM students WHERE barcode = $1 AND id <> $2 LIMIT 1")).
		WithArgs("HB-0001", "student-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	exists, err := repo.ExistsByBarcode(context.Background(), "HB-0001", "student-1")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryCreateAssignsID(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec("INSERT INTO students").
		WillReturnResult(sqlmock.NewResult(0, 1))

	student := &models.Student{Barcode: "HB-0001", FullName: "Amira Hassan", ClassName: "KG2-A", Active: true}
	require.NoError(t, repo.Create(context.Background(), student))
	assert.NotEmpty(t, student.ID)
	assert.False(t, student.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStudentRepositoryDeactivate(t *testing.T) {
	db, mock, cleanup := newStudentRepoMock(t)
	defer cleanup()
	repo := NewStudentRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE students SET active = false, updated_at = $2 WHERE id = $1")).
		WithArgs("student-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Deactivate(context.Background(), "student-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
