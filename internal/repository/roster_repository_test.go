package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbics/dismissal-api/internal/models"
)

func newRosterRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestRosterRepositoryCheckIn(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO active_students (id, student_id, checked_in_at) VALUES ($1, $2, $3)")).
		WithArgs(sqlmock.AnyArg(), "student-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dismissal_logs (id, student_id, action, recorded_at, actor_id) VALUES ($1, $2, $3, $4, $5)")).
		WithArgs(sqlmock.AnyArg(), "student-1", models.ActionCheckIn, sqlmock.AnyArg(), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := repo.CheckIn(context.Background(), "student-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "student-1", entry.StudentID)
	assert.False(t, entry.CheckedInAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryCheckInDuplicate(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO active_students")).
		WithArgs(sqlmock.AnyArg(), "student-1", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := repo.CheckIn(context.Background(), "student-1", nil)
	require.ErrorIs(t, err, ErrDuplicateActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryCheckInRollsBackOnLogFailure(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO active_students")).
		WithArgs(sqlmock.AnyArg(), "student-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dismissal_logs")).
		WithArgs(sqlmock.AnyArg(), "student-1", models.ActionCheckIn, sqlmock.AnyArg(), nil).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.CheckIn(context.Background(), "student-1", nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryCheckOut(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)
	actor := "user-1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM active_students WHERE student_id = $1")).
		WithArgs("student-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dismissal_logs")).
		WithArgs(sqlmock.AnyArg(), "student-1", models.ActionCheckOut, sqlmock.AnyArg(), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	checkedOutAt, err := repo.CheckOut(context.Background(), "student-1", &actor)
	require.NoError(t, err)
	assert.False(t, checkedOutAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryCheckOutNotActive(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM active_students WHERE student_id = $1")).
		WithArgs("student-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.CheckOut(context.Background(), "student-1", nil)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryListActiveByClass(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"student_id", "barcode", "full_name", "class_name", "photo_url", "sound_url", "checked_in_at"}).
		AddRow("student-1", "HB-0001", "Amira Hassan", "KG2-A", nil, nil, now).
		AddRow("student-2", "HB-0002", "Omar Saleh", "G1-B", nil, nil, now)
	mock.ExpectQuery("SELECT s.id AS student_id, .+ ORDER BY s.class_name ASC, s.full_name ASC").
		WillReturnRows(rows)

	roster, err := repo.ListActive(context.Background(), models.RosterSortClass)
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "HB-0001", roster[0].Barcode)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryListActiveRecent(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	rows := sqlmock.NewRows([]string{"student_id", "barcode", "full_name", "class_name", "photo_url", "sound_url", "checked_in_at"})
	mock.ExpectQuery("SELECT s.id AS student_id, .+ ORDER BY a.checked_in_at DESC").
		WillReturnRows(rows)

	roster, err := repo.ListActive(context.Background(), models.RosterSortRecent)
	require.NoError(t, err)
	assert.Empty(t, roster)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryClearAll(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM active_students")).
		WillReturnResult(sqlmock.NewResult(0, 3))

	cleared, err := repo.ClearAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryFindActiveByStudent(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "checked_in_at"}).
		AddRow("entry-1", "student-1", time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, checked_in_at FROM active_students WHERE student_id = $1")).
		WithArgs("student-1").
		WillReturnRows(rows)

	entry, err := repo.FindActiveByStudent(context.Background(), "student-1")
	require.NoError(t, err)
	assert.Equal(t, "entry-1", entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryTodayActivityCounts(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "student_id", "action", "recorded_at", "actor_id", "barcode", "full_name", "class_name"}).
		AddRow("log-3", "student-1", models.ActionCheckOut, now, nil, "HB-0001", "Amira Hassan", "KG2-A").
		AddRow("log-2", "student-2", models.ActionCheckIn, now, nil, "HB-0002", "Omar Saleh", "G1-B").
		AddRow("log-1", "student-1", models.ActionCheckIn, now, nil, "HB-0001", "Amira Hassan", "KG2-A")
	mock.ExpectQuery("SELECT dl.id, .+ WHERE dl.recorded_at >= date_trunc").
		WillReturnRows(rows)

	activity, err := repo.TodayActivity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, activity.CheckIns)
	assert.Equal(t, 1, activity.CheckOuts)
	assert.Len(t, activity.Entries, 3)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryStudentHistory(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "action", "recorded_at", "actor_id"}).
		AddRow("log-2", "student-1", models.ActionCheckOut, time.Now(), nil).
		AddRow("log-1", "student-1", models.ActionCheckIn, time.Now(), nil)
	mock.ExpectQuery("SELECT id, student_id, action, recorded_at, actor_id").
		WithArgs("student-1", 20).
		WillReturnRows(rows)

	logs, err := repo.StudentHistory(context.Background(), "student-1", 20)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.ActionCheckOut, logs[0].Action)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryLogsForRange(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	rows := sqlmock.NewRows([]string{"id", "student_id", "action", "recorded_at", "actor_id", "barcode", "full_name", "class_name"}).
		AddRow("log-1", "student-1", models.ActionCheckIn, from.Add(time.Hour), nil, "HB-0001", "Amira Hassan", "KG2-A")
	mock.ExpectQuery("SELECT dl.id, .+ WHERE dl.recorded_at >= \\$1 AND dl.recorded_at < \\$2 ORDER BY dl.recorded_at ASC").
		WithArgs(from, to).
		WillReturnRows(rows)

	logs, err := repo.LogsForRange(context.Background(), from, to, nil)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "KG2-A", logs[0].ClassName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRosterRepositoryLogsForRangeByClass(t *testing.T) {
	db, mock, cleanup := newRosterRepoMock(t)
	defer cleanup()
	repo := NewRosterRepository(db)

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	class := "KG2-A"

	rows := sqlmock.NewRows([]string{"id", "student_id", "action", "recorded_at", "actor_id", "barcode", "full_name", "class_name"})
	mock.ExpectQuery("SELECT dl.id, .+ AND s.class_name = \\$3 ORDER BY dl.recorded_at ASC").
		WithArgs(from, to, class).
		WillReturnRows(rows)

	logs, err := repo.LogsForRange(context.Background(), from, to, &class)
	require.NoError(t, err)
	assert.Empty(t, logs)
	require.NoError(t, mock.ExpectationsWereMet())
}
