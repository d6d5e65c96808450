package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hbics/dismissal-api/internal/models"
)

// ErrDuplicateActive signals that the roster already holds an entry for the
// student. It is produced by the UNIQUE constraint on active_students.student_id,
// which is what serialises concurrent check-ins for the same barcode.
var ErrDuplicateActive = errors.New("active roster entry already exists")

const pqUniqueViolation = "23505"

// RosterRepository owns the active roster table and the append-only dismissal
// log. Every transition is a single transaction covering both tables, so a
// committed roster change always has exactly one matching log row.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs a RosterRepository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// CheckIn inserts an active entry and its check_in log row atomically.
// A concurrent duplicate surfaces as ErrDuplicateActive, never as a second
// successful insert.
func (r *RosterRepository) CheckIn(ctx context.Context, studentID string, actorID *string) (*models.ActiveEntry, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin check-in: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback() //nolint:errcheck
		}
	}()

	now := time.Now().UTC()
	entry := &models.ActiveEntry{
		ID:          uuid.NewString(),
		StudentID:   studentID,
		CheckedInAt: now,
	}
	const insertEntry = `INSERT INTO active_students (id, student_id, checked_in_at) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insertEntry, entry.ID, entry.StudentID, entry.CheckedInAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return nil, ErrDuplicateActive
		}
		return nil, fmt.Errorf("insert active entry: %w", err)
	}

	if err := appendLog(ctx, tx, studentID, models.ActionCheckIn, now, actorID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit check-in: %w", err)
	}
	commit = true
	return entry, nil
}

// CheckOut removes the student's active entry and appends its check_out log
// row atomically. Returns sql.ErrNoRows when the student is not checked in.
func (r *RosterRepository) CheckOut(ctx context.Context, studentID string, actorID *string) (time.Time, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("begin check-out: %w", err)
	}
	commit := false
	defer func() {
		if !commit {
			tx.Rollback() //nolint:errcheck
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM active_students WHERE student_id = $1`, studentID)
	if err != nil {
		return time.Time{}, fmt.Errorf("delete active entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, fmt.Errorf("check-out rows affected: %w", err)
	}
	if affected == 0 {
		return time.Time{}, sql.ErrNoRows
	}

	now := time.Now().UTC()
	if err := appendLog(ctx, tx, studentID, models.ActionCheckOut, now, actorID); err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, fmt.Errorf("commit check-out: %w", err)
	}
	commit = true
	return now, nil
}

// FindActiveByStudent returns the active entry for a student, or sql.ErrNoRows.
func (r *RosterRepository) FindActiveByStudent(ctx context.Context, studentID string) (*models.ActiveEntry, error) {
	const query = `SELECT id, student_id, checked_in_at FROM active_students WHERE student_id = $1`
	var entry models.ActiveEntry
	if err := r.db.GetContext(ctx, &entry, query, studentID); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListActive returns the enriched roster. Ordering is a display policy:
// class+name for scanning dashboards, newest-first for arrival boards.
func (r *RosterRepository) ListActive(ctx context.Context, sort models.RosterSort) ([]models.ActiveStudent, error) {
	orderBy := "s.class_name ASC, s.full_name ASC"
	if sort == models.RosterSortRecent {
		orderBy = "a.checked_in_at DESC"
	}
	query := fmt.Sprintf(`SELECT s.id AS student_id, s.barcode, s.full_name, s.class_name, s.photo_url, s.sound_url, a.checked_in_at
        FROM students s
        INNER JOIN active_students a ON a.student_id = s.id
        ORDER BY %s`, orderBy)

	roster := make([]models.ActiveStudent, 0)
	if err := r.db.SelectContext(ctx, &roster, query); err != nil {
		return nil, fmt.Errorf("list active roster: %w", err)
	}
	return roster, nil
}

// ClearAll removes every active entry and returns the number cleared. The bulk
// clear itself is audited by the caller; it intentionally appends no
// per-student log rows, matching the end-of-day reset semantics.
func (r *RosterRepository) ClearAll(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM active_students`)
	if err != nil {
		return 0, fmt.Errorf("clear active roster: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear rows affected: %w", err)
	}
	return int(affected), nil
}

// ClearOne removes a single active entry out-of-band from scanning, appending
// a check_out log row so the student's audit trail keeps alternating.
// Returns sql.ErrNoRows when no entry exists.
func (r *RosterRepository) ClearOne(ctx context.Context, studentID string, actorID *string) error {
	_, err := r.CheckOut(ctx, studentID, actorID)
	return err
}

// RecentLogs returns the newest log rows joined with student details.
func (r *RosterRepository) RecentLogs(ctx context.Context, limit int) ([]models.DismissalLogDetail, error) {
	const query = `SELECT dl.id, dl.student_id, dl.action, dl.recorded_at, dl.actor_id, s.barcode, s.full_name, s.class_name
        FROM dismissal_logs dl
        INNER JOIN students s ON s.id = dl.student_id
        ORDER BY dl.recorded_at DESC
        LIMIT $1`
	logs := make([]models.DismissalLogDetail, 0)
	if err := r.db.SelectContext(ctx, &logs, query, limit); err != nil {
		return nil, fmt.Errorf("list dismissal logs: %w", err)
	}
	return logs, nil
}

// LogsForRange returns log rows recorded within [from, to), optionally scoped
// to one class. Rows come back oldest first, the order exports are read in.
func (r *RosterRepository) LogsForRange(ctx context.Context, from, to time.Time, className *string) ([]models.DismissalLogDetail, error) {
	query := `SELECT dl.id, dl.student_id, dl.action, dl.recorded_at, dl.actor_id, s.barcode, s.full_name, s.class_name
        FROM dismissal_logs dl
        INNER JOIN students s ON s.id = dl.student_id
        WHERE dl.recorded_at >= $1 AND dl.recorded_at < $2`
	args := []interface{}{from, to}
	if className != nil && *className != "" {
		query += " AND s.class_name = $3"
		args = append(args, *className)
	}
	query += " ORDER BY dl.recorded_at ASC"

	logs := make([]models.DismissalLogDetail, 0)
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, fmt.Errorf("list dismissal logs for range: %w", err)
	}
	return logs, nil
}

// TodayActivity returns today's log rows and per-action counts.
func (r *RosterRepository) TodayActivity(ctx context.Context) (*models.TodayActivity, error) {
	const query = `SELECT dl.id, dl.student_id, dl.action, dl.recorded_at, dl.actor_id, s.barcode, s.full_name, s.class_name
        FROM dismissal_logs dl
        INNER JOIN students s ON s.id = dl.student_id
        WHERE dl.recorded_at >= date_trunc('day', now())
        ORDER BY dl.recorded_at DESC`
	entries := make([]models.DismissalLogDetail, 0)
	if err := r.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("today activity: %w", err)
	}
	activity := &models.TodayActivity{Entries: entries}
	for _, e := range entries {
		switch e.Action {
		case models.ActionCheckIn:
			activity.CheckIns++
		case models.ActionCheckOut:
			activity.CheckOuts++
		}
	}
	return activity, nil
}

// StudentHistory returns a single student's log rows, newest first.
func (r *RosterRepository) StudentHistory(ctx context.Context, studentID string, limit int) ([]models.DismissalLog, error) {
	const query = `SELECT id, student_id, action, recorded_at, actor_id
        FROM dismissal_logs
        WHERE student_id = $1
        ORDER BY recorded_at DESC
        LIMIT $2`
	logs := make([]models.DismissalLog, 0)
	if err := r.db.SelectContext(ctx, &logs, query, studentID, limit); err != nil {
		return nil, fmt.Errorf("student history: %w", err)
	}
	return logs, nil
}

func appendLog(ctx context.Context, tx *sqlx.Tx, studentID string, action models.DismissalAction, at time.Time, actorID *string) error {
	const query = `INSERT INTO dismissal_logs (id, student_id, action, recorded_at, actor_id) VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, query, uuid.NewString(), studentID, action, at, actorID); err != nil {
		return fmt.Errorf("append %s log: %w", action, err)
	}
	return nil
}
