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

	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/internal/repository"
	appErrors "github.com/hbics/dismissal-api/pkg/errors"
)

type rosterRepository interface {
	CheckIn(ctx context.Context, studentID string, actorID *string) (*models.ActiveEntry, error)
	CheckOut(ctx context.Context, studentID string, actorID *string) (time.Time, error)
	FindActiveByStudent(ctx context.Context, studentID string) (*models.ActiveEntry, error)
	ListActive(ctx context.Context, sort models.RosterSort) ([]models.ActiveStudent, error)
	ClearAll(ctx context.Context) (int, error)
	ClearOne(ctx context.Context, studentID string, actorID *string) error
	RecentLogs(ctx context.Context, limit int) ([]models.DismissalLogDetail, error)
	TodayActivity(ctx context.Context) (*models.TodayActivity, error)
	StudentHistory(ctx context.Context, studentID string, limit int) ([]models.DismissalLog, error)
}

type studentLookup interface {
	FindByBarcode(ctx context.Context, barcode string) (*models.Student, error)
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type rosterCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Broadcaster pushes roster events to connected dashboard sessions. Delivery
// is advisory: implementations must never block and a failed push must never
// affect the committed transition that triggered it.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// ScanRequest carries a scanned barcode.
type ScanRequest struct {
	Barcode string `json:"barcode" validate:"required"`
}

// StudentSummary is the identity echo returned from a scan.
type StudentSummary struct {
	ID        string `json:"id"`
	Barcode   string `json:"barcode"`
	FullName  string `json:"full_name"`
	ClassName string `json:"class_name"`
}

// ScanResult is the response to a successful check-in or check-out.
type ScanResult struct {
	Student   StudentSummary `json:"student"`
	Timestamp time.Time      `json:"timestamp"`
}

// ClearResult reports how many roster entries a bulk clear removed.
type ClearResult struct {
	Cleared int `json:"cleared"`
}

const activeRosterCacheKey = "roster:active:%s"

// RosterService is the check-in/check-out state machine. The uniqueness
// constraint in the store serialises racing scans; this layer maps store
// outcomes to business results and triggers broadcasts after commit.
type RosterService struct {
	repo      rosterRepository
	students  studentLookup
	cache     rosterCache
	audit     auditWriter
	events    Broadcaster
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	cacheTTL  time.Duration
	logLimit  int
}

// NewRosterService constructs the roster service. defaultLogLimit caps the
// Logs page size when the request leaves it unset.
func NewRosterService(repo rosterRepository, students studentLookup, cache rosterCache, audit auditWriter, events Broadcaster, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger, cacheTTL time.Duration, defaultLogLimit int) *RosterService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultLogLimit <= 0 {
		defaultLogLimit = 50
	}
	return &RosterService{
		repo:      repo,
		students:  students,
		cache:     cache,
		audit:     audit,
		events:    events,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
		cacheTTL:  cacheTTL,
		logLimit:  defaultLogLimit,
	}
}

// CheckIn marks a student as on-site awaiting pickup. A student already on the
// roster is rejected terminally; racing duplicates lose on the store's unique
// constraint and surface the same rejection.
func (s *RosterService) CheckIn(ctx context.Context, req ScanRequest, actor *models.JWTClaims) (*ScanResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "barcode is required")
	}

	student, err := s.students.FindByBarcode(ctx, req.Barcode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordTransition(string(models.ActionCheckIn), "not_found")
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		s.metrics.RecordTransition(string(models.ActionCheckIn), "error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
	}

	entry, err := s.repo.CheckIn(ctx, student.ID, actorIDOf(actor))
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateActive) {
			s.metrics.RecordTransition(string(models.ActionCheckIn), "conflict")
			return nil, appErrors.Clone(appErrors.ErrAlreadyCheckedIn, "")
		}
		s.metrics.RecordTransition(string(models.ActionCheckIn), "error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check in student")
	}
	s.metrics.RecordTransition(string(models.ActionCheckIn), "success")

	s.invalidateRosterCache(ctx)
	s.events.Broadcast(models.EventStudentCheckedIn, models.ActiveStudent{
		StudentID:   student.ID,
		Barcode:     student.Barcode,
		FullName:    student.FullName,
		ClassName:   student.ClassName,
		PhotoURL:    student.PhotoURL,
		SoundURL:    student.SoundURL,
		CheckedInAt: entry.CheckedInAt,
	})

	s.logger.Info("student checked in",
		zap.String("student_id", student.ID),
		zap.String("barcode", student.Barcode))
	return &ScanResult{Student: summaryOf(student), Timestamp: entry.CheckedInAt}, nil
}

// CheckOut releases a student from the roster. A student who is not on the
// roster is rejected terminally.
func (s *RosterService) CheckOut(ctx context.Context, req ScanRequest, actor *models.JWTClaims) (*ScanResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "barcode is required")
	}

	student, err := s.students.FindByBarcode(ctx, req.Barcode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordTransition(string(models.ActionCheckOut), "not_found")
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		s.metrics.RecordTransition(string(models.ActionCheckOut), "error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
	}

	checkedOutAt, err := s.repo.CheckOut(ctx, student.ID, actorIDOf(actor))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordTransition(string(models.ActionCheckOut), "conflict")
			return nil, appErrors.Clone(appErrors.ErrNotCheckedIn, "")
		}
		s.metrics.RecordTransition(string(models.ActionCheckOut), "error")
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check out student")
	}
	s.metrics.RecordTransition(string(models.ActionCheckOut), "success")

	s.invalidateRosterCache(ctx)
	s.events.Broadcast(models.EventStudentCheckedOut, models.CheckedOutPayload{Barcode: student.Barcode})

	s.logger.Info("student checked out",
		zap.String("student_id", student.ID),
		zap.String("barcode", student.Barcode))
	return &ScanResult{Student: summaryOf(student), Timestamp: checkedOutAt}, nil
}

// Active returns the enriched roster in the requested display order, serving
// from the short-lived cache when possible. The second return reports whether
// the cache served the read.
func (s *RosterService) Active(ctx context.Context, sort models.RosterSort) ([]models.ActiveStudent, bool, error) {
	if sort != models.RosterSortRecent {
		sort = models.RosterSortClass
	}
	key := fmt.Sprintf(activeRosterCacheKey, sort)

	if s.cache != nil {
		start := time.Now()
		var cached []models.ActiveStudent
		err := s.cache.Get(ctx, key, &cached)
		s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		if err == nil {
			return cached, true, nil
		}
		if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("roster cache read failed", zap.Error(err))
		}
	}

	roster, err := s.repo.ListActive(ctx, sort)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active roster")
	}

	if s.cache != nil && s.cacheTTL > 0 {
		if err := s.cache.Set(ctx, key, roster, s.cacheTTL); err != nil {
			s.logger.Warn("roster cache write failed", zap.Error(err))
		}
	}
	return roster, false, nil
}

// Snapshot returns the authoritative roster for push-channel resyncs.
func (s *RosterService) Snapshot(ctx context.Context) ([]models.ActiveStudent, error) {
	roster, _, err := s.Active(ctx, models.RosterSortRecent)
	return roster, err
}

// Status reports whether the student behind a barcode is currently active.
// Scanners whose request timed out consult this before retrying.
func (s *RosterService) Status(ctx context.Context, barcode string) (*models.StudentStatus, error) {
	if barcode == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "barcode is required")
	}
	student, err := s.students.FindByBarcode(ctx, barcode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
	}

	status := &models.StudentStatus{Student: *student}
	entry, err := s.repo.FindActiveByStudent(ctx, student.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roster entry")
		}
		return status, nil
	}
	status.IsActive = true
	status.CheckedInAt = &entry.CheckedInAt
	return status, nil
}

// ClearAll performs the end-of-day bulk check-out. It appends no per-student
// log rows; the clear itself is recorded once in the audit trail with the
// count and the acting user. Connected dashboards receive an empty snapshot.
func (s *RosterService) ClearAll(ctx context.Context, actor *models.JWTClaims) (*ClearResult, error) {
	cleared, err := s.repo.ClearAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear active roster")
	}

	s.invalidateRosterCache(ctx)
	s.recordAudit(ctx, actor, models.AuditActionRosterClear, nil, map[string]interface{}{"cleared": cleared})
	s.events.Broadcast(models.EventActiveStudents, []models.ActiveStudent{})

	s.logger.Info("active roster cleared", zap.Int("cleared", cleared))
	return &ClearResult{Cleared: cleared}, nil
}

// ClearSingle removes one roster entry out-of-band from scanning, e.g. an
// admin correcting an erroneous check-in. Unlike ClearAll it appends a
// check_out log row so the student's trail keeps alternating.
func (s *RosterService) ClearSingle(ctx context.Context, studentID string, actor *models.JWTClaims) error {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
	}

	if err := s.repo.ClearOne(ctx, student.ID, actorIDOf(actor)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student has no active entry")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear roster entry")
	}

	s.invalidateRosterCache(ctx)
	s.recordAudit(ctx, actor, models.AuditActionRosterCorrect, &student.ID, map[string]interface{}{"barcode": student.Barcode})
	s.events.Broadcast(models.EventStudentCheckedOut, models.CheckedOutPayload{Barcode: student.Barcode})
	return nil
}

// Logs returns the newest dismissal log rows with student details.
func (s *RosterService) Logs(ctx context.Context, limit int) ([]models.DismissalLogDetail, error) {
	if limit <= 0 || limit > 500 {
		limit = s.logLimit
	}
	logs, err := s.repo.RecentLogs(ctx, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load dismissal logs")
	}
	return logs, nil
}

// Today summarises the current day's dismissal traffic.
func (s *RosterService) Today(ctx context.Context) (*models.TodayActivity, error) {
	activity, err := s.repo.TodayActivity(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load today's activity")
	}
	return activity, nil
}

// History returns one student's dismissal trail, newest first.
func (s *RosterService) History(ctx context.Context, studentID string, limit int) ([]models.DismissalLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up student")
	}
	history, err := s.repo.StudentHistory(ctx, studentID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student history")
	}
	return history, nil
}

func (s *RosterService) invalidateRosterCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, "roster:active:*"); err != nil {
		s.logger.Warn("roster cache invalidation failed", zap.Error(err))
	}
}

func (s *RosterService) recordAudit(ctx context.Context, actor *models.JWTClaims, action string, resourceID *string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	payload, _ := json.Marshal(values)
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "roster",
		ResourceID: resourceID,
		NewValues:  payload,
	}
	if actor != nil {
		entry.UserID = &actor.UserID
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record roster audit log", zap.Error(err))
	}
}

func actorIDOf(actor *models.JWTClaims) *string {
	if actor == nil || actor.UserID == "" {
		return nil
	}
	return &actor.UserID
}

func summaryOf(student *models.Student) StudentSummary {
	return StudentSummary{
		ID:        student.ID,
		Barcode:   student.Barcode,
		FullName:  student.FullName,
		ClassName: student.ClassName,
	}
}
