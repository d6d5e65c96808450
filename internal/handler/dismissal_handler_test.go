package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hbics/dismissal-api/internal/middleware"
	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/internal/service"
	appErrors "github.com/hbics/dismissal-api/pkg/errors"
)

type fakeRosterSrv struct {
	checkInRes  *service.ScanResult
	checkInErr  error
	checkOutRes *service.ScanResult
	checkOutErr error
	active      []models.ActiveStudent
	activeSort  models.RosterSort
	activeHit   bool
	status      *models.StudentStatus
	statusErr   error
	clearRes    *service.ClearResult
	clearOneErr error
	logs        []models.DismissalLogDetail
	today       *models.TodayActivity
	history     []models.DismissalLog
	lastActor   *models.JWTClaims
}

func (f *fakeRosterSrv) CheckIn(_ context.Context, req service.ScanRequest, actor *models.JWTClaims) (*service.ScanResult, error) {
	f.lastActor = actor
	return f.checkInRes, f.checkInErr
}

func (f *fakeRosterSrv) CheckOut(_ context.Context, req service.ScanRequest, actor *models.JWTClaims) (*service.ScanResult, error) {
	f.lastActor = actor
	return f.checkOutRes, f.checkOutErr
}

func (f *fakeRosterSrv) Active(_ context.Context, sort models.RosterSort) ([]models.ActiveStudent, bool, error) {
	f.activeSort = sort
	return f.active, f.activeHit, nil
}

func (f *fakeRosterSrv) Status(_ context.Context, barcode string) (*models.StudentStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeRosterSrv) ClearAll(_ context.Context, actor *models.JWTClaims) (*service.ClearResult, error) {
	f.lastActor = actor
	return f.clearRes, nil
}

func (f *fakeRosterSrv) ClearSingle(_ context.Context, studentID string, actor *models.JWTClaims) error {
	return f.clearOneErr
}

func (f *fakeRosterSrv) Logs(_ context.Context, limit int) ([]models.DismissalLogDetail, error) {
	return f.logs, nil
}

func (f *fakeRosterSrv) Today(_ context.Context) (*models.TodayActivity, error) {
	return f.today, nil
}

func (f *fakeRosterSrv) History(_ context.Context, studentID string, limit int) ([]models.DismissalLog, error) {
	return f.history, nil
}

func TestDismissalHandlerCheckInSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeRosterSrv{checkInRes: &service.ScanResult{
		Student:   service.StudentSummary{ID: "student-1", Barcode: "HB-0001", FullName: "Amira Hassan"},
		Timestamp: time.Now().UTC(),
	}}
	handler := NewDismissalHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/dismissal/check-in", strings.NewReader(`{"barcode":"HB-0001"}`))
	c.Request.Header.Set("Content-Type", "application/json")
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "user-1"})

	handler.CheckIn(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, srv.lastActor)
	assert.Equal(t, "user-1", srv.lastActor.UserID)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	student := envelope.Data["student"].(map[string]interface{})
	assert.Equal(t, "HB-0001", student["barcode"])
}

func TestDismissalHandlerCheckInInvalidBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDismissalHandler(&fakeRosterSrv{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/dismissal/check-in", strings.NewReader(`{`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CheckIn(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDismissalHandlerCheckInAlreadyCheckedIn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDismissalHandler(&fakeRosterSrv{checkInErr: appErrors.ErrAlreadyCheckedIn})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/dismissal/check-in", strings.NewReader(`{"barcode":"HB-0001"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CheckIn(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "ALREADY_CHECKED_IN")
}

func TestDismissalHandlerCheckOutNotCheckedIn(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDismissalHandler(&fakeRosterSrv{checkOutErr: appErrors.ErrNotCheckedIn})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodPost, "/dismissal/check-out", strings.NewReader(`{"barcode":"HB-0001"}`))
	c.Request.Header.Set("Content-Type", "application/json")

	handler.CheckOut(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "NOT_CHECKED_IN")
}

func TestDismissalHandlerActiveSortDefaultsToClass(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeRosterSrv{active: []models.ActiveStudent{}}
	handler := NewDismissalHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/dismissal/active", nil)

	handler.Active(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RosterSortClass, srv.activeSort)
}

func TestDismissalHandlerActiveSortRecent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeRosterSrv{activeHit: true}
	handler := NewDismissalHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/dismissal/active?sort=recent", nil)

	handler.Active(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RosterSortRecent, srv.activeSort)

	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, true, envelope.Meta["cache_hit"])
}

func TestDismissalHandlerStatusUnknownBarcode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDismissalHandler(&fakeRosterSrv{statusErr: appErrors.Clone(appErrors.ErrNotFound, "student not found")})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/dismissal/status/UNKNOWN", nil)
	c.Params = gin.Params{{Key: "barcode", Value: "UNKNOWN"}}

	handler.Status(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDismissalHandlerClearAll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := &fakeRosterSrv{clearRes: &service.ClearResult{Cleared: 3}}
	handler := NewDismissalHandler(srv)

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodDelete, "/dismissal/active/clear", nil)
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1"})

	handler.ClearAll(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, float64(3), envelope.Data["cleared"])
}

func TestDismissalHandlerClearSingle(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDismissalHandler(&fakeRosterSrv{})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodDelete, "/dismissal/active/student-1", nil)
	c.Params = gin.Params{{Key: "studentId", Value: "student-1"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1"})

	handler.ClearSingle(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope responseEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "student-1", envelope.Data["student_id"])
}

func TestDismissalHandlerClearSingleNotFound(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewDismissalHandler(&fakeRosterSrv{clearOneErr: appErrors.Clone(appErrors.ErrNotFound, "student has no active entry")})

	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodDelete, "/dismissal/active/student-1", nil)
	c.Params = gin.Params{{Key: "studentId", Value: "student-1"}}

	handler.ClearSingle(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type responseEnvelope struct {
	Data map[string]interface{} `json:"data"`
	Meta map[string]interface{} `json:"meta"`
}
