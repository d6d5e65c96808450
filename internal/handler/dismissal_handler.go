package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hbics/dismissal-api/internal/middleware"
	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/internal/service"
	appErrors "github.com/hbics/dismissal-api/pkg/errors"
	"github.com/hbics/dismissal-api/pkg/export"
	"github.com/hbics/dismissal-api/pkg/response"
)

type rosterService interface {
	CheckIn(ctx context.Context, req service.ScanRequest, actor *models.JWTClaims) (*service.ScanResult, error)
	CheckOut(ctx context.Context, req service.ScanRequest, actor *models.JWTClaims) (*service.ScanResult, error)
	Active(ctx context.Context, sort models.RosterSort) ([]models.ActiveStudent, bool, error)
	Status(ctx context.Context, barcode string) (*models.StudentStatus, error)
	ClearAll(ctx context.Context, actor *models.JWTClaims) (*service.ClearResult, error)
	ClearSingle(ctx context.Context, studentID string, actor *models.JWTClaims) error
	Logs(ctx context.Context, limit int) ([]models.DismissalLogDetail, error)
	Today(ctx context.Context) (*models.TodayActivity, error)
	History(ctx context.Context, studentID string, limit int) ([]models.DismissalLog, error)
}

// DismissalHandler wires the check-in/check-out endpoints to the roster
// service.
type DismissalHandler struct {
	service rosterService
}

// NewDismissalHandler creates a new handler.
func NewDismissalHandler(svc rosterService) *DismissalHandler {
	return &DismissalHandler{service: svc}
}

// CheckIn godoc
// @Summary Check in a student
// @Description Mark a scanned student as on-site awaiting pickup
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param payload body service.ScanRequest true "Scanned barcode"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /dismissal/check-in [post]
func (h *DismissalHandler) CheckIn(c *gin.Context) {
	var req service.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid check-in payload"))
		return
	}

	result, err := h.service.CheckIn(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, result, nil)
}

// CheckOut godoc
// @Summary Check out a student
// @Description Release a scanned student from the active roster
// @Tags Dismissal
// @Accept json
// @Produce json
// @Param payload body service.ScanRequest true "Scanned barcode"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /dismissal/check-out [post]
func (h *DismissalHandler) CheckOut(c *gin.Context) {
	var req service.ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid check-out payload"))
		return
	}

	result, err := h.service.CheckOut(c.Request.Context(), req, claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, result, nil)
}

// Active godoc
// @Summary List the active roster
// @Description Students currently on-site, enriched with display fields
// @Tags Dismissal
// @Produce json
// @Param sort query string false "Display order: class or recent" Enums(class, recent)
// @Success 200 {object} response.Envelope
// @Router /dismissal/active [get]
func (h *DismissalHandler) Active(c *gin.Context) {
	start := time.Now()
	sort := models.RosterSort(c.DefaultQuery("sort", string(models.RosterSortClass)))

	roster, cacheHit, err := h.service.Active(c.Request.Context(), sort)
	if err != nil {
		response.Error(c, err)
		return
	}

	middleware.SetCacheHit(c, cacheHit)
	meta := middleware.ExtractMeta(c)
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["processing_time_ms"] = time.Since(start).Milliseconds()
	response.JSON(c, http.StatusOK, roster, nil, meta)
}

// Status godoc
// @Summary Look up a student's roster status
// @Description Used by scanners to verify state after an ambiguous timeout
// @Tags Dismissal
// @Produce json
// @Param barcode path string true "Student barcode"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /dismissal/status/{barcode} [get]
func (h *DismissalHandler) Status(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("barcode"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, status, nil)
}

// Logs godoc
// @Summary Recent dismissal log rows
// @Tags Dismissal
// @Produce json
// @Param limit query int false "Maximum rows" default(50)
// @Success 200 {object} response.Envelope
// @Router /dismissal/logs [get]
func (h *DismissalHandler) Logs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.service.Logs(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, logs, nil)
}

// Today godoc
// @Summary Today's dismissal activity
// @Tags Dismissal
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /dismissal/today [get]
func (h *DismissalHandler) Today(c *gin.Context) {
	activity, err := h.service.Today(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, activity, nil)
}

// History godoc
// @Summary One student's dismissal trail
// @Tags Dismissal
// @Produce json
// @Param studentId path string true "Student ID"
// @Param limit query int false "Maximum rows" default(20)
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /dismissal/history/{studentId} [get]
func (h *DismissalHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	history, err := h.service.History(c.Request.Context(), c.Param("studentId"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, history, nil)
}

// ExportLogs godoc
// @Summary Export dismissal logs as CSV
// @Description Recent log rows rendered for front-office record keeping
// @Tags Dismissal
// @Produce text/csv
// @Param limit query int false "Maximum rows" default(500)
// @Success 200 {string} string "CSV payload"
// @Router /dismissal/logs/export [get]
func (h *DismissalHandler) ExportLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))

	logs, err := h.service.Logs(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	dataset := export.Dataset{
		Headers: []string{"recorded_at", "barcode", "full_name", "class_name", "action"},
	}
	for _, row := range logs {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"recorded_at": row.RecordedAt.UTC().Format(time.RFC3339),
			"barcode":     row.Barcode,
			"full_name":   row.FullName,
			"class_name":  row.ClassName,
			"action":      string(row.Action),
		})
	}

	payload, err := export.NewCSVExporter().Render(dataset)
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv"))
		return
	}

	c.Header("Content-Disposition", `attachment; filename="dismissal_logs.csv"`)
	c.Data(http.StatusOK, "text/csv", payload)
}

// ClearAll godoc
// @Summary Clear the entire active roster
// @Description End-of-day bulk check-out; recorded once in the audit trail
// @Tags Dismissal
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /dismissal/active/clear [delete]
func (h *DismissalHandler) ClearAll(c *gin.Context) {
	result, err := h.service.ClearAll(c.Request.Context(), claimsFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, result, nil)
}

// ClearSingle godoc
// @Summary Remove one roster entry
// @Description Admin correction of an erroneous check-in
// @Tags Dismissal
// @Produce json
// @Param studentId path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /dismissal/active/{studentId} [delete]
func (h *DismissalHandler) ClearSingle(c *gin.Context) {
	studentID := c.Param("studentId")
	if err := h.service.ClearSingle(c.Request.Context(), studentID, claimsFromContext(c)); err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"student_id": studentID}, nil)
}
