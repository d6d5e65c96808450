package service

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/pkg/export"
	"github.com/hbics/dismissal-api/pkg/storage"
)

type dismissalLogSource interface {
	LogsForRange(ctx context.Context, from, to time.Time, className *string) ([]models.DismissalLogDetail, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds dismissal datasets and persists rendered files.
type ExportService struct {
	logs    dismissalLogSource
	storage fileStorage
	csv     csvRenderer
	pdf     pdfRenderer
	signer  *storage.SignedURLSigner
	logger  *zap.Logger
	cfg     ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(logs dismissalLogSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		logs:    logs,
		storage: store,
		csv:     csv,
		pdf:     pdf,
		signer:  signer,
		logger:  logger,
		cfg:     cfg,
	}
}

// Generate builds the dataset according to the job definition and stores the
// rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	dataset, title, err := s.buildDataset(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(dataset, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	filename := s.buildFilename(job)
	relPath, err := s.storage.Save(filename, payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	signedURL := fmt.Sprintf("%s/export/%s", prefix, token)

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          signedURL,
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl (defaults to configured ResultTTL when
// ttl <= 0).
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildDataset(ctx context.Context, job *models.ReportJob) (export.Dataset, string, error) {
	from, to, err := dayRange(job.Params.Date)
	if err != nil {
		return export.Dataset{}, "", err
	}
	entries, err := s.logs.LogsForRange(ctx, from, to, job.Params.ClassName)
	if err != nil {
		return export.Dataset{}, "", err
	}

	switch job.Type {
	case models.ReportTypeDismissalLogs:
		return buildLogDataset(entries), fmt.Sprintf("Dismissal log %s", job.Params.Date), nil
	case models.ReportTypeDailySummary:
		return buildSummaryDataset(entries), fmt.Sprintf("Dismissal summary %s", job.Params.Date), nil
	default:
		return export.Dataset{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func buildLogDataset(entries []models.DismissalLogDetail) export.Dataset {
	dataset := export.Dataset{
		Headers: []string{"recorded_at", "barcode", "full_name", "class_name", "action"},
		Rows:    make([]map[string]string, 0, len(entries)),
	}
	for _, e := range entries {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"recorded_at": e.RecordedAt.UTC().Format(time.RFC3339),
			"barcode":     e.Barcode,
			"full_name":   e.FullName,
			"class_name":  e.ClassName,
			"action":      string(e.Action),
		})
	}
	return dataset
}

func buildSummaryDataset(entries []models.DismissalLogDetail) export.Dataset {
	type classCounts struct {
		checkIns  int
		checkOuts int
	}
	counts := make(map[string]*classCounts)
	for _, e := range entries {
		c, ok := counts[e.ClassName]
		if !ok {
			c = &classCounts{}
			counts[e.ClassName] = c
		}
		switch e.Action {
		case models.ActionCheckIn:
			c.checkIns++
		case models.ActionCheckOut:
			c.checkOuts++
		}
	}

	classes := make([]string, 0, len(counts))
	for name := range counts {
		classes = append(classes, name)
	}
	sort.Strings(classes)

	dataset := export.Dataset{
		Headers: []string{"class_name", "check_ins", "check_outs", "not_picked_up"},
		Rows:    make([]map[string]string, 0, len(classes)),
	}
	for _, name := range classes {
		c := counts[name]
		remaining := c.checkIns - c.checkOuts
		if remaining < 0 {
			remaining = 0
		}
		dataset.Rows = append(dataset.Rows, map[string]string{
			"class_name":    name,
			"check_ins":     strconv.Itoa(c.checkIns),
			"check_outs":    strconv.Itoa(c.checkOuts),
			"not_picked_up": strconv.Itoa(remaining),
		})
	}
	return dataset
}

func dayRange(date string) (time.Time, time.Time, error) {
	day, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid report date %q: %w", date, err)
	}
	from := day.UTC()
	return from, from.Add(24 * time.Hour), nil
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	datePart := sanitizeFilename(job.Params.Date)
	return fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), datePart, timestamp, job.Params.Format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}
