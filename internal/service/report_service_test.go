package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hbics/dismissal-api/internal/dto"
	"github.com/hbics/dismissal-api/internal/models"
	"github.com/hbics/dismissal-api/internal/repository"
	appErrors "github.com/hbics/dismissal-api/pkg/errors"
	"github.com/hbics/dismissal-api/pkg/jobs"
)

type reportRepoStub struct {
	jobs map[string]*models.ReportJob
}

func newReportRepoStub() *reportRepoStub {
	return &reportRepoStub{jobs: map[string]*models.ReportJob{}}
}

func (r *reportRepoStub) Create(ctx context.Context, job *models.ReportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	r.jobs[job.ID] = job
	return nil
}

func (r *reportRepoStub) GetByID(ctx context.Context, id string) (*models.ReportJob, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return job, nil
}

func (r *reportRepoStub) Update(ctx context.Context, id string, params repository.UpdateReportJobParams) error {
	job, ok := r.jobs[id]
	if !ok {
		return sql.ErrNoRows
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (r *reportRepoStub) ListQueued(ctx context.Context, limit int) ([]models.ReportJob, error) {
	var queued []models.ReportJob
	for _, job := range r.jobs {
		if job.Status == models.ReportStatusQueued {
			queued = append(queued, *job)
		}
	}
	return queued, nil
}

func (r *reportRepoStub) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ReportJob, error) {
	return nil, nil
}

type queueStub struct {
	jobs []jobs.Job
	err  error
}

func (q *queueStub) Enqueue(job jobs.Job) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func newReportServiceForTest(t *testing.T) (*ReportService, *reportRepoStub, *queueStub, *ExportService) {
	t.Helper()
	repo := newReportRepoStub()
	queue := &queueStub{}
	exportSvc, _, _ := newExportServiceForTest(t)
	svc := NewReportService(repo, queue, exportSvc, zap.NewNop(), ReportServiceConfig{
		ResultTTL:       time.Hour,
		CleanupInterval: time.Hour,
		MaxRetries:      3,
	})
	return svc, repo, queue, exportSvc
}

func TestReportServiceCreateJob(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	resp, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportTypeDismissalLogs,
		Date:   "2026-03-10",
		Format: models.ReportFormatCSV,
	}, "admin")
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, models.ReportStatusQueued, resp.Status)
	assert.Contains(t, repo.jobs, resp.ID)
}

func TestReportServiceCreateJobValidation(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)

	cases := []struct {
		name string
		req  dto.ReportRequest
	}{
		{"missing date", dto.ReportRequest{Type: models.ReportTypeDismissalLogs, Format: models.ReportFormatCSV}},
		{"bad date", dto.ReportRequest{Type: models.ReportTypeDismissalLogs, Date: "March 10", Format: models.ReportFormatCSV}},
		{"bad type", dto.ReportRequest{Type: "grades", Date: "2026-03-10", Format: models.ReportFormatCSV}},
		{"bad format", dto.ReportRequest{Type: models.ReportTypeDailySummary, Date: "2026-03-10", Format: "xlsx"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateJob(context.Background(), tc.req, "admin")
			require.Error(t, err)
			var appErr *appErrors.Error
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
		})
	}
}

func TestReportServiceCreateJobEnqueueFailure(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	queue.err = errors.New("queue stopped")

	_, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportTypeDismissalLogs,
		Date:   "2026-03-10",
		Format: models.ReportFormatCSV,
	}, "admin")
	require.Error(t, err)

	// The persisted row records the failure so status polling does not hang.
	require.Len(t, repo.jobs, 1)
	for _, job := range repo.jobs {
		assert.Equal(t, models.ReportStatusFailed, job.Status)
	}
}

func TestReportServiceGetStatusOwnership(t *testing.T) {
	svc, repo, _, _ := newReportServiceForTest(t)
	repo.jobs["job-1"] = &models.ReportJob{
		ID:        "job-1",
		Status:    models.ReportStatusProcessing,
		Progress:  10,
		CreatedBy: "teacher-1",
	}

	resp, err := svc.GetStatus(context.Background(), "job-1", "teacher-1", models.RoleTeacher)
	require.NoError(t, err)
	assert.Equal(t, models.ReportStatusProcessing, resp.Status)

	_, err = svc.GetStatus(context.Background(), "job-1", "teacher-2", models.RoleTeacher)
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	// Admins can inspect any job.
	_, err = svc.GetStatus(context.Background(), "job-1", "admin", models.RoleAdmin)
	require.NoError(t, err)
}

func TestReportServiceGetStatusNotFound(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.GetStatus(context.Background(), "missing", "admin", models.RoleAdmin)
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestReportWorkerProcessesJob(t *testing.T) {
	svc, repo, queue, exportSvc := newReportServiceForTest(t)

	resp, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportTypeDismissalLogs,
		Date:   "2026-03-10",
		Format: models.ReportFormatCSV,
	}, "admin")
	require.NoError(t, err)
	require.Len(t, queue.jobs, 1)

	worker := NewReportWorker(repo, exportSvc, 3, zap.NewNop())
	require.NoError(t, worker.Handle(context.Background(), queue.jobs[0]))

	job := repo.jobs[resp.ID]
	assert.Equal(t, models.ReportStatusFinished, job.Status)
	assert.Equal(t, 100, job.Progress)
	require.NotNil(t, job.ResultURL)
	assert.Contains(t, *job.ResultURL, "/export/")
}

func TestReportWorkerRetriesBeforeFailing(t *testing.T) {
	repo := newReportRepoStub()
	repo.jobs["job-1"] = &models.ReportJob{
		ID:     "job-1",
		Type:   models.ReportTypeDismissalLogs,
		Status: models.ReportStatusQueued,
		Params: models.ReportJobParams{Date: "not-a-date", Format: models.ReportFormatCSV},
	}
	exportSvc, _, _ := newExportServiceForTest(t)
	worker := NewReportWorker(repo, exportSvc, 2, zap.NewNop())

	// First attempt requeues, the attempt past maxRetries marks it failed.
	require.Error(t, worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 0}))
	assert.Equal(t, models.ReportStatusQueued, repo.jobs["job-1"].Status)

	require.Error(t, worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 2}))
	assert.Equal(t, models.ReportStatusFailed, repo.jobs["job-1"].Status)
	require.NotNil(t, repo.jobs["job-1"].ErrorMessage)
}

func TestReportServiceResolveDownload(t *testing.T) {
	svc, repo, queue, exportSvc := newReportServiceForTest(t)

	resp, err := svc.CreateJob(context.Background(), dto.ReportRequest{
		Type:   models.ReportTypeDailySummary,
		Date:   "2026-03-10",
		Format: models.ReportFormatCSV,
	}, "admin")
	require.NoError(t, err)

	worker := NewReportWorker(repo, exportSvc, 3, zap.NewNop())
	require.NoError(t, worker.Handle(context.Background(), queue.jobs[0]))

	token := extractToken(*repo.jobs[resp.ID].ResultURL)
	require.NotEmpty(t, token)

	download, err := svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, models.ReportFormatCSV, download.Format)
	assert.NotEmpty(t, download.Filename)
}

func TestReportServiceResolveDownloadBadToken(t *testing.T) {
	svc, _, _, _ := newReportServiceForTest(t)
	_, err := svc.ResolveDownload(context.Background(), "bogus-token")
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrForbidden.Code, appErr.Code)
}

func TestReportServiceRecoverPendingJobs(t *testing.T) {
	svc, repo, queue, _ := newReportServiceForTest(t)
	repo.jobs["job-1"] = &models.ReportJob{ID: "job-1", Status: models.ReportStatusQueued}
	repo.jobs["job-2"] = &models.ReportJob{ID: "job-2", Status: models.ReportStatusFinished}

	svc.RecoverPendingJobs(context.Background())
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "job-1", queue.jobs[0].ID)
}
