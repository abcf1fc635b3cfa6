package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/jobs"
)

type exportRepoStub struct {
	mu   sync.Mutex
	jobs map[string]*models.ExportJob
}

func newExportRepoStub() *exportRepoStub {
	return &exportRepoStub{jobs: map[string]*models.ExportJob{}}
}

func (r *exportRepoStub) Create(ctx context.Context, job *models.ExportJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *exportRepoStub) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *job
	return &cp, nil
}

func (r *exportRepoStub) Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return errors.New("not found")
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.Progress != nil {
		job.Progress = *params.Progress
	}
	if params.FilePath != nil {
		job.FilePath = params.FilePath
	}
	if params.DownloadURL != nil {
		job.DownloadURL = params.DownloadURL
	}
	if params.ExpiresAt != nil {
		job.ExpiresAt = params.ExpiresAt
	}
	if params.Error != nil {
		job.Error = params.Error
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	return nil
}

func (r *exportRepoStub) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var queued []models.ExportJob
	for _, job := range r.jobs {
		if job.Status == models.ExportStatusQueued {
			queued = append(queued, *job)
		}
	}
	return queued, nil
}

func (r *exportRepoStub) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var expired []models.ExportJob
	for _, job := range r.jobs {
		if job.Status == models.ExportStatusDone && job.FilePath != nil && job.ExpiresAt != nil && job.ExpiresAt.Before(cutoff) {
			expired = append(expired, *job)
		}
	}
	return expired, nil
}

func (r *exportRepoStub) ClearFile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[id]; ok {
		job.FilePath = nil
		job.DownloadURL = nil
	}
	return nil
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

type exportStub struct {
	result *ExportResult
	err    error
}

func (e exportStub) Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

func newExportJobServiceForTest(t *testing.T) (*ExportJobService, *exportRepoStub, *queueStub, *exportFixture) {
	t.Helper()
	fx := newExportFixture(t)
	repo := newExportRepoStub()
	queue := &queueStub{}
	svc := NewExportJobService(repo, fakeAppels{fx.db}, queue, fx.export, fx.audit, fx.metrics, fx.clock, zap.NewNop(), ExportJobServiceConfig{CleanupInterval: time.Hour})
	return svc, repo, queue, fx
}

func TestExportJobServiceCreateJob(t *testing.T) {
	svc, repo, queue, fx := newExportJobServiceForTest(t)

	resp, err := svc.CreateJob(context.Background(), fx.appelID, instructor, dto.ExportRequest{Format: models.ExportFormatCSV})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, resp.ID, queue.jobs[0].ID)
	assert.Equal(t, models.ExportStatusQueued, resp.Status)
	assert.Equal(t, "ins-1", repo.jobs[resp.ID].CreatedBy)
	assert.Contains(t, fx.audit.actions(), models.AuditActionAppelExport)
}

func TestExportJobServiceCreateJobValidation(t *testing.T) {
	svc, _, queue, fx := newExportJobServiceForTest(t)

	_, err := svc.CreateJob(context.Background(), fx.appelID, instructor, dto.ExportRequest{Format: "xlsx"})
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.CreateJob(context.Background(), fx.appelID, Actor{UserID: "ins-2", Role: models.RoleInstructor}, dto.ExportRequest{Format: models.ExportFormatPDF})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = svc.CreateJob(context.Background(), "missing", instructor, dto.ExportRequest{Format: models.ExportFormatPDF})
	require.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.Empty(t, queue.jobs)
}

func TestExportJobServiceCreateJobEnqueueFailure(t *testing.T) {
	svc, repo, queue, fx := newExportJobServiceForTest(t)
	queue.err = errors.New("queue stopped")

	_, err := svc.CreateJob(context.Background(), fx.appelID, instructor, dto.ExportRequest{Format: models.ExportFormatCSV})
	require.ErrorIs(t, err, appErrors.ErrInternal)
	require.Len(t, repo.jobs, 1)
	for _, job := range repo.jobs {
		assert.Equal(t, models.ExportStatusFailed, job.Status)
	}
}

func TestExportJobServiceGetStatus(t *testing.T) {
	svc, repo, _, fx := newExportJobServiceForTest(t)
	repo.jobs["job-1"] = &models.ExportJob{
		ID:        "job-1",
		AppelID:   fx.appelID,
		Format:    models.ExportFormatCSV,
		Status:    models.ExportStatusProcessing,
		Progress:  10,
		CreatedBy: "ins-1",
	}

	resp, err := svc.GetStatus(context.Background(), "job-1", instructor)
	require.NoError(t, err)
	assert.Equal(t, models.ExportStatusProcessing, resp.Status)
	assert.Equal(t, 10, resp.Progress)
	assert.Nil(t, resp.Error)

	_, err = svc.GetStatus(context.Background(), "job-1", Actor{UserID: "ins-2", Role: models.RoleInstructor})
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	_, err = svc.GetStatus(context.Background(), "job-1", Actor{UserID: "adm", Role: models.RoleAdmin})
	require.NoError(t, err)

	_, err = svc.GetStatus(context.Background(), "nope", instructor)
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestExportWorkerHandleThenDownload(t *testing.T) {
	svc, repo, _, fx := newExportJobServiceForTest(t)
	repo.jobs["job-1"] = &models.ExportJob{
		ID:        "job-1",
		AppelID:   fx.appelID,
		Format:    models.ExportFormatCSV,
		Status:    models.ExportStatusQueued,
		CreatedBy: "ins-1",
	}
	worker := NewExportWorker(repo, fx.export, fx.metrics, fx.clock, 3, zap.NewNop())

	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: "job-1"}))
	job := repo.jobs["job-1"]
	require.Equal(t, models.ExportStatusDone, job.Status)
	require.Equal(t, 100, job.Progress)
	require.NotNil(t, job.DownloadURL)
	require.NotNil(t, job.FilePath)

	token := filepath.Base(*job.DownloadURL)
	download, err := svc.ResolveDownload(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	assert.Equal(t, filepath.Base(*job.FilePath), download.Filename)
	assert.Equal(t, "text/csv; charset=utf-8", download.ContentType)

	_, err = svc.ResolveDownload(context.Background(), "garbage")
	require.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestExportWorkerHandleFailureRetries(t *testing.T) {
	repo := newExportRepoStub()
	repo.jobs["job-1"] = &models.ExportJob{ID: "job-1", Format: models.ExportFormatPDF, Status: models.ExportStatusQueued}
	worker := NewExportWorker(repo, exportStub{err: errors.New("boom")}, nil, nil, 3, zap.NewNop())

	err := worker.Handle(context.Background(), jobs.Job{ID: "job-1"})
	require.Error(t, err)
	require.Equal(t, models.ExportStatusQueued, repo.jobs["job-1"].Status)
	require.Equal(t, "boom", *repo.jobs["job-1"].Error)

	err = worker.Handle(context.Background(), jobs.Job{ID: "job-1", Attempt: 2})
	require.Error(t, err)
	require.Equal(t, models.ExportStatusFailed, repo.jobs["job-1"].Status)
	require.NotNil(t, repo.jobs["job-1"].FinishedAt)
}

func TestExportWorkerGiveUp(t *testing.T) {
	repo := newExportRepoStub()
	repo.jobs["job-1"] = &models.ExportJob{ID: "job-1", Format: models.ExportFormatCSV, Status: models.ExportStatusQueued}
	worker := NewExportWorker(repo, exportStub{}, nil, nil, 3, zap.NewNop())

	worker.GiveUp(context.Background(), jobs.Job{ID: "job-1"}, errors.New("timeout"))
	require.Equal(t, models.ExportStatusFailed, repo.jobs["job-1"].Status)
	require.Equal(t, "timeout", *repo.jobs["job-1"].Error)
}

func TestExportJobServiceCleanupExpired(t *testing.T) {
	svc, repo, _, fx := newExportJobServiceForTest(t)
	rel, err := fx.store.Save("emargement_old.csv", []byte("x"))
	require.NoError(t, err)
	expired := fx.clock.Now().Add(-time.Minute)
	url := "/api/v1/exports/download/token"
	repo.jobs["job-old"] = &models.ExportJob{
		ID:          "job-old",
		Status:      models.ExportStatusDone,
		FilePath:    &rel,
		DownloadURL: &url,
		ExpiresAt:   &expired,
	}

	removed := svc.CleanupExpired(context.Background())
	assert.Equal(t, 1, removed)
	assert.Nil(t, repo.jobs["job-old"].FilePath)
	assert.Nil(t, repo.jobs["job-old"].DownloadURL)
	_, err = os.Stat(filepath.Join(fx.dir, rel))
	assert.True(t, os.IsNotExist(err))
}

func TestExportJobServiceRecoverPendingJobs(t *testing.T) {
	svc, repo, queue, _ := newExportJobServiceForTest(t)
	repo.jobs["a"] = &models.ExportJob{ID: "a", Status: models.ExportStatusQueued}
	repo.jobs["b"] = &models.ExportJob{ID: "b", Status: models.ExportStatusDone}

	svc.RecoverPendingJobs(context.Background())
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, "a", queue.jobs[0].ID)
}
