package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/jobs"
)

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error)
	ClearFile(ctx context.Context, id string) error
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type exportGenerator interface {
	Generate(ctx context.Context, job *models.ExportJob) (*ExportResult, error)
}

const exportJobType = "attendance_sheet"

// ExportJobServiceConfig governs queue recovery and cleanup.
type ExportJobServiceConfig struct {
	CleanupInterval time.Duration
}

// ExportJobService orchestrates attendance sheet export jobs.
type ExportJobService struct {
	repo      exportJobStore
	appels    sheetSource
	queue     jobDispatcher
	exporter  *ExportService
	audit     auditRecorder
	metrics   *MetricsService
	clock     clock.Clock
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ExportJobServiceConfig
}

// ExportDownload aggregates resolved download data.
type ExportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
	ExpiresAt   time.Time
}

// NewExportJobService constructs the export job service.
func NewExportJobService(repo exportJobStore, appels sheetSource, queue jobDispatcher, exporter *ExportService, audit auditRecorder, metrics *MetricsService, clk clock.Clock, logger *zap.Logger, cfg ExportJobServiceConfig) *ExportJobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &ExportJobService{
		repo:      repo,
		appels:    appels,
		queue:     queue,
		exporter:  exporter,
		audit:     audit,
		metrics:   metrics,
		clock:     clk,
		validator: validator.New(),
		logger:    logger,
		cfg:       cfg,
	}
}

// CreateJob persists an export job for a roll-call the actor manages and enqueues it.
func (s *ExportJobService) CreateJob(ctx context.Context, appelID string, actor Actor, req dto.ExportRequest) (*dto.ExportJobResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "format must be csv or pdf")
	}
	appel, err := s.appels.GetByID(ctx, appelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "roll-call not found")
		}
		return nil, appErrors.Internal(err, "failed to load roll-call")
	}
	if !canManage(actor, appel.InstructorID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session instructor can export this roll-call")
	}

	job := &models.ExportJob{
		AppelID:   appel.ID,
		Format:    req.Format,
		Status:    models.ExportStatusQueued,
		CreatedBy: actor.UserID,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Internal(err, "failed to create export job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: exportJobType}); err != nil {
		status := models.ExportStatusFailed
		msg := "failed to enqueue job"
		now := s.clock.Now().UTC()
		progress := 100
		_ = s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
			Status:     &status,
			Progress:   &progress,
			Error:      &msg,
			FinishedAt: &now,
		})
		s.metrics.RecordExport(string(job.Format), string(status))
		return nil, appErrors.Internal(err, "failed to enqueue export job")
	}

	s.recordExport(ctx, actor, appel.ID, job)
	return &dto.ExportJobResponse{ID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

// GetStatus exposes job metadata; instructors only see their own jobs.
func (s *ExportJobService) GetStatus(ctx context.Context, id string, actor Actor) (*dto.ExportStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Internal(err, "failed to load export job")
	}
	if actor.Role != models.RoleAdmin && job.CreatedBy != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	resp := &dto.ExportStatusResponse{
		ID:          job.ID,
		AppelID:     job.AppelID,
		Format:      job.Format,
		Status:      job.Status,
		Progress:    job.Progress,
		DownloadURL: job.DownloadURL,
		ExpiresAt:   job.ExpiresAt,
	}
	if job.Error != nil && *job.Error != "" {
		resp.Error = job.Error
	}
	return resp, nil
}

// ResolveDownload validates token and opens the stored export file.
func (s *ExportJobService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	jobID, relPath, expiresAt, err := s.exporter.ParseToken(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Internal(err, "failed to load export job")
	}
	if job.DownloadURL == nil || !strings.HasSuffix(*job.DownloadURL, token) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	if job.Status != models.ExportStatusDone {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export not ready")
	}
	file, err := s.exporter.Open(relPath)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to open export file")
	}
	return &ExportDownload{
		File:        file,
		Filename:    filepath.Base(relPath),
		ContentType: s.exporter.ContentType(job.Format),
		ExpiresAt:   expiresAt,
	}, nil
}

// RecoverPendingJobs replays queued jobs after a restart.
func (s *ExportJobService) RecoverPendingJobs(ctx context.Context) {
	pending, err := s.repo.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued export jobs", "error", err)
		return
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: exportJobType}); err != nil {
			s.logger.Sugar().Warnw("failed to requeue pending export", "job_id", job.ID, "error", err)
		}
	}
}

// StartCleanup boots a goroutine that purges expired exports periodically.
func (s *ExportJobService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := s.clock.Ticker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.CleanupExpired(ctx)
			}
		}
	}()
}

// CleanupExpired deletes the files of jobs whose download link expired, then sweeps
// orphaned files older than the result TTL.
func (s *ExportJobService) CleanupExpired(ctx context.Context) int {
	const batch = 50
	removed := 0
	cutoff := s.clock.Now().UTC()
	for {
		expired, err := s.repo.ListExpired(ctx, cutoff, batch)
		if err != nil {
			s.logger.Sugar().Warnw("export cleanup list failed", "error", err)
			return removed
		}
		for _, job := range expired {
			if job.FilePath != nil {
				if err := s.exporter.Delete(*job.FilePath); err != nil {
					s.logger.Sugar().Warnw("export cleanup delete failed", "job_id", job.ID, "error", err)
					continue
				}
			}
			if err := s.repo.ClearFile(ctx, job.ID); err != nil {
				s.logger.Sugar().Warnw("export cleanup clear failed", "job_id", job.ID, "error", err)
				return removed
			}
			removed++
		}
		if len(expired) < batch {
			break
		}
	}
	if _, err := s.exporter.Cleanup(0); err != nil {
		s.logger.Sugar().Warnw("filesystem cleanup failed", "error", err)
	}
	return removed
}

func (s *ExportJobService) recordExport(ctx context.Context, actor Actor, appelID string, job *models.ExportJob) {
	if s.audit == nil {
		return
	}
	values, err := json.Marshal(map[string]string{"export_id": job.ID, "format": string(job.Format)})
	if err != nil {
		return
	}
	entry := &models.AuditLog{
		Action:     models.AuditActionAppelExport,
		Resource:   "appel",
		ResourceID: &appelID,
		NewValues:  values,
		IPAddress:  actor.IP,
		UserAgent:  actor.UserAgent,
	}
	if actor.UserID != "" {
		userID := actor.UserID
		entry.UserID = &userID
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Sugar().Warnw("failed to record export audit log", "job_id", job.ID, "error", err)
	}
}

// ExportWorker bridges queue jobs to ExportService.
type ExportWorker struct {
	repo       exportJobStore
	exporter   exportGenerator
	metrics    *MetricsService
	clock      clock.Clock
	logger     *zap.Logger
	maxRetries int
}

// NewExportWorker constructs a worker.
func NewExportWorker(repo exportJobStore, exporter exportGenerator, metrics *MetricsService, clk clock.Clock, maxRetries int, logger *zap.Logger) *ExportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &ExportWorker{
		repo:       repo,
		exporter:   exporter,
		metrics:    metrics,
		clock:      clk,
		logger:     logger,
		maxRetries: maxRetries,
	}
}

// Handle processes a queue job.
func (w *ExportWorker) Handle(ctx context.Context, job jobs.Job) error {
	record, err := w.repo.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	processing := models.ExportStatusProcessing
	progress := 10
	if err := w.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:   &processing,
		Progress: &progress,
	}); err != nil {
		return err
	}
	result, err := w.exporter.Generate(ctx, record)
	if err != nil {
		msg := err.Error()
		if job.Attempt+1 >= w.maxRetries {
			w.fail(ctx, record, msg)
		} else {
			queued := models.ExportStatusQueued
			reset := 0
			if updateErr := w.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
				Status:   &queued,
				Progress: &reset,
				Error:    &msg,
			}); updateErr != nil {
				w.logger.Sugar().Warnw("failed to mark export queued", "job_id", job.ID, "error", updateErr)
			}
		}
		return err
	}

	done := models.ExportStatusDone
	progress = 100
	now := w.clock.Now().UTC()
	clear := ""
	if err := w.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:      &done,
		Progress:    &progress,
		FilePath:    &result.RelativePath,
		DownloadURL: &result.URL,
		ExpiresAt:   &result.ExpiresAt,
		Error:       &clear,
		FinishedAt:  &now,
	}); err != nil {
		w.logger.Sugar().Warnw("failed to mark export done", "job_id", job.ID, "error", err)
		return err
	}
	w.metrics.RecordExport(string(record.Format), string(done))
	return nil
}

// GiveUp marks a job failed once the queue stops retrying it.
func (w *ExportWorker) GiveUp(ctx context.Context, job jobs.Job, err error) {
	record, getErr := w.repo.GetByID(ctx, job.ID)
	if getErr != nil {
		w.logger.Sugar().Warnw("failed to load abandoned export", "job_id", job.ID, "error", getErr)
		return
	}
	if record.Status == models.ExportStatusFailed {
		return
	}
	w.fail(ctx, record, err.Error())
}

func (w *ExportWorker) fail(ctx context.Context, record *models.ExportJob, msg string) {
	failed := models.ExportStatusFailed
	progress := 100
	now := w.clock.Now().UTC()
	if err := w.repo.Update(ctx, record.ID, repository.UpdateExportJobParams{
		Status:     &failed,
		Progress:   &progress,
		Error:      &msg,
		FinishedAt: &now,
	}); err != nil {
		w.logger.Sugar().Warnw("failed to mark export failed", "job_id", record.ID, "error", err)
		return
	}
	record.Status = failed
	w.metrics.RecordExport(string(record.Format), string(failed))
}
