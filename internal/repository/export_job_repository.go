package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

const exportJobColumns = `id, appel_id, format, status, progress, file_path, download_url, expires_at, error, created_by, created_at, finished_at`

// ExportJobRepository persists attendance sheet export jobs.
type ExportJobRepository struct {
	db *sqlx.DB
}

// NewExportJobRepository constructs the repository.
func NewExportJobRepository(db *sqlx.DB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

// Create inserts a queued job.
func (r *ExportJobRepository) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO export_jobs (id, appel_id, format, status, progress, created_by, created_at)
VALUES (:id, :appel_id, :format, :status, :progress, :created_by, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// GetByID returns a job or sql.ErrNoRows.
func (r *ExportJobRepository) GetByID(ctx context.Context, id string) (*models.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE id = $1`
	var job models.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return &job, nil
}

// UpdateExportJobParams lists the mutable columns; nil fields are left unchanged.
type UpdateExportJobParams struct {
	Status      *models.ExportStatus
	Progress    *int
	FilePath    *string
	DownloadURL *string
	ExpiresAt   *time.Time
	Error       *string
	FinishedAt  *time.Time
}

// Update writes the non-nil fields of params.
func (r *ExportJobRepository) Update(ctx context.Context, id string, params UpdateExportJobParams) error {
	set := make([]string, 0, 7)
	args := make([]interface{}, 0, 8)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.Progress != nil {
		add("progress", *params.Progress)
	}
	if params.FilePath != nil {
		add("file_path", *params.FilePath)
	}
	if params.DownloadURL != nil {
		add("download_url", *params.DownloadURL)
	}
	if params.ExpiresAt != nil {
		add("expires_at", *params.ExpiresAt)
	}
	if params.Error != nil {
		add("error", *params.Error)
	}
	if params.FinishedAt != nil {
		add("finished_at", *params.FinishedAt)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE export_jobs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	return nil
}

// ListQueued fetches queued jobs for replay after a restart.
func (r *ExportJobRepository) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs WHERE status = 'QUEUED' ORDER BY created_at ASC LIMIT $1`
	var jobs []models.ExportJob
	if err := r.db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, fmt.Errorf("list queued export jobs: %w", err)
	}
	return jobs, nil
}

// ListExpired returns finished jobs whose download link expired before cutoff and still hold a file.
func (r *ExportJobRepository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + exportJobColumns + ` FROM export_jobs
WHERE status = 'DONE' AND file_path IS NOT NULL AND expires_at IS NOT NULL AND expires_at < $1
ORDER BY expires_at ASC LIMIT $2`
	var jobs []models.ExportJob
	if err := r.db.SelectContext(ctx, &jobs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list expired export jobs: %w", err)
	}
	return jobs, nil
}

// ClearFile forgets the stored file and download link of a job.
func (r *ExportJobRepository) ClearFile(ctx context.Context, id string) error {
	const query = `UPDATE export_jobs SET file_path = NULL, download_url = NULL WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("clear export file: %w", err)
	}
	return nil
}
