package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

func TestExportJobRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewExportJobRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO export_jobs")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	job := &models.ExportJob{AppelID: "appel-1", Format: models.ExportFormatPDF, CreatedBy: "ins-1"}
	require.NoError(t, repo.Create(context.Background(), job))
	require.Equal(t, models.ExportStatusQueued, job.Status)

	rows := sqlmock.NewRows([]string{"id", "appel_id", "format", "status", "progress", "file_path", "download_url", "expires_at", "error", "created_by", "created_at", "finished_at"}).
		AddRow(job.ID, "appel-1", "pdf", "QUEUED", 0, nil, nil, nil, nil, "ins-1", time.Now(), nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM export_jobs WHERE id = $1")).
		WithArgs(job.ID).
		WillReturnRows(rows)

	fetched, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExportFormatPDF, fetched.Format)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportJobRepositoryUpdate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewExportJobRepository(db)

	now := time.Now()
	status := models.ExportStatusDone
	progress := 100
	url := "/api/v1/exports/download/token"
	mock.ExpectExec(regexp.QuoteMeta("UPDATE export_jobs SET status = $1, progress = $2, download_url = $3, finished_at = $4 WHERE id = $5")).
		WithArgs(status, progress, url, now, "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), "job-1", UpdateExportJobParams{
		Status:      &status,
		Progress:    &progress,
		DownloadURL: &url,
		FinishedAt:  &now,
	})
	require.NoError(t, err)
	require.NoError(t, repo.Update(context.Background(), "job-1", UpdateExportJobParams{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExportJobRepositoryListExpired(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewExportJobRepository(db)

	cutoff := time.Now()
	rows := sqlmock.NewRows([]string{"id", "appel_id", "format", "status", "progress", "file_path", "download_url", "expires_at", "error", "created_by", "created_at", "finished_at"}).
		AddRow("job-1", "appel-1", "csv", "DONE", 100, "appel-1/sheet.csv", "/x", cutoff.Add(-time.Hour), nil, "ins-1", cutoff.Add(-2*time.Hour), cutoff.Add(-2*time.Hour))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE status = 'DONE' AND file_path IS NOT NULL")).
		WithArgs(cutoff, 50).
		WillReturnRows(rows)

	jobs, err := repo.ListExpired(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "appel-1/sheet.csv", *jobs[0].FilePath)
	require.NoError(t, mock.ExpectationsWereMet())
}
