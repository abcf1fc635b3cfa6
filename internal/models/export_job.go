package models

import "time"

// ExportFormat enumerates attendance sheet formats.
type ExportFormat string

const (
	ExportFormatCSV ExportFormat = "csv"
	ExportFormatPDF ExportFormat = "pdf"
)

// Valid reports whether f is supported.
func (f ExportFormat) Valid() bool {
	return f == ExportFormatCSV || f == ExportFormatPDF
}

// ExportStatus captures background job lifecycle states.
type ExportStatus string

const (
	ExportStatusQueued     ExportStatus = "QUEUED"
	ExportStatusProcessing ExportStatus = "PROCESSING"
	ExportStatusDone       ExportStatus = "DONE"
	ExportStatusFailed     ExportStatus = "FAILED"
)

// ExportJob tracks the rendering of one attendance sheet.
type ExportJob struct {
	ID          string       `db:"id" json:"id"`
	AppelID     string       `db:"appel_id" json:"appel_id"`
	Format      ExportFormat `db:"format" json:"format"`
	Status      ExportStatus `db:"status" json:"status"`
	Progress    int          `db:"progress" json:"progress"`
	FilePath    *string      `db:"file_path" json:"-"`
	DownloadURL *string      `db:"download_url" json:"download_url,omitempty"`
	ExpiresAt   *time.Time   `db:"expires_at" json:"expires_at,omitempty"`
	Error       *string      `db:"error" json:"error,omitempty"`
	CreatedBy   string       `db:"created_by" json:"created_by"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	FinishedAt  *time.Time   `db:"finished_at" json:"finished_at,omitempty"`
}
