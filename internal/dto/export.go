package dto

import (
	"time"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

// ExportRequest captures POST /appels/:id/exports.
type ExportRequest struct {
	Format models.ExportFormat `json:"format" validate:"required,oneof=csv pdf"`
}

// ExportJobResponse is returned after enqueueing an export.
type ExportJobResponse struct {
	ID       string              `json:"id"`
	Status   models.ExportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ExportStatusResponse exposes job progress metadata.
type ExportStatusResponse struct {
	ID          string              `json:"id"`
	AppelID     string              `json:"appelId"`
	Format      models.ExportFormat `json:"format"`
	Status      models.ExportStatus `json:"status"`
	Progress    int                 `json:"progress"`
	DownloadURL *string             `json:"downloadUrl,omitempty"`
	ExpiresAt   *time.Time          `json:"expiresAt,omitempty"`
	Error       *string             `json:"error,omitempty"`
}
