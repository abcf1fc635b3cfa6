package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/service"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

type exportJobService interface {
	CreateJob(ctx context.Context, appelID string, actor service.Actor, req dto.ExportRequest) (*dto.ExportJobResponse, error)
	GetStatus(ctx context.Context, id string, actor service.Actor) (*dto.ExportStatusResponse, error)
	ResolveDownload(ctx context.Context, token string) (*service.ExportDownload, error)
}

// ExportHandler exposes attendance sheet exports.
type ExportHandler struct {
	service exportJobService
	logger  *zap.Logger
}

// NewExportHandler constructs the export handler.
func NewExportHandler(svc exportJobService, logger *zap.Logger) *ExportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportHandler{service: svc, logger: logger}
}

// Create godoc
// @Summary Queue an attendance sheet export
// @Tags Exports
// @Accept json
// @Produce json
// @Param id path string true "Roll-call ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Param payload body dto.ExportRequest true "Export format"
// @Success 202 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /appels/{id}/exports [post]
func (h *ExportHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export payload"))
		return
	}
	res, err := h.service.CreateJob(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, res, nil)
}

// Status godoc
// @Summary Export job status
// @Tags Exports
// @Produce json
// @Param id path string true "Export job ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /exports/{id} [get]
func (h *ExportHandler) Status(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	res, err := h.service.GetStatus(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Download godoc
// @Summary Download an exported attendance sheet
// @Tags Exports
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Failure 403 {object} response.Envelope
// @Router /exports/download/{token} [get]
func (h *ExportHandler) Download(c *gin.Context) {
	download, err := h.service.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer func() {
		if cerr := download.File.Close(); cerr != nil {
			h.logger.Warn("failed to close export file", zap.Error(cerr))
		}
	}()

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Internal(err, "failed to read export"))
		return
	}
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), download.ContentType, download.File, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", download.Filename),
	})
}
