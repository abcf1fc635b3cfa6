package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/middleware"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/service"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

type attendanceService interface {
	RollCall(ctx context.Context, sessionID string, actor service.Actor) (*dto.RollCallInfo, error)
	CreateRollCall(ctx context.Context, sessionID string, actor service.Actor, req dto.CreateAppelRequest) (*dto.AppelResponse, error)
	Poll(ctx context.Context, appelID string, actor service.Actor, withCSRF bool) (*dto.PollResponse, error)
	SendSignatureEmails(ctx context.Context, appelID string, actor service.Actor) (*dto.EmailDispatchResult, error)
	ResendEmail(ctx context.Context, appelID, presenceID string, actor service.Actor) (*dto.ResendResult, error)
	ReopenRollCall(ctx context.Context, appelID string, actor service.Actor, req dto.ReopenAppelRequest) (*dto.ReopenResult, error)
	CloseRollCall(ctx context.Context, appelID string, actor service.Actor) (*models.AppelStats, error)
	DeleteRollCall(ctx context.Context, appelID string, actor service.Actor) error
	JustifyAbsence(ctx context.Context, appelID, presenceID string, actor service.Actor, req dto.JustifyPresenceRequest) (*models.PresenceDetail, error)
	ListAbsenceReasons(ctx context.Context) ([]models.AbsenceReason, error)
	LearnerHistory(ctx context.Context, learnerID string, page, pageSize int) (*dto.LearnerHistoryResponse, *models.Pagination, error)
}

// AppelHandler exposes the instructor roll-call endpoints.
type AppelHandler struct {
	service attendanceService
}

// NewAppelHandler builds a new handler.
func NewAppelHandler(svc attendanceService) *AppelHandler {
	return &AppelHandler{service: svc}
}

// RollCall godoc
// @Summary Roll-call screen of a class session
// @Description Returns the session, whether it is live, the existing roll-call id and a CSRF token scoped to the session
// @Tags Roll-call
// @Produce json
// @Param id path string true "Class session ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /class-sessions/{id}/roll-call [get]
func (h *AppelHandler) RollCall(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	info, err := h.service.RollCall(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

// Create godoc
// @Summary Open a roll-call
// @Description Learners listed as present are recorded PRESENT; every other learner receives a signature token
// @Tags Roll-call
// @Accept json
// @Produce json
// @Param id path string true "Class session ID"
// @Param X-CSRF-Token header string true "Token scoped session_{id}"
// @Param payload body dto.CreateAppelRequest true "Roll-call payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /class-sessions/{id}/appels [post]
func (h *AppelHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateAppelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid roll-call payload"))
		return
	}
	res, err := h.service.CreateRollCall(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// Get godoc
// @Summary Roll-call detail
// @Description Live roll-call state with a fresh CSRF token scoped to the roll-call
// @Tags Roll-call
// @Produce json
// @Param id path string true "Roll-call ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /appels/{id} [get]
func (h *AppelHandler) Get(c *gin.Context) {
	h.poll(c, true)
}

// Poll godoc
// @Summary Poll roll-call state
// @Description Presences, statistics and validity flags refreshed by the roll-call screen
// @Tags Roll-call
// @Produce json
// @Param id path string true "Roll-call ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /appels/{id}/poll [get]
func (h *AppelHandler) Poll(c *gin.Context) {
	h.poll(c, false)
}

func (h *AppelHandler) poll(c *gin.Context, withCSRF bool) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	res, err := h.service.Poll(c.Request.Context(), c.Param("id"), actor, withCSRF)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, res.CacheHit)
	response.JSON(c, http.StatusOK, res, nil, middleware.ExtractMeta(c))
}

// SendEmails godoc
// @Summary Send signature emails
// @Description Mails a signature link to every pending learner; failures are reported per learner
// @Tags Roll-call
// @Produce json
// @Param id path string true "Roll-call ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /appels/{id}/emails [post]
func (h *AppelHandler) SendEmails(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	res, err := h.service.SendSignatureEmails(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Resend godoc
// @Summary Resend one signature email
// @Tags Roll-call
// @Produce json
// @Param id path string true "Roll-call ID"
// @Param presenceId path string true "Presence ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Success 200 {object} response.Envelope
// @Router /appels/{id}/presences/{presenceId}/resend [post]
func (h *AppelHandler) Resend(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	res, err := h.service.ResendEmail(c.Request.Context(), c.Param("id"), c.Param("presenceId"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Reopen godoc
// @Summary Reopen a roll-call for latecomers
// @Description Issues new signature links while the class session is still live
// @Tags Roll-call
// @Accept json
// @Produce json
// @Param id path string true "Roll-call ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Param payload body dto.ReopenAppelRequest true "Latecomers"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /appels/{id}/reopen [post]
func (h *AppelHandler) Reopen(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.ReopenAppelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "select at least one learner to reopen"))
		return
	}
	res, err := h.service.ReopenRollCall(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Close godoc
// @Summary Close a roll-call
// @Description Pending learners become NOT_SIGNED
// @Tags Roll-call
// @Produce json
// @Param id path string true "Roll-call ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /appels/{id}/close [post]
func (h *AppelHandler) Close(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	stats, err := h.service.CloseRollCall(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, stats, nil)
}

// Delete godoc
// @Summary Delete an open roll-call
// @Tags Roll-call
// @Param id path string true "Roll-call ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Success 204
// @Failure 409 {object} response.Envelope
// @Router /appels/{id} [delete]
func (h *AppelHandler) Delete(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.DeleteRollCall(c.Request.Context(), c.Param("id"), actor); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Justify godoc
// @Summary Justify an absence
// @Tags Roll-call
// @Accept json
// @Produce json
// @Param id path string true "Roll-call ID"
// @Param presenceId path string true "Presence ID"
// @Param X-CSRF-Token header string true "Token scoped appel_{id}"
// @Param payload body dto.JustifyPresenceRequest true "Justification"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /appels/{id}/presences/{presenceId}/justify [post]
func (h *AppelHandler) Justify(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.JustifyPresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid justification payload"))
		return
	}
	presence, err := h.service.JustifyAbsence(c.Request.Context(), c.Param("id"), c.Param("presenceId"), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, presence, nil)
}

// AbsenceReasons godoc
// @Summary List absence reasons
// @Tags Roll-call
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /absence-reasons [get]
func (h *AppelHandler) AbsenceReasons(c *gin.Context) {
	reasons, err := h.service.ListAbsenceReasons(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, reasons, nil)
}

// LearnerHistory godoc
// @Summary Presence history of a learner
// @Tags Learners
// @Produce json
// @Param id path string true "Learner ID"
// @Param page query int false "Page (default 1)"
// @Param pageSize query int false "Page size (default 20, max 100)"
// @Success 200 {object} response.Envelope
// @Router /learners/{id}/presences [get]
func (h *AppelHandler) LearnerHistory(c *gin.Context) {
	page := parseQueryInt(c, "page", 1)
	pageSize := parseQueryInt(c, "pageSize", 20)
	history, pagination, err := h.service.LearnerHistory(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, pagination)
}
