package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

type authService interface {
	Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error)
	RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error)
	Me(ctx context.Context, userID string) (*models.UserInfo, error)
	Logout(ctx context.Context, refreshToken string, userID string, meta models.LoginRequest) error
	LogoutAll(ctx context.Context, userID string, meta models.LoginRequest) (int64, error)
}

// AuthHandler exposes instructor sign-in and session management.
type AuthHandler struct {
	service authService
}

func NewAuthHandler(svc authService) *AuthHandler {
	return &AuthHandler{service: svc}
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate an instructor or administrator by email and password
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if !bindBody(c, &req, "invalid login payload") {
		return
	}
	req.IP, req.UserAgent = clientMeta(c)

	res, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange a refresh token for a new token pair. Reusing a rotated token closes every session.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RefreshTokenRequest true "Refresh payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshTokenRequest
	if !bindBody(c, &req, "invalid refresh payload") {
		return
	}
	req.IP, req.UserAgent = clientMeta(c)

	res, err := h.service.RefreshToken(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res, nil)
}

// Logout godoc
// @Summary Logout current session
// @Tags Authentication
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body models.LogoutRequest true "Refresh token"
// @Success 204
// @Failure 401 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req models.LogoutRequest
	if !bindBody(c, &req, "refresh token required") {
		return
	}

	if err := h.service.Logout(c.Request.Context(), req.RefreshToken, claims.UserID, sessionMeta(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// LogoutAll godoc
// @Summary Logout everywhere
// @Description Revoke every refresh token of the authenticated user, e.g. after using a shared terminal
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	n, err := h.service.LogoutAll(c.Request.Context(), claims.UserID, sessionMeta(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, models.LogoutAllResponse{Revoked: n}, nil)
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated instructor profile
// @Tags Authentication
// @Produce json
// @Security BearerAuth
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	info, err := h.service.Me(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, info, nil)
}

func bindBody(c *gin.Context, dest interface{}, message string) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, message))
		return false
	}
	return true
}

func clientMeta(c *gin.Context) (string, string) {
	return c.ClientIP(), c.GetHeader("User-Agent")
}

func sessionMeta(c *gin.Context) models.LoginRequest {
	ip, ua := clientMeta(c)
	return models.LoginRequest{IP: ip, UserAgent: ua}
}
