package handler

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/service"
	"github.com/noah-isme/cfa-appel-api/pkg/csrf"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/response"
)

const (
	signatureConfirmTemplate = "signature_confirm.html"
	signatureResultTemplate  = "signature_result.html"
)

//go:embed templates/*.html
var templateFS embed.FS

// SignatureTemplates parses the public signature pages for gin's HTML renderer.
func SignatureTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

type signatureService interface {
	InspectSignature(ctx context.Context, token string) (*service.SignatureResult, error)
	ProcessSignature(ctx context.Context, token, ip, userAgent string) (*service.SignatureResult, error)
}

type csrfTokens interface {
	Generate(scope string) (string, error)
	Validate(scope, token string) error
}

type confirmPage struct {
	Action       string
	FormField    string
	CSRFToken    string
	LearnerName  string
	SessionTitle string
	Date         string
	Hours        string
}

type resultPage struct {
	Success      bool
	Code         string
	Message      string
	SessionTitle string
}

// SignatureHandler serves the pages learners reach from their emailed link.
type SignatureHandler struct {
	service  signatureService
	csrf     csrfTokens
	location *time.Location
	logger   *zap.Logger
}

// NewSignatureHandler builds the public signature handler.
func NewSignatureHandler(svc signatureService, tokens csrfTokens, loc *time.Location, logger *zap.Logger) *SignatureHandler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureHandler{service: svc, csrf: tokens, location: loc, logger: logger}
}

// Show godoc
// @Summary Signature confirmation page
// @Description Renders the confirmation form, or the reason the link cannot be used
// @Tags Signature
// @Produce html
// @Param token path string true "Signature token"
// @Success 200 {string} string "HTML page"
// @Failure 404 {string} string "TOKEN_INVALIDE"
// @Failure 409 {string} string "APPEL_CLOTURE"
// @Failure 410 {string} string "LIEN_EXPIRE"
// @Router /signature/{token} [get]
func (h *SignatureHandler) Show(c *gin.Context) {
	token := c.Param("token")
	res, err := h.service.InspectSignature(c.Request.Context(), token)
	if err != nil {
		h.renderFailure(c, err)
		return
	}
	if !res.Success {
		h.renderResult(c, res)
		return
	}

	csrfToken, err := h.csrf.Generate(csrf.SignatureScope(token))
	if err != nil {
		h.renderFailure(c, err)
		return
	}
	sc := res.Presence
	response.HTML(c, http.StatusOK, signatureConfirmTemplate, confirmPage{
		Action:       c.Request.URL.Path,
		FormField:    csrf.FormField,
		CSRFToken:    csrfToken,
		LearnerName:  sc.LearnerName,
		SessionTitle: sc.SessionTitle,
		Date:         sc.SessionStartsAt.In(h.location).Format("02/01/2006"),
		Hours:        sc.SessionStartsAt.In(h.location).Format("15:04") + " - " + sc.SessionEndsAt.In(h.location).Format("15:04"),
	})
}

// Submit godoc
// @Summary Sign a presence
// @Description Records the signature; DEJA_SIGNE is reported without changing the presence
// @Tags Signature
// @Accept x-www-form-urlencoded
// @Produce html
// @Param token path string true "Signature token"
// @Param _csrf_token formData string true "CSRF token scoped signature_{token}"
// @Success 200 {string} string "HTML page"
// @Failure 403 {string} string "CSRF_INVALID"
// @Router /signature/{token} [post]
func (h *SignatureHandler) Submit(c *gin.Context) {
	token := c.Param("token")
	if err := h.csrf.Validate(csrf.SignatureScope(token), c.PostForm(csrf.FormField)); err != nil {
		response.HTML(c, http.StatusForbidden, signatureResultTemplate, resultPage{
			Code:    appErrors.ErrCSRF.Code,
			Message: "Votre formulaire a expiré, rechargez la page puis réessayez.",
		})
		return
	}

	res, err := h.service.ProcessSignature(c.Request.Context(), token, c.ClientIP(), c.GetHeader("User-Agent"))
	if err != nil {
		h.renderFailure(c, err)
		return
	}
	h.renderResult(c, res)
}

func (h *SignatureHandler) renderResult(c *gin.Context, res *service.SignatureResult) {
	page := resultPage{Success: res.Success, Code: res.Code, Message: res.Message}
	if res.Presence != nil {
		page.SessionTitle = res.Presence.SessionTitle
	}
	response.HTML(c, res.Status, signatureResultTemplate, page)
}

func (h *SignatureHandler) renderFailure(c *gin.Context, err error) {
	h.logger.Error("signature page failed", zap.String("path", c.FullPath()), zap.Error(err))
	response.HTML(c, http.StatusInternalServerError, signatureResultTemplate, resultPage{
		Code:    appErrors.ErrInternal.Code,
		Message: "Une erreur est survenue, merci de réessayer dans quelques instants.",
	})
}
