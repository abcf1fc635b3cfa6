package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/middleware"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/service"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
)

type attendanceServiceMock struct {
	actor      service.Actor
	sessionID  string
	appelID    string
	presenceID string
	withCSRF   bool
	create     dto.CreateAppelRequest
	reopen     dto.ReopenAppelRequest
	justify    dto.JustifyPresenceRequest
	page       int
	pageSize   int

	rollCall *dto.RollCallInfo
	created  *dto.AppelResponse
	poll     *dto.PollResponse
	emails   *dto.EmailDispatchResult
	resend   *dto.ResendResult
	reopened *dto.ReopenResult
	stats    *models.AppelStats
	presence *models.PresenceDetail
	reasons  []models.AbsenceReason
	history  *dto.LearnerHistoryResponse
	err      error
}

func (m *attendanceServiceMock) RollCall(ctx context.Context, sessionID string, actor service.Actor) (*dto.RollCallInfo, error) {
	m.sessionID, m.actor = sessionID, actor
	return m.rollCall, m.err
}

func (m *attendanceServiceMock) CreateRollCall(ctx context.Context, sessionID string, actor service.Actor, req dto.CreateAppelRequest) (*dto.AppelResponse, error) {
	m.sessionID, m.actor, m.create = sessionID, actor, req
	return m.created, m.err
}

func (m *attendanceServiceMock) Poll(ctx context.Context, appelID string, actor service.Actor, withCSRF bool) (*dto.PollResponse, error) {
	m.appelID, m.actor, m.withCSRF = appelID, actor, withCSRF
	return m.poll, m.err
}

func (m *attendanceServiceMock) SendSignatureEmails(ctx context.Context, appelID string, actor service.Actor) (*dto.EmailDispatchResult, error) {
	m.appelID, m.actor = appelID, actor
	return m.emails, m.err
}

func (m *attendanceServiceMock) ResendEmail(ctx context.Context, appelID, presenceID string, actor service.Actor) (*dto.ResendResult, error) {
	m.appelID, m.presenceID, m.actor = appelID, presenceID, actor
	return m.resend, m.err
}

func (m *attendanceServiceMock) ReopenRollCall(ctx context.Context, appelID string, actor service.Actor, req dto.ReopenAppelRequest) (*dto.ReopenResult, error) {
	m.appelID, m.actor, m.reopen = appelID, actor, req
	return m.reopened, m.err
}

func (m *attendanceServiceMock) CloseRollCall(ctx context.Context, appelID string, actor service.Actor) (*models.AppelStats, error) {
	m.appelID, m.actor = appelID, actor
	return m.stats, m.err
}

func (m *attendanceServiceMock) DeleteRollCall(ctx context.Context, appelID string, actor service.Actor) error {
	m.appelID, m.actor = appelID, actor
	return m.err
}

func (m *attendanceServiceMock) JustifyAbsence(ctx context.Context, appelID, presenceID string, actor service.Actor, req dto.JustifyPresenceRequest) (*models.PresenceDetail, error) {
	m.appelID, m.presenceID, m.actor, m.justify = appelID, presenceID, actor, req
	return m.presence, m.err
}

func (m *attendanceServiceMock) ListAbsenceReasons(ctx context.Context) ([]models.AbsenceReason, error) {
	return m.reasons, m.err
}

func (m *attendanceServiceMock) LearnerHistory(ctx context.Context, learnerID string, page, pageSize int) (*dto.LearnerHistoryResponse, *models.Pagination, error) {
	m.page, m.pageSize = page, pageSize
	if m.err != nil {
		return nil, nil, m.err
	}
	return m.history, &models.Pagination{Page: page, PageSize: pageSize, TotalCount: len(m.history.Presences)}, nil
}

func TestAppelHandlerRollCall(t *testing.T) {
	appelID := "appel-1"
	svc := &attendanceServiceMock{rollCall: &dto.RollCallInfo{Live: true, AppelID: &appelID, CSRFToken: "tok"}}
	h := NewAppelHandler(svc)

	c, w := authedContext(http.MethodGet, "/class-sessions/cs-1/roll-call", nil, gin.Param{Key: "id", Value: "cs-1"})
	h.RollCall(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cs-1", svc.sessionID)
	assert.Equal(t, "ins-1", svc.actor.UserID)
	assert.Equal(t, models.RoleInstructor, svc.actor.Role)
	assert.Equal(t, "handler-test", svc.actor.UserAgent)
	var info dto.RollCallInfo
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &info))
	assert.True(t, info.Live)
	assert.Equal(t, "tok", info.CSRFToken)
}

func TestAppelHandlerRequiresClaims(t *testing.T) {
	h := NewAppelHandler(&attendanceServiceMock{})
	c, w := newGinContext(http.MethodPost, "/appels/a-1/close", nil)
	c.Params = gin.Params{{Key: "id", Value: "a-1"}}

	h.Close(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAppelHandlerCreate(t *testing.T) {
	svc := &attendanceServiceMock{created: &dto.AppelResponse{Appel: models.Appel{ID: "appel-1"}}}
	h := NewAppelHandler(svc)

	body := mustJSON(t, dto.CreateAppelRequest{PresentLearnerIDs: []string{"l-01"}, ExpirationMinutes: 40})
	c, w := authedContext(http.MethodPost, "/class-sessions/cs-1/appels", body, gin.Param{Key: "id", Value: "cs-1"})
	h.Create(c)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, []string{"l-01"}, svc.create.PresentLearnerIDs)
	assert.Equal(t, 40, svc.create.ExpirationMinutes)
}

func TestAppelHandlerCreateRejectsMalformedBody(t *testing.T) {
	h := NewAppelHandler(&attendanceServiceMock{})
	c, w := authedContext(http.MethodPost, "/class-sessions/cs-1/appels", []byte("{"), gin.Param{Key: "id", Value: "cs-1"})
	h.Create(c)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, decodeEnvelope(t, w).Error.Code)
}

func TestAppelHandlerCreateConflict(t *testing.T) {
	svc := &attendanceServiceMock{err: appErrors.Clone(appErrors.ErrConflict, "roll-call already exists")}
	h := NewAppelHandler(svc)
	c, w := authedContext(http.MethodPost, "/class-sessions/cs-1/appels", []byte(`{}`), gin.Param{Key: "id", Value: "cs-1"})
	h.Create(c)

	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAppelHandlerGetAndPoll(t *testing.T) {
	svc := &attendanceServiceMock{poll: &dto.PollResponse{AppelID: "appel-1", CSRFToken: "tok", CacheHit: true}}
	h := NewAppelHandler(svc)

	c, w := authedContext(http.MethodGet, "/appels/appel-1", nil, gin.Param{Key: "id", Value: "appel-1"})
	h.Get(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.withCSRF)

	c, w = authedContext(http.MethodGet, "/appels/appel-1/poll", nil, gin.Param{Key: "id", Value: "appel-1"})
	c.Set("response_meta", map[string]interface{}{})
	h.Poll(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, svc.withCSRF)
	env := decodeEnvelope(t, w)
	assert.Equal(t, true, env.Meta["cache_hit"])
	assert.NotContains(t, string(env.Data), "CacheHit")
}

func TestAppelHandlerEmailsAndResend(t *testing.T) {
	svc := &attendanceServiceMock{
		emails: &dto.EmailDispatchResult{Sent: 6, Failed: 1, Failures: []dto.EmailFailure{{LearnerID: "l-03", Reason: "smtp down"}}},
		resend: &dto.ResendResult{Sent: true},
	}
	h := NewAppelHandler(svc)

	c, w := authedContext(http.MethodPost, "/appels/appel-1/emails", nil, gin.Param{Key: "id", Value: "appel-1"})
	h.SendEmails(c)
	require.Equal(t, http.StatusOK, w.Code)
	var result dto.EmailDispatchResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &result))
	assert.Equal(t, 6, result.Sent)
	require.Len(t, result.Failures, 1)

	c, w = authedContext(http.MethodPost, "/appels/appel-1/presences/p-9/resend", nil,
		gin.Param{Key: "id", Value: "appel-1"}, gin.Param{Key: "presenceId", Value: "p-9"})
	h.Resend(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p-9", svc.presenceID)
}

func TestAppelHandlerReopen(t *testing.T) {
	svc := &attendanceServiceMock{reopened: &dto.ReopenResult{Processed: 2, Skipped: []string{"l-01"}}}
	h := NewAppelHandler(svc)

	body := mustJSON(t, dto.ReopenAppelRequest{LatecomerLearnerIDs: []string{"l-01", "l-02", "l-03"}, ExpirationMinutes: 15})
	c, w := authedContext(http.MethodPost, "/appels/appel-1/reopen", body, gin.Param{Key: "id", Value: "appel-1"})
	h.Reopen(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, svc.reopen.LatecomerLearnerIDs, 3)
}

func TestAppelHandlerCloseAndDelete(t *testing.T) {
	svc := &attendanceServiceMock{stats: &models.AppelStats{Total: 4, Present: 2, NotSigned: 2, AttendanceRate: 50}}
	h := NewAppelHandler(svc)

	c, w := authedContext(http.MethodPost, "/appels/appel-1/close", nil, gin.Param{Key: "id", Value: "appel-1"})
	h.Close(c)
	require.Equal(t, http.StatusOK, w.Code)
	var stats models.AppelStats
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &stats))
	assert.Equal(t, 50.0, stats.AttendanceRate)

	c, w = authedContext(http.MethodDelete, "/appels/appel-1", nil, gin.Param{Key: "id", Value: "appel-1"})
	h.Delete(c)
	require.Equal(t, http.StatusNoContent, c.Writer.Status())
	assert.Empty(t, w.Body.Bytes())

	svc.err = appErrors.Clone(appErrors.ErrConflict, "closed roll-calls cannot be deleted")
	c, w = authedContext(http.MethodDelete, "/appels/appel-1", nil, gin.Param{Key: "id", Value: "appel-1"})
	h.Delete(c)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAppelHandlerJustify(t *testing.T) {
	svc := &attendanceServiceMock{presence: &models.PresenceDetail{}}
	h := NewAppelHandler(svc)

	body := mustJSON(t, dto.JustifyPresenceRequest{Reason: "Rendez-vous médical"})
	c, w := authedContext(http.MethodPost, "/appels/appel-1/presences/p-2/justify", body,
		gin.Param{Key: "id", Value: "appel-1"}, gin.Param{Key: "presenceId", Value: "p-2"})
	h.Justify(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Rendez-vous médical", svc.justify.Reason)
	assert.Equal(t, "p-2", svc.presenceID)
}

func TestAppelHandlerAbsenceReasonsAndHistory(t *testing.T) {
	svc := &attendanceServiceMock{
		reasons: []models.AbsenceReason{{Label: "Certificat médical"}},
		history: &dto.LearnerHistoryResponse{Presences: []models.LearnerPresence{{}, {}}},
	}
	h := NewAppelHandler(svc)

	c, w := authedContext(http.MethodGet, "/absence-reasons", nil)
	h.AbsenceReasons(c)
	require.Equal(t, http.StatusOK, w.Code)

	c, w = authedContext(http.MethodGet, "/learners/l-01/presences?page=2&pageSize=abc", nil, gin.Param{Key: "id", Value: "l-01"})
	h.LearnerHistory(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, svc.page)
	assert.Equal(t, 20, svc.pageSize)
	env := decodeEnvelope(t, w)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 2, env.Pagination.TotalCount)
}

func TestAppelHandlerPollWithoutMetaStillResponds(t *testing.T) {
	svc := &attendanceServiceMock{poll: &dto.PollResponse{AppelID: "appel-1"}}
	h := NewAppelHandler(svc)
	c, w := authedContext(http.MethodGet, "/appels/appel-1/poll", nil, gin.Param{Key: "id", Value: "appel-1"})
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin})
	h.Poll(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.RoleAdmin, svc.actor.Role)
}
