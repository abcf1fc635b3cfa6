package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
	"github.com/noah-isme/cfa-appel-api/pkg/csrf"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/mailer"
)

type appelStore interface {
	GetByID(ctx context.Context, id string) (*models.Appel, error)
	GetByClassSession(ctx context.Context, classSessionID string) (*models.Appel, error)
	CreateWithPresences(ctx context.Context, appel *models.Appel, presences []models.Presence) error
	MarkEmailsSent(ctx context.Context, id string, at time.Time) error
	Close(ctx context.Context, id string, now time.Time) (int64, error)
	Reopen(ctx context.Context, id string, presences []models.Presence, expiresAt, now time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error
	ExpireStale(ctx context.Context, now time.Time) (map[string]int, error)
}

type presenceStore interface {
	ListByAppel(ctx context.Context, appelID string) ([]models.PresenceDetail, error)
	GetByID(ctx context.Context, id string) (*models.PresenceDetail, error)
	FindSignatureContext(ctx context.Context, token string) (*models.SignatureContext, error)
	TokenExists(ctx context.Context, token string) (bool, error)
	Sign(ctx context.Context, params repository.SignParams) (bool, error)
	MarkEmailSent(ctx context.Context, id string, at time.Time) error
	Justify(ctx context.Context, params repository.JustifyParams) (bool, error)
	ListByLearner(ctx context.Context, learnerID string, limit, offset int) ([]models.LearnerPresence, int, error)
	CountByStatusForLearner(ctx context.Context, learnerID string) (map[models.PresenceStatus]int, error)
}

type classSessionReader interface {
	GetByID(ctx context.Context, id string) (*models.ClassSession, error)
}

type enrollmentReader interface {
	ListValidatedLearners(ctx context.Context, trainingSessionID string) ([]models.EnrolledLearner, error)
}

type absenceReasonReader interface {
	ListActive(ctx context.Context) ([]models.AbsenceReason, error)
	GetByID(ctx context.Context, id string) (*models.AbsenceReason, error)
}

type auditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type csrfIssuer interface {
	Generate(scope string) (string, error)
}

// Actor identifies the authenticated user behind an instructor operation.
type Actor struct {
	UserID    string
	Role      models.UserRole
	IP        string
	UserAgent string
}

// AttendanceServiceConfig tunes roll-call behaviour.
type AttendanceServiceConfig struct {
	// BaseURL prefixes signature links: {BaseURL}/signature/{token}.
	BaseURL       string
	LateThreshold time.Duration
	PollCacheTTL  time.Duration
}

// AttendanceServiceParams groups constructor dependencies.
type AttendanceServiceParams struct {
	Appels         appelStore
	Presences      presenceStore
	Sessions       classSessionReader
	Enrollments    enrollmentReader
	AbsenceReasons absenceReasonReader
	Mailer         mailer.Mailer
	Templates      *mailer.Renderer
	CSRF           csrfIssuer
	Cache          *CacheService
	Metrics        *MetricsService
	Audit          auditRecorder
	Clock          clock.Clock
	Validator      *validator.Validate
	Logger         *zap.Logger
	Config         AttendanceServiceConfig
}

// AttendanceService runs the roll-call workflow: creation, signature emails, learner
// signatures, reopening, closing, justification and the expiry sweep.
type AttendanceService struct {
	appels      appelStore
	presences   presenceStore
	sessions    classSessionReader
	enrollments enrollmentReader
	reasons     absenceReasonReader
	tokens      *TokenGenerator
	mailer      mailer.Mailer
	templates   *mailer.Renderer
	csrfTokens  csrfIssuer
	cache       *CacheService
	metrics     *MetricsService
	audit       auditRecorder
	clock       clock.Clock
	validator   *validator.Validate
	logger      *zap.Logger
	cfg         AttendanceServiceConfig
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(params AttendanceServiceParams) *AttendanceService {
	cfg := params.Config
	if cfg.LateThreshold <= 0 {
		cfg.LateThreshold = 15 * time.Minute
	}
	if cfg.PollCacheTTL <= 0 {
		cfg.PollCacheTTL = 3 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	clk := params.Clock
	if clk == nil {
		clk = clock.New()
	}
	validate := params.Validator
	if validate == nil {
		validate = validator.New()
	}
	logger := params.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceService{
		appels:      params.Appels,
		presences:   params.Presences,
		sessions:    params.Sessions,
		enrollments: params.Enrollments,
		reasons:     params.AbsenceReasons,
		tokens:      NewTokenGenerator(params.Presences),
		mailer:      params.Mailer,
		templates:   params.Templates,
		csrfTokens:  params.CSRF,
		cache:       params.Cache,
		metrics:     params.Metrics,
		audit:       params.Audit,
		clock:       clk,
		validator:   validate,
		logger:      logger,
		cfg:         cfg,
	}
}

// RollCall describes a class session for the roll-call screen and issues the CSRF token
// required to create its appel.
func (s *AttendanceService) RollCall(ctx context.Context, sessionID string, actor Actor) (*dto.RollCallInfo, error) {
	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, session.InstructorID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session instructor can take the roll-call")
	}

	info := &dto.RollCallInfo{Session: *session, Live: session.IsLive(s.clock.Now())}
	existing, err := s.appels.GetByClassSession(ctx, sessionID)
	switch {
	case err == nil:
		info.AppelID = &existing.ID
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Internal(err, "failed to load roll-call")
	}

	token, err := s.issueCSRF(csrf.SessionScope(sessionID))
	if err != nil {
		return nil, err
	}
	info.CSRFToken = token
	return info, nil
}

// CreateRollCall opens the roll-call of a live class session. Learners listed as present
// are recorded PRESENT without a token; every other validated learner gets a PENDING
// presence with a fresh signature token.
func (s *AttendanceService) CreateRollCall(ctx context.Context, sessionID string, actor Actor, req dto.CreateAppelRequest) (*dto.AppelResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid roll-call payload")
	}

	session, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !canManage(actor, session.InstructorID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session instructor can take the roll-call")
	}

	now := s.clock.Now().UTC()
	if !session.IsLive(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "the roll-call can only be taken while the class session is in progress")
	}

	if _, err := s.appels.GetByClassSession(ctx, sessionID); err == nil {
		return nil, appErrors.Clone(appErrors.ErrConflict, "a roll-call already exists for this class session")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Internal(err, "failed to check existing roll-call")
	}

	learners, err := s.enrollments.ListValidatedLearners(ctx, session.TrainingSessionID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load enrolled learners")
	}

	present := make(map[string]struct{}, len(req.PresentLearnerIDs))
	for _, id := range req.PresentLearnerIDs {
		present[id] = struct{}{}
	}

	minutes := models.NormalizeExpirationMinutes(req.ExpirationMinutes, models.DefaultCreateExpirationMinutes)
	appel := &models.Appel{
		ClassSessionID: session.ID,
		InstructorID:   session.InstructorID,
		ExpiresAt:      now.Add(time.Duration(minutes) * time.Minute),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	issued := make(map[string]struct{}, len(learners))
	presences := make([]models.Presence, 0, len(learners))
	for _, learner := range learners {
		p := models.Presence{LearnerID: learner.LearnerID, CreatedAt: now, UpdatedAt: now}
		if _, ok := present[learner.LearnerID]; ok {
			signedAt := now
			p.Status = models.PresenceStatusPresent
			p.SignedAt = &signedAt
		} else {
			token, err := s.tokens.Generate(ctx, issued)
			if err != nil {
				return nil, appErrors.Internal(err, "failed to issue signature token")
			}
			p.Status = models.PresenceStatusPending
			p.Token = &token
		}
		presences = append(presences, p)
	}

	if err := s.appels.CreateWithPresences(ctx, appel, presences); err != nil {
		if errors.Is(err, repository.ErrAppelExists) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "a roll-call already exists for this class session")
		}
		return nil, appErrors.Internal(err, "failed to create roll-call")
	}

	details := make([]models.PresenceDetail, len(presences))
	statuses := make([]models.PresenceStatus, len(presences))
	for i, p := range presences {
		details[i] = models.PresenceDetail{Presence: p, LearnerName: learners[i].FullName, LearnerEmail: learners[i].Email}
		statuses[i] = p.Status
	}

	csrfToken, err := s.issueCSRF(csrf.AppelScope(appel.ID))
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, models.AuditActionAppelCreate, appel.ID, map[string]interface{}{
		"class_session_id":   session.ID,
		"learners":           len(presences),
		"present":            len(presences) - len(issued),
		"expiration_minutes": minutes,
	})

	return &dto.AppelResponse{
		Appel:     *appel,
		Presences: details,
		Stats:     models.ComputeStats(statuses),
		CSRFToken: csrfToken,
	}, nil
}

type pollSnapshot struct {
	Presences       []models.PresenceDetail `json:"presences"`
	Stats           models.AppelStats       `json:"stats"`
	SessionStartsAt time.Time               `json:"session_starts_at"`
	SessionEndsAt   time.Time               `json:"session_ends_at"`
}

// Poll returns the live state of a roll-call. The presence list is cached briefly and
// invalidated by every write; the appel flags are always read fresh.
func (s *AttendanceService) Poll(ctx context.Context, appelID string, actor Actor, withCSRF bool) (*dto.PollResponse, error) {
	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return nil, err
	}

	snapshot, hit, err := Remember(ctx, s.cache, PollKey(appel.ID), s.cfg.PollCacheTTL, func(ctx context.Context) (pollSnapshot, error) {
		session, err := s.loadSession(ctx, appel.ClassSessionID)
		if err != nil {
			return pollSnapshot{}, err
		}
		presences, err := s.presences.ListByAppel(ctx, appel.ID)
		if err != nil {
			return pollSnapshot{}, appErrors.Internal(err, "failed to load presences")
		}
		return pollSnapshot{
			Presences:       presences,
			Stats:           statsOf(presences),
			SessionStartsAt: session.StartsAt,
			SessionEndsAt:   session.EndsAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	window := models.ClassSession{StartsAt: snapshot.SessionStartsAt, EndsAt: snapshot.SessionEndsAt}
	res := &dto.PollResponse{
		AppelID:     appel.ID,
		Presences:   snapshot.Presences,
		Stats:       snapshot.Stats,
		Closed:      appel.Closed,
		LinksValid:  appel.LinksValid(now),
		SessionLive: window.IsLive(now),
		ExpiresAt:   appel.ExpiresAt,
		EmailsSent:  appel.EmailsSent,
		CacheHit:    hit,
	}
	if withCSRF {
		token, err := s.issueCSRF(csrf.AppelScope(appel.ID))
		if err != nil {
			return nil, err
		}
		res.CSRFToken = token
	}
	return res, nil
}

// CloseRollCall turns every PENDING presence into NOT_SIGNED and closes the appel.
func (s *AttendanceService) CloseRollCall(ctx context.Context, appelID string, actor Actor) (*models.AppelStats, error) {
	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return nil, err
	}
	if appel.Closed {
		return nil, appErrors.Clone(appErrors.ErrConflict, "the roll-call is already closed")
	}

	converted, err := s.appels.Close(ctx, appel.ID, s.clock.Now().UTC())
	if err != nil {
		if errors.Is(err, repository.ErrAppelClosed) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "the roll-call is already closed")
		}
		return nil, appErrors.Internal(err, "failed to close roll-call")
	}
	s.invalidatePoll(ctx, appel.ID)

	presences, err := s.presences.ListByAppel(ctx, appel.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load presences")
	}
	stats := statsOf(presences)

	s.record(ctx, actor, models.AuditActionAppelClose, appel.ID, map[string]interface{}{
		"not_signed":      converted,
		"attendance_rate": stats.AttendanceRate,
	})
	return &stats, nil
}

// DeleteRollCall removes an open roll-call and its presences.
func (s *AttendanceService) DeleteRollCall(ctx context.Context, appelID string, actor Actor) error {
	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return err
	}
	if appel.Closed {
		return appErrors.Clone(appErrors.ErrConflict, "a closed roll-call cannot be deleted")
	}
	if err := s.appels.Delete(ctx, appel.ID); err != nil {
		if errors.Is(err, repository.ErrAppelClosed) {
			return appErrors.Clone(appErrors.ErrConflict, "a closed roll-call cannot be deleted")
		}
		return appErrors.Internal(err, "failed to delete roll-call")
	}
	s.invalidatePoll(ctx, appel.ID)
	s.record(ctx, actor, models.AuditActionAppelDelete, appel.ID, map[string]interface{}{
		"class_session_id": appel.ClassSessionID,
	})
	return nil
}

// JustifyAbsence attaches a reason to an ABSENT or NOT_SIGNED presence and moves it to
// ABSENT_JUSTIFIED. Signature fields are left untouched.
func (s *AttendanceService) JustifyAbsence(ctx context.Context, appelID, presenceID string, actor Actor, req dto.JustifyPresenceRequest) (*models.PresenceDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid justification payload")
	}

	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return nil, err
	}
	presence, err := s.loadPresence(ctx, appel.ID, presenceID)
	if err != nil {
		return nil, err
	}

	justification := strings.TrimSpace(req.Reason)
	if req.AbsenceReasonID != nil {
		reason, err := s.reasons.GetByID(ctx, *req.AbsenceReasonID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, appErrors.Clone(appErrors.ErrValidation, "unknown absence reason")
			}
			return nil, appErrors.Internal(err, "failed to load absence reason")
		}
		if !reason.Active {
			return nil, appErrors.Clone(appErrors.ErrValidation, "this absence reason is no longer available")
		}
		if justification == "" {
			justification = reason.Label
		}
	}
	if justification == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "a justification reason is required")
	}

	now := s.clock.Now().UTC()
	previous := presence.Status
	if err := presence.TransitionTo(models.PresenceStatusAbsentJustified, now); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, "only absent or unsigned learners can be justified")
	}

	comment := strings.TrimSpace(req.Comment)
	ok, err := s.presences.Justify(ctx, repository.JustifyParams{
		PresenceID:      presence.ID,
		AbsenceReasonID: req.AbsenceReasonID,
		Justification:   justification,
		Comment:         comment,
		At:              now,
	})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to justify absence")
	}
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrConflict, "only absent or unsigned learners can be justified")
	}
	presence.AbsenceReasonID = req.AbsenceReasonID
	presence.Justification = justification
	presence.Comment = comment
	s.invalidatePoll(ctx, appel.ID)

	s.record(ctx, actor, models.AuditActionPresenceJustify, appel.ID, map[string]interface{}{
		"presence_id":     presence.ID,
		"learner_id":      presence.LearnerID,
		"previous_status": previous,
		"justification":   justification,
	})
	return presence, nil
}

// ListAbsenceReasons returns the predefined reasons selectable when justifying.
func (s *AttendanceService) ListAbsenceReasons(ctx context.Context) ([]models.AbsenceReason, error) {
	reasons, err := s.reasons.ListActive(ctx)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list absence reasons")
	}
	return reasons, nil
}

// LearnerHistory pages through a learner's presences and summarises them. The attendance
// rate only counts concluded presences, PENDING ones are left out.
func (s *AttendanceService) LearnerHistory(ctx context.Context, learnerID string, page, pageSize int) (*dto.LearnerHistoryResponse, *models.Pagination, error) {
	if strings.TrimSpace(learnerID) == "" {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "learner id is required")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	presences, total, err := s.presences.ListByLearner(ctx, learnerID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to load learner presences")
	}
	counts, err := s.presences.CountByStatusForLearner(ctx, learnerID)
	if err != nil {
		return nil, nil, appErrors.Internal(err, "failed to summarise learner presences")
	}

	summary := dto.LearnerSummary{Counts: counts}
	for status, n := range counts {
		if status != models.PresenceStatusPending {
			summary.Concluded += n
		}
		if status.Attended() {
			summary.Attended += n
		}
	}
	summary.AttendanceRate = models.AttendanceRate(summary.Attended, summary.Concluded)

	if presences == nil {
		presences = []models.LearnerPresence{}
	}
	return &dto.LearnerHistoryResponse{Presences: presences, Summary: summary},
		&models.Pagination{Page: page, PageSize: pageSize, TotalCount: total}, nil
}

func (s *AttendanceService) loadSession(ctx context.Context, id string) (*models.ClassSession, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "class session not found")
		}
		return nil, appErrors.Internal(err, "failed to load class session")
	}
	return session, nil
}

// loadAppel fetches an appel and checks the actor may manage it.
func (s *AttendanceService) loadAppel(ctx context.Context, id string, actor Actor) (*models.Appel, error) {
	appel, err := s.appels.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "roll-call not found")
		}
		return nil, appErrors.Internal(err, "failed to load roll-call")
	}
	if !canManage(actor, appel.InstructorID) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only the session instructor can manage this roll-call")
	}
	return appel, nil
}

func (s *AttendanceService) loadPresence(ctx context.Context, appelID, presenceID string) (*models.PresenceDetail, error) {
	presence, err := s.presences.GetByID(ctx, presenceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "presence not found")
		}
		return nil, appErrors.Internal(err, "failed to load presence")
	}
	if presence.AppelID != appelID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "presence not found")
	}
	return presence, nil
}

func (s *AttendanceService) issueCSRF(scope string) (string, error) {
	if s.csrfTokens == nil {
		return "", nil
	}
	token, err := s.csrfTokens.Generate(scope)
	if err != nil {
		return "", appErrors.Internal(err, "failed to issue csrf token")
	}
	return token, nil
}

func (s *AttendanceService) invalidatePoll(ctx context.Context, appelIDs ...string) {
	s.cache.InvalidatePolls(ctx, appelIDs...)
}

// record writes an audit entry; failures are logged and never surface to the caller.
func (s *AttendanceService) record(ctx context.Context, actor Actor, action, appelID string, values map[string]interface{}) {
	if s.audit == nil {
		return
	}
	body, err := json.Marshal(values)
	if err != nil {
		s.logger.Warn("failed to encode audit values", zap.String("action", action), zap.Error(err))
		return
	}
	entry := &models.AuditLog{
		Action:     action,
		Resource:   "appel",
		ResourceID: &appelID,
		NewValues:  body,
		IPAddress:  actor.IP,
		UserAgent:  actor.UserAgent,
	}
	if actor.UserID != "" {
		userID := actor.UserID
		entry.UserID = &userID
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record audit log", zap.String("action", action), zap.String("appel_id", appelID), zap.Error(err))
	}
}

func canManage(actor Actor, instructorID string) bool {
	if actor.Role == models.RoleAdmin {
		return true
	}
	return actor.Role == models.RoleInstructor && actor.UserID != "" && actor.UserID == instructorID
}

func statsOf(presences []models.PresenceDetail) models.AppelStats {
	statuses := make([]models.PresenceStatus, len(presences))
	for i, p := range presences {
		statuses[i] = p.Status
	}
	return models.ComputeStats(statuses)
}
