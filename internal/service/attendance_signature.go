package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
)

// SignatureResult is the outcome of a signature attempt. Code is the resulting status
// (PRESENT or LATE) on success, or one of TOKEN_INVALIDE, APPEL_CLOTURE, LIEN_EXPIRE and
// DEJA_SIGNE otherwise. Presence is nil when the token is unknown.
type SignatureResult struct {
	Success  bool
	Code     string
	Message  string
	Status   int
	Presence *models.SignatureContext
}

// InspectSignature runs the signature checks without writing, for the confirmation page.
func (s *AttendanceService) InspectSignature(ctx context.Context, token string) (*SignatureResult, error) {
	sc, err := s.presences.FindSignatureContext(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return refused(appErrors.ErrTokenInvalid, nil), nil
		}
		return nil, appErrors.Internal(err, "failed to load signature")
	}
	if outcome := classifySignature(sc, s.clock.Now()); outcome != nil {
		return refused(outcome, sc), nil
	}
	return &SignatureResult{Success: true, Status: http.StatusOK, Presence: sc}, nil
}

// ProcessSignature records a learner signature. The write is conditional: a signature
// racing the close, the expiry sweep or a second submission is refused and classified.
func (s *AttendanceService) ProcessSignature(ctx context.Context, token, ip, userAgent string) (*SignatureResult, error) {
	res, err := s.processSignature(ctx, token, ip, userAgent)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSignature(res.Code)
	return res, nil
}

func (s *AttendanceService) processSignature(ctx context.Context, token, ip, userAgent string) (*SignatureResult, error) {
	sc, err := s.presences.FindSignatureContext(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return refused(appErrors.ErrTokenInvalid, nil), nil
		}
		return nil, appErrors.Internal(err, "failed to load signature")
	}

	now := s.clock.Now().UTC()
	if outcome := classifySignature(sc, now); outcome != nil {
		return refused(outcome, sc), nil
	}

	session := sc.Session()
	status := models.PresenceStatusPresent
	lateMinutes := 0
	if session.IsLate(now, s.cfg.LateThreshold) {
		status = models.PresenceStatusLate
		lateMinutes = session.LateMinutes(now)
	}

	presence := sc.Presence
	if err := presence.TransitionTo(status, now); err != nil {
		return refused(appErrors.ErrLinkExpired, sc), nil
	}

	ok, err := s.presences.Sign(ctx, repository.SignParams{
		PresenceID:  sc.ID,
		Status:      status,
		LateMinutes: lateMinutes,
		SignedAt:    now,
		IP:          ip,
		UserAgent:   userAgent,
	})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to record signature")
	}
	if !ok {
		return s.reclassify(ctx, token, sc)
	}

	presence.LateMinutes = lateMinutes
	presence.SignedAt = &now
	presence.SignatureIP = &ip
	presence.SignatureUserAgent = &userAgent
	sc.Presence = presence
	s.invalidatePoll(ctx, sc.AppelID)

	message := "Votre présence a bien été enregistrée."
	if status == models.PresenceStatusLate {
		message = fmt.Sprintf("Votre présence a été enregistrée avec %d minutes de retard.", lateMinutes)
	}
	return &SignatureResult{Success: true, Code: string(status), Message: message, Status: http.StatusOK, Presence: sc}, nil
}

// reclassify reloads a presence whose conditional write lost a race and explains why.
func (s *AttendanceService) reclassify(ctx context.Context, token string, previous *models.SignatureContext) (*SignatureResult, error) {
	sc, err := s.presences.FindSignatureContext(ctx, token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return refused(appErrors.ErrTokenInvalid, nil), nil
		}
		s.logger.Warn("failed to reload signature after lost race", zap.String("presence_id", previous.ID), zap.Error(err))
		return refused(appErrors.ErrLinkExpired, previous), nil
	}
	if outcome := classifySignature(sc, s.clock.Now()); outcome != nil {
		return refused(outcome, sc), nil
	}
	return refused(appErrors.ErrLinkExpired, sc), nil
}

// classifySignature returns why a presence cannot be signed at now, or nil.
func classifySignature(sc *models.SignatureContext, now time.Time) *appErrors.Error {
	switch {
	case sc.Signed():
		return appErrors.ErrAlreadySigned
	case sc.AppelClosed:
		return appErrors.ErrAppelClosed
	case !now.Before(sc.AppelExpiresAt), sc.Status != models.PresenceStatusPending:
		return appErrors.ErrLinkExpired
	}
	return nil
}

func refused(outcome *appErrors.Error, sc *models.SignatureContext) *SignatureResult {
	return &SignatureResult{Code: outcome.Code, Message: outcome.Message, Status: outcome.Status, Presence: sc}
}
