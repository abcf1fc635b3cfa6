package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/cfa-appel-api/internal/dto"
	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
	"github.com/noah-isme/cfa-appel-api/pkg/mailer"
)

// SendSignatureEmails mails a signature link to every PENDING learner of the roll-call.
// Each recipient is handled independently; failures are reported, never retried.
func (s *AttendanceService) SendSignatureEmails(ctx context.Context, appelID string, actor Actor) (*dto.EmailDispatchResult, error) {
	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if appel.Closed {
		return nil, appErrors.Clone(appErrors.ErrConflict, "the roll-call is closed")
	}
	if appel.Expired(now) {
		return nil, appErrors.Clone(appErrors.ErrConflict, "signature links have expired; reopen the roll-call first")
	}

	session, err := s.loadSession(ctx, appel.ClassSessionID)
	if err != nil {
		return nil, err
	}
	presences, err := s.presences.ListByAppel(ctx, appel.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load presences")
	}

	targets := make([]models.PresenceDetail, 0, len(presences))
	for _, p := range presences {
		if awaitingSignature(p.Presence) {
			targets = append(targets, p)
		}
	}

	result := s.dispatch(ctx, appel, session, targets, false)
	s.markEmailsSent(ctx, appel.ID, result)
	s.invalidatePoll(ctx, appel.ID)

	s.record(ctx, actor, models.AuditActionAppelEmails, appel.ID, map[string]interface{}{
		"sent":   result.Sent,
		"failed": result.Failed,
	})
	return &result, nil
}

// ResendEmail mails the signature link of one presence again when it is still signable.
// Ineligible presences are reported in the result, not as errors.
func (s *AttendanceService) ResendEmail(ctx context.Context, appelID, presenceID string, actor Actor) (*dto.ResendResult, error) {
	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return nil, err
	}
	presence, err := s.loadPresence(ctx, appel.ID, presenceID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	switch {
	case appel.Closed:
		return &dto.ResendResult{Reason: "the roll-call is closed"}, nil
	case appel.Expired(now):
		return &dto.ResendResult{Reason: "the signature link has expired"}, nil
	case !awaitingSignature(presence.Presence):
		return &dto.ResendResult{Reason: "the learner is not awaiting a signature"}, nil
	}

	session, err := s.loadSession(ctx, appel.ClassSessionID)
	if err != nil {
		return nil, err
	}

	res := &dto.ResendResult{Sent: true}
	if err := s.sendOne(ctx, appel, session, *presence, false); err != nil {
		s.logger.Warn("signature email resend failed",
			zap.String("appel_id", appel.ID),
			zap.String("learner_id", presence.LearnerID),
			zap.Error(err))
		res = &dto.ResendResult{Reason: "email delivery failed"}
		s.metrics.RecordEmails(0, 1)
	} else {
		s.metrics.RecordEmails(1, 0)
		s.invalidatePoll(ctx, appel.ID)
	}

	s.record(ctx, actor, models.AuditActionAppelResend, appel.ID, map[string]interface{}{
		"presence_id": presence.ID,
		"sent":        res.Sent,
	})
	return res, nil
}

// ReopenRollCall issues new signature links to latecomers while the class session is
// still live. Only PENDING or NOT_SIGNED learners are reopened; anyone else is skipped
// and reported.
func (s *AttendanceService) ReopenRollCall(ctx context.Context, appelID string, actor Actor, req dto.ReopenAppelRequest) (*dto.ReopenResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "select at least one learner to reopen")
	}

	appel, err := s.loadAppel(ctx, appelID, actor)
	if err != nil {
		return nil, err
	}
	session, err := s.loadSession(ctx, appel.ClassSessionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if !session.IsLive(now) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "the class session is over; the roll-call can no longer be reopened")
	}

	minutes := models.NormalizeExpirationMinutes(req.ExpirationMinutes, models.DefaultReopenExpirationMinutes)
	expiresAt := now.Add(time.Duration(minutes) * time.Minute)
	lateMinutes := session.LateMinutes(now)

	current, err := s.presences.ListByAppel(ctx, appel.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load presences")
	}
	byLearner := make(map[string]models.PresenceDetail, len(current))
	for _, p := range current {
		byLearner[p.LearnerID] = p
	}

	issued := make(map[string]struct{}, len(req.LatecomerLearnerIDs))
	seen := make(map[string]struct{}, len(req.LatecomerLearnerIDs))
	skipped := make([]string, 0)
	rearm := make([]models.Presence, 0, len(req.LatecomerLearnerIDs))
	reopened := make([]models.PresenceDetail, 0, len(req.LatecomerLearnerIDs))
	for _, learnerID := range req.LatecomerLearnerIDs {
		if _, dup := seen[learnerID]; dup {
			continue
		}
		seen[learnerID] = struct{}{}

		detail, ok := byLearner[learnerID]
		if !ok || !detail.Status.Reopenable() || detail.Signed() {
			skipped = append(skipped, learnerID)
			continue
		}
		if detail.Status == models.PresenceStatusNotSigned {
			if err := detail.TransitionTo(models.PresenceStatusPending, now); err != nil {
				skipped = append(skipped, learnerID)
				continue
			}
		}
		token, err := s.tokens.Generate(ctx, issued)
		if err != nil {
			return nil, appErrors.Internal(err, "failed to issue signature token")
		}
		detail.Token = &token
		detail.LateMinutes = lateMinutes
		detail.EmailSent = false
		detail.EmailSentAt = nil
		detail.UpdatedAt = now
		rearm = append(rearm, detail.Presence)
		reopened = append(reopened, detail)
	}

	if len(rearm) == 0 {
		return nil, appErrors.Clone(appErrors.ErrConflict, "none of the selected learners is awaiting a signature")
	}

	raced, err := s.appels.Reopen(ctx, appel.ID, rearm, expiresAt, now)
	if errors.Is(err, repository.ErrNothingReopened) {
		return nil, appErrors.Clone(appErrors.ErrConflict, "none of the selected learners is awaiting a signature")
	}
	if err != nil {
		return nil, appErrors.Internal(err, "failed to reopen roll-call")
	}
	if len(raced) > 0 {
		lost := make(map[string]struct{}, len(raced))
		for _, id := range raced {
			lost[id] = struct{}{}
		}
		kept := reopened[:0]
		for _, p := range reopened {
			if _, ok := lost[p.ID]; ok {
				skipped = append(skipped, p.LearnerID)
				continue
			}
			kept = append(kept, p)
		}
		reopened = kept
	}

	appel.ExpiresAt = expiresAt
	appel.Closed = false
	appel.ClosedAt = nil

	emails := s.dispatch(ctx, appel, session, reopened, true)
	s.markEmailsSent(ctx, appel.ID, emails)
	s.invalidatePoll(ctx, appel.ID)

	s.record(ctx, actor, models.AuditActionAppelReopen, appel.ID, map[string]interface{}{
		"processed":          len(reopened),
		"skipped":            skipped,
		"late_minutes":       lateMinutes,
		"expiration_minutes": minutes,
	})

	return &dto.ReopenResult{
		Processed:    len(reopened),
		Skipped:      skipped,
		LateMinutes:  lateMinutes,
		ExpiresAt:    expiresAt,
		EmailsSent:   emails.Sent,
		EmailsFailed: emails.Failed,
		Failures:     emails.Failures,
	}, nil
}

func (s *AttendanceService) dispatch(ctx context.Context, appel *models.Appel, session *models.ClassSession, targets []models.PresenceDetail, reopened bool) dto.EmailDispatchResult {
	var result dto.EmailDispatchResult
	for _, p := range targets {
		if err := s.sendOne(ctx, appel, session, p, reopened); err != nil {
			result.Failed++
			result.Failures = append(result.Failures, dto.EmailFailure{LearnerID: p.LearnerID, Reason: err.Error()})
			s.logger.Warn("signature email failed",
				zap.String("appel_id", appel.ID),
				zap.String("learner_id", p.LearnerID),
				zap.Error(err))
			continue
		}
		result.Sent++
	}
	s.metrics.RecordEmails(result.Sent, result.Failed)
	return result
}

func (s *AttendanceService) sendOne(ctx context.Context, appel *models.Appel, session *models.ClassSession, p models.PresenceDetail, reopened bool) error {
	if p.Token == nil {
		return fmt.Errorf("presence %s has no signature token", p.ID)
	}
	if s.mailer == nil || s.templates == nil {
		return fmt.Errorf("mailer not configured")
	}
	msg, err := s.templates.SignatureRequest(mailer.SignatureRequest{
		LearnerName:  p.LearnerName,
		LearnerEmail: p.LearnerEmail,
		SessionTitle: session.Title,
		Room:         session.Room,
		StartsAt:     session.StartsAt,
		ExpiresAt:    appel.ExpiresAt,
		SignatureURL: s.signatureURL(*p.Token),
		Reopened:     reopened,
	})
	if err != nil {
		return err
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return err
	}
	if err := s.presences.MarkEmailSent(ctx, p.ID, s.clock.Now().UTC()); err != nil {
		s.logger.Warn("failed to flag signature email as sent", zap.String("presence_id", p.ID), zap.Error(err))
	}
	return nil
}

// markEmailsSent flags the appel once at least one email of the batch left the server.
func (s *AttendanceService) markEmailsSent(ctx context.Context, appelID string, result dto.EmailDispatchResult) {
	if result.Sent == 0 {
		return
	}
	if err := s.appels.MarkEmailsSent(ctx, appelID, s.clock.Now().UTC()); err != nil {
		s.logger.Warn("failed to flag roll-call emails as sent", zap.String("appel_id", appelID), zap.Error(err))
	}
}

func (s *AttendanceService) signatureURL(token string) string {
	return s.cfg.BaseURL + "/signature/" + token
}

func awaitingSignature(p models.Presence) bool {
	return p.Status == models.PresenceStatusPending && p.Token != nil && !p.Signed()
}
