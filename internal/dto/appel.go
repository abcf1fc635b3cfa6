package dto

import (
	"time"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

// CreateAppelRequest captures POST /class-sessions/:id/appels.
type CreateAppelRequest struct {
	PresentLearnerIDs []string `json:"presentLearnerIds" validate:"omitempty,dive,required"`
	ExpirationMinutes int      `json:"expirationMinutes"`
}

// ReopenAppelRequest captures POST /appels/:id/reopen.
type ReopenAppelRequest struct {
	LatecomerLearnerIDs []string `json:"latecomerLearnerIds" validate:"required,min=1,dive,required"`
	ExpirationMinutes   int      `json:"expirationMinutes"`
}

// JustifyPresenceRequest captures POST /appels/:id/presences/:presenceId/justify.
// Either a predefined reason id or a free-text reason is required.
type JustifyPresenceRequest struct {
	AbsenceReasonID *string `json:"absenceReasonId" validate:"omitempty,uuid"`
	Reason          string  `json:"reason" validate:"max=1000"`
	Comment         string  `json:"comment" validate:"max=1000"`
}

// AppelResponse is returned after creating a roll-call.
type AppelResponse struct {
	Appel     models.Appel            `json:"appel"`
	Presences []models.PresenceDetail `json:"presences"`
	Stats     models.AppelStats       `json:"stats"`
	CSRFToken string                  `json:"csrfToken,omitempty"`
}

// EmailFailure describes a signature email that could not be delivered.
type EmailFailure struct {
	LearnerID string `json:"learnerId"`
	Reason    string `json:"reason"`
}

// EmailDispatchResult summarises a batch of signature emails.
type EmailDispatchResult struct {
	Sent     int            `json:"sent"`
	Failed   int            `json:"failed"`
	Failures []EmailFailure `json:"failures,omitempty"`
}

// ResendResult reports a single email resend.
type ResendResult struct {
	Sent   bool   `json:"sent"`
	Reason string `json:"reason,omitempty"`
}

// ReopenResult summarises a reopen.
type ReopenResult struct {
	Processed    int            `json:"processed"`
	Skipped      []string       `json:"skipped"`
	LateMinutes  int            `json:"lateMinutes"`
	ExpiresAt    time.Time      `json:"expiresAt"`
	EmailsSent   int            `json:"emailsSent"`
	EmailsFailed int            `json:"emailsFailed"`
	Failures     []EmailFailure `json:"failures,omitempty"`
}

// PollResponse is the live view an instructor refreshes while learners sign.
type PollResponse struct {
	AppelID     string                  `json:"appelId"`
	Presences   []models.PresenceDetail `json:"presences"`
	Stats       models.AppelStats       `json:"stats"`
	Closed      bool                    `json:"closed"`
	LinksValid  bool                    `json:"linksValid"`
	SessionLive bool                    `json:"sessionLive"`
	ExpiresAt   time.Time               `json:"expiresAt"`
	EmailsSent  bool                    `json:"emailsSent"`
	CSRFToken   string                  `json:"csrfToken,omitempty"`
	CacheHit    bool                    `json:"-"`
}

// RollCallInfo describes a class session from the roll-call point of view.
type RollCallInfo struct {
	Session   models.ClassSession `json:"session"`
	Live      bool                `json:"live"`
	AppelID   *string             `json:"appelId,omitempty"`
	CSRFToken string              `json:"csrfToken"`
}

// LearnerSummary aggregates a learner's presences. The rate only counts concluded presences.
type LearnerSummary struct {
	Counts         map[models.PresenceStatus]int `json:"counts"`
	Concluded      int                           `json:"concluded"`
	Attended       int                           `json:"attended"`
	AttendanceRate float64                       `json:"attendanceRate"`
}

// LearnerHistoryResponse is returned by GET /learners/:id/presences.
type LearnerHistoryResponse struct {
	Presences []models.LearnerPresence `json:"presences"`
	Summary   LearnerSummary           `json:"summary"`
}
