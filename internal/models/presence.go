package models

import (
	"errors"
	"fmt"
	"time"
)

// PresenceStatus is the attendance state of one learner in one roll-call.
type PresenceStatus string

const (
	PresenceStatusPending         PresenceStatus = "PENDING"
	PresenceStatusPresent         PresenceStatus = "PRESENT"
	PresenceStatusAbsent          PresenceStatus = "ABSENT"
	PresenceStatusAbsentJustified PresenceStatus = "ABSENT_JUSTIFIED"
	PresenceStatusLate            PresenceStatus = "LATE"
	PresenceStatusNotSigned       PresenceStatus = "NOT_SIGNED"
)

// Valid reports whether s is a known status.
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceStatusPending, PresenceStatusPresent, PresenceStatusAbsent,
		PresenceStatusAbsentJustified, PresenceStatusLate, PresenceStatusNotSigned:
		return true
	default:
		return false
	}
}

// Attended reports whether the learner counts as present for rate computations.
func (s PresenceStatus) Attended() bool {
	return s == PresenceStatusPresent || s == PresenceStatusLate
}

// Justifiable reports whether an instructor may attach a justification.
func (s PresenceStatus) Justifiable() bool {
	return s == PresenceStatusAbsent || s == PresenceStatusNotSigned
}

// Reopenable reports whether a reopen may issue a new signature link.
func (s PresenceStatus) Reopenable() bool {
	return s == PresenceStatusPending || s == PresenceStatusNotSigned
}

// ErrInvalidTransition is returned by TransitionTo for a refused status change.
var ErrInvalidTransition = errors.New("invalid presence transition")

var presenceTransitions = map[PresenceStatus][]PresenceStatus{
	PresenceStatusPending:   {PresenceStatusPresent, PresenceStatusLate, PresenceStatusNotSigned},
	PresenceStatusAbsent:    {PresenceStatusAbsentJustified},
	PresenceStatusNotSigned: {PresenceStatusAbsentJustified, PresenceStatusPending},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to PresenceStatus) bool {
	for _, allowed := range presenceTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Presence is one learner's attendance line inside an Appel.
type Presence struct {
	ID                 string         `db:"id" json:"id"`
	AppelID            string         `db:"appel_id" json:"appel_id"`
	LearnerID          string         `db:"learner_id" json:"learner_id"`
	Status             PresenceStatus `db:"status" json:"status"`
	Token              *string        `db:"token" json:"-"`
	SignedAt           *time.Time     `db:"signed_at" json:"signed_at,omitempty"`
	SignatureIP        *string        `db:"signature_ip" json:"signature_ip,omitempty"`
	SignatureUserAgent *string        `db:"signature_user_agent" json:"signature_user_agent,omitempty"`
	EmailSent          bool           `db:"email_sent" json:"email_sent"`
	EmailSentAt        *time.Time     `db:"email_sent_at" json:"email_sent_at,omitempty"`
	AbsenceReasonID    *string        `db:"absence_reason_id" json:"absence_reason_id,omitempty"`
	Justification      string         `db:"justification" json:"justification,omitempty"`
	LateMinutes        int            `db:"late_minutes" json:"late_minutes"`
	Comment            string         `db:"comment" json:"comment,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Signed reports whether the learner already signed this presence.
func (p *Presence) Signed() bool {
	return p.SignedAt != nil
}

// TransitionTo moves the presence to target or returns ErrInvalidTransition.
// It is the only place a status is assigned after creation.
func (p *Presence) TransitionTo(target PresenceStatus, now time.Time) error {
	if !CanTransition(p.Status, target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, target)
	}
	p.Status = target
	p.UpdatedAt = now
	return nil
}

// PresenceDetail is a presence joined with its learner identity.
type PresenceDetail struct {
	Presence
	LearnerName  string `db:"learner_name" json:"learner_name"`
	LearnerEmail string `db:"learner_email" json:"learner_email"`
}

// LearnerPresence is a presence seen from the learner history, with its session context.
type LearnerPresence struct {
	Presence
	SessionTitle    string    `db:"session_title" json:"session_title"`
	SessionStartsAt time.Time `db:"session_starts_at" json:"session_starts_at"`
	AppelClosed     bool      `db:"appel_closed" json:"appel_closed"`
}

// SignatureContext is everything needed to judge a signature attempt, loaded by token.
type SignatureContext struct {
	Presence
	AppelExpiresAt  time.Time `db:"appel_expires_at"`
	AppelClosed     bool      `db:"appel_closed"`
	SessionTitle    string    `db:"session_title"`
	SessionStartsAt time.Time `db:"session_starts_at"`
	SessionEndsAt   time.Time `db:"session_ends_at"`
	LearnerName     string    `db:"learner_name"`
}

// Session rebuilds the time window of the class session.
func (c *SignatureContext) Session() ClassSession {
	return ClassSession{Title: c.SessionTitle, StartsAt: c.SessionStartsAt, EndsAt: c.SessionEndsAt}
}
