package models

import (
	"math"
	"time"
)

// Expiration windows an instructor may choose for signature links, in minutes.
const (
	DefaultCreateExpirationMinutes = 20
	DefaultReopenExpirationMinutes = 15
)

var allowedExpirationMinutes = map[int]struct{}{15: {}, 20: {}, 40: {}}

// NormalizeExpirationMinutes keeps minutes when allowed and falls back otherwise.
func NormalizeExpirationMinutes(minutes, fallback int) int {
	if _, ok := allowedExpirationMinutes[minutes]; ok {
		return minutes
	}
	return fallback
}

// Appel is the roll-call opened by an instructor for one class session.
type Appel struct {
	ID             string     `db:"id" json:"id"`
	ClassSessionID string     `db:"class_session_id" json:"class_session_id"`
	InstructorID   string     `db:"instructor_id" json:"instructor_id"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	EmailsSent     bool       `db:"emails_sent" json:"emails_sent"`
	EmailsSentAt   *time.Time `db:"emails_sent_at" json:"emails_sent_at,omitempty"`
	Closed         bool       `db:"closed" json:"closed"`
	ClosedAt       *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	Comment        string     `db:"comment" json:"comment,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Expired reports whether signature links stopped being accepted at now.
func (a *Appel) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// LinksValid reports whether learners can still sign.
func (a *Appel) LinksValid(now time.Time) bool {
	return !a.Closed && !a.Expired(now)
}

// AppelStats aggregates presence statuses of a roll-call.
type AppelStats struct {
	Total           int     `json:"total"`
	Present         int     `json:"present"`
	Late            int     `json:"late"`
	Absent          int     `json:"absent"`
	AbsentJustified int     `json:"absent_justified"`
	NotSigned       int     `json:"not_signed"`
	Pending         int     `json:"pending"`
	AttendanceRate  float64 `json:"attendance_rate"`
}

// ComputeStats counts statuses; the rate is (present+late)/total in percent, one decimal.
func ComputeStats(statuses []PresenceStatus) AppelStats {
	var stats AppelStats
	for _, status := range statuses {
		stats.Total++
		switch status {
		case PresenceStatusPresent:
			stats.Present++
		case PresenceStatusLate:
			stats.Late++
		case PresenceStatusAbsent:
			stats.Absent++
		case PresenceStatusAbsentJustified:
			stats.AbsentJustified++
		case PresenceStatusNotSigned:
			stats.NotSigned++
		case PresenceStatusPending:
			stats.Pending++
		}
	}
	stats.AttendanceRate = AttendanceRate(stats.Present+stats.Late, stats.Total)
	return stats
}

// AttendanceRate returns attended/total as a percentage rounded to one decimal.
func AttendanceRate(attended, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(attended)/float64(total)*1000) / 10
}
