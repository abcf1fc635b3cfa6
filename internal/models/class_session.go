package models

import "time"

// ClassSession is a scheduled lesson of a training session. Read-only here.
type ClassSession struct {
	ID                string    `db:"id" json:"id"`
	TrainingSessionID string    `db:"training_session_id" json:"training_session_id"`
	InstructorID      string    `db:"instructor_id" json:"instructor_id"`
	Title             string    `db:"title" json:"title"`
	Room              string    `db:"room" json:"room"`
	StartsAt          time.Time `db:"starts_at" json:"starts_at"`
	EndsAt            time.Time `db:"ends_at" json:"ends_at"`
}

// IsLive reports whether now falls inside the session window, bounds included.
func (s ClassSession) IsLive(now time.Time) bool {
	return !now.Before(s.StartsAt) && !now.After(s.EndsAt)
}

// LateMinutes returns whole minutes elapsed since the session started, never negative.
func (s ClassSession) LateMinutes(now time.Time) int {
	if !now.After(s.StartsAt) {
		return 0
	}
	return int(now.Sub(s.StartsAt) / time.Minute)
}

// IsLate reports whether a signature at now exceeds the tolerated delay.
func (s ClassSession) IsLate(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.StartsAt) > threshold
}
