package models

// AbsenceReason is a predefined justification selectable by instructors.
type AbsenceReason struct {
	ID     string `db:"id" json:"id"`
	Code   string `db:"code" json:"code"`
	Label  string `db:"label" json:"label"`
	Active bool   `db:"active" json:"active"`
}
