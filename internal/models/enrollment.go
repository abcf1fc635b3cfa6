package models

// EnrollmentStatusValidated marks an enrollment that counts for roll-calls.
const EnrollmentStatusValidated = "VALIDATED"

// EnrolledLearner is a learner holding a validated enrollment in a training session.
type EnrolledLearner struct {
	LearnerID string `db:"learner_id" json:"learner_id"`
	FullName  string `db:"full_name" json:"full_name"`
	Email     string `db:"email" json:"email"`
}
