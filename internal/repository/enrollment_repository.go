package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

// EnrollmentRepository reads learner enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository creates a new repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// ListValidatedLearners returns active learners with a validated enrollment in the training session.
func (r *EnrollmentRepository) ListValidatedLearners(ctx context.Context, trainingSessionID string) ([]models.EnrolledLearner, error) {
	const query = `SELECT e.learner_id, u.full_name, u.email
FROM enrollments e JOIN users u ON u.id = e.learner_id
WHERE e.training_session_id = $1 AND e.status = $2 AND u.active = TRUE
ORDER BY u.full_name ASC`
	var learners []models.EnrolledLearner
	if err := r.db.SelectContext(ctx, &learners, query, trainingSessionID, models.EnrollmentStatusValidated); err != nil {
		return nil, fmt.Errorf("list validated learners: %w", err)
	}
	return learners, nil
}
