package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

// ClassSessionRepository reads scheduled class sessions.
type ClassSessionRepository struct {
	db *sqlx.DB
}

// NewClassSessionRepository constructs the repository.
func NewClassSessionRepository(db *sqlx.DB) *ClassSessionRepository {
	return &ClassSessionRepository{db: db}
}

// GetByID returns a class session or sql.ErrNoRows.
func (r *ClassSessionRepository) GetByID(ctx context.Context, id string) (*models.ClassSession, error) {
	const query = `SELECT id, training_session_id, instructor_id, title, room, starts_at, ends_at FROM class_sessions WHERE id = $1`
	var session models.ClassSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get class session: %w", err)
	}
	return &session, nil
}
