package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

// AbsenceReasonRepository reads predefined absence reasons.
type AbsenceReasonRepository struct {
	db *sqlx.DB
}

// NewAbsenceReasonRepository constructs the repository.
func NewAbsenceReasonRepository(db *sqlx.DB) *AbsenceReasonRepository {
	return &AbsenceReasonRepository{db: db}
}

// ListActive returns reasons offered to instructors, by label.
func (r *AbsenceReasonRepository) ListActive(ctx context.Context) ([]models.AbsenceReason, error) {
	const query = `SELECT id, code, label, active FROM absence_reasons WHERE active = TRUE ORDER BY label ASC`
	var reasons []models.AbsenceReason
	if err := r.db.SelectContext(ctx, &reasons, query); err != nil {
		return nil, fmt.Errorf("list absence reasons: %w", err)
	}
	return reasons, nil
}

// GetByID returns a reason or sql.ErrNoRows.
func (r *AbsenceReasonRepository) GetByID(ctx context.Context, id string) (*models.AbsenceReason, error) {
	const query = `SELECT id, code, label, active FROM absence_reasons WHERE id = $1`
	var reason models.AbsenceReason
	if err := r.db.GetContext(ctx, &reason, query, id); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get absence reason: %w", err)
	}
	return &reason, nil
}
