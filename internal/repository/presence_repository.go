package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

const presenceColumns = `p.id, p.appel_id, p.learner_id, p.status, p.token, p.signed_at, p.signature_ip, p.signature_user_agent,
p.email_sent, p.email_sent_at, p.absence_reason_id, p.justification, p.late_minutes, p.comment, p.created_at, p.updated_at`

// PresenceRepository reads and updates individual presence rows.
type PresenceRepository struct {
	db *sqlx.DB
}

// NewPresenceRepository constructs the repository.
func NewPresenceRepository(db *sqlx.DB) *PresenceRepository {
	return &PresenceRepository{db: db}
}

// ListByAppel returns the presences of a roll-call with learner names, ordered by name.
func (r *PresenceRepository) ListByAppel(ctx context.Context, appelID string) ([]models.PresenceDetail, error) {
	query := `SELECT ` + presenceColumns + `, u.full_name AS learner_name, u.email AS learner_email
FROM presences p JOIN users u ON u.id = p.learner_id
WHERE p.appel_id = $1 ORDER BY u.full_name ASC`
	var rows []models.PresenceDetail
	if err := r.db.SelectContext(ctx, &rows, query, appelID); err != nil {
		return nil, fmt.Errorf("list presences: %w", err)
	}
	return rows, nil
}

// GetByID returns a presence with its learner or sql.ErrNoRows.
func (r *PresenceRepository) GetByID(ctx context.Context, id string) (*models.PresenceDetail, error) {
	query := `SELECT ` + presenceColumns + `, u.full_name AS learner_name, u.email AS learner_email
FROM presences p JOIN users u ON u.id = p.learner_id
WHERE p.id = $1`
	var row models.PresenceDetail
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return &row, nil
}

// FindSignatureContext loads the presence behind a token with its appel and session window.
func (r *PresenceRepository) FindSignatureContext(ctx context.Context, token string) (*models.SignatureContext, error) {
	query := `SELECT ` + presenceColumns + `,
a.expires_at AS appel_expires_at, a.closed AS appel_closed,
cs.title AS session_title, cs.starts_at AS session_starts_at, cs.ends_at AS session_ends_at,
u.full_name AS learner_name
FROM presences p
JOIN appels a ON a.id = p.appel_id
JOIN class_sessions cs ON cs.id = a.class_session_id
JOIN users u ON u.id = p.learner_id
WHERE p.token = $1`
	var row models.SignatureContext
	if err := r.db.GetContext(ctx, &row, query, token); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("find signature context: %w", err)
	}
	return &row, nil
}

// TokenExists reports whether any presence already holds token.
func (r *PresenceRepository) TokenExists(ctx context.Context, token string) (bool, error) {
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM presences WHERE token = $1)`, token); err != nil {
		return false, fmt.Errorf("check presence token: %w", err)
	}
	return exists, nil
}

// SignParams describes an accepted signature.
type SignParams struct {
	PresenceID  string
	Status      models.PresenceStatus
	LateMinutes int
	SignedAt    time.Time
	IP          string
	UserAgent   string
}

// Sign records a signature only if, at write time, the presence is still PENDING and
// unsigned and its appel is open and unexpired. It reports whether the row was updated.
func (r *PresenceRepository) Sign(ctx context.Context, params SignParams) (bool, error) {
	const query = `UPDATE presences p
SET status = $2, late_minutes = $3, signed_at = $4, signature_ip = $5, signature_user_agent = $6, updated_at = $4
FROM appels a
WHERE p.id = $1 AND a.id = p.appel_id
  AND p.status = 'PENDING' AND p.signed_at IS NULL
  AND a.closed = FALSE AND a.expires_at > $4`
	res, err := r.db.ExecContext(ctx, query, params.PresenceID, params.Status, params.LateMinutes, params.SignedAt, params.IP, params.UserAgent)
	if err != nil {
		return false, fmt.Errorf("sign presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sign presence rows: %w", err)
	}
	return n == 1, nil
}

// MarkEmailSent flags the signature email of one presence as delivered.
func (r *PresenceRepository) MarkEmailSent(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE presences SET email_sent = TRUE, email_sent_at = $2, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark presence email sent: %w", err)
	}
	return nil
}

// JustifyParams describes an absence justification.
type JustifyParams struct {
	PresenceID      string
	AbsenceReasonID *string
	Justification   string
	Comment         string
	At              time.Time
}

// Justify moves an ABSENT or NOT_SIGNED presence to ABSENT_JUSTIFIED. Signature fields are kept.
// It reports whether the row was updated.
func (r *PresenceRepository) Justify(ctx context.Context, params JustifyParams) (bool, error) {
	const query = `UPDATE presences
SET status = 'ABSENT_JUSTIFIED', absence_reason_id = $2, justification = $3, comment = $4, updated_at = $5
WHERE id = $1 AND status IN ('ABSENT', 'NOT_SIGNED')`
	res, err := r.db.ExecContext(ctx, query, params.PresenceID, params.AbsenceReasonID, params.Justification, params.Comment, params.At)
	if err != nil {
		return false, fmt.Errorf("justify presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("justify presence rows: %w", err)
	}
	return n == 1, nil
}

// ListByLearner pages through a learner's presences, most recent session first.
func (r *PresenceRepository) ListByLearner(ctx context.Context, learnerID string, limit, offset int) ([]models.LearnerPresence, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + presenceColumns + `, cs.title AS session_title, cs.starts_at AS session_starts_at, a.closed AS appel_closed
FROM presences p
JOIN appels a ON a.id = p.appel_id
JOIN class_sessions cs ON cs.id = a.class_session_id
WHERE p.learner_id = $1
ORDER BY cs.starts_at DESC
LIMIT $2 OFFSET $3`
	var rows []models.LearnerPresence
	if err := r.db.SelectContext(ctx, &rows, query, learnerID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list learner presences: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM presences WHERE learner_id = $1`, learnerID); err != nil {
		return nil, 0, fmt.Errorf("count learner presences: %w", err)
	}
	return rows, total, nil
}

// CountByStatusForLearner returns how many presences the learner holds in each status.
func (r *PresenceRepository) CountByStatusForLearner(ctx context.Context, learnerID string) (map[models.PresenceStatus]int, error) {
	const query = `SELECT status, COUNT(*) AS total FROM presences WHERE learner_id = $1 GROUP BY status`
	var rows []struct {
		Status models.PresenceStatus `db:"status"`
		Total  int                   `db:"total"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, learnerID); err != nil {
		return nil, fmt.Errorf("count learner presences by status: %w", err)
	}
	counts := make(map[models.PresenceStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
