package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/cfa-appel-api/internal/models"
)

// Errors returned by conditional writes on roll-calls.
var (
	ErrAppelClosed = errors.New("appel already closed")
	ErrAppelExists = errors.New("appel already exists for class session")
	// ErrNothingReopened means every presence changed state before it could be re-armed;
	// the reopen was rolled back.
	ErrNothingReopened = errors.New("no presence could be reopened")
)

const appelColumns = `id, class_session_id, instructor_id, expires_at, emails_sent, emails_sent_at, closed, closed_at, comment, created_at, updated_at`

// AppelRepository persists roll-calls and the batch presence updates bound to them.
type AppelRepository struct {
	db *sqlx.DB
}

// NewAppelRepository constructs the repository.
func NewAppelRepository(db *sqlx.DB) *AppelRepository {
	return &AppelRepository{db: db}
}

// GetByID returns an appel or sql.ErrNoRows.
func (r *AppelRepository) GetByID(ctx context.Context, id string) (*models.Appel, error) {
	query := `SELECT ` + appelColumns + ` FROM appels WHERE id = $1`
	var appel models.Appel
	if err := r.db.GetContext(ctx, &appel, query, id); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get appel: %w", err)
	}
	return &appel, nil
}

// GetByClassSession returns the roll-call of a class session or sql.ErrNoRows.
func (r *AppelRepository) GetByClassSession(ctx context.Context, classSessionID string) (*models.Appel, error) {
	query := `SELECT ` + appelColumns + ` FROM appels WHERE class_session_id = $1`
	var appel models.Appel
	if err := r.db.GetContext(ctx, &appel, query, classSessionID); err != nil {
		if isNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("get appel by class session: %w", err)
	}
	return &appel, nil
}

// CreateWithPresences inserts the appel and all of its presences in one transaction.
func (r *AppelRepository) CreateWithPresences(ctx context.Context, appel *models.Appel, presences []models.Presence) error {
	if appel.ID == "" {
		appel.ID = uuid.NewString()
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create appel: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback() //nolint:errcheck
		}
	}()

	const insertAppel = `INSERT INTO appels (id, class_session_id, instructor_id, expires_at, emails_sent, emails_sent_at, closed, closed_at, comment, created_at, updated_at)
VALUES (:id, :class_session_id, :instructor_id, :expires_at, :emails_sent, :emails_sent_at, :closed, :closed_at, :comment, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insertAppel, appel); err != nil {
		if isUniqueViolation(err) {
			return ErrAppelExists
		}
		return fmt.Errorf("insert appel: %w", err)
	}

	const insertPresence = `INSERT INTO presences (id, appel_id, learner_id, status, token, signed_at, email_sent, late_minutes, comment, created_at, updated_at)
VALUES (:id, :appel_id, :learner_id, :status, :token, :signed_at, :email_sent, :late_minutes, :comment, :created_at, :updated_at)`
	for i := range presences {
		p := &presences[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.AppelID = appel.ID
		if _, err := tx.NamedExecContext(ctx, insertPresence, p); err != nil {
			return fmt.Errorf("insert presence for learner %s: %w", p.LearnerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create appel: %w", err)
	}
	committed = true
	return nil
}

// MarkEmailsSent sets the aggregate email flag.
func (r *AppelRepository) MarkEmailsSent(ctx context.Context, id string, at time.Time) error {
	const query = `UPDATE appels SET emails_sent = TRUE, emails_sent_at = $2, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("mark appel emails sent: %w", err)
	}
	return nil
}

// Close turns every PENDING presence into NOT_SIGNED and closes the appel, atomically.
// It returns ErrAppelClosed when the appel was already closed; nothing is written then.
func (r *AppelRepository) Close(ctx context.Context, id string, now time.Time) (int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin close appel: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback() //nolint:errcheck
		}
	}()

	res, err := tx.ExecContext(ctx, `UPDATE appels SET closed = TRUE, closed_at = $2, updated_at = $2 WHERE id = $1 AND closed = FALSE`, id, now)
	if err != nil {
		return 0, fmt.Errorf("close appel: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("close appel rows: %w", err)
	} else if n == 0 {
		return 0, ErrAppelClosed
	}

	res, err = tx.ExecContext(ctx, `UPDATE presences SET status = 'NOT_SIGNED', updated_at = $2 WHERE appel_id = $1 AND status = 'PENDING'`, id, now)
	if err != nil {
		return 0, fmt.Errorf("mark presences not signed: %w", err)
	}
	converted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark presences rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit close appel: %w", err)
	}
	committed = true
	return converted, nil
}

// Reopen re-arms the given presences with fresh tokens and reopens the appel until expiresAt.
// Presences no longer PENDING or NOT_SIGNED at write time are left untouched and
// their ids are returned as skipped.
func (r *AppelRepository) Reopen(ctx context.Context, id string, presences []models.Presence, expiresAt, now time.Time) ([]string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reopen appel: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback() //nolint:errcheck
		}
	}()

	const rearm = `UPDATE presences
SET status = 'PENDING', token = $2, late_minutes = $3, email_sent = FALSE, email_sent_at = NULL, updated_at = $4
WHERE id = $1 AND appel_id = $5 AND status IN ('PENDING', 'NOT_SIGNED') AND signed_at IS NULL`
	skipped := make([]string, 0)
	for _, p := range presences {
		res, err := tx.ExecContext(ctx, rearm, p.ID, p.Token, p.LateMinutes, now, id)
		if err != nil {
			return nil, fmt.Errorf("reopen presence %s: %w", p.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("reopen presence rows: %w", err)
		}
		if n == 0 {
			skipped = append(skipped, p.ID)
		}
	}
	if len(presences) > 0 && len(skipped) == len(presences) {
		return nil, ErrNothingReopened
	}

	const reopen = `UPDATE appels SET expires_at = $2, closed = FALSE, closed_at = NULL, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, reopen, id, expiresAt, now); err != nil {
		return nil, fmt.Errorf("reopen appel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reopen appel: %w", err)
	}
	committed = true
	return skipped, nil
}

// Delete removes an open appel and, by cascade, its presences.
// It returns ErrAppelClosed when the appel is closed.
func (r *AppelRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM appels WHERE id = $1 AND closed = FALSE`, id)
	if err != nil {
		return fmt.Errorf("delete appel: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete appel rows: %w", err)
	}
	if n == 0 {
		return ErrAppelClosed
	}
	return nil
}

// ExpireStale moves PENDING presences of open, expired appels to NOT_SIGNED.
// Appels stay open. It returns the number of presences changed per appel.
func (r *AppelRepository) ExpireStale(ctx context.Context, now time.Time) (map[string]int, error) {
	const query = `UPDATE presences p
SET status = 'NOT_SIGNED', updated_at = $1
FROM appels a
WHERE p.appel_id = a.id AND a.closed = FALSE AND a.expires_at <= $1 AND p.status = 'PENDING'
RETURNING p.appel_id`
	var appelIDs []string
	if err := r.db.SelectContext(ctx, &appelIDs, query, now); err != nil {
		return nil, fmt.Errorf("expire stale presences: %w", err)
	}
	perAppel := make(map[string]int, len(appelIDs))
	for _, id := range appelIDs {
		perAppel[id]++
	}
	return perAppel, nil
}
