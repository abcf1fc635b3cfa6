package service

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	"github.com/noah-isme/cfa-appel-api/internal/repository"
)

// fakeAttendanceDB mirrors the conditional SQL of the appel and presence repositories.
type fakeAttendanceDB struct {
	mu        sync.Mutex
	appels    map[string]*models.Appel
	presences map[string]*models.PresenceDetail
	sessions  map[string]*models.ClassSession
	learners  []models.EnrolledLearner
	reasons   map[string]*models.AbsenceReason

	beforeSign   func()
	beforeReopen func()
}

func newFakeAttendanceDB() *fakeAttendanceDB {
	return &fakeAttendanceDB{
		appels:    make(map[string]*models.Appel),
		presences: make(map[string]*models.PresenceDetail),
		sessions:  make(map[string]*models.ClassSession),
		reasons:   make(map[string]*models.AbsenceReason),
	}
}

func (db *fakeAttendanceDB) learner(id string) models.EnrolledLearner {
	for _, l := range db.learners {
		if l.LearnerID == id {
			return l
		}
	}
	return models.EnrolledLearner{LearnerID: id}
}

func (db *fakeAttendanceDB) presenceOf(appelID, learnerID string) *models.PresenceDetail {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, p := range db.presences {
		if p.AppelID == appelID && p.LearnerID == learnerID {
			cp := *p
			return &cp
		}
	}
	return nil
}

type fakeAppels struct{ db *fakeAttendanceDB }

func (f fakeAppels) GetByID(ctx context.Context, id string) (*models.Appel, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.appels[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *a
	return &cp, nil
}

func (f fakeAppels) GetByClassSession(ctx context.Context, classSessionID string) (*models.Appel, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.appels {
		if a.ClassSessionID == classSessionID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f fakeAppels) CreateWithPresences(ctx context.Context, appel *models.Appel, presences []models.Presence) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range f.db.appels {
		if a.ClassSessionID == appel.ClassSessionID {
			return repository.ErrAppelExists
		}
	}
	if appel.ID == "" {
		appel.ID = uuid.NewString()
	}
	stored := *appel
	f.db.appels[appel.ID] = &stored
	for i := range presences {
		p := &presences[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.AppelID = appel.ID
		l := f.db.learner(p.LearnerID)
		f.db.presences[p.ID] = &models.PresenceDetail{Presence: *p, LearnerName: l.FullName, LearnerEmail: l.Email}
	}
	return nil
}

func (f fakeAppels) MarkEmailsSent(ctx context.Context, id string, at time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if a, ok := f.db.appels[id]; ok {
		a.EmailsSent = true
		a.EmailsSentAt = &at
	}
	return nil
}

func (f fakeAppels) Close(ctx context.Context, id string, now time.Time) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.appels[id]
	if !ok || a.Closed {
		return 0, repository.ErrAppelClosed
	}
	a.Closed = true
	a.ClosedAt = &now
	var n int64
	for _, p := range f.db.presences {
		if p.AppelID == id && p.Status == models.PresenceStatusPending {
			p.Status = models.PresenceStatusNotSigned
			n++
		}
	}
	return n, nil
}

func (f fakeAppels) Reopen(ctx context.Context, id string, presences []models.Presence, expiresAt, now time.Time) ([]string, error) {
	if f.db.beforeReopen != nil {
		f.db.beforeReopen()
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	rearm := make([]models.Presence, 0, len(presences))
	skipped := make([]string, 0)
	for _, in := range presences {
		p, ok := f.db.presences[in.ID]
		if !ok || p.AppelID != id || p.SignedAt != nil ||
			(p.Status != models.PresenceStatusPending && p.Status != models.PresenceStatusNotSigned) {
			skipped = append(skipped, in.ID)
			continue
		}
		rearm = append(rearm, in)
	}
	if len(presences) > 0 && len(rearm) == 0 {
		return nil, repository.ErrNothingReopened
	}
	for _, in := range rearm {
		p := f.db.presences[in.ID]
		p.Status = models.PresenceStatusPending
		p.Token = in.Token
		p.LateMinutes = in.LateMinutes
		p.EmailSent = false
		p.EmailSentAt = nil
	}
	a := f.db.appels[id]
	a.ExpiresAt = expiresAt
	a.Closed = false
	a.ClosedAt = nil
	return skipped, nil
}

func (f fakeAppels) Delete(ctx context.Context, id string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	a, ok := f.db.appels[id]
	if !ok || a.Closed {
		return repository.ErrAppelClosed
	}
	delete(f.db.appels, id)
	for pid, p := range f.db.presences {
		if p.AppelID == id {
			delete(f.db.presences, pid)
		}
	}
	return nil
}

func (f fakeAppels) ExpireStale(ctx context.Context, now time.Time) (map[string]int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	counts := make(map[string]int)
	for _, p := range f.db.presences {
		a := f.db.appels[p.AppelID]
		if !a.Closed && a.ExpiresAt.Before(now) && p.Status == models.PresenceStatusPending {
			p.Status = models.PresenceStatusNotSigned
			counts[a.ID]++
		}
	}
	return counts, nil
}

type fakePresences struct{ db *fakeAttendanceDB }

func (f fakePresences) ListByAppel(ctx context.Context, appelID string) ([]models.PresenceDetail, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	rows := make([]models.PresenceDetail, 0)
	for _, p := range f.db.presences {
		if p.AppelID == appelID {
			rows = append(rows, *p)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LearnerName < rows[j].LearnerName })
	return rows, nil
}

func (f fakePresences) GetByID(ctx context.Context, id string) (*models.PresenceDetail, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.presences[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (f fakePresences) FindSignatureContext(ctx context.Context, token string) (*models.SignatureContext, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, p := range f.db.presences {
		if p.Token != nil && *p.Token == token {
			a := f.db.appels[p.AppelID]
			s := f.db.sessions[a.ClassSessionID]
			return &models.SignatureContext{
				Presence:        p.Presence,
				AppelExpiresAt:  a.ExpiresAt,
				AppelClosed:     a.Closed,
				SessionTitle:    s.Title,
				SessionStartsAt: s.StartsAt,
				SessionEndsAt:   s.EndsAt,
				LearnerName:     p.LearnerName,
			}, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (f fakePresences) TokenExists(ctx context.Context, token string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, p := range f.db.presences {
		if p.Token != nil && *p.Token == token {
			return true, nil
		}
	}
	return false, nil
}

func (f fakePresences) Sign(ctx context.Context, params repository.SignParams) (bool, error) {
	if f.db.beforeSign != nil {
		f.db.beforeSign()
	}
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.presences[params.PresenceID]
	if !ok {
		return false, nil
	}
	a := f.db.appels[p.AppelID]
	if p.Status != models.PresenceStatusPending || p.SignedAt != nil || a.Closed || !a.ExpiresAt.After(params.SignedAt) {
		return false, nil
	}
	signedAt := params.SignedAt
	ip, ua := params.IP, params.UserAgent
	p.Status = params.Status
	p.LateMinutes = params.LateMinutes
	p.SignedAt = &signedAt
	p.SignatureIP = &ip
	p.SignatureUserAgent = &ua
	return true, nil
}

func (f fakePresences) MarkEmailSent(ctx context.Context, id string, at time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if p, ok := f.db.presences[id]; ok {
		p.EmailSent = true
		p.EmailSentAt = &at
	}
	return nil
}

func (f fakePresences) Justify(ctx context.Context, params repository.JustifyParams) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	p, ok := f.db.presences[params.PresenceID]
	if !ok || !p.Status.Justifiable() {
		return false, nil
	}
	p.Status = models.PresenceStatusAbsentJustified
	p.AbsenceReasonID = params.AbsenceReasonID
	p.Justification = params.Justification
	p.Comment = params.Comment
	return true, nil
}

func (f fakePresences) ListByLearner(ctx context.Context, learnerID string, limit, offset int) ([]models.LearnerPresence, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	rows := make([]models.LearnerPresence, 0)
	for _, p := range f.db.presences {
		if p.LearnerID != learnerID {
			continue
		}
		a := f.db.appels[p.AppelID]
		s := f.db.sessions[a.ClassSessionID]
		rows = append(rows, models.LearnerPresence{Presence: p.Presence, SessionTitle: s.Title, SessionStartsAt: s.StartsAt, AppelClosed: a.Closed})
	}
	total := len(rows)
	if offset >= len(rows) {
		return []models.LearnerPresence{}, total, nil
	}
	rows = rows[offset:]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, total, nil
}

func (f fakePresences) CountByStatusForLearner(ctx context.Context, learnerID string) (map[models.PresenceStatus]int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	counts := make(map[models.PresenceStatus]int)
	for _, p := range f.db.presences {
		if p.LearnerID == learnerID {
			counts[p.Status]++
		}
	}
	return counts, nil
}

type fakeSessions struct{ db *fakeAttendanceDB }

func (f fakeSessions) GetByID(ctx context.Context, id string) (*models.ClassSession, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s, ok := f.db.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *s
	return &cp, nil
}

type fakeEnrollments struct{ db *fakeAttendanceDB }

func (f fakeEnrollments) ListValidatedLearners(ctx context.Context, trainingSessionID string) ([]models.EnrolledLearner, error) {
	return append([]models.EnrolledLearner(nil), f.db.learners...), nil
}

type fakeReasons struct{ db *fakeAttendanceDB }

func (f fakeReasons) ListActive(ctx context.Context) ([]models.AbsenceReason, error) {
	rows := make([]models.AbsenceReason, 0)
	for _, r := range f.db.reasons {
		if r.Active {
			rows = append(rows, *r)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })
	return rows, nil
}

func (f fakeReasons) GetByID(ctx context.Context, id string) (*models.AbsenceReason, error) {
	r, ok := f.db.reasons[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []*models.AuditLog
}

func (r *recordingAudit) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, log)
	return nil
}

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.logs))
	for i, l := range r.logs {
		out[i] = l.Action
	}
	return out
}
