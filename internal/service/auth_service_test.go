package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
)

type mockAuthRepo struct {
	userByEmail         *models.User
	userByID            *models.User
	findByEmailErr      error
	findByIDErr         error
	refreshTokens       map[string]*models.RefreshToken
	refreshTokenErr     error
	createRefreshErr    error
	revokeRefreshErr    error
	revokeUserTokensErr error
	auditLogs           []*models.AuditLog
	lastLoginUpdated    bool
	revokedUsers        []string
}

func (m *mockAuthRepo) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	if m.findByEmailErr != nil {
		return nil, m.findByEmailErr
	}
	return m.userByEmail, nil
}

func (m *mockAuthRepo) FindByID(ctx context.Context, id string) (*models.User, error) {
	if m.findByIDErr != nil {
		return nil, m.findByIDErr
	}
	if m.userByID != nil {
		return m.userByID, nil
	}
	return m.userByEmail, nil
}

func (m *mockAuthRepo) UpdateLastLogin(ctx context.Context, id string, ts time.Time) error {
	m.lastLoginUpdated = true
	return nil
}

func (m *mockAuthRepo) RevokeUserRefreshTokens(ctx context.Context, userID string, revokedAt time.Time) (int64, error) {
	m.revokedUsers = append(m.revokedUsers, userID)
	if m.revokeUserTokensErr != nil {
		return 0, m.revokeUserTokensErr
	}
	var n int64
	for _, token := range m.refreshTokens {
		if token.UserID == userID && !token.Revoked {
			token.Revoked = true
			n++
		}
	}
	return n, nil
}

func (m *mockAuthRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	if m.createRefreshErr != nil {
		return m.createRefreshErr
	}
	if m.refreshTokens == nil {
		m.refreshTokens = make(map[string]*models.RefreshToken)
	}
	m.refreshTokens[token.Token] = token
	return nil
}

func (m *mockAuthRepo) FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if m.refreshTokenErr != nil {
		return nil, m.refreshTokenErr
	}
	rt, ok := m.refreshTokens[token]
	if !ok {
		return nil, errors.New("not found")
	}
	return rt, nil
}

func (m *mockAuthRepo) RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error {
	if m.revokeRefreshErr != nil {
		return m.revokeRefreshErr
	}
	for _, token := range m.refreshTokens {
		if token.ID == id {
			token.Revoked = true
			token.RevokedAt = &revokedAt
		}
	}
	return nil
}

func (m *mockAuthRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	m.auditLogs = append(m.auditLogs, log)
	return nil
}

func TestAuthServiceLoginSuccess(t *testing.T) {
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "123", Email: "formateur@cfa.fr", PasswordHash: string(password), Active: true, Role: models.RoleInstructor}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{
		AccessTokenSecret:  "secret",
		AccessTokenExpiry:  time.Hour,
		RefreshTokenExpiry: time.Hour * 24,
	})

	res, err := svc.Login(context.Background(), models.LoginRequest{Email: "formateur@cfa.fr", Password: "password"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEmpty(t, res.RefreshToken)
	assert.True(t, repo.lastLoginUpdated)
	assert.NotEmpty(t, repo.refreshTokens)
}

func TestAuthServiceLoginInactive(t *testing.T) {
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "123", Email: "formateur@cfa.fr", PasswordHash: string(password), Active: false}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "formateur@cfa.fr", Password: "password"})
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrInactiveAccount.Code, appErr.Code)
}

func TestAuthServiceRefreshToken(t *testing.T) {
	repo := &mockAuthRepo{refreshTokens: make(map[string]*models.RefreshToken)}
	user := &models.User{ID: "u1", Email: "formateur@cfa.fr", PasswordHash: "hash", Active: true, Role: models.RoleAdmin}
	repo.userByEmail = user
	repo.userByID = user
	token := &models.RefreshToken{ID: "rt1", UserID: user.ID, Token: "token", ExpiresAt: time.Now().Add(time.Hour)}
	repo.refreshTokens[token.Token] = token

	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	res, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: "token"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.NotEqual(t, "token", res.RefreshToken)
	assert.True(t, repo.refreshTokens["token"].Revoked)
}

func TestAuthServiceLoginRejectsLearner(t *testing.T) {
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "l1", Email: "apprenti@cfa.fr", PasswordHash: string(password), Active: true, Role: models.RoleLearner}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "apprenti@cfa.fr", Password: "password"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
	assert.Empty(t, repo.refreshTokens)
}

func TestAuthServiceLoginWrongPassword(t *testing.T) {
	password, _ := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	repo := &mockAuthRepo{userByEmail: &models.User{ID: "123", Email: "formateur@cfa.fr", PasswordHash: string(password), Active: true, Role: models.RoleInstructor}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	_, err := svc.Login(context.Background(), models.LoginRequest{Email: "formateur@cfa.fr", Password: "nope"})
	require.ErrorIs(t, err, appErrors.ErrInvalidCredentials)
}

func TestAuthServiceLogoutOtherUsersToken(t *testing.T) {
	repo := &mockAuthRepo{refreshTokens: map[string]*models.RefreshToken{
		"token": {ID: "rt1", UserID: "u1", Token: "token", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})

	err := svc.Logout(context.Background(), "token", "u2", models.LoginRequest{})
	require.ErrorIs(t, err, appErrors.ErrForbidden)
	assert.False(t, repo.refreshTokens["token"].Revoked)

	require.NoError(t, svc.Logout(context.Background(), "token", "u1", models.LoginRequest{}))
	assert.True(t, repo.refreshTokens["token"].Revoked)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, models.AuditActionLogout, repo.auditLogs[0].Action)
}

func TestValidateToken(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	svc := NewAuthService(&mockAuthRepo{}, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour, Clock: mock})
	user := &models.User{ID: "u1", Email: "formateur@cfa.fr", Role: models.RoleAdmin}
	token, err := svc.signAccessToken(user, mock.Now())
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)

	mock.Add(61 * time.Minute)
	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)

	other := NewAuthService(&mockAuthRepo{}, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "other", AccessTokenExpiry: time.Hour, Clock: mock})
	forged, err := other.signAccessToken(user, mock.Now())
	require.NoError(t, err)
	_, err = svc.ValidateToken(forged)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestValidateTokenRejectsLearnerRole(t *testing.T) {
	svc := NewAuthService(&mockAuthRepo{}, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour})
	token, err := svc.signAccessToken(&models.User{ID: "l1", Role: models.RoleLearner}, time.Now().UTC())
	require.NoError(t, err)

	_, err = svc.ValidateToken(token)
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
}

func TestAuthServiceRefreshReuseRevokesSessions(t *testing.T) {
	user := &models.User{ID: "u1", Email: "formateur@cfa.fr", Active: true, Role: models.RoleInstructor}
	repo := &mockAuthRepo{userByID: user, refreshTokens: make(map[string]*models.RefreshToken)}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour, RefreshTokenExpiry: time.Hour})
	repo.refreshTokens["token"] = &models.RefreshToken{ID: "rt1", UserID: user.ID, Token: "token", ExpiresAt: time.Now().Add(time.Hour)}

	first, err := svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: "token"})
	require.NoError(t, err)
	require.False(t, repo.refreshTokens[first.RefreshToken].Revoked)

	_, err = svc.RefreshToken(context.Background(), models.RefreshTokenRequest{RefreshToken: "token", IP: "203.0.113.9"})
	require.ErrorIs(t, err, appErrors.ErrUnauthorized)
	assert.Equal(t, []string{"u1"}, repo.revokedUsers)
	assert.Equal(t, models.AuditActionTokenReuse, repo.auditLogs[len(repo.auditLogs)-1].Action)
}

func TestAuthServiceLogoutAll(t *testing.T) {
	repo := &mockAuthRepo{refreshTokens: map[string]*models.RefreshToken{
		"a": {ID: "rt1", UserID: "u1", Token: "a", ExpiresAt: time.Now().Add(time.Hour)},
		"b": {ID: "rt2", UserID: "u1", Token: "b", ExpiresAt: time.Now().Add(time.Hour)},
		"c": {ID: "rt3", UserID: "u2", Token: "c", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	svc := NewAuthService(repo, validator.New(), zap.NewNop(), AuthConfig{AccessTokenSecret: "secret", AccessTokenExpiry: time.Hour})

	n, err := svc.LogoutAll(context.Background(), "u1", models.LoginRequest{IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.False(t, repo.refreshTokens["c"].Revoked)
	require.Len(t, repo.auditLogs, 1)
	assert.Equal(t, "10.0.0.1", repo.auditLogs[0].IPAddress)

	repo.revokeUserTokensErr = errors.New("db down")
	_, err = svc.LogoutAll(context.Background(), "u1", models.LoginRequest{})
	require.ErrorIs(t, err, appErrors.ErrInternal)
}
