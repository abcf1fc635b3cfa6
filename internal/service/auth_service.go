package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/cfa-appel-api/internal/models"
	appErrors "github.com/noah-isme/cfa-appel-api/pkg/errors"
)

type authUserRepository interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, ts time.Time) error
	RevokeUserRefreshTokens(ctx context.Context, userID string, revokedAt time.Time) (int64, error)
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error
	FindRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, id string, revokedAt time.Time) error
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	AccessTokenSecret  string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
	Audience           []string
	SingleSession      bool
	Clock              clock.Clock
}

// AuthService authenticates instructors and administrators. Learners never log in; they
// sign through emailed links.
type AuthService struct {
	repo      authUserRepository
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	clock     clock.Clock
}

// session is the token pair handed to a client after login or refresh.
type session struct {
	access    string
	refresh   *models.RefreshToken
	issuedAt  time.Time
	expiresIn int64
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(repo authUserRepository, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &AuthService{repo: repo, validator: validate, logger: logger, config: config, clock: clk}
}

// Login checks credentials and opens a session. Unknown emails and wrong passwords share one
// error so accounts cannot be enumerated.
func (s *AuthService) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid login payload")
	}

	user, err := s.repo.FindByEmail(ctx, req.Email)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	case err != nil:
		return nil, appErrors.Internal(err, "failed to fetch user")
	}
	if !user.Active {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "invalid email or password")
	}
	if !user.Role.CanTakeRollCall() {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only instructors and administrators can sign in")
	}

	if s.config.SingleSession {
		if _, err := s.repo.RevokeUserRefreshTokens(ctx, user.ID, s.now()); err != nil {
			s.logger.Warn("failed to revoke previous refresh tokens", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	sess, err := s.openSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateLastLogin(ctx, user.ID, sess.issuedAt); err != nil {
		s.logger.Warn("failed to update last login", zap.String("user_id", user.ID), zap.Error(err))
	}
	s.audit(ctx, user.ID, models.AuditActionLogin, map[string]string{"status": "success"}, req.IP, req.UserAgent)

	return &models.LoginResponse{
		AccessToken:  sess.access,
		RefreshToken: sess.refresh.Token,
		ExpiresIn:    sess.expiresIn,
		IssuedAt:     sess.issuedAt,
		User:         userInfo(user),
	}, nil
}

// RefreshToken rotates a refresh token. Presenting a token that was already rotated or
// revoked ends every session of its owner.
func (s *AuthService) RefreshToken(ctx context.Context, req models.RefreshTokenRequest) (*models.RefreshTokenResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	stored, err := s.repo.FindRefreshToken(ctx, req.RefreshToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token not found")
	case err != nil:
		return nil, appErrors.Internal(err, "failed to fetch refresh token")
	}

	now := s.now()
	if stored.Revoked {
		if _, err := s.repo.RevokeUserRefreshTokens(ctx, stored.UserID, now); err != nil {
			s.logger.Error("failed to revoke sessions after token reuse", zap.String("user_id", stored.UserID), zap.Error(err))
		}
		s.logger.Warn("revoked refresh token presented", zap.String("user_id", stored.UserID), zap.String("ip", req.IP))
		s.audit(ctx, stored.UserID, models.AuditActionTokenReuse, map[string]string{"token_id": stored.ID}, req.IP, req.UserAgent)
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token is expired or revoked")
	}
	if !stored.Usable(now) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "refresh token is expired or revoked")
	}

	user, err := s.repo.FindByID(ctx, stored.UserID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "associated user no longer exists")
	case err != nil:
		return nil, appErrors.Internal(err, "failed to load user")
	}
	if !user.Active || !user.Role.CanTakeRollCall() {
		return nil, appErrors.Clone(appErrors.ErrInactiveAccount, "account is inactive")
	}

	if err := s.repo.RevokeRefreshToken(ctx, stored.ID, now); err != nil {
		return nil, appErrors.Internal(err, "failed to rotate refresh token")
	}
	sess, err := s.openSession(ctx, user, req.IP, req.UserAgent)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, user.ID, models.AuditActionTokenRefresh, map[string]string{"previous": stored.ID, "next": sess.refresh.ID}, req.IP, req.UserAgent)

	return &models.RefreshTokenResponse{
		AccessToken:  sess.access,
		RefreshToken: sess.refresh.Token,
		ExpiresIn:    sess.expiresIn,
		IssuedAt:     sess.issuedAt,
	}, nil
}

// Me returns the profile of the authenticated user.
func (s *AuthService) Me(ctx context.Context, userID string) (*models.UserInfo, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return nil, appErrors.Internal(err, "failed to load user")
	}
	info := userInfo(user)
	return &info, nil
}

// Logout revokes one refresh token owned by userID.
func (s *AuthService) Logout(ctx context.Context, refreshToken string, userID string, meta models.LoginRequest) error {
	stored, err := s.repo.FindRefreshToken(ctx, refreshToken)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrUnauthorized, "refresh token not found")
	case err != nil:
		return appErrors.Internal(err, "failed to load refresh token")
	}
	if stored.UserID != userID {
		return appErrors.Clone(appErrors.ErrForbidden, "token does not belong to user")
	}
	if err := s.repo.RevokeRefreshToken(ctx, stored.ID, s.now()); err != nil {
		return appErrors.Internal(err, "failed to revoke refresh token")
	}
	s.audit(ctx, userID, models.AuditActionLogout, map[string]string{"token_id": stored.ID}, meta.IP, meta.UserAgent)
	return nil
}

// LogoutAll revokes every open session of userID and returns how many were closed.
func (s *AuthService) LogoutAll(ctx context.Context, userID string, meta models.LoginRequest) (int64, error) {
	n, err := s.repo.RevokeUserRefreshTokens(ctx, userID, s.now())
	if err != nil {
		return 0, appErrors.Internal(err, "failed to revoke sessions")
	}
	s.audit(ctx, userID, models.AuditActionLogout, map[string]string{"scope": "all", "revoked": fmt.Sprint(n)}, meta.IP, meta.UserAgent)
	return n, nil
}

// ValidateToken parses and validates an access token returning the claims.
func (s *AuthService) ValidateToken(tokenString string) (*models.JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.AccessTokenSecret), nil
	}, jwt.WithTimeFunc(s.now), jwt.WithIssuedAt())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid token claims")
	}
	if !claims.Role.CanTakeRollCall() {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "role not allowed")
	}
	return claims, nil
}

// openSession signs an access token and persists a fresh refresh token for user.
func (s *AuthService) openSession(ctx context.Context, user *models.User, ip, userAgent string) (*session, error) {
	issuedAt := s.now()
	access, err := s.signAccessToken(user, issuedAt)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}
	value, err := randomRefreshToken()
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create refresh token")
	}
	refresh := &models.RefreshToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     value,
		ExpiresAt: issuedAt.Add(s.config.RefreshTokenExpiry),
		CreatedAt: issuedAt,
		IPAddress: ip,
		UserAgent: userAgent,
	}
	if err := s.repo.CreateRefreshToken(ctx, refresh); err != nil {
		return nil, appErrors.Internal(err, "failed to persist refresh token")
	}
	return &session{
		access:    access,
		refresh:   refresh,
		issuedAt:  issuedAt,
		expiresIn: int64(s.config.AccessTokenExpiry.Seconds()),
	}, nil
}

func (s *AuthService) signAccessToken(user *models.User, issuedAt time.Time) (string, error) {
	claims := &models.JWTClaims{
		UserID:   user.ID,
		Role:     user.Role,
		Email:    user.Email,
		FullName: user.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   user.ID,
			Audience:  s.config.Audience,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.config.AccessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.AccessTokenSecret))
}

func (s *AuthService) audit(ctx context.Context, userID, action string, values map[string]string, ip, userAgent string) {
	body, _ := json.Marshal(values)
	uid := userID
	entry := &models.AuditLog{
		UserID:     &uid,
		Action:     action,
		Resource:   "auth",
		ResourceID: &uid,
		NewValues:  body,
		IPAddress:  ip,
		UserAgent:  userAgent,
	}
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("failed to record auth audit log", zap.String("action", action), zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *AuthService) now() time.Time {
	return s.clock.Now().UTC()
}

func userInfo(user *models.User) models.UserInfo {
	return models.UserInfo{ID: user.ID, Email: user.Email, FullName: user.FullName, Role: user.Role}
}

func randomRefreshToken() (string, error) {
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
