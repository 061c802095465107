// Package services holds the business logic between the HTTP/WebSocket
// handlers and the repositories. Services never see http.Request; they take
// and return domain models, and classify failures with the pkg sentinels.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/akinalp/parley/models"
	"github.com/akinalp/parley/pkg"
	"github.com/akinalp/parley/pkg/logging"
	"github.com/akinalp/parley/repository"
)

var authLog = logging.For("auth")

// AuthService manages accounts and the session lifecycle.
type AuthService interface {
	Register(ctx context.Context, req *models.CreateUserRequest) (*AuthResult, error)
	Login(ctx context.Context, req *models.LoginRequest) (*AuthResult, error)
	// Refresh pushes the expiry of the token's session a full lifetime out.
	Refresh(ctx context.Context, token string) (*models.Session, error)
	Logout(ctx context.Context, token string) error
	LogoutAll(ctx context.Context, userID string) (int, error)
	// Authenticate resolves a token to its usable session. It fails closed:
	// when neither the cache nor the durable store answers, the token is
	// rejected with a retryable error.
	Authenticate(ctx context.Context, token string) (*models.Session, error)
	Me(ctx context.Context, userID string) (*models.User, error)
}

// AuthResult is returned by register and login. Token is shown once.
type AuthResult struct {
	Token   string         `json:"token"`
	Session models.Session `json:"session"`
	User    models.User    `json:"user"`
}

// AuthConfig tunes AuthService.
type AuthConfig struct {
	SessionLifetime time.Duration
	BcryptCost      int
}

type authService struct {
	userRepo repository.UserRepository
	sessions *SessionStore
	issuer   *TokenIssuer
	cfg      AuthConfig
}

// NewAuthService, constructor. A zero BcryptCost means cost 12.
func NewAuthService(userRepo repository.UserRepository, sessions *SessionStore, issuer *TokenIssuer, cfg AuthConfig) AuthService {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	return &authService{
		userRepo: userRepo,
		sessions: sessions,
		issuer:   issuer,
		cfg:      cfg,
	}
}

func (s *authService) Register(ctx context.Context, req *models.CreateUserRequest) (*AuthResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var displayName *string
	if req.DisplayName != "" {
		displayName = &req.DisplayName
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}

	return s.openSession(ctx, user, req.DeviceInfo)
}

func (s *authService) Login(ctx context.Context, req *models.LoginRequest) (*AuthResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", pkg.ErrBadRequest, err.Error())
	}

	user, err := s.userRepo.GetByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return nil, fmt.Errorf("%w: invalid username or password", pkg.ErrUnauthorized)
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("%w: invalid username or password", pkg.ErrUnauthorized)
	}

	return s.openSession(ctx, user, req.DeviceInfo)
}

func (s *authService) Refresh(ctx context.Context, token string) (*models.Session, error) {
	if _, err := s.Authenticate(ctx, token); err != nil {
		return nil, err
	}

	session, err := s.sessions.ExtendExpiry(ctx, token, time.Now().Add(s.cfg.SessionLifetime))
	if err != nil {
		if errors.Is(err, pkg.ErrNotFound) {
			return nil, fmt.Errorf("%w: session is no longer active", pkg.ErrUnauthorized)
		}
		return nil, err
	}
	return session, nil
}

func (s *authService) Logout(ctx context.Context, token string) error {
	return s.sessions.Invalidate(ctx, token)
}

func (s *authService) LogoutAll(ctx context.Context, userID string) (int, error) {
	n, err := s.sessions.InvalidateAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	authLog.Info().Str("user_id", userID).Int("sessions", n).Msg("logged out everywhere")
	return n, nil
}

func (s *authService) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, err
	}

	session, ok, err := s.sessions.FindByToken(ctx, token)
	if err != nil {
		authLog.Warn().Err(err).Msg("session lookup failed, rejecting token")
		if pkg.KindOf(err) == pkg.KindUnavailable {
			return nil, err
		}
		return nil, pkg.Unavailable("authenticate", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: session expired or revoked", pkg.ErrUnauthorized)
	}
	if session.UserID != claims.UserID {
		return nil, fmt.Errorf("%w: token does not match session", pkg.ErrUnauthorized)
	}
	return session, nil
}

func (s *authService) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	user.PasswordHash = ""
	return user, nil
}

// openSession issues a credential and stores its session.
func (s *authService) openSession(ctx context.Context, user *models.User, device models.DeviceInfo) (*AuthResult, error) {
	token, err := s.issuer.Issue(user)
	if err != nil {
		return nil, err
	}

	session, err := s.sessions.Create(ctx, user.ID, token, device, time.Now().Add(s.cfg.SessionLifetime))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	user.PasswordHash = ""
	return &AuthResult{Token: token, Session: *session, User: *user}, nil
}

// ─── Credentials ───

// TokenIssuer signs and verifies session credentials (HS256 JWTs). The
// credential carries no expiry of its own: each one names a session and the
// session store decides whether it is still good, so a refresh never needs
// a new credential and a revoke takes effect at once.
type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue returns a fresh credential for user. Every call yields a distinct
// token, so two logins never share a session key.
func (t *TokenIssuer) Issue(user *models.User) (string, error) {
	claims := &models.TokenClaims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(time.Now()),
			Issuer:   "parley",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and returns the claims.
func (t *TokenIssuer) Verify(token string) (*models.TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithIssuer("parley"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", pkg.ErrUnauthorized)
	}

	claims, ok := parsed.Claims.(*models.TokenClaims)
	if !ok || !parsed.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token claims", pkg.ErrUnauthorized)
	}
	return claims, nil
}
