// Package service contains the application service for the auth boundary.
// The messaging core never touches credentials; it consumes only the
// authenticated username this service vouches for.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/ndvanh/vaultchat/internal/crypto"
	"github.com/ndvanh/vaultchat/internal/errs"
	"github.com/ndvanh/vaultchat/internal/limiter"
	"github.com/ndvanh/vaultchat/internal/model"
	"github.com/ndvanh/vaultchat/internal/repository"
)

// Username and password rules enforced at registration.
const (
	minUsernameLen = 3
	maxUsernameLen = 20
	minPasswordLen = 6
)

// AuthService issues and verifies the bearer tokens that gate the relay.
type AuthService interface {
	// Register creates a new user with secure password hashing and returns a token.
	Register(ctx context.Context, username, password string) (token string, expiresAt time.Time, err error)
	// LoginWithIP applies rate-limiting and authenticates the user.
	LoginWithIP(ctx context.Context, username, password, ip string) (token string, expiresAt time.Time, err error)
	// VerifyToken validates a bearer token and returns its subject username.
	VerifyToken(token string) (string, error)
}

type AuthServiceImpl struct {
	users    repository.UserRepository
	signKey  []byte
	tokenTTL time.Duration
	lim      limiter.Limiter
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, signKey []byte, tokenTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, signKey: signKey, tokenTTL: tokenTTL, lim: lim}
}

// Register creates a new user record with a per-user salt and signs a token.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, time.Time, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < minUsernameLen || len(username) > maxUsernameLen {
		return "", time.Time{}, fmt.Errorf("validation: username must be %d-%d characters", minUsernameLen, maxUsernameLen)
	}
	if len(password) < minPasswordLen {
		return "", time.Time{}, fmt.Errorf("validation: password must be at least %d characters", minPasswordLen)
	}

	salt, err := pkgcrypto.NewSalt()
	if err != nil {
		return "", time.Time{}, err
	}
	u := &model.User{
		Username: username,
		PwdHash:  pkgcrypto.HashPassword([]byte(password), salt),
		SaltAuth: salt,
		LastSeen: time.Now(),
	}
	if err := s.users.Create(ctx, u); err != nil {
		return "", time.Time{}, err
	}
	return s.issueToken(username)
}

// LoginWithIP authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, username, password, ip string) (string, time.Time, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return "", time.Time{}, err
	}
	if !allowed {
		return "", time.Time{}, errs.ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, username)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), u.SaltAuth, u.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return "", time.Time{}, errs.ErrRateLimited
		}
		// Wrong password and unknown user look the same to the caller.
		return "", time.Time{}, errs.ErrUnauthorized
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, username, ipHash)

	return s.issueToken(username)
}

// VerifyToken validates an HS256 token and returns its subject username.
func (s *AuthServiceImpl) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", errs.ErrUnauthorized
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return "", errs.ErrUnauthorized
	}
	v := jwt.NewValidator(jwt.WithLeeway(30 * time.Second))
	if err := v.Validate(&claims); err != nil {
		return "", errs.ErrUnauthorized
	}
	if claims.Subject == "" {
		return "", errs.ErrUnauthorized
	}
	return claims.Subject, nil
}

// issueToken creates a signed HS256 JWT for the given username.
func (s *AuthServiceImpl) issueToken(username string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.tokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}
