// Package auth issues and validates relay bearer tokens.
//
// The relay engine depends only on the Authenticator interface. Manager is
// the bundled implementation: argon2id password hashes from config, HS256
// JWTs, a failed-login lockout and token revocation backed by store.Store.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/HsiangNianian/hidrelay/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrInvalidToken       = errors.New("auth: invalid token")
	ErrTokenRevoked       = errors.New("auth: token revoked")
	ErrLockedOut          = errors.New("auth: too many failed attempts")
)

type Credentials struct {
	Username   string
	Password   string
	ClientType string
	ClientID   string
}

type Token struct {
	Value     string
	ID        string
	ExpiresAt time.Time
}

type Claims struct {
	ClientType string `json:"client_type"`
	ClientID   string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator is the contract the relay engine relies on.
type Authenticator interface {
	Login(ctx context.Context, c Credentials) (Token, error)
	Validate(ctx context.Context, token string) (Claims, error)
	Refresh(ctx context.Context, token string) (Token, error)
	Revoke(ctx context.Context, token string) error
}

type Options struct {
	Secret            []byte
	TokenExpiry       time.Duration
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	// Users maps a username to its encoded argon2id hash.
	Users map[string]string
	Store store.Store
	Now   func() time.Time
}

type Manager struct {
	secret      []byte
	expiry      time.Duration
	maxFailures int
	lockout     time.Duration
	users       map[string]string
	store       store.Store
	now         func() time.Time
	parser      *jwt.Parser
}

var _ Authenticator = (*Manager)(nil)

func NewManager(opts Options) (*Manager, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("auth: secret is required")
	}
	if opts.TokenExpiry <= 0 {
		opts.TokenExpiry = 24 * time.Hour
	}
	if opts.LockoutDuration <= 0 {
		opts.LockoutDuration = 15 * time.Minute
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	users := make(map[string]string, len(opts.Users))
	for name, hash := range opts.Users {
		if _, _, _, err := parseHash(hash); err != nil {
			return nil, fmt.Errorf("auth: user %s: %w", name, err)
		}
		users[name] = hash
	}
	m := &Manager{
		secret:      opts.Secret,
		expiry:      opts.TokenExpiry,
		maxFailures: opts.MaxFailedAttempts,
		lockout:     opts.LockoutDuration,
		users:       users,
		store:       opts.Store,
		now:         opts.Now,
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithExpirationRequired(),
	)
	return m, nil
}

func (m *Manager) Login(ctx context.Context, c Credentials) (Token, error) {
	if m.maxFailures > 0 {
		n, err := m.store.Failures(ctx, c.Username)
		if err != nil {
			return Token{}, fmt.Errorf("read failed attempts: %w", err)
		}
		if n >= int64(m.maxFailures) {
			return Token{}, ErrLockedOut
		}
	}

	ok := false
	if hash, found := m.users[c.Username]; found {
		valid, err := VerifyPassword(c.Password, hash)
		if err != nil {
			return Token{}, fmt.Errorf("verify password for %s: %w", c.Username, err)
		}
		ok = valid
	}
	if !ok {
		if _, err := m.store.RecordFailure(ctx, c.Username, m.lockout); err != nil {
			return Token{}, fmt.Errorf("record failed attempt: %w", err)
		}
		return Token{}, ErrInvalidCredentials
	}
	if err := m.store.ClearFailures(ctx, c.Username); err != nil {
		return Token{}, fmt.Errorf("clear failed attempts: %w", err)
	}
	return m.issue(c.Username, c.ClientType, c.ClientID)
}

func (m *Manager) Validate(ctx context.Context, token string) (Claims, error) {
	claims, err := m.parse(token)
	if err != nil {
		return Claims{}, err
	}
	revoked, err := m.store.IsRevoked(ctx, claims.ID)
	if err != nil {
		return Claims{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Claims{}, ErrTokenRevoked
	}
	return claims, nil
}

// Refresh exchanges a valid token for a new one and revokes the old one.
func (m *Manager) Refresh(ctx context.Context, token string) (Token, error) {
	claims, err := m.Validate(ctx, token)
	if err != nil {
		return Token{}, err
	}
	next, err := m.issue(claims.Subject, claims.ClientType, claims.ClientID)
	if err != nil {
		return Token{}, err
	}
	if err := m.revokeClaims(ctx, claims); err != nil {
		return Token{}, err
	}
	return next, nil
}

// Revoke invalidates token until it would have expired anyway.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	claims, err := m.parse(token)
	if errors.Is(err, ErrTokenExpired) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.revokeClaims(ctx, claims)
}

func (m *Manager) revokeClaims(ctx context.Context, claims Claims) error {
	ttl := claims.ExpiresAt.Time.Sub(m.now())
	if ttl <= 0 {
		return nil
	}
	if err := m.store.Revoke(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (m *Manager) issue(subject, clientType, clientID string) (Token, error) {
	now := m.now()
	exp := now.Add(m.expiry)
	claims := Claims{
		ClientType: clientType,
		ClientID:   clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Value: signed, ID: claims.ID, ExpiresAt: exp}, nil
}

func (m *Manager) parse(token string) (Claims, error) {
	var claims Claims
	_, err := m.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Claims{}, ErrTokenExpired
	default:
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ID == "" {
		return Claims{}, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}
	return claims, nil
}
