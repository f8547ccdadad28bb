package auth

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "admin123"

var (
	hashOnce   sync.Once
	sharedHash string
)

// testHash hashes testPassword once per test binary. Each argon2id hash
// allocates 64 MiB.
func testHash(t *testing.T) string {
	t.Helper()
	hashOnce.Do(func() {
		h, err := HashPassword(testPassword)
		if err != nil {
			panic(err)
		}
		sharedHash = h
	})
	return sharedHash
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, c *clock, maxFailures int) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Secret:            []byte("test-secret"),
		TokenExpiry:       time.Hour,
		MaxFailedAttempts: maxFailures,
		LockoutDuration:   15 * time.Minute,
		Users:             map[string]string{"admin": testHash(t)},
		Now:               c.Now,
	})
	require.NoError(t, err)
	return m
}

func TestNewManagerRequiresSecret(t *testing.T) {
	_, err := NewManager(Options{})
	assert.EqualError(t, err, "auth: secret is required")
}

func TestHashAndVerify(t *testing.T) {
	hash := testHash(t)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=3,p=4$"))

	ok, err := VerifyPassword(testPassword, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyPasswordMalformed(t *testing.T) {
	tests := []struct {
		name string
		hash string
	}{
		{"too few fields", "$argon2id$v=19"},
		{"wrong algorithm", "$bcrypt$v=19$m=65536,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"bad version", "$argon2id$v=x$m=65536,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"bad salt", "$argon2id$v=19$m=65536,t=1,p=1$!!!$AAAAAAAAAAAAAAAAAAAAAA"},
		{"zero threads", "$argon2id$v=19$m=65536,t=1,p=0$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"zero time", "$argon2id$v=19$m=65536,t=0,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"threads overflow", "$argon2id$v=19$m=65536,t=1,p=300$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"missing cost", "$argon2id$v=19$m=65536,t=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"unknown cost", "$argon2id$v=19$m=65536,t=1,x=1$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
		{"short key", "$argon2id$v=19$m=65536,t=1,p=1$AAAAAAAAAAAAAAAAAAAAAA$AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ok bool
			var err error
			require.NotPanics(t, func() { ok, err = VerifyPassword("pw", tt.hash) })
			assert.ErrorIs(t, err, ErrMalformedHash)
			assert.False(t, ok)
		})
	}
}

func TestNewManagerRejectsMalformedUserHash(t *testing.T) {
	_, err := NewManager(Options{
		Secret: []byte("s"),
		Users:  map[string]string{"admin": "$argon2id$v=19$m=65536,t=3,p=0$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAA"},
	})
	require.ErrorIs(t, err, ErrMalformedHash)
	assert.Contains(t, err.Error(), "admin")
}

func TestLoginAndValidate(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	m := newTestManager(t, c, 3)

	tok, err := m.Login(ctx, Credentials{Username: "admin", Password: testPassword, ClientType: "controller", ClientID: "desk"})
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.NotEmpty(t, tok.ID)
	assert.WithinDuration(t, c.now.Add(time.Hour), tok.ExpiresAt, time.Second)

	claims, err := m.Validate(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Subject)
	assert.Equal(t, "controller", claims.ClientType)
	assert.Equal(t, "desk", claims.ClientID)
	assert.Equal(t, tok.ID, claims.ID)
}

func TestLoginInvalidCredentials(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &clock{now: time.Now()}, 0)

	_, err := m.Login(ctx, Credentials{Username: "admin", Password: "nope"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = m.Login(ctx, Credentials{Username: "ghost", Password: testPassword})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginLockout(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	m := newTestManager(t, c, 3)

	for i := 0; i < 3; i++ {
		_, err := m.Login(ctx, Credentials{Username: "admin", Password: "wrong"})
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := m.Login(ctx, Credentials{Username: "admin", Password: testPassword})
	assert.ErrorIs(t, err, ErrLockedOut)
}

func TestValidateExpired(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Now()}
	m := newTestManager(t, c, 0)

	tok, err := m.Login(ctx, Credentials{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	c.now = c.now.Add(2 * time.Hour)
	_, err = m.Validate(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateTampered(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &clock{now: time.Now()}, 0)

	tok, err := m.Login(ctx, Credentials{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	other, err := NewManager(Options{Secret: []byte("other-secret")})
	require.NoError(t, err)
	_, err = other.Validate(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Validate(ctx, "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRevokeAndRefresh(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, &clock{now: time.Now()}, 0)

	tok, err := m.Login(ctx, Credentials{Username: "admin", Password: testPassword, ClientType: "target"})
	require.NoError(t, err)

	next, err := m.Refresh(ctx, tok.Value)
	require.NoError(t, err)
	assert.NotEqual(t, tok.ID, next.ID)

	_, err = m.Validate(ctx, tok.Value)
	assert.ErrorIs(t, err, ErrTokenRevoked, "refresh revokes the old token")

	claims, err := m.Validate(ctx, next.Value)
	require.NoError(t, err)
	assert.Equal(t, "target", claims.ClientType)

	require.NoError(t, m.Revoke(ctx, next.Value))
	_, err = m.Validate(ctx, next.Value)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = m.Refresh(ctx, next.Value)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}
