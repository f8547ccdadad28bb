package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"REDIS_ADDR", "RELAY_JWT_SECRET", "RELAY_HOST", "RELAY_PORT"} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	assert.Equal(t, time.Hour, cfg.Session.IdleTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Session.SweepInterval())
	assert.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval())
}

func TestLoadHuJSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "relay.json", `{
		// comments and trailing commas are allowed
		"server": {"host": "0.0.0.0", "port": 9000,},
		"session": {"max_sessions": 5, "session_timeout_mins": 10},
		"auth": {
			"enabled": true,
			"jwt_secret": "s3cret",
			"users": [{"username": "admin", "password_hash": "$argon2id$x"}],
		},
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr())
	assert.Equal(t, "/ws", cfg.Server.Path, "unset fields keep defaults")
	assert.Equal(t, 5, cfg.Session.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Session.IdleTimeout())
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, map[string]string{"admin": "$argon2id$x"}, cfg.Auth.UserHashes())
}

func TestLoadTOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "relay.toml", `
[server]
port = 7070
max_connections = 10

[session]
cleanup_interval_secs = 30

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Session.SweepInterval())
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("RELAY_JWT_SECRET", "from-env")
	t.Setenv("RELAY_HOST", "10.0.0.1")
	t.Setenv("RELAY_PORT", "9999")

	path := writeFile(t, "relay.json", `{"auth": {"enabled": true}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Store.RedisAddr)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "10.0.0.1:9999", cfg.ListenAddr())
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "read config failed")

	_, err = Load(writeFile(t, "bad.json", `{"server": `))
	assert.ErrorContains(t, err, "parse config failed")

	_, err = Load(writeFile(t, "bad.toml", `[server`))
	assert.ErrorContains(t, err, "parse config failed")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"relative path", func(c *Config) { c.Server.Path = "ws" }, "server.path"},
		{"negative connections", func(c *Config) { c.Server.MaxConnections = -1 }, "server.max_connections"},
		{"negative sessions", func(c *Config) { c.Session.MaxSessions = -1 }, "session.max_sessions"},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }, "auth.jwt_secret"},
		{"user without hash", func(c *Config) {
			c.Auth.Enabled = true
			c.Auth.JWTSecret = "x"
			c.Auth.Users = []User{{Username: "admin"}}
		}, "auth.users[0]"},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.NoError(t, Default().Validate())
}
