package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tailscale/hujson"
)

type Config struct {
	Server  ServerConfig  `json:"server" toml:"server"`
	Auth    AuthConfig    `json:"auth" toml:"auth"`
	Session SessionConfig `json:"session" toml:"session"`
	Store   StoreConfig   `json:"store" toml:"store"`
	Log     LogConfig     `json:"log" toml:"log"`
}

type ServerConfig struct {
	Host                  string `json:"host" toml:"host"`
	Port                  int    `json:"port" toml:"port"`
	Path                  string `json:"path" toml:"path"`
	MaxConnections        int    `json:"max_connections" toml:"max_connections"`
	HeartbeatIntervalSecs int    `json:"heartbeat_interval_secs" toml:"heartbeat_interval_secs"`
	HandshakeTimeoutSecs  int    `json:"handshake_timeout_secs" toml:"handshake_timeout_secs"`
	WriteTimeoutSecs      int    `json:"write_timeout_secs" toml:"write_timeout_secs"`
	MaxMessageBytes       int64  `json:"max_message_bytes" toml:"max_message_bytes"`
	OutboundQueueSize     int    `json:"outbound_queue_size" toml:"outbound_queue_size"`
}

type AuthConfig struct {
	Enabled             bool   `json:"enabled" toml:"enabled"`
	JWTSecret           string `json:"jwt_secret" toml:"jwt_secret"`
	TokenExpiryHours    int    `json:"token_expiry_hours" toml:"token_expiry_hours"`
	MaxFailedAttempts   int    `json:"max_failed_attempts" toml:"max_failed_attempts"`
	LockoutDurationMins int    `json:"lockout_duration_mins" toml:"lockout_duration_mins"`
	Users               []User `json:"users" toml:"users"`
}

type User struct {
	Username     string `json:"username" toml:"username"`
	PasswordHash string `json:"password_hash" toml:"password_hash"`
}

type SessionConfig struct {
	MaxSessions         int `json:"max_sessions" toml:"max_sessions"`
	SessionTimeoutMins  int `json:"session_timeout_mins" toml:"session_timeout_mins"`
	CleanupIntervalSecs int `json:"cleanup_interval_secs" toml:"cleanup_interval_secs"`
}

type StoreConfig struct {
	RedisAddr string `json:"redis_addr" toml:"redis_addr"`
}

type LogConfig struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
}

// ValidationError reports a configuration field with an unusable value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:                  "127.0.0.1",
			Port:                  8080,
			Path:                  "/ws",
			MaxConnections:        1000,
			HeartbeatIntervalSecs: 30,
			HandshakeTimeoutSecs:  10,
			WriteTimeoutSecs:      10,
			MaxMessageBytes:       64 * 1024,
			OutboundQueueSize:     256,
		},
		Auth: AuthConfig{
			Enabled:             false,
			TokenExpiryHours:    24,
			MaxFailedAttempts:   3,
			LockoutDurationMins: 15,
		},
		Session: SessionConfig{
			MaxSessions:         100,
			SessionTimeoutMins:  60,
			CleanupIntervalSecs: 300,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. Files ending in .toml are parsed as TOML;
// anything else as HuJSON (JSON with comments and trailing commas). An empty
// path yields the defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config failed: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	}
	applyEnv(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(content), cfg)
		return err
	}
	std, err := hujson.Standardize(content)
	if err != nil {
		return err
	}
	return json.Unmarshal(std, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := os.Getenv("RELAY_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("RELAY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Path == "" {
		c.Server.Path = d.Server.Path
	}
	if c.Server.HeartbeatIntervalSecs <= 0 {
		c.Server.HeartbeatIntervalSecs = d.Server.HeartbeatIntervalSecs
	}
	if c.Server.HandshakeTimeoutSecs <= 0 {
		c.Server.HandshakeTimeoutSecs = d.Server.HandshakeTimeoutSecs
	}
	if c.Server.WriteTimeoutSecs <= 0 {
		c.Server.WriteTimeoutSecs = d.Server.WriteTimeoutSecs
	}
	if c.Server.MaxMessageBytes <= 0 {
		c.Server.MaxMessageBytes = d.Server.MaxMessageBytes
	}
	if c.Server.OutboundQueueSize <= 0 {
		c.Server.OutboundQueueSize = d.Server.OutboundQueueSize
	}
	if c.Session.SessionTimeoutMins <= 0 {
		c.Session.SessionTimeoutMins = d.Session.SessionTimeoutMins
	}
	if c.Session.CleanupIntervalSecs <= 0 {
		c.Session.CleanupIntervalSecs = d.Session.CleanupIntervalSecs
	}
	if c.Auth.TokenExpiryHours <= 0 {
		c.Auth.TokenExpiryHours = d.Auth.TokenExpiryHours
	}
	if c.Auth.LockoutDurationMins <= 0 {
		c.Auth.LockoutDurationMins = d.Auth.LockoutDurationMins
	}
}

func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return ValidationError{Field: "server.path", Message: "must start with /"}
	}
	if c.Server.MaxConnections < 0 {
		return ValidationError{Field: "server.max_connections", Message: "must not be negative"}
	}
	if c.Session.MaxSessions < 0 {
		return ValidationError{Field: "session.max_sessions", Message: "must not be negative"}
	}
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return ValidationError{Field: "auth.jwt_secret", Message: "required when auth is enabled"}
		}
		for i, u := range c.Auth.Users {
			if u.Username == "" || u.PasswordHash == "" {
				return ValidationError{Field: fmt.Sprintf("auth.users[%d]", i), Message: "username and password_hash are required"}
			}
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return ValidationError{Field: "log.format", Message: "must be text or json"}
	}
	return nil
}

func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (s ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSecs) * time.Second
}

func (s ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSecs) * time.Second
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSecs) * time.Second
}

func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutMins) * time.Minute
}

func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSecs) * time.Second
}

func (a AuthConfig) TokenExpiry() time.Duration {
	return time.Duration(a.TokenExpiryHours) * time.Hour
}

func (a AuthConfig) LockoutDuration() time.Duration {
	return time.Duration(a.LockoutDurationMins) * time.Minute
}

// UserHashes maps usernames to their password hashes.
func (a AuthConfig) UserHashes() map[string]string {
	out := make(map[string]string, len(a.Users))
	for _, u := range a.Users {
		out[u.Username] = u.PasswordHash
	}
	return out
}
