package config

import (
	"fmt"
	"time"
)

// ServerConfig controls the WebSocket gateway listener.
type ServerConfig struct {
	// Listen is the host:port the HTTP server binds. The default binds
	// loopback only; bind 0.0.0.0 deliberately and behind auth.
	Listen string `yaml:"listen"`

	// PingInterval is how often the server pings idle sockets.
	PingInterval time.Duration `yaml:"ping_interval"`

	// PongTimeout closes a socket that has not answered a ping.
	PongTimeout time.Duration `yaml:"pong_timeout"`

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageBytes caps inbound frame size.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	Auth GatewayAuthConfig `yaml:"auth"`
}

// GatewayAuthConfig controls bearer auth on the upgrade request. Auth is
// off when the secret is empty.
type GatewayAuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// Enabled reports whether upgrade requests must carry a bearer token.
func (a GatewayAuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

func (s *ServerConfig) applyDefaults() {
	if s.Listen == "" {
		s.Listen = "127.0.0.1:8765"
	}
	if s.PingInterval == 0 {
		s.PingInterval = 15 * time.Second
	}
	if s.PongTimeout == 0 {
		s.PongTimeout = 45 * time.Second
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.MaxMessageBytes == 0 {
		s.MaxMessageBytes = 1 << 20
	}
	if s.Auth.TokenExpiry == 0 {
		s.Auth.TokenExpiry = 24 * time.Hour
	}
}

func (s *ServerConfig) validate() error {
	if s.PingInterval >= s.PongTimeout {
		return fmt.Errorf("server.ping_interval (%s) must be shorter than server.pong_timeout (%s)", s.PingInterval, s.PongTimeout)
	}
	if s.MaxMessageBytes < 4096 {
		return fmt.Errorf("server.max_message_bytes must be at least 4096, got %d", s.MaxMessageBytes)
	}
	if s.Auth.JWTSecret != "" && len(s.Auth.JWTSecret) < 32 {
		return fmt.Errorf("server.auth.jwt_secret must be at least 32 bytes")
	}
	return validateDuration("server.write_timeout", s.WriteTimeout)
}

// DatabaseConfig locates the sqlite event database.
type DatabaseConfig struct {
	// Path is the database file. ":memory:" runs without persistence.
	Path string `yaml:"path"`
}

func (d *DatabaseConfig) applyDefaults() {
	if d.Path == "" {
		d.Path = "arbor.db"
	}
}
