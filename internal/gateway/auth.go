package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized rejects upgrade requests without a valid bearer token
// while auth is enabled.
var ErrUnauthorized = errors.New("gateway: unauthorized")

// authorize checks the upgrade request's bearer token. Auth is off when
// no secret is configured. Browser clients cannot set headers on the
// WebSocket handshake, so a token query parameter is accepted too.
func (s *Server) authorize(r *http.Request) error {
	if !s.cfg.Auth.Enabled() {
		return nil
	}
	token := bearerToken(r)
	if token == "" {
		return ErrUnauthorized
	}
	if _, err := VerifyToken(token, s.cfg.Auth.JWTSecret); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return rest
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// IssueToken mints a signed bearer token for the given subject.
func IssueToken(secret, subject string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyToken parses and validates a bearer token, returning its
// subject.
func VerifyToken(token, secret string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}
