package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	s, err := NewStore(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestAPIKeyRoundTrip(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	if _, err := s.Token(ctx, "anthropic"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("empty store err = %v", err)
	}

	if err := s.SetAPIKey("anthropic", "sk-ant-test"); err != nil {
		t.Fatal(err)
	}
	tok, err := s.Token(ctx, "anthropic")
	if err != nil || tok != "sk-ant-test" {
		t.Fatalf("token = %q, %v", tok, err)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("perm = %o", perm)
		}
	}

	// The file carries the version marker.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["version"]) != "1" {
		t.Errorf("version = %s", raw["version"])
	}
}

func TestUnsupportedVersionRejected(t *testing.T) {
	s, path := newStore(t)
	if err := os.WriteFile(path, []byte(`{"version":99,"providers":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Token(context.Background(), "anthropic"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v", err)
	}
}

func TestDeleteAndProviders(t *testing.T) {
	s, _ := newStore(t)
	if err := s.SetAPIKey("openai", "sk-test"); err != nil {
		t.Fatal(err)
	}
	providers, err := s.Providers()
	if err != nil || len(providers) != 1 || providers[0] != "openai" {
		t.Fatalf("providers = %v, %v", providers, err)
	}
	if err := s.Delete("openai"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("openai"); !errors.Is(err, ErrNoCredential) {
		t.Errorf("double delete err = %v", err)
	}
}

func TestOAuthToken_FreshTokenUsedAsIs(t *testing.T) {
	s, _ := newStore(t)
	err := s.SetOAuth("anthropic", OAuthCredential{
		AccessToken:  "fresh-token",
		RefreshToken: "refresh",
		Expires:      time.Now().Add(time.Hour),
		TokenURL:     "http://unreachable.invalid/token",
	})
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.Token(context.Background(), "anthropic")
	if err != nil || tok != "fresh-token" {
		t.Fatalf("token = %q, %v", tok, err)
	}
}

func TestOAuthToken_ExpiredRefreshesAndPersists(t *testing.T) {
	var refreshCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		refreshCalls++
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.FormValue("grant_type") != "refresh_token" || r.FormValue("refresh_token") != "old-refresh" {
			t.Errorf("form = %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	s, _ := newStore(t)
	err := s.SetOAuth("anthropic", OAuthCredential{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		Expires:      time.Now().Add(-time.Hour),
		TokenURL:     srv.URL + "/token",
		ClientID:     "arbor-cli",
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	tok, err := s.Token(ctx, "anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if tok != "new-access" || refreshCalls != 1 {
		t.Fatalf("token = %q, refreshes = %d", tok, refreshCalls)
	}

	// The refreshed token is persisted; the next read skips the refresh.
	tok, err = s.Token(ctx, "anthropic")
	if err != nil || tok != "new-access" {
		t.Fatalf("second token = %q, %v", tok, err)
	}
	if refreshCalls != 1 {
		t.Errorf("refreshes = %d after warm read", refreshCalls)
	}
}

func TestOAuthToken_ExpiredWithoutRefreshFails(t *testing.T) {
	s, _ := newStore(t)
	err := s.SetOAuth("anthropic", OAuthCredential{
		AccessToken: "stale",
		Expires:     time.Now().Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Token(context.Background(), "anthropic"); err == nil {
		t.Fatal("expired token without refresh accepted")
	}
}
