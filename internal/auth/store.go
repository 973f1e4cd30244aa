// Package auth persists provider credentials in a versioned JSON file.
// Providers hold either a plain API key or an OAuth token set that the
// store refreshes transparently when it expires.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/arbor-sh/arbor/internal/observability"
)

// CurrentVersion is the credential file format version this build
// reads and writes.
const CurrentVersion = 1

// Errors the store reports.
var (
	ErrNoCredential       = errors.New("auth: no credential for provider")
	ErrUnsupportedVersion = errors.New("auth: unsupported credential file version")
)

// OAuthCredential is a refreshable token set.
type OAuthCredential struct {
	AccessToken  string    `json:"access"`
	RefreshToken string    `json:"refresh"`
	Expires      time.Time `json:"expires"`

	// TokenURL and ClientID drive the refresh flow.
	TokenURL string `json:"tokenUrl,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// expired reports whether the access token needs a refresh, with a
// minute of skew so tokens aren't used at the edge of their lifetime.
func (o *OAuthCredential) expired() bool {
	return !o.Expires.IsZero() && time.Now().Add(time.Minute).After(o.Expires)
}

// ProviderCredential holds one provider's secret. Exactly one of
// APIKey and OAuth is set.
type ProviderCredential struct {
	APIKey string           `json:"apiKey,omitempty"`
	OAuth  *OAuthCredential `json:"oauth,omitempty"`
}

type credentialFile struct {
	Version   int                            `json:"version"`
	Providers map[string]*ProviderCredential `json:"providers"`
}

// Store reads and writes the credential file.
type Store struct {
	path string
	log  *observability.Logger

	mu sync.Mutex
}

// NewStore builds a Store over path. The file is created on first
// write.
func NewStore(path string, log *observability.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("auth: path is required")
	}
	if log == nil {
		log = observability.NewNopLogger()
	}
	return &Store{path: path, log: log}, nil
}

// load reads the file; a missing file is an empty credential set.
func (s *Store) load() (*credentialFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &credentialFile{Version: CurrentVersion, Providers: map[string]*ProviderCredential{}}, nil
		}
		return nil, fmt.Errorf("auth: read credentials: %w", err)
	}
	var f credentialFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("auth: parse credentials: %w", err)
	}
	if f.Version != CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	if f.Providers == nil {
		f.Providers = map[string]*ProviderCredential{}
	}
	return &f, nil
}

// save writes the file with owner-only permissions, atomically.
func (s *Store) save(f *credentialFile) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode credentials: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("auth: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("auth: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("auth: replace credentials: %w", err)
	}
	return nil
}

// SetAPIKey stores a plain API key for a provider.
func (s *Store) SetAPIKey(provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	f.Providers[provider] = &ProviderCredential{APIKey: key}
	return s.save(f)
}

// SetOAuth stores an OAuth token set for a provider.
func (s *Store) SetOAuth(provider string, cred OAuthCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	f.Providers[provider] = &ProviderCredential{OAuth: &cred}
	return s.save(f)
}

// Delete removes a provider's credential.
func (s *Store) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := f.Providers[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrNoCredential, provider)
	}
	delete(f.Providers, provider)
	return s.save(f)
}

// Providers lists the providers with stored credentials.
func (s *Store) Providers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.Providers))
	for name := range f.Providers {
		out = append(out, name)
	}
	return out, nil
}

// Token returns the secret to authenticate provider requests with:
// the API key, or the OAuth access token refreshed if expired.
func (s *Store) Token(ctx context.Context, provider string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.load()
	if err != nil {
		return "", err
	}
	cred, ok := f.Providers[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, provider)
	}
	if cred.APIKey != "" {
		return cred.APIKey, nil
	}
	if cred.OAuth == nil {
		return "", fmt.Errorf("%w: %s", ErrNoCredential, provider)
	}
	if !cred.OAuth.expired() {
		return cred.OAuth.AccessToken, nil
	}

	refreshed, err := s.refresh(ctx, cred.OAuth)
	if err != nil {
		return "", fmt.Errorf("auth: refresh %s token: %w", provider, err)
	}
	cred.OAuth = refreshed
	if err := s.save(f); err != nil {
		return "", err
	}
	s.log.Info(ctx, "refreshed provider token", "provider", provider, "expires", refreshed.Expires)
	return refreshed.AccessToken, nil
}

// refresh exchanges the refresh token for a new access token.
func (s *Store) refresh(ctx context.Context, cred *OAuthCredential) (*OAuthCredential, error) {
	if cred.RefreshToken == "" || cred.TokenURL == "" {
		return nil, errors.New("token expired and no refresh configured")
	}
	cfg := oauth2.Config{
		ClientID: cred.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cred.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expires,
	})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	out := &OAuthCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expires:      tok.Expiry,
		TokenURL:     cred.TokenURL,
		ClientID:     cred.ClientID,
	}
	if out.RefreshToken == "" {
		out.RefreshToken = cred.RefreshToken
	}
	return out, nil
}
