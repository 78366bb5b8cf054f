package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tingly-dev/claude-box/internal/constant"
)

// TokenType discriminates how a stored credential was obtained and whether
// it can be refreshed.
type TokenType string

const (
	// TokenTypeEphemeral tokens come from the broad-scope grant and carry
	// a refresh token.
	TokenTypeEphemeral TokenType = "ephemeral"

	// TokenTypeLongLived tokens come from the minimal-scope grant with a
	// year-scale lifetime. They never refresh; re-issue requires a fresh
	// authorization.
	TokenTypeLongLived TokenType = "long_lived"
)

// expirySkew refreshes slightly ahead of the wire expiry so a token that
// passes the local check does not die in flight.
const expirySkew = 60 * time.Second

var (
	// ErrNotAuthenticated means no token record exists on disk.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrReauthRequired means the stored token is expired and cannot be
	// salvaged by a refresh.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrRefreshFailed wraps a failed refresh-token grant.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrNoPendingLogin means no PKCE scratch exists for code exchange.
	ErrNoPendingLogin = errors.New("no login in progress")
)

// Token is the durable credential record.
// Invariant: RefreshToken is present iff Type is ephemeral.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Type         TokenType `json:"type"`
}

// Expired reports whether the token should be considered unusable at now,
// applying the early-refresh skew.
func (t *Token) Expired(now time.Time) bool {
	return !now.Add(expirySkew).Before(t.ExpiresAt)
}

// Refreshable reports whether a refresh grant can be attempted.
func (t *Token) Refreshable() bool {
	return t.Type == TokenTypeEphemeral && t.RefreshToken != ""
}

// Store persists the token record and the PKCE scratch under the config
// directory. Writes are all-or-nothing: temp file then rename.
type Store struct {
	tokenFile string
	pkceFile  string
	mu        sync.RWMutex
}

// NewStore creates a store rooted at the given config directory.
func NewStore(configDir string) *Store {
	return &Store{
		tokenFile: filepath.Join(configDir, constant.TokenFileName),
		pkceFile:  filepath.Join(configDir, constant.PKCEFileName),
	}
}

// Load reads the stored token record. Returns ErrNotAuthenticated when no
// record exists.
func (s *Store) Load() (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotAuthenticated
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	if token.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}

	return &token, nil
}

// Save writes the token record atomically. Either all fields advance
// together or none do.
func (s *Store) Save(token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeFileAtomic(s.tokenFile, token)
}

// Clear removes the token record. Missing file is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.tokenFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// SavePKCE persists the PKCE scratch so a later process can run the
// exchange step.
func (s *Store) SavePKCE(p *PKCE) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return writeFileAtomic(s.pkceFile, p)
}

// LoadPKCE reads the PKCE scratch. Returns ErrNoPendingLogin when absent.
func (s *Store) LoadPKCE() (*PKCE, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.pkceFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPendingLogin
		}
		return nil, fmt.Errorf("failed to read PKCE file: %w", err)
	}

	var p PKCE
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse PKCE file: %w", err)
	}
	if p.Verifier == "" {
		return nil, ErrNoPendingLogin
	}

	return &p, nil
}

// ClearPKCE removes the PKCE scratch. Missing file is not an error.
func (s *Store) ClearPKCE() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.pkceFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PKCE file: %w", err)
	}
	return nil
}

// writeFileAtomic marshals v and replaces path in one rename so readers
// never observe a partial record.
func writeFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}

	return nil
}
