package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ScopeProfile selects which scope set an authorization requests.
type ScopeProfile string

const (
	// ProfileBroad is the ordinary session profile.
	ProfileBroad ScopeProfile = "broad"

	// ProfileMinimal requests the single inference scope. The provider
	// only honours custom token lifetimes on this profile, so it is the
	// one used for long-lived tokens.
	ProfileMinimal ScopeProfile = "minimal"
)

const (
	scopesBroad   = "org:create_api_key user:profile user:inference"
	scopesMinimal = "user:inference"

	// longLivedExpiresIn is the requested lifetime for minimal-scope
	// tokens: one year, in seconds. The provider may grant less; the
	// returned value wins.
	longLivedExpiresIn = 365 * 24 * 60 * 60
)

// Config carries the OAuth endpoints. Tests point these at local servers.
type Config struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	HTTPClient   *http.Client
}

// DefaultConfig returns the Anthropic consumer OAuth endpoints.
func DefaultConfig() Config {
	return Config{
		ClientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		AuthorizeURL: "https://claude.ai/oauth/authorize",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
		RedirectURI:  "https://console.anthropic.com/oauth/code/callback",
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Manager drives the OAuth state machine: authorize-URL construction, code
// exchange, refresh, and valid-token retrieval with single-flight refresh.
type Manager struct {
	cfg   Config
	store *Store
	group singleflight.Group
}

// NewManager creates an OAuth manager bound to a token store.
func NewManager(store *Store, cfg Config) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Manager{cfg: cfg, store: store}
}

// BuildAuthorizeURL constructs the authorization URL for the given scope
// profile and persists the PKCE scratch so a later process can exchange
// the code.
func (m *Manager) BuildAuthorizeURL(profile ScopeProfile) (string, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	if err := m.store.SavePKCE(pkce); err != nil {
		return "", fmt.Errorf("failed to persist PKCE state: %w", err)
	}

	scopes := scopesBroad
	if profile == ProfileMinimal {
		scopes = scopesMinimal
	}

	q := url.Values{}
	// Non-standard: makes the hosted callback page display the code for
	// manual copy-paste instead of redirecting into an app.
	q.Set("code", "true")
	q.Set("client_id", m.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", m.cfg.RedirectURI)
	q.Set("scope", scopes)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.State)

	return m.cfg.AuthorizeURL + "?" + q.Encode(), nil
}

// tokenRequest is the JSON body for the token endpoint, covering both the
// authorization_code and refresh_token grants.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	State        string `json:"state,omitempty"`
	ClientID     string `json:"client_id"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// ExchangeCode posts the authorization code and persists the resulting
// token record. The code may arrive as "<code>#<state>"; the suffix
// overrides the saved state. The PKCE scratch is cleared on both outcomes.
func (m *Manager) ExchangeCode(ctx context.Context, code string, profile ScopeProfile) (*Token, error) {
	pkce, err := m.store.LoadPKCE()
	if err != nil {
		return nil, err
	}
	defer m.store.ClearPKCE()

	state := pkce.State
	if i := strings.IndexByte(code, '#'); i >= 0 {
		state = code[i+1:]
		code = code[:i]
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("authorization failed: empty code")
	}

	body := tokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		State:        state,
		ClientID:     m.cfg.ClientID,
		RedirectURI:  m.cfg.RedirectURI,
		CodeVerifier: pkce.Verifier,
	}
	tokenType := TokenTypeEphemeral
	if profile == ProfileMinimal {
		body.ExpiresIn = longLivedExpiresIn
		tokenType = TokenTypeLongLived
	}

	resp, err := m.postToken(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("authorization failed: %w", err)
	}

	token := &Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Type:         tokenType,
	}
	if token.Type == TokenTypeLongLived {
		// Long-lived tokens never refresh; drop any refresh token so the
		// record invariant holds.
		token.RefreshToken = ""
	}

	if err := m.store.Save(token); err != nil {
		return nil, fmt.Errorf("failed to persist token: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"type":       token.Type,
		"expires_at": token.ExpiresAt.Format(time.RFC3339),
	}).Info("OAuth code exchange succeeded")

	return token, nil
}

// Refresh posts the refresh-token grant and atomically replaces the stored
// record. Failure leaves the stored record untouched. Refresh on a
// long-lived token is a no-op failure.
func (m *Manager) Refresh(ctx context.Context) (*Token, error) {
	current, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	return m.refreshLocked(ctx, current)
}

func (m *Manager) refreshLocked(ctx context.Context, current *Token) (*Token, error) {
	if !current.Refreshable() {
		return nil, ErrReauthRequired
	}

	logrus.Debug("refreshing OAuth access token")

	resp, err := m.postToken(ctx, tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: current.RefreshToken,
		ClientID:     m.cfg.ClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	refreshed := &Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		Type:         TokenTypeEphemeral,
	}
	if refreshed.RefreshToken == "" {
		// Some responses omit the refresh token when it is unchanged.
		refreshed.RefreshToken = current.RefreshToken
	}

	if err := m.store.Save(refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	logrus.WithField("expires_at", refreshed.ExpiresAt.Format(time.RFC3339)).
		Debug("OAuth access token refreshed")

	return refreshed, nil
}

// AccessToken returns a currently valid access token, refreshing expired
// ephemeral tokens under a single-flight discipline: concurrent callers
// share one in-flight refresh and all resolve with its outcome.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	token, err := m.store.Load()
	if err != nil {
		return "", err
	}

	now := time.Now()
	if !token.Expired(now) {
		return token.AccessToken, nil
	}
	if token.Type == TokenTypeLongLived {
		return "", ErrReauthRequired
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Re-load under the flight: a refresh that completed while this
		// caller queued already advanced the record.
		current, err := m.store.Load()
		if err != nil {
			return nil, err
		}
		if !current.Expired(time.Now()) {
			return current.AccessToken, nil
		}

		// Detach from any single caller so one cancelled request does
		// not fail the shared outcome.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		refreshed, err := m.refreshLocked(refreshCtx, current)
		if err != nil {
			return nil, err
		}
		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

// Logout removes the stored token record.
func (m *Manager) Logout() error {
	return m.store.Clear()
}

// Status describes the stored credential without revealing it.
type Status struct {
	Authenticated   bool      `json:"authenticated"`
	Type            TokenType `json:"type,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
	Expired         bool      `json:"expired,omitempty"`
	HasRefreshToken bool      `json:"has_refresh_token,omitempty"`
}

// Status reports presence, type and expiry of the stored token. The token
// value itself is never included.
func (m *Manager) Status() Status {
	token, err := m.store.Load()
	if err != nil {
		return Status{Authenticated: false}
	}
	return Status{
		Authenticated:   true,
		Type:            token.Type,
		ExpiresAt:       token.ExpiresAt,
		Expired:         token.Expired(time.Now()),
		HasRefreshToken: token.RefreshToken != "",
	}
}

func (m *Manager) postToken(ctx context.Context, body tokenRequest) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}

	return &tr, nil
}
