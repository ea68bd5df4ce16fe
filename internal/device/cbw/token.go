package cbw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// tokenExpiryMargin is how long before expiry a cached token is considered
// stale. Refresh happens strictly before expiry.
const tokenExpiryMargin = 60 * time.Second

type tokenResponse struct {
	ExpiresIn    int64  `json:"expires_in"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// CredentialManager obtains and caches the management-API bearer credential
// via password and refresh grants. It is the exclusive owner of the cached
// credential state; a mutex guards reads against concurrent refreshes and
// singleflight collapses concurrent grant requests into one.
type CredentialManager struct {
	client   *http.Client
	tokenURL string
	username string
	password string
	logger   *slog.Logger

	group singleflight.Group

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// NewCredentialManager creates a manager with an empty cache; the first
// EnsureToken call performs a password grant.
func NewCredentialManager(client *http.Client, tokenURL, username, password string, logger *slog.Logger) *CredentialManager {
	return &CredentialManager{
		client:   client,
		tokenURL: tokenURL,
		username: username,
		password: password,
		logger:   logger,
	}
}

// EnsureToken returns a bearer token with more than the safety margin of
// lifetime remaining. A cached token is reused; otherwise a refresh grant
// is attempted and, on any refresh failure, a full password grant. Only a
// password-grant failure is fatal — refresh is an optimization, not a
// dependency.
func (m *CredentialManager) EnsureToken(ctx context.Context) (string, error) {
	if tok, ok := m.cached(); ok {
		return tok, nil
	}

	v, err, _ := m.group.Do("token", func() (any, error) {
		// Another caller may have won the grant while we queued.
		if tok, ok := m.cached(); ok {
			return tok, nil
		}

		m.mu.Lock()
		refresh := m.refreshToken
		m.mu.Unlock()

		if refresh != "" {
			tok, rErr := m.grant(ctx, url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {refresh},
			})
			if rErr == nil {
				return tok, nil
			}
			m.logger.Warn("token refresh failed, falling back to password grant", "error", rErr)
		}

		tok, pErr := m.grant(ctx, url.Values{
			"grant_type": {"password"},
			"username":   {m.username},
			"password":   {m.password},
		})
		if pErr != nil {
			return "", fmt.Errorf("cbw: password grant: %w", pErr)
		}
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *CredentialManager) cached() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken != "" && time.Until(m.expiresAt) > tokenExpiryMargin {
		return m.accessToken, true
	}
	return "", false
}

// grant posts a form-encoded token request and overwrites the cached
// credential state on success.
func (m *CredentialManager) grant(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("parse token body: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	m.mu.Lock()
	m.accessToken = tr.AccessToken
	m.refreshToken = tr.RefreshToken
	m.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	m.mu.Unlock()
	return tr.AccessToken, nil
}

// AttachAuth sets the bearer credential on an outbound request, obtaining
// or refreshing the token first as needed.
func (m *CredentialManager) AttachAuth(ctx context.Context, req *http.Request) error {
	tok, err := m.EnsureToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}
