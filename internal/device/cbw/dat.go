package cbw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// ErrTokenNotVisible is returned when DAT creation reports success but a
// subsequent listing still yields nothing. It indicates a provider
// consistency issue; retrying in-band is deliberately not attempted.
var ErrTokenNotVisible = errors.New("cbw: DAT create succeeded but no token found after listing")

type datItem struct {
	Token string `json:"token"`
}

// DATManager lists, creates, and deletes short-lived per-device access
// tokens against the management API, authenticating through the shared
// CredentialManager.
type DATManager struct {
	client  *http.Client
	baseURL string
	creds   *CredentialManager
	logger  *slog.Logger
}

// NewDATManager creates a manager sharing creds with its driver.
func NewDATManager(client *http.Client, baseURL string, creds *CredentialManager, logger *slog.Logger) *DATManager {
	return &DATManager{client: client, baseURL: baseURL, creds: creds, logger: logger}
}

func (m *DATManager) datURL(accountID uint64, deviceID string) string {
	return fmt.Sprintf("%s/api/v1/accounts/%d/devices/%s/DAT",
		m.baseURL, accountID, url.PathEscape(deviceID))
}

// ListTokens returns the device's current DATs in the provider's listing
// order (newest last).
func (m *DATManager) ListTokens(ctx context.Context, accountID uint64, deviceID string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.datURL(accountID, deviceID), nil)
	if err != nil {
		return nil, fmt.Errorf("cbw: create DAT list request: %w", err)
	}
	if err := m.creds.AttachAuth(ctx, req); err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cbw: DAT list send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("cbw: read DAT list body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("cbw: DAT list status %d: %s", resp.StatusCode, string(body))
	}

	var items []datItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("cbw: parse DAT list body: %w", err)
	}
	tokens := make([]string, 0, len(items))
	for _, it := range items {
		tokens = append(tokens, it.Token)
	}
	return tokens, nil
}

// CreateToken mints a DAT valid for ttlMinutes. The provider does not
// return the token in the create response; callers must list again.
func (m *DATManager) CreateToken(ctx context.Context, accountID uint64, deviceID string, ttlMinutes int) error {
	form := url.Values{"minutesValid": {strconv.Itoa(ttlMinutes)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.datURL(accountID, deviceID),
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("cbw: create DAT create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := m.creds.AttachAuth(ctx, req); err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("cbw: DAT create send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("cbw: DAT create status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// DeleteToken removes a specific DAT.
func (m *DATManager) DeleteToken(ctx context.Context, accountID uint64, deviceID, dat string) error {
	u := m.datURL(accountID, deviceID) + "/" + url.PathEscape(dat)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return fmt.Errorf("cbw: create DAT delete request: %w", err)
	}
	if err := m.creds.AttachAuth(ctx, req); err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("cbw: DAT delete send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("cbw: DAT delete status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// EnsureToken returns a usable DAT for (account, device) and whether this
// call minted it. Existing tokens are reused opportunistically — the
// most-recently-listed one — without refresh or rotation. When none exist,
// one is created and the listing is repeated to observe it.
func (m *DATManager) EnsureToken(ctx context.Context, accountID uint64, deviceID string, ttlMinutes int) (string, bool, error) {
	before, err := m.ListTokens(ctx, accountID, deviceID)
	if err != nil {
		return "", false, err
	}
	if len(before) > 0 {
		return before[len(before)-1], false, nil
	}

	if err := m.CreateToken(ctx, accountID, deviceID, ttlMinutes); err != nil {
		return "", false, err
	}
	after, err := m.ListTokens(ctx, accountID, deviceID)
	if err != nil {
		return "", false, err
	}
	if len(after) == 0 {
		return "", false, ErrTokenNotVisible
	}
	return after[len(after)-1], true, nil
}

// WithDeviceAccess acquires a DAT, invokes op with it, and deletes the
// token afterward if and only if this call created it — regardless of
// whether op succeeded. Deletion failure is logged as a warning and does
// not alter op's outcome.
func (m *DATManager) WithDeviceAccess(ctx context.Context, accountID uint64, deviceID string, ttlMinutes int, op func(dat string) error) error {
	dat, created, err := m.EnsureToken(ctx, accountID, deviceID, ttlMinutes)
	if err != nil {
		return err
	}
	opErr := op(dat)
	if created {
		if dErr := m.DeleteToken(ctx, accountID, deviceID, dat); dErr != nil {
			m.logger.Warn("failed to delete ephemeral device token",
				"device_id", deviceID, "error", dErr)
		}
	}
	return opErr
}
