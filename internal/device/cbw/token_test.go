package cbw_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firelinehq/fireline/internal/device/cbw"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// authServer fakes the management token endpoint. It records grants per
// type and can be told to fail refresh or password grants.
type authServer struct {
	passwordGrants atomic.Int64
	refreshGrants  atomic.Int64
	failRefresh    atomic.Bool
	failPassword   atomic.Bool
	expiresIn      int64
}

func (a *authServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		expiresIn := a.expiresIn
		if expiresIn == 0 {
			expiresIn = 3600
		}
		switch r.PostFormValue("grant_type") {
		case "password":
			n := a.passwordGrants.Add(1)
			if a.failPassword.Load() {
				http.Error(w, "bad credentials", http.StatusUnauthorized)
				return
			}
			fmt.Fprintf(w, `{"access_token":"at-%d","refresh_token":"rt-%d","expires_in":%d}`, n, n, expiresIn)
		case "refresh_token":
			n := a.refreshGrants.Add(1)
			if a.failRefresh.Load() {
				http.Error(w, "refresh rejected", http.StatusBadRequest)
				return
			}
			fmt.Fprintf(w, `{"access_token":"at-refreshed-%d","expires_in":%d}`, n, expiresIn)
		default:
			http.Error(w, "unknown grant", http.StatusBadRequest)
		}
	}
}

func TestEnsureToken_CachesUntilMargin(t *testing.T) {
	auth := &authServer{}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	m := cbw.NewCredentialManager(srv.Client(), srv.URL, "user", "pass", testLogger())

	tok, err := m.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)

	// Second call serves from cache: no further grants.
	tok, err = m.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, int64(1), auth.passwordGrants.Load())
	assert.Equal(t, int64(0), auth.refreshGrants.Load())
}

func TestEnsureToken_RefreshWithinMargin(t *testing.T) {
	// A 30s lifetime is inside the 60s safety margin, so the cached token
	// is immediately stale and the next call must re-grant via refresh.
	auth := &authServer{expiresIn: 30}
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	m := cbw.NewCredentialManager(srv.Client(), srv.URL, "user", "pass", testLogger())

	tok, err := m.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)

	tok, err = m.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed-1", tok)
	assert.Equal(t, int64(1), auth.passwordGrants.Load())
	assert.Equal(t, int64(1), auth.refreshGrants.Load())
}

func TestEnsureToken_RefreshFailureFallsThroughToPassword(t *testing.T) {
	auth := &authServer{expiresIn: 30}
	auth.failRefresh.Store(true)
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	m := cbw.NewCredentialManager(srv.Client(), srv.URL, "user", "pass", testLogger())

	_, err := m.EnsureToken(context.Background())
	require.NoError(t, err)

	tok, err := m.EnsureToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok, "refresh failure must fall through to a password grant")
	assert.Equal(t, int64(2), auth.passwordGrants.Load())
	assert.Equal(t, int64(1), auth.refreshGrants.Load())
}

func TestEnsureToken_PasswordFailureIsFatal(t *testing.T) {
	auth := &authServer{}
	auth.failPassword.Store(true)
	srv := httptest.NewServer(auth.handler())
	defer srv.Close()

	m := cbw.NewCredentialManager(srv.Client(), srv.URL, "user", "pass", testLogger())

	_, err := m.EnsureToken(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "password grant")
}

func TestEnsureToken_MalformedBodyIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html>not json</html>")
	}))
	defer srv.Close()

	m := cbw.NewCredentialManager(srv.Client(), srv.URL, "user", "pass", testLogger())
	_, err := m.EnsureToken(context.Background())
	require.Error(t, err)
}
