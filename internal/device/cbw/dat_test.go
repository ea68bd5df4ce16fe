package cbw_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firelinehq/fireline/internal/device/cbw"
)

// datServer fakes the management API's auth and DAT endpoints for one
// device at /api/v1/accounts/7/devices/dev-1/DAT.
type datServer struct {
	mu           sync.Mutex
	tokens       []string
	creates      int
	lists        int
	deletes      []string
	dropOnCreate bool // create succeeds but the token never appears
	failDelete   bool
	nextToken    int
}

func newDATServer(t *testing.T, d *datServer) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"mgmt-token","expires_in":3600}`)
	})
	mux.HandleFunc("GET /api/v1/accounts/7/devices/dev-1/DAT", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer mgmt-token", r.Header.Get("Authorization"))
		d.mu.Lock()
		defer d.mu.Unlock()
		d.lists++
		fmt.Fprint(w, "[")
		for i, tok := range d.tokens {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"token":%q}`, tok)
		}
		fmt.Fprint(w, "]")
	})
	mux.HandleFunc("POST /api/v1/accounts/7/devices/dev-1/DAT", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer mgmt-token", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "5", r.PostFormValue("minutesValid"))
		d.mu.Lock()
		defer d.mu.Unlock()
		d.creates++
		if !d.dropOnCreate {
			d.nextToken++
			d.tokens = append(d.tokens, fmt.Sprintf("dat-%d", d.nextToken))
		}
		fmt.Fprint(w, `{"message":"success"}`)
	})
	mux.HandleFunc("DELETE /api/v1/accounts/7/devices/dev-1/DAT/{dat}", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failDelete {
			http.Error(w, "nope", http.StatusInternalServerError)
			return
		}
		d.deletes = append(d.deletes, r.PathValue("dat"))
		fmt.Fprint(w, `{"message":"success"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newDATManager(srv *httptest.Server) *cbw.DATManager {
	creds := cbw.NewCredentialManager(srv.Client(), srv.URL+"/api/v1/auth/token",
		"user", "pass", testLogger())
	return cbw.NewDATManager(srv.Client(), srv.URL, creds, testLogger())
}

func TestEnsureToken_ReusesExisting(t *testing.T) {
	d := &datServer{tokens: []string{"dat-old", "dat-new"}}
	srv := newDATServer(t, d)
	m := newDATManager(srv)

	tok, created, err := m.EnsureToken(context.Background(), 7, "dev-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "dat-new", tok, "the most-recently-listed token is reused")
	assert.False(t, created)
	assert.Equal(t, 0, d.creates, "existing tokens must never trigger a create")
}

func TestEnsureToken_CreatesWhenNoneExist(t *testing.T) {
	d := &datServer{}
	srv := newDATServer(t, d)
	m := newDATManager(srv)

	tok, created, err := m.EnsureToken(context.Background(), 7, "dev-1", 5)
	require.NoError(t, err)
	assert.Equal(t, "dat-1", tok)
	assert.True(t, created)
	assert.Equal(t, 1, d.creates)
	assert.Equal(t, 2, d.lists, "list before and after create")
}

func TestEnsureToken_CreateButNotListed(t *testing.T) {
	d := &datServer{dropOnCreate: true}
	srv := newDATServer(t, d)
	m := newDATManager(srv)

	_, _, err := m.EnsureToken(context.Background(), 7, "dev-1", 5)
	assert.ErrorIs(t, err, cbw.ErrTokenNotVisible)
}

func TestWithDeviceAccess_DeletesOnlyWhenCreated(t *testing.T) {
	t.Run("created token is deleted even when op fails", func(t *testing.T) {
		d := &datServer{}
		srv := newDATServer(t, d)
		m := newDATManager(srv)

		opErr := errors.New("device exploded")
		var got string
		err := m.WithDeviceAccess(context.Background(), 7, "dev-1", 5, func(dat string) error {
			got = dat
			return opErr
		})
		assert.ErrorIs(t, err, opErr, "op outcome passes through unchanged")
		assert.Equal(t, "dat-1", got)
		assert.Equal(t, []string{"dat-1"}, d.deletes)
	})

	t.Run("borrowed token is never deleted", func(t *testing.T) {
		d := &datServer{tokens: []string{"dat-existing"}}
		srv := newDATServer(t, d)
		m := newDATManager(srv)

		err := m.WithDeviceAccess(context.Background(), 7, "dev-1", 5, func(string) error {
			return nil
		})
		require.NoError(t, err)
		assert.Empty(t, d.deletes)
	})

	t.Run("delete failure does not alter op outcome", func(t *testing.T) {
		d := &datServer{failDelete: true}
		srv := newDATServer(t, d)
		m := newDATManager(srv)

		err := m.WithDeviceAccess(context.Background(), 7, "dev-1", 5, func(string) error {
			return nil
		})
		assert.NoError(t, err)
	})
}
