package cbw_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firelinehq/fireline/internal/device/cbw"
	"github.com/firelinehq/fireline/internal/model"
)

// deviceFixture serves the management API plus the device's customState
// endpoint from one httptest server. misreport lists relays the device
// echoes back flipped on the batch call, forcing the per-relay fallback.
type deviceFixture struct {
	mu          sync.Mutex
	dat         string
	deviceCalls []string // raw queries, in order
	deleted     bool
	misreport   map[string]bool
	deviceFail  int // when non-zero, every device call returns this status
}

func newDeviceFixture(t *testing.T) (*deviceFixture, *cbw.Driver) {
	t.Helper()
	f := &deviceFixture{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"access_token":"mgmt-token","expires_in":3600}`)
	})
	mux.HandleFunc("GET /api/v1/accounts/42/devices/tank-a/DAT", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.dat == "" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, `[{"token":%q}]`, f.dat)
	})
	mux.HandleFunc("POST /api/v1/accounts/42/devices/tank-a/DAT", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.dat = "dat-ephemeral"
		f.mu.Unlock()
		fmt.Fprint(w, `{"message":"success"}`)
	})
	mux.HandleFunc("DELETE /api/v1/accounts/42/devices/tank-a/DAT/{dat}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.deleted = r.PathValue("dat") == "dat-ephemeral"
		f.mu.Unlock()
		fmt.Fprint(w, `{"message":"success"}`)
	})
	mux.HandleFunc("GET /DAT/{dat}/customState.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "dat-ephemeral", r.PathValue("dat"))
		f.mu.Lock()
		defer f.mu.Unlock()
		f.deviceCalls = append(f.deviceCalls, r.URL.RawQuery)
		if f.deviceFail != 0 {
			http.Error(w, "device offline", f.deviceFail)
			return
		}
		// Echo the requested state back, flipping any misreported relay.
		parts := make([]string, 0, len(r.URL.Query()))
		for key, vals := range r.URL.Query() {
			val := vals[0]
			if f.misreport[key] {
				if val == "1" {
					val = "0"
				} else {
					val = "1"
				}
			}
			parts = append(parts, fmt.Sprintf("%q:%s", key, val))
		}
		fmt.Fprintf(w, "{%s}", strings.Join(parts, ","))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := cbw.Config{
		BaseURL:    srv.URL,
		DATBaseURL: srv.URL,
		Username:   "user",
		Password:   "pass",
	}
	resolver := cbw.NewStaticResolver(map[string]cbw.AccountBinding{
		"inst-1": {AccountID: 42, DeviceID: "tank-a"},
	}, 0, "")
	driver, err := cbw.NewDriver(cfg, resolver, cbw.NewPlanner(nil), testLogger())
	require.NoError(t, err)
	return f, driver
}

func mustParseQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	q, err := url.ParseQuery(raw)
	require.NoError(t, err)
	return q
}

func TestDriverApply_BatchMatches(t *testing.T) {
	f, driver := newDeviceFixture(t)

	res, err := driver.Apply(context.Background(), "inst-1", model.CommandEnablePumpsLow)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "relays updated (batch)", res.Message)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.deviceCalls, 1, "a clean batch needs no fallback calls")
	assert.True(t, f.deleted, "the minted DAT is cleaned up after the apply")

	q := mustParseQuery(t, f.deviceCalls[0])
	assert.Equal(t, "1", q.Get("x21Relay3"))
	assert.Equal(t, "1", q.Get("x19Relay4"))
	assert.Equal(t, "0", q.Get("x21Relay1"))
	assert.Len(t, q, len(cbw.DefaultRelayUniverse), "every universe relay appears exactly once")
}

func TestDriverApply_FallbackFixesMismatch(t *testing.T) {
	f, driver := newDeviceFixture(t)
	f.misreport = map[string]bool{"x19Relay4": true}

	res, err := driver.Apply(context.Background(), "inst-1", model.CommandEnablePumpsLow)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "relays updated (fallback ok, 1 fixed)", res.Message)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.deviceCalls, 2, "batch plus one per-relay correction")
	q := mustParseQuery(t, f.deviceCalls[1])
	assert.Equal(t, "1", q.Get("x19Relay4"))
	assert.Len(t, q, 1, "the fallback call touches only the mismatched relay")
}

func TestDriverApply_DeviceErrorIsHard(t *testing.T) {
	f, driver := newDeviceFixture(t)
	f.deviceFail = http.StatusBadGateway

	_, err := driver.Apply(context.Background(), "inst-1", model.CommandArmSensors)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device error via DAT: status=502")

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.deviceCalls, 1, "a rejected batch is never retried per-relay")
	assert.True(t, f.deleted, "cleanup runs even when the apply fails")
}

func TestDriverApply_UnknownInstallation(t *testing.T) {
	_, driver := newDeviceFixture(t)

	_, err := driver.Apply(context.Background(), "inst-unbound", model.CommandLockdown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no account/device binding")
}

func TestDriverStatus(t *testing.T) {
	_, driver := newDeviceFixture(t)

	got, err := driver.Status(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", got["installation_id"])

	_, err = driver.Status(context.Background(), "inst-unbound")
	assert.Error(t, err)
}
