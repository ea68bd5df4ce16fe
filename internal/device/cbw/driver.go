package cbw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/firelinehq/fireline/internal/model"
)

// datTTLMinutes is the validity window requested for ephemeral device
// tokens. One apply never outlives this.
const datTTLMinutes = 5

// relayFailure records one per-relay fallback call that did not correct
// its relay.
type relayFailure struct {
	Relay  string `json:"relay"`
	Wanted bool   `json:"wanted"`
	Status int    `json:"status"`
	Body   string `json:"body"`
}

// Driver is the ControlByWeb device backend. Each instance owns exactly
// one CredentialManager, shared by reference with its DATManager.
type Driver struct {
	client     *http.Client
	datBaseURL string
	creds      *CredentialManager
	dats       *DATManager
	planner    *Planner
	resolver   Resolver
	logger     *slog.Logger
}

// NewDriver wires the driver from its config, resolver, and relay planner.
func NewDriver(cfg Config, resolver Resolver, planner *Planner, logger *slog.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := cfg.HTTPClient()
	creds := NewCredentialManager(client, cfg.tokenURL(), cfg.Username, cfg.Password, logger)
	return &Driver{
		client:     client,
		datBaseURL: cfg.DATBaseURL,
		creds:      creds,
		dats:       NewDATManager(client, cfg.BaseURL, creds, logger),
		planner:    planner,
		resolver:   resolver,
		logger:     logger,
	}, nil
}

// Apply resolves the installation's binding, plans the relay partition,
// and pushes it to the device under a scoped ephemeral token: one batch
// customState call, a verification diff of the response body, and a
// per-relay fallback pass for anything the batch did not take.
func (d *Driver) Apply(ctx context.Context, installationID string, cmd model.Command) (model.CommandResult, error) {
	binding, ok := d.resolver.Resolve(installationID)
	if !ok {
		return model.CommandResult{}, fmt.Errorf("cbw: no account/device binding for installation %s", installationID)
	}
	plan := d.planner.Plan(installationID, cmd)
	d.logger.Debug("relay plan",
		"installation_id", installationID, "command", cmd,
		"on", plan.On, "off", plan.Off)

	var result model.CommandResult
	err := d.dats.WithDeviceAccess(ctx, binding.AccountID, binding.DeviceID, datTTLMinutes,
		func(dat string) error {
			var opErr error
			result, opErr = d.applyPlan(ctx, dat, plan)
			return opErr
		})
	if err != nil {
		return model.CommandResult{}, err
	}
	return result, nil
}

func (d *Driver) applyPlan(ctx context.Context, dat string, plan RelayPlan) (model.CommandResult, error) {
	// Batch attempt: the whole partition in one request.
	batchURL := d.customStateURL(dat, plan)
	status, body, err := d.get(ctx, batchURL)
	if err != nil {
		return model.CommandResult{}, fmt.Errorf("cbw: batch customState request: %w", err)
	}
	if status < 200 || status >= 300 {
		// The device itself is unreachable or rejecting; no fallback.
		return model.CommandResult{}, fmt.Errorf("cbw: device error via DAT: status=%d body=%s", status, body)
	}

	expected := d.planner.Expected(plan)
	actual := d.planner.ParseStateMap([]byte(body))
	diffs := Mismatches(expected, actual)
	if len(diffs) == 0 {
		return model.CommandResult{OK: true, Message: "relays updated (batch)"}, nil
	}

	// Per-relay fallback: each mismatch is corrected independently; one
	// relay's failure does not abort its siblings.
	d.logger.Debug("batch mismatch, falling back to per-relay updates", "mismatches", len(diffs))
	var (
		fixed    int
		failures []relayFailure
	)
	for _, diff := range diffs {
		single := RelayPlan{}
		if diff.Wanted {
			single.On = []string{diff.Relay}
		} else {
			single.Off = []string{diff.Relay}
		}
		st, b, rErr := d.get(ctx, d.customStateURL(dat, single))
		if rErr != nil {
			failures = append(failures, relayFailure{Relay: diff.Relay, Wanted: diff.Wanted, Body: rErr.Error()})
			continue
		}
		if st < 200 || st >= 300 {
			failures = append(failures, relayFailure{Relay: diff.Relay, Wanted: diff.Wanted, Status: st, Body: b})
			continue
		}
		fixed++
	}

	if len(failures) > 0 {
		summary, _ := json.Marshal(failures)
		return model.CommandResult{}, fmt.Errorf("cbw: fallback failed for some relays: %s", summary)
	}
	return model.CommandResult{OK: true, Message: fmt.Sprintf("relays updated (fallback ok, %d fixed)", fixed)}, nil
}

// customStateURL builds the direct-to-device call:
// {datBase}/DAT/{dat}/customState.json?relay=1&...&relay=0...
func (d *Driver) customStateURL(dat string, plan RelayPlan) string {
	q := url.Values{}
	for _, k := range plan.On {
		q.Set(k, "1")
	}
	for _, k := range plan.Off {
		q.Set(k, "0")
	}
	return fmt.Sprintf("%s/DAT/%s/customState.json?%s", d.datBaseURL, url.PathEscape(dat), q.Encode())
}

func (d *Driver) get(ctx context.Context, u string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(body), nil
}

// Status acknowledges the installation without querying hardware.
func (d *Driver) Status(_ context.Context, installationID string) (map[string]any, error) {
	if _, ok := d.resolver.Resolve(installationID); !ok {
		return nil, fmt.Errorf("cbw: no account/device binding for installation %s", installationID)
	}
	return map[string]any{"ok": true, "installation_id": installationID}, nil
}
