package model_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firelinehq/fireline/internal/model"
)

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		in   string
		want model.Policy
	}{
		{"observe", model.PolicyObserve},
		{"prepare", model.PolicyPrepare},
		{"defend", model.PolicyDefend},
		{"contain", model.PolicyContain},
		{"suppress", model.PolicySuppress},
		{"", model.PolicyUnknown},
		{"OBSERVE", model.PolicyUnknown},
		{"evacuate", model.PolicyUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, model.ParsePolicy(tt.in), "input %q", tt.in)
	}
}

func TestPolicyUnmarshalJSON_UnknownDoesNotFail(t *testing.T) {
	var req model.StartRunRequest
	err := json.Unmarshal([]byte(`{"policy":"meltdown","dry_run":true}`), &req)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyUnknown, req.Policy)
	assert.True(t, req.DryRun)
}

func TestPolicyLevels(t *testing.T) {
	for i, p := range model.Policies() {
		assert.Equal(t, i+1, p.Level(), "policy %s", p)
	}
	assert.Equal(t, 0, model.PolicyUnknown.Level())
}

func TestPolicyActions_OrderPreserved(t *testing.T) {
	assert.Equal(t,
		[]string{"arm_sensors", "enable_pumps_high", "open_valves_priority"},
		model.PolicyContain.Actions())
	assert.Equal(t,
		[]string{"arm_sensors", "enable_pumps_high", "open_valves_all", "lockdown"},
		model.PolicySuppress.Actions())
	assert.Equal(t, []string{"noop"}, model.PolicyUnknown.Actions())
}

func TestCommandFromAction(t *testing.T) {
	assert.Equal(t, model.CommandLockdown, model.CommandFromAction("lockdown"))
	assert.Equal(t, model.CommandNoop, model.CommandFromAction("dance"))
	assert.Equal(t, model.CommandNoop, model.CommandFromAction(""))

	// Every action of every policy maps to a non-noop command, except the
	// Unknown policy's noop itself.
	for _, p := range model.Policies() {
		for _, a := range p.Actions() {
			assert.NotEqual(t, model.CommandNoop, model.CommandFromAction(a),
				"policy %s action %s", p, a)
		}
	}
}
