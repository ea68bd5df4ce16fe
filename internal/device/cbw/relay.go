package cbw

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/firelinehq/fireline/internal/model"
)

// DefaultRelayUniverse is the canonical relay layout: the x21 expansion
// board exposes relays 1-4 and the x19 controller exposes 1-8 and 11-16
// (9 and 10 are not populated on this hardware).
var DefaultRelayUniverse = []string{
	"x21Relay1", "x21Relay2", "x21Relay3", "x21Relay4",
	"x19Relay1", "x19Relay2", "x19Relay3", "x19Relay4",
	"x19Relay5", "x19Relay6", "x19Relay7", "x19Relay8",
	"x19Relay11", "x19Relay12", "x19Relay13", "x19Relay14",
	"x19Relay15", "x19Relay16",
}

// RelayPlan is the desired on/off partition of the relay universe for one
// command. On and Off are disjoint and together cover the universe.
type RelayPlan struct {
	On  []string
	Off []string
}

// Mismatch records one relay whose observed state differs from the plan.
// Observed is nil when the relay was absent from the device response.
type Mismatch struct {
	Relay    string `json:"relay"`
	Wanted   bool   `json:"wanted"`
	Observed *bool  `json:"observed"`
}

// Planner maps commands onto the relay universe. The universe is injected
// at construction so deployments with different hardware layouts can
// override it without a rebuild.
type Planner struct {
	universe []string
	prefixes []string
	inSet    map[string]bool
}

// NewPlanner creates a planner over universe; an empty universe uses
// DefaultRelayUniverse.
func NewPlanner(universe []string) *Planner {
	if len(universe) == 0 {
		universe = DefaultRelayUniverse
	}
	p := &Planner{
		universe: append([]string(nil), universe...),
		inSet:    make(map[string]bool, len(universe)),
	}
	seen := make(map[string]bool)
	for _, key := range p.universe {
		p.inSet[key] = true
		if pre := relayPrefix(key); pre != "" && !seen[pre] {
			seen[pre] = true
			p.prefixes = append(p.prefixes, pre)
		}
	}
	return p
}

// relayPrefix strips the trailing digits off a relay key ("x19Relay4" →
// "x19Relay").
func relayPrefix(key string) string {
	i := len(key)
	for i > 0 && key[i-1] >= '0' && key[i-1] <= '9' {
		i--
	}
	if i == len(key) {
		return ""
	}
	return key[:i]
}

// onRelays is the static command → ON-subset table. The installation is
// reserved for future per-site policy and does not affect the mapping yet.
func onRelays(cmd model.Command) []string {
	switch cmd {
	case model.CommandArmSensors:
		return []string{"x21Relay1"}
	case model.CommandEnablePumpsLow:
		return []string{"x21Relay3", "x19Relay4"}
	case model.CommandEnablePumpsHigh:
		return []string{"x21Relay3", "x19Relay4", "x19Relay5", "x19Relay6"}
	case model.CommandOpenValvesPriority:
		return []string{"x19Relay11", "x19Relay12"}
	case model.CommandOpenValvesAll:
		return []string{"x19Relay11", "x19Relay12", "x19Relay13",
			"x19Relay14", "x19Relay15", "x19Relay16"}
	case model.CommandLockdown:
		return nil // sentinel: entire universe, handled in Plan
	default:
		return []string{} // Monitor, StagePumps, Noop, unmapped: everything off
	}
}

// Plan returns the relay partition for cmd. Every relay not explicitly ON
// is OFF; Lockdown turns on the entire universe.
func (p *Planner) Plan(_ string, cmd model.Command) RelayPlan {
	if cmd == model.CommandLockdown {
		return RelayPlan{On: append([]string(nil), p.universe...), Off: []string{}}
	}
	onSet := make(map[string]bool)
	for _, k := range onRelays(cmd) {
		if p.inSet[k] {
			onSet[k] = true
		}
	}
	plan := RelayPlan{On: make([]string, 0, len(onSet)), Off: make([]string, 0, len(p.universe))}
	for _, k := range p.universe {
		if onSet[k] {
			plan.On = append(plan.On, k)
		} else {
			plan.Off = append(plan.Off, k)
		}
	}
	return plan
}

// Expected flattens a plan into the relay → wanted-state map used for
// mismatch detection.
func (p *Planner) Expected(plan RelayPlan) map[string]bool {
	expected := make(map[string]bool, len(plan.On)+len(plan.Off))
	for _, k := range plan.On {
		expected[k] = true
	}
	for _, k := range plan.Off {
		expected[k] = false
	}
	return expected
}

// ParseStateMap extracts relay states from a device response body: a flat
// JSON object whose relay-prefixed keys carry the observed state. A value
// is ON when it is boolean true, numeric 1, or a string whose token before
// the first space or '@' is "1" or "true". Any other value shape for a
// relay key is silently skipped.
func (p *Planner) ParseStateMap(body []byte) map[string]bool {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return map[string]bool{}
	}
	states := make(map[string]bool)
	for key, val := range raw {
		if !p.isRelayKey(key) {
			continue
		}
		if on, ok := parseRelayValue(val); ok {
			states[key] = on
		}
	}
	return states
}

func (p *Planner) isRelayKey(key string) bool {
	for _, pre := range p.prefixes {
		if strings.HasPrefix(key, pre) {
			return true
		}
	}
	return false
}

func parseRelayValue(raw json.RawMessage) (on, ok bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n == 1, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		tok := s
		if i := strings.IndexAny(s, " @"); i >= 0 {
			tok = s[:i]
		}
		return tok == "1" || tok == "true", true
	}
	return false, false
}

// Mismatches flags every relay in expected that is absent from actual or
// observed in the wrong state.
func Mismatches(expected, actual map[string]bool) []Mismatch {
	var diffs []Mismatch
	for _, relay := range sortedKeys(expected) {
		wanted := expected[relay]
		observed, present := actual[relay]
		if !present {
			diffs = append(diffs, Mismatch{Relay: relay, Wanted: wanted})
			continue
		}
		if observed != wanted {
			o := observed
			diffs = append(diffs, Mismatch{Relay: relay, Wanted: wanted, Observed: &o})
		}
	}
	return diffs
}

// sortedKeys keeps mismatch output deterministic for logs and tests.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
