// Package model defines the core domain types for fireline: policies,
// device commands, and the run lifecycle. Types here are pure data — no
// I/O, no locking — so every other package can depend on them.
package model

import "encoding/json"

// Policy is the five-level suppression posture scale. Unrecognized values
// decode to PolicyUnknown rather than failing, so new postures can roll
// out to clients before servers understand them.
type Policy string

const (
	PolicyObserve  Policy = "observe"  // L1
	PolicyPrepare  Policy = "prepare"  // L2
	PolicyDefend   Policy = "defend"   // L3
	PolicyContain  Policy = "contain"  // L4
	PolicySuppress Policy = "suppress" // L5
	PolicyUnknown  Policy = "unknown"
)

// Policies lists the recognized postures in severity order. PolicyUnknown
// is deliberately excluded — it is a catch-all, not a selectable posture.
func Policies() []Policy {
	return []Policy{PolicyObserve, PolicyPrepare, PolicyDefend, PolicyContain, PolicySuppress}
}

// ParsePolicy maps a textual policy name to a Policy, returning
// PolicyUnknown for anything unrecognized.
func ParsePolicy(s string) Policy {
	switch Policy(s) {
	case PolicyObserve, PolicyPrepare, PolicyDefend, PolicyContain, PolicySuppress:
		return Policy(s)
	default:
		return PolicyUnknown
	}
}

// UnmarshalJSON decodes a policy name, degrading to PolicyUnknown on any
// unrecognized string.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*p = ParsePolicy(s)
	return nil
}

// Level returns the severity level (1-5); PolicyUnknown is 0.
func (p Policy) Level() int {
	switch p {
	case PolicyObserve:
		return 1
	case PolicyPrepare:
		return 2
	case PolicyDefend:
		return 3
	case PolicyContain:
		return 4
	case PolicySuppress:
		return 5
	default:
		return 0
	}
}

// Summary returns the human description shown in the policy catalog.
func (p Policy) Summary() string {
	switch p {
	case PolicyObserve:
		return "Monitor conditions; no active defenses."
	case PolicyPrepare:
		return "Arm sensors; stage equipment."
	case PolicyDefend:
		return "Activate low-intensity defenses."
	case PolicyContain:
		return "High-intensity defenses; prioritize containment."
	case PolicySuppress:
		return "Maximum response; all systems engaged."
	default:
		return "Unrecognized policy."
	}
}

// Actions returns the ordered action list enacted for the policy. Order is
// significant: steps execute exactly in this sequence and the first live
// failure aborts the remainder.
func (p Policy) Actions() []string {
	switch p {
	case PolicyObserve:
		return []string{"monitor"}
	case PolicyPrepare:
		return []string{"arm_sensors", "stage_pumps"}
	case PolicyDefend:
		return []string{"arm_sensors", "enable_pumps_low"}
	case PolicyContain:
		return []string{"arm_sensors", "enable_pumps_high", "open_valves_priority"}
	case PolicySuppress:
		return []string{"arm_sensors", "enable_pumps_high", "open_valves_all", "lockdown"}
	default:
		return []string{"noop"}
	}
}
