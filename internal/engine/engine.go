// Package engine holds the pure policy evaluation used for previews. It
// has no side effects and touches neither storage nor devices.
package engine

import "github.com/firelinehq/fireline/internal/model"

// Evaluation is a planning preview: what enacting the policy would do,
// without doing it.
type Evaluation struct {
	OK             bool         `json:"ok"`
	InstallationID string       `json:"installation_id"`
	Policy         model.Policy `json:"policy"`
	Level          int          `json:"level"`
	Actions        []string     `json:"actions"`
	DryRun         bool         `json:"dry_run"`
}

type Engine struct{}

func New() *Engine {
	return &Engine{}
}

// Evaluate expands the policy into its level and ordered action list.
func (e *Engine) Evaluate(installationID string, policy model.Policy, dryRun bool) Evaluation {
	return Evaluation{
		OK:             true,
		InstallationID: installationID,
		Policy:         policy,
		Level:          policy.Level(),
		Actions:        policy.Actions(),
		DryRun:         dryRun,
	}
}
