// Package enact expands a suppression policy into its ordered command
// sequence and drives each command through the device layer.
package enact

import (
	"context"
	"errors"
	"log/slog"

	"github.com/firelinehq/fireline/internal/device"
	"github.com/firelinehq/fireline/internal/model"
)

// ErrCanceled is returned when a gate stops enactment between steps. The
// report accompanying it holds every step that completed before the stop.
var ErrCanceled = errors.New("enact: canceled at step boundary")

// Gate is polled before each step; returning true stops enactment there.
// Gates are never consulted mid-step: an in-flight device call always
// finishes. A nil gate never stops.
type Gate func() bool

// Report is the outcome of one enactment. OK is false as soon as any live
// step fails; the failing step is the last one recorded.
type Report struct {
	Policy model.Policy       `json:"policy"`
	Steps  []model.StepResult `json:"steps"`
	OK     bool               `json:"ok"`
}

// Enactor executes a policy's command list against one installation.
type Enactor interface {
	Enact(ctx context.Context, installationID string, policy model.Policy, dryRun bool, gate Gate) (Report, error)
}

// SimpleEnactor maps policy actions to device commands one-to-one and
// applies them sequentially through a single Driver.
type SimpleEnactor struct {
	driver device.Driver
	logger *slog.Logger
}

func NewSimpleEnactor(driver device.Driver, logger *slog.Logger) *SimpleEnactor {
	return &SimpleEnactor{driver: driver, logger: logger}
}

// Enact runs the policy's actions in order. Dry runs record every step as
// successful without touching the driver. In live mode the first failing
// step aborts the remainder and flips the report's OK to false; driver
// errors are recorded as the failing step's message rather than propagated.
func (e *SimpleEnactor) Enact(ctx context.Context, installationID string, policy model.Policy, dryRun bool, gate Gate) (Report, error) {
	report := Report{Policy: policy, OK: true}
	for _, action := range policy.Actions() {
		if gate != nil && gate() {
			return report, ErrCanceled
		}
		cmd := model.CommandFromAction(action)
		if dryRun {
			report.Steps = append(report.Steps, model.StepResult{
				Name: string(cmd), OK: true, Message: "dry_run",
			})
			continue
		}

		res, err := e.driver.Apply(ctx, installationID, cmd)
		if err != nil {
			e.logger.Error("step failed",
				"installation_id", installationID, "command", cmd, "error", err)
			report.OK = false
			report.Steps = append(report.Steps, model.StepResult{
				Name: string(cmd), OK: false, Message: err.Error(),
			})
			return report, nil
		}
		report.Steps = append(report.Steps, model.StepResult{
			Name: string(cmd), OK: res.OK, Message: res.Message,
		})
		if !res.OK {
			report.OK = false
			return report, nil
		}
	}
	return report, nil
}
