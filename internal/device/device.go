// Package device defines the driver abstraction between run orchestration
// and relay-controller hardware. Concrete backends are selected by
// configuration at process start, never by runtime type inspection.
package device

import (
	"context"
	"log/slog"

	"github.com/firelinehq/fireline/internal/model"
)

// Driver applies commands to the physical installation.
type Driver interface {
	// Apply translates cmd into relay actuation for the installation and
	// reconciles observed state against the plan.
	Apply(ctx context.Context, installationID string, cmd model.Command) (model.CommandResult, error)

	// Status acknowledges the installation. Live hardware polling is a
	// non-goal of the current design.
	Status(ctx context.Context, installationID string) (map[string]any, error)
}

// NoopDriver logs every command and reports success. Used for dry
// deployments and tests.
type NoopDriver struct {
	Logger *slog.Logger
}

func (d *NoopDriver) Apply(_ context.Context, installationID string, cmd model.Command) (model.CommandResult, error) {
	if d.Logger != nil {
		d.Logger.Info("noop driver apply", "installation_id", installationID, "command", cmd)
	}
	return model.CommandResult{OK: true, Message: "applied " + string(cmd)}, nil
}

func (d *NoopDriver) Status(_ context.Context, installationID string) (map[string]any, error) {
	return map[string]any{"ok": true, "installation_id": installationID}, nil
}
