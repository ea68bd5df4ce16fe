// Package runner owns the run lifecycle: one background goroutine per run,
// cooperative cancellation polled at step boundaries, every transition
// persisted through the run store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/firelinehq/fireline/internal/enact"
	"github.com/firelinehq/fireline/internal/model"
	"github.com/firelinehq/fireline/internal/storage"
	"github.com/firelinehq/fireline/internal/telemetry"
)

// Orchestrator creates runs, executes them in the background, and serves
// reads and cancel requests against the same store.
type Orchestrator struct {
	store   storage.RunStore
	enactor enact.Enactor
	clock   storage.Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	runsStarted  otelmetric.Int64Counter
	runsFinished otelmetric.Int64Counter

	seq atomic.Uint64
	wg  sync.WaitGroup

	// base outlives the creating request so a client disconnect never
	// aborts a run already accepted.
	base context.Context
}

// New builds an orchestrator, seeding the run-id sequence from the store so
// ids stay unique across restarts.
func New(ctx context.Context, store storage.RunStore, enactor enact.Enactor, clock storage.Clock, logger *slog.Logger) (*Orchestrator, error) {
	last, err := store.LastRunSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("runner: seed run sequence: %w", err)
	}
	o := &Orchestrator{
		store:   store,
		enactor: enactor,
		clock:   clock,
		logger:  logger,
		tracer:  telemetry.Tracer("fireline/runner"),
		base:    context.WithoutCancel(ctx),
	}
	o.seq.Store(last)

	meter := telemetry.Meter("fireline/runner")
	o.runsStarted, _ = meter.Int64Counter("fireline.runs.started")
	o.runsFinished, _ = meter.Int64Counter("fireline.runs.finished")
	return o, nil
}

// StartRun persists a Starting record and launches the background
// execution. It returns as soon as the record is durable; the caller never
// waits on device traffic.
func (o *Orchestrator) StartRun(ctx context.Context, installationID string, policy model.Policy, dryRun bool) (model.RunRecord, error) {
	seq := o.seq.Add(1)
	now := o.clock()
	rec := model.RunRecord{
		RunID:          fmt.Sprintf("r_%016x", seq),
		Seq:            seq,
		InstallationID: installationID,
		Policy:         policy,
		Level:          policy.Level(),
		Actions:        policy.Actions(),
		DryRun:         dryRun,
		Status:         model.RunStatusStarting,
		StartedAtMS:    now,
		UpdatedAtMS:    now,
	}
	if err := o.store.CreateRun(ctx, rec); err != nil {
		return model.RunRecord{}, fmt.Errorf("runner: create run: %w", err)
	}

	if o.runsStarted != nil {
		o.runsStarted.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("policy", string(policy)),
			attribute.Bool("dry_run", dryRun),
		))
	}
	o.logger.Info("run started",
		"run_id", rec.RunID, "installation_id", installationID,
		"policy", policy, "dry_run", dryRun)

	o.wg.Add(1)
	go o.execute(rec.RunID, installationID, policy, dryRun)
	return rec, nil
}

// GetRun returns the current run record.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	return o.store.GetRun(ctx, runID)
}

// Cancel requests cooperative cancellation. The background goroutine
// observes the flag at its next step boundary; a terminal run surfaces
// storage.ErrRunFinished.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (model.RunRecord, error) {
	rec, err := o.store.RequestCancel(ctx, runID)
	if err != nil {
		return model.RunRecord{}, err
	}
	o.logger.Info("run cancel requested", "run_id", runID)
	return rec, nil
}

// Wait blocks until every in-flight run goroutine has finished. Called
// during graceful shutdown after the listener stops accepting requests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) execute(runID, installationID string, policy model.Policy, dryRun bool) {
	defer o.wg.Done()

	ctx, span := o.tracer.Start(o.base, "run.execute", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.String("policy", string(policy)),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()

	if _, err := o.store.SetStatus(ctx, runID, model.RunStatusRunning, nil); err != nil {
		// A cancel that lands before the first transition moves the run to
		// Canceling; honor it without executing anything.
		if errors.Is(err, storage.ErrInvalidTransition) {
			o.finalize(ctx, runID, model.RunStatusCanceled, nil)
			return
		}
		o.logger.Error("run could not start", "run_id", runID, "error", err)
		return
	}

	gate := func() bool {
		requested, err := o.store.CancelRequested(ctx, runID)
		return err == nil && requested
	}

	report, err := o.enactor.Enact(ctx, installationID, policy, dryRun, gate)
	switch {
	case errors.Is(err, enact.ErrCanceled):
		o.logger.Info("run canceled", "run_id", runID, "steps_done", len(report.Steps))
		o.finalize(ctx, runID, model.RunStatusCanceled, report.Steps)
	case err != nil:
		o.logger.Error("enactor error", "run_id", runID, "error", err)
		o.finalize(ctx, runID, model.RunStatusFailed, report.Steps)
	case report.OK:
		o.logger.Info("run succeeded", "run_id", runID)
		o.finalize(ctx, runID, model.RunStatusSucceeded, report.Steps)
	default:
		o.logger.Error("run failed", "run_id", runID, "steps", report.Steps)
		o.finalize(ctx, runID, model.RunStatusFailed, report.Steps)
	}
}

// finalize persists the terminal status. A cancel can race the last step:
// the run is already in Canceling when a Succeeded or Failed transition
// arrives, which the state machine rejects, so the run lands on Canceled
// with its completed steps intact.
func (o *Orchestrator) finalize(ctx context.Context, runID string, status model.RunStatus, steps []model.StepResult) {
	_, err := o.store.SetStatus(ctx, runID, status, steps)
	if errors.Is(err, storage.ErrInvalidTransition) && status != model.RunStatusCanceled {
		status = model.RunStatusCanceled
		_, err = o.store.SetStatus(ctx, runID, status, steps)
	}
	if err != nil {
		o.logger.Error("run finalize failed", "run_id", runID, "status", status, "error", err)
		return
	}
	if o.runsFinished != nil {
		o.runsFinished.Add(ctx, 1, otelmetric.WithAttributes(
			attribute.String("status", string(status)),
		))
	}
}
