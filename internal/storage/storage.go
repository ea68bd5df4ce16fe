// Package storage holds the run table and idempotency records. The default
// implementation is in-memory; a sqlite-backed implementation provides
// durability behind the same two interfaces, so an external store is a
// drop-in replacement.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/firelinehq/fireline/internal/model"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrRunFinished is returned when a mutation targets a run already in
	// a terminal state.
	ErrRunFinished = errors.New("storage: run already finished")
	// ErrInvalidTransition is returned when a status change violates the
	// run state machine.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
	// ErrIdempotencyPayloadMismatch is returned when an idempotency key is
	// reused with a different body fingerprint.
	ErrIdempotencyPayloadMismatch = errors.New("storage: idempotency key reused with different payload")
)

// Clock returns the current time in milliseconds since the Unix epoch.
// Injected so stores produce deterministic timestamps in tests.
type Clock func() int64

// WallClock is the production Clock.
func WallClock() int64 { return time.Now().UnixMilli() }

// RunStore owns the run table. The run orchestrator is the only caller of
// SetStatus; cancel handlers use RequestCancel.
type RunStore interface {
	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, run model.RunRecord) error

	// GetRun returns a copy of the run, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (model.RunRecord, error)

	// SetStatus transitions the run to status, updating UpdatedAtMS and,
	// when steps is non-nil, recording the step breakdown. Returns
	// ErrInvalidTransition if the state machine forbids the move and
	// ErrRunFinished if the run is already terminal.
	SetStatus(ctx context.Context, runID string, status model.RunStatus, steps []model.StepResult) (model.RunRecord, error)

	// RequestCancel marks the run for cooperative cancellation. Runs in
	// Starting or Running move to Canceling immediately; terminal runs
	// return ErrRunFinished.
	RequestCancel(ctx context.Context, runID string) (model.RunRecord, error)

	// CancelRequested reports whether cancellation has been requested.
	CancelRequested(ctx context.Context, runID string) (bool, error)

	// LastRunSeq returns the highest assigned run sequence number, used to
	// seed the orchestrator's counter after a restart.
	LastRunSeq(ctx context.Context) (uint64, error)
}

// IdemRecord is a cached run-creation response keyed by scope key.
type IdemRecord struct {
	RunID       string          `json:"run_id"`
	Fingerprint uint64          `json:"fingerprint"`
	Response    json.RawMessage `json:"response"`
	CreatedAtMS int64           `json:"created_at_ms"`
}

// IdempotencyStore deduplicates run-creation requests by content
// fingerprint.
type IdempotencyStore interface {
	// GetIdempotency returns the record for scopeKey, or ErrNotFound.
	GetIdempotency(ctx context.Context, scopeKey string) (IdemRecord, error)

	// PutIdempotency stores a record. The first writer wins; callers check
	// GetIdempotency before creating side effects.
	PutIdempotency(ctx context.Context, scopeKey string, rec IdemRecord) error
}

// ScopeKey joins the installation id and the client-supplied idempotency
// key so keys are unique per installation.
func ScopeKey(installationID, key string) string {
	return installationID + "::" + key
}
