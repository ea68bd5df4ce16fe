package storage_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firelinehq/fireline/internal/model"
	"github.com/firelinehq/fireline/internal/storage"
)

// store is the union of the two interfaces both implementations satisfy.
type store interface {
	storage.RunStore
	storage.IdempotencyStore
}

// forEachStore runs fn against the memory and sqlite implementations so
// both stay behaviorally identical.
func forEachStore(t *testing.T, fn func(t *testing.T, s store)) {
	t.Helper()

	var nowMS int64 = 1000
	clock := func() int64 { nowMS += 10; return nowMS }

	t.Run("memory", func(t *testing.T) {
		fn(t, storage.NewMemoryStore(clock))
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := storage.OpenSQLite(context.Background(),
			filepath.Join(t.TempDir(), "fireline.db"), clock)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func newRun(id string, seq uint64) model.RunRecord {
	return model.RunRecord{
		RunID:          id,
		Seq:            seq,
		InstallationID: "house-1",
		Policy:         model.PolicyDefend,
		Level:          3,
		Actions:        model.PolicyDefend.Actions(),
		Status:         model.RunStatusStarting,
		StartedAtMS:    1000,
		UpdatedAtMS:    1000,
	}
}

func TestRunLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRun(ctx, newRun("r_1", 1)))

		got, err := s.GetRun(ctx, "r_1")
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusStarting, got.Status)
		assert.Equal(t, []string{"arm_sensors", "enable_pumps_low"}, got.Actions)

		run, err := s.SetStatus(ctx, "r_1", model.RunStatusRunning, nil)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, run.Status)
		assert.Greater(t, run.UpdatedAtMS, got.UpdatedAtMS)

		steps := []model.StepResult{{Name: "arm_sensors", OK: true, Message: "dry_run"}}
		run, err = s.SetStatus(ctx, "r_1", model.RunStatusSucceeded, steps)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusSucceeded, run.Status)
		assert.Equal(t, steps, run.Steps)

		// Terminal runs reject further mutation.
		_, err = s.SetStatus(ctx, "r_1", model.RunStatusFailed, nil)
		assert.ErrorIs(t, err, storage.ErrRunFinished)
		_, err = s.RequestCancel(ctx, "r_1")
		assert.ErrorIs(t, err, storage.ErrRunFinished)
	})
}

func TestSetStatus_InvalidTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRun(ctx, newRun("r_1", 1)))

		_, err := s.SetStatus(ctx, "r_1", model.RunStatusSucceeded, nil)
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)

		// Canceling only resolves to Canceled.
		_, err = s.RequestCancel(ctx, "r_1")
		require.NoError(t, err)
		_, err = s.SetStatus(ctx, "r_1", model.RunStatusRunning, nil)
		assert.ErrorIs(t, err, storage.ErrInvalidTransition)
		run, err := s.SetStatus(ctx, "r_1", model.RunStatusCanceled, nil)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCanceled, run.Status)
	})
}

func TestRequestCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		require.NoError(t, s.CreateRun(ctx, newRun("r_1", 1)))

		canceled, err := s.CancelRequested(ctx, "r_1")
		require.NoError(t, err)
		assert.False(t, canceled)

		run, err := s.RequestCancel(ctx, "r_1")
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCanceling, run.Status)

		canceled, err = s.CancelRequested(ctx, "r_1")
		require.NoError(t, err)
		assert.True(t, canceled)
	})
}

func TestRunNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		_, err := s.GetRun(ctx, "r_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.RequestCancel(ctx, "r_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.CancelRequested(ctx, "r_missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestLastRunSeq(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		seq, err := s.LastRunSeq(ctx)
		require.NoError(t, err)
		assert.Zero(t, seq)

		require.NoError(t, s.CreateRun(ctx, newRun("r_1", 1)))
		require.NoError(t, s.CreateRun(ctx, newRun("r_7", 7)))
		seq, err = s.LastRunSeq(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), seq)
	})
}

func TestIdempotencyRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store) {
		ctx := context.Background()
		key := storage.ScopeKey("house-1", "abc")

		_, err := s.GetIdempotency(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		rec := storage.IdemRecord{
			RunID:       "r_1",
			Fingerprint: 0xdeadbeefcafe,
			Response:    json.RawMessage(`{"run_id":"r_1"}`),
			CreatedAtMS: 1234,
		}
		require.NoError(t, s.PutIdempotency(ctx, key, rec))

		got, err := s.GetIdempotency(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		// First writer wins.
		other := rec
		other.RunID = "r_2"
		require.NoError(t, s.PutIdempotency(ctx, key, other))
		got, err = s.GetIdempotency(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "r_1", got.RunID)
	})
}

func TestFingerprint(t *testing.T) {
	a := model.StartRunRequest{Policy: model.PolicyDefend, DryRun: true,
		Metadata: map[string]string{"b": "2", "a": "1"}}
	b := model.StartRunRequest{Policy: model.PolicyDefend, DryRun: true,
		Metadata: map[string]string{"a": "1", "b": "2"}}
	c := model.StartRunRequest{Policy: model.PolicyContain, DryRun: true,
		Metadata: map[string]string{"a": "1", "b": "2"}}

	fa, err := storage.Fingerprint(a)
	require.NoError(t, err)
	fb, err := storage.Fingerprint(b)
	require.NoError(t, err)
	fc, err := storage.Fingerprint(c)
	require.NoError(t, err)

	assert.Equal(t, fa, fb, "map key order must not affect the fingerprint")
	assert.NotEqual(t, fa, fc, "different policies must fingerprint differently")
}
