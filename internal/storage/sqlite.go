package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/firelinehq/fireline/internal/model"
)

// SQLiteStore is the durable RunStore and IdempotencyStore. It exists so a
// deployment can survive restarts without changing any caller: the
// interfaces match MemoryStore exactly.
type SQLiteStore struct {
	db    *sql.DB
	clock Clock
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	installation_id TEXT NOT NULL,
	policy TEXT NOT NULL,
	level INTEGER NOT NULL,
	actions TEXT NOT NULL,
	dry_run INTEGER NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('starting','running','succeeded','failed','canceling','canceled')),
	steps TEXT,
	started_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	cancel_requested INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS idempotency (
	scope_key TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	fingerprint INTEGER NOT NULL,
	response TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
`

// OpenSQLite opens (creating if needed) the store at path. A nil clock
// defaults to WallClock.
func OpenSQLite(ctx context.Context, path string, clock Clock) (*SQLiteStore, error) {
	if clock == nil {
		clock = WallClock
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.RunRecord) error {
	actions, err := json.Marshal(run.Actions)
	if err != nil {
		return fmt.Errorf("storage: marshal actions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, seq, installation_id, policy, level, actions, dry_run, status, started_at_ms, updated_at_ms, cancel_requested)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		run.RunID, int64(run.Seq), run.InstallationID, string(run.Policy), run.Level,
		string(actions), boolToInt(run.DryRun), string(run.Status),
		run.StartedAtMS, run.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("storage: insert run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (model.RunRecord, error) {
	return s.scanRun(s.db.QueryRowContext(ctx, `
SELECT run_id, seq, installation_id, policy, level, actions, dry_run, status, steps, started_at_ms, updated_at_ms, cancel_requested
FROM runs WHERE run_id = ?`, runID))
}

func (s *SQLiteStore) SetStatus(ctx context.Context, runID string, status model.RunStatus, steps []model.StepResult) (model.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := s.scanRun(tx.QueryRowContext(ctx, `
SELECT run_id, seq, installation_id, policy, level, actions, dry_run, status, steps, started_at_ms, updated_at_ms, cancel_requested
FROM runs WHERE run_id = ?`, runID))
	if err != nil {
		return model.RunRecord{}, err
	}
	if run.Status.Terminal() {
		return model.RunRecord{}, ErrRunFinished
	}
	if !run.Status.CanTransitionTo(status) {
		return model.RunRecord{}, ErrInvalidTransition
	}

	run.Status = status
	run.UpdatedAtMS = s.clock()
	var stepsJSON any
	if steps != nil {
		run.Steps = steps
		b, mErr := json.Marshal(steps)
		if mErr != nil {
			return model.RunRecord{}, fmt.Errorf("storage: marshal steps: %w", mErr)
		}
		stepsJSON = string(b)
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at_ms = ?, steps = ? WHERE run_id = ?`,
			string(status), run.UpdatedAtMS, stepsJSON, runID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, updated_at_ms = ? WHERE run_id = ?`,
			string(status), run.UpdatedAtMS, runID)
	}
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: commit: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, runID string) (model.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := s.scanRun(tx.QueryRowContext(ctx, `
SELECT run_id, seq, installation_id, policy, level, actions, dry_run, status, steps, started_at_ms, updated_at_ms, cancel_requested
FROM runs WHERE run_id = ?`, runID))
	if err != nil {
		return model.RunRecord{}, err
	}
	if run.Status.Terminal() {
		return model.RunRecord{}, ErrRunFinished
	}

	run.CancelRequested = true
	if run.Status == model.RunStatusStarting || run.Status == model.RunStatusRunning {
		run.Status = model.RunStatusCanceling
		run.UpdatedAtMS = s.clock()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at_ms = ?, cancel_requested = 1 WHERE run_id = ?`,
		string(run.Status), run.UpdatedAtMS, runID); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: commit: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM runs WHERE run_id = ?`, runID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("storage: query cancel flag: %w", err)
	}
	return v != 0, nil
}

func (s *SQLiteStore) LastRunSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM runs`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("storage: query max seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQLiteStore) GetIdempotency(ctx context.Context, scopeKey string) (IdemRecord, error) {
	var (
		rec      IdemRecord
		fp       int64
		response string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, fingerprint, response, created_at_ms FROM idempotency WHERE scope_key = ?`,
		scopeKey).Scan(&rec.RunID, &fp, &response, &rec.CreatedAtMS)
	if errors.Is(err, sql.ErrNoRows) {
		return IdemRecord{}, ErrNotFound
	}
	if err != nil {
		return IdemRecord{}, fmt.Errorf("storage: query idempotency: %w", err)
	}
	rec.Fingerprint = uint64(fp)
	rec.Response = json.RawMessage(response)
	return rec, nil
}

func (s *SQLiteStore) PutIdempotency(ctx context.Context, scopeKey string, rec IdemRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency(scope_key, run_id, fingerprint, response, created_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(scope_key) DO NOTHING`,
		scopeKey, rec.RunID, int64(rec.Fingerprint), string(rec.Response), rec.CreatedAtMS)
	if err != nil {
		return fmt.Errorf("storage: insert idempotency: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRun(row rowScanner) (model.RunRecord, error) {
	var (
		run       model.RunRecord
		seq       int64
		actions   string
		dryRun    int
		status    string
		policy    string
		steps     sql.NullString
		cancelReq int
	)
	err := row.Scan(&run.RunID, &seq, &run.InstallationID, &policy, &run.Level,
		&actions, &dryRun, &status, &steps, &run.StartedAtMS, &run.UpdatedAtMS, &cancelReq)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunRecord{}, ErrNotFound
	}
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: scan run: %w", err)
	}
	run.Seq = uint64(seq)
	run.Policy = model.ParsePolicy(policy)
	run.Status = model.RunStatus(status)
	run.DryRun = dryRun != 0
	run.CancelRequested = cancelReq != 0
	if err := json.Unmarshal([]byte(actions), &run.Actions); err != nil {
		return model.RunRecord{}, fmt.Errorf("storage: unmarshal actions: %w", err)
	}
	if steps.Valid && steps.String != "" {
		if err := json.Unmarshal([]byte(steps.String), &run.Steps); err != nil {
			return model.RunRecord{}, fmt.Errorf("storage: unmarshal steps: %w", err)
		}
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
