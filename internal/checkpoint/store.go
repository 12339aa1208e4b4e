package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rivalscan/internal/domain"
	"rivalscan/internal/stage"
)

// Store owns the durable copy of every run. Each write is an append-only
// snapshot with a strictly increasing, gapless sequence number; a
// concurrent or duplicate writer loses the compare-and-swap and gets
// ErrSequenceConflict.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound         = errors.New("run not found")
	ErrSequenceConflict = errors.New("checkpoint sequence conflict")
)

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// AppendTx writes run as the next checkpoint inside tx. run.Seq must
// already be incremented to previous+1; the write fails with
// ErrSequenceConflict when the durable head does not match.
func (s Store) AppendTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	var head sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM checkpoints WHERE run_id=?`, run.ID).Scan(&head); err != nil {
		return fmt.Errorf("read checkpoint head: %w", err)
	}
	if head.Int64 != run.Seq-1 {
		return fmt.Errorf("%w: run %s at seq %d, attempted %d", ErrSequenceConflict, run.ID, head.Int64, run.Seq)
	}
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	writtenAt := s.now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(run_id,seq,state_json,written_at) VALUES (?,?,?,?)`,
		run.ID, run.Seq, string(state), writtenAt); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(id,client_company,industry,stage,status,progress,failure_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET stage=excluded.stage, status=excluded.status, progress=excluded.progress,
failure_reason=excluded.failure_reason, updated_at=excluded.updated_at`,
		run.ID, run.Context.ClientCompany, run.Context.Industry, run.Stage, run.Status,
		stage.ProgressPercent(run), nullable(run.FailureReason), run.CreatedAt, run.UpdatedAt); err != nil {
		return fmt.Errorf("upsert run summary: %w", err)
	}
	return nil
}

// Latest loads the highest-sequence snapshot for a run.
func (s Store) Latest(ctx context.Context, runID string) (domain.Run, error) {
	var state string
	err := s.DB.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE run_id=? ORDER BY seq DESC LIMIT 1`, runID).Scan(&state)
	if err == sql.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	if err != nil {
		return domain.Run{}, err
	}
	var run domain.Run
	if err := json.Unmarshal([]byte(state), &run); err != nil {
		return domain.Run{}, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return run, nil
}

// List returns all checkpoints for a run in sequence order.
func (s Store) List(ctx context.Context, runID string) ([]domain.Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT run_id,seq,state_json,written_at FROM checkpoints WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cps []domain.Checkpoint
	for rows.Next() {
		var cp domain.Checkpoint
		var state string
		if err := rows.Scan(&cp.RunID, &cp.Seq, &state, &cp.WrittenAt); err != nil {
			return nil, err
		}
		cp.State = json.RawMessage(state)
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
