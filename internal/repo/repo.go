package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"rivalscan/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) GetRunSummary(ctx context.Context, id string) (domain.RunSummary, error) {
	var s domain.RunSummary
	var reason sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,client_company,industry,stage,status,progress,failure_reason,created_at,updated_at FROM runs WHERE id=?`, id).
		Scan(&s.ID, &s.ClientCompany, &s.Industry, &s.Stage, &s.Status, &s.Progress, &reason, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if reason.Valid {
		s.FailureReason = reason.String
	}
	return s, err
}

// ListRuns returns run summaries newest first, optionally filtered by
// status.
func (r Repo) ListRuns(ctx context.Context, status string, limit int) ([]domain.RunSummary, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT id,client_company,industry,stage,status,progress,failure_reason,created_at,updated_at FROM runs WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunSummary
	for rows.Next() {
		var s domain.RunSummary
		var reason sql.NullString
		if err := rows.Scan(&s.ID, &s.ClientCompany, &s.Industry, &s.Stage, &s.Status, &s.Progress, &reason, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			s.FailureReason = reason.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// ListRunIDsByStatus returns ids of runs in any of the given statuses,
// oldest first. Used to requeue unfinished work after a restart.
func (r Repo) ListRunIDsByStatus(ctx context.Context, statuses ...string) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = s
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM runs WHERE status IN (`+placeholders+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListInterruptedBefore returns ids of runs that have been awaiting
// review since before the cutoff.
func (r Repo) ListInterruptedBefore(ctx context.Context, cutoff string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id FROM runs WHERE status=? AND updated_at < ? ORDER BY updated_at`, domain.StatusInterrupted, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertDecisionTx records a decision id exactly once. Returns false when
// the id was already consumed, making decision application idempotent.
func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, runID string, d domain.HumanDecision) (bool, error) {
	payload, err := json.Marshal(d)
	if err != nil {
		return false, fmt.Errorf("marshal decision: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO decisions(id,run_id,decision,feedback,payload_json,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		d.ID, runID, d.Decision, nullable(d.Feedback), string(payload), d.DecidedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasDecision reports whether a decision id was already applied.
func (r Repo) HasDecision(ctx context.Context, id string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM decisions WHERE id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListDecisions returns the decisions applied to a run in order.
func (r Repo) ListDecisions(ctx context.Context, runID string) ([]domain.HumanDecision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT payload_json FROM decisions WHERE run_id=? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HumanDecision
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var d domain.HumanDecision
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor,
// oldest first, optionally filtered to one run.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, runID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	query := `SELECT id,ts,type,COALESCE(run_id,''),COALESCE(stage,''),COALESCE(status,''),progress,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Stage, &e.Status, &e.Progress, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest event, or 0 when the log
// is empty. Webhook cursors start here so a fresh dispatcher does not
// replay history.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
