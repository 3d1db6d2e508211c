package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/flowengine/pkg/schema"
)

// --- Idempotency ledger ---

// BeginVisit records that a run entered a node at visit.Seq. A second
// BeginVisit for the same (run, seq) returns CONFLICT.
func (s *LibSQLStore) BeginVisit(ctx context.Context, visit *NodeVisit) error {
	visit.State = schema.VisitStarted
	visit.StartedAt = timeOrNow(visit.StartedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_visits (run_id, seq, node_id, node_type, state, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		visit.RunID, visit.Seq, visit.NodeID, string(visit.NodeType), string(visit.State), millis(visit.StartedAt),
	)
	if err != nil && isConstraintErr(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "visit %d of run %q already recorded", visit.Seq, visit.RunID).
			WithRun(visit.RunID).WithNode(visit.NodeID)
	}
	return err
}

const visitColumns = `run_id, seq, node_id, node_type, state, handle, output, started_at, finished_at`

func (s *LibSQLStore) GetVisit(ctx context.Context, runID string, seq int64) (*NodeVisit, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+visitColumns+` FROM node_visits WHERE run_id = ? AND seq = ?`, runID, seq)
	v, err := scanVisit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("visit", fmt.Sprintf("%s#%d", runID, seq))
	}
	return v, err
}

func (s *LibSQLStore) ListVisits(ctx context.Context, runID string) ([]*NodeVisit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+visitColumns+` FROM node_visits WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []*NodeVisit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// CommitStep marks the visit at step.Seq done and advances a RUNNING run in
// one transaction. The run must still be at step.Seq; a visit already marked
// done is re-committed with the same handle.
func (s *LibSQLStore) CommitStep(ctx context.Context, step Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit step: %w", err)
	}
	defer tx.Rollback()

	if err := s.commitStep(ctx, tx, step, schema.RunStatusRunning); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) commitStep(ctx context.Context, tx *sql.Tx, step Step, expect schema.RunStatus) error {
	at := timeOrNow(step.At)
	status := step.Status
	if status == "" {
		status = schema.RunStatusRunning
	}
	vars, err := marshalVars(step.Variables)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE node_visits SET state = ?, handle = ?, output = COALESCE(?, output), finished_at = ?
		 WHERE run_id = ? AND seq = ?`,
		string(schema.VisitDone), nullStr(step.Handle), nullRaw(step.Output), millis(at),
		step.RunID, step.Seq,
	)
	if err != nil {
		return fmt.Errorf("finish visit: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "visit %d of run %q was never begun", step.Seq, step.RunID).WithRun(step.RunID)
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE flow_runs SET current_node_id = COALESCE(NULLIF(?, ''), current_node_id), variables = ?,
		   seq = seq + 1, status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		 WHERE id = ? AND seq = ? AND status = ?`,
		step.NextNodeID, vars, string(status), millis(at), nullMillis(step.CompletedAt),
		step.RunID, step.Seq, string(expect),
	)
	if err != nil {
		return fmt.Errorf("advance run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.conflictOrNotFound(ctx, tx, step.RunID)
	}
	return nil
}

// --- Suspension ---

// SuspendRun moves a RUNNING run to SUSPENDED at wait.NodeID and stores its
// pending wait.
func (s *LibSQLStore) SuspendRun(ctx context.Context, wait *PendingWait, at time.Time) error {
	at = timeOrNow(at)
	wait.CreatedAt = at

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin suspend: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE flow_runs SET status = ?, current_node_id = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(schema.RunStatusSuspended), wait.NodeID, millis(at), wait.RunID, string(schema.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("suspend run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.conflictOrNotFound(ctx, tx, wait.RunID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO pending_waits (run_id, node_id, kind, entity_ref, company_id, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wait.RunID, wait.NodeID, string(wait.Kind), wait.EntityRef, wait.CompanyID,
		millis(wait.ExpiresAt), millis(wait.CreatedAt),
	)
	if err != nil {
		if isConstraintErr(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already has a pending wait", wait.RunID).WithRun(wait.RunID)
		}
		return fmt.Errorf("insert wait: %w", err)
	}
	return tx.Commit()
}

// ClaimWait atomically removes the run's wait at nodeID and commits step
// against the SUSPENDED run. It returns false when the wait was already
// claimed or cancelled; in that case nothing changes.
func (s *LibSQLStore) ClaimWait(ctx context.Context, runID, nodeID string, step Step) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM pending_waits WHERE run_id = ? AND node_id = ?`, runID, nodeID)
	if err != nil {
		return false, fmt.Errorf("claim wait: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	step.RunID = runID
	if err := s.commitStep(ctx, tx, step, schema.RunStatusSuspended); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// CancelRun moves a live run to CANCELLED and drops its pending wait.
// Terminal runs yield INVALID_TRANSITION.
func (s *LibSQLStore) CancelRun(ctx context.Context, runID, reason string, at time.Time) error {
	at = timeOrNow(at)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_waits WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("drop wait: %w", err)
	}

	in, inArgs := statusIn(schema.LiveStatuses)
	args := append([]any{string(schema.RunStatusCancelled), nullStr(reason), millis(at), millis(at), runID}, inArgs...)
	res, err := tx.ExecContext(ctx,
		`UPDATE flow_runs SET status = ?, last_error = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN `+in, args...)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cause := s.conflictOrNotFound(ctx, tx, runID)
		var engErr *schema.EngineError
		if errors.As(cause, &engErr) && engErr.Code == schema.ErrCodeConflict {
			engErr.Code = schema.ErrCodeInvalidTransition
			engErr.Message = fmt.Sprintf("cannot cancel run %q: %v", runID, engErr.Details["status"])
		}
		return cause
	}
	return tx.Commit()
}

const waitColumns = `run_id, node_id, kind, entity_ref, company_id, expires_at, created_at`

func (s *LibSQLStore) GetWait(ctx context.Context, runID string) (*PendingWait, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+waitColumns+` FROM pending_waits WHERE run_id = ?`, runID)
	w, err := scanWait(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("wait", runID)
	}
	return w, err
}

func (s *LibSQLStore) ListWaits(ctx context.Context, filter WaitFilter) ([]*PendingWait, error) {
	var where []string
	var args []any

	if filter.EntityRef != "" {
		where = append(where, "entity_ref = ?")
		args = append(args, filter.EntityRef)
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at <= ?")
		args = append(args, millis(*filter.ExpiresBefore))
	}

	query := `SELECT ` + waitColumns + ` FROM pending_waits`
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	if filter.ExpiresBefore != nil {
		query += " ORDER BY expires_at ASC, rowid ASC"
	} else {
		query += " ORDER BY created_at DESC, rowid DESC"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var waits []*PendingWait
	for rows.Next() {
		w, err := scanWait(rows)
		if err != nil {
			return nil, err
		}
		waits = append(waits, w)
	}
	return waits, rows.Err()
}

func scanVisit(row rowScanner) (*NodeVisit, error) {
	v := &NodeVisit{}
	var nodeType, state string
	var handle, output sql.NullString
	var startedAt int64
	var finishedAt sql.NullInt64
	if err := row.Scan(&v.RunID, &v.Seq, &v.NodeID, &nodeType, &state, &handle, &output, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	v.NodeType = schema.NodeType(nodeType)
	v.State = schema.VisitState(state)
	v.Handle = handle.String
	v.Output = rawOrNil(output)
	v.StartedAt = fromMillis(startedAt)
	v.FinishedAt = millisPtr(finishedAt)
	return v, nil
}

func scanWait(row rowScanner) (*PendingWait, error) {
	w := &PendingWait{}
	var kind string
	var expiresAt, createdAt int64
	if err := row.Scan(&w.RunID, &w.NodeID, &kind, &w.EntityRef, &w.CompanyID, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	w.Kind = schema.WaitKind(kind)
	w.ExpiresAt = fromMillis(expiresAt)
	w.CreatedAt = fromMillis(createdAt)
	return w, nil
}

func isConstraintErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "primary key")
}
