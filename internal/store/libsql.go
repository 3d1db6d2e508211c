package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowengine/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer connection: transactions below rely on it for serialization.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SchemaVersion returns the newest applied migration, 0 before Migrate.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, createSchemaVersion); err != nil {
		return 0, fmt.Errorf("create schema_version: %w", err)
	}
	return schemaVersion(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Flows ---

// SaveFlow inserts a flow at version 1 or replaces its definition and bumps
// the version. flow.Version and flow.Definition.Version are updated in place.
func (s *LibSQLStore) SaveFlow(ctx context.Context, flow *Flow) error {
	if flow.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "flow definition is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save flow: %w", err)
	}
	defer tx.Rollback()

	var version int
	var createdAt int64
	err = tx.QueryRowContext(ctx, `SELECT version, created_at FROM flows WHERE id = ?`, flow.ID).Scan(&version, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 1
		createdAt = millis(timeOrNow(flow.CreatedAt))
	case err != nil:
		return fmt.Errorf("read flow version: %w", err)
	default:
		version++
	}

	flow.Version = version
	flow.Definition.ID = flow.ID
	flow.Definition.CompanyID = flow.CompanyID
	flow.Definition.Version = version
	flow.Definition.Active = flow.Active
	if flow.Name == "" {
		flow.Name = flow.Definition.Name
	}
	def, err := json.Marshal(flow.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	flow.CreatedAt = fromMillis(createdAt)
	flow.UpdatedAt = timeOrNow(flow.UpdatedAt)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO flows (id, company_id, name, active, version, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET company_id=excluded.company_id, name=excluded.name,
		   active=excluded.active, version=excluded.version, definition=excluded.definition,
		   updated_at=excluded.updated_at`,
		flow.ID, flow.CompanyID, nullStr(flow.Name), boolInt(flow.Active), version, string(def),
		createdAt, millis(flow.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return tx.Commit()
}

const flowColumns = `id, company_id, name, active, version, definition, created_at, updated_at`

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("flow", id)
	}
	return f, err
}

func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error) {
	var where []string
	var args []any
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.ActiveOnly {
		where = append(where, "active = 1")
	}

	query := `SELECT ` + flowColumns + ` FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) SetFlowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE flows SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), millis(time.Now().UTC()), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*Flow, error) {
	f := &Flow{}
	var name sql.NullString
	var active int
	var def string
	var createdAt, updatedAt int64
	if err := row.Scan(&f.ID, &f.CompanyID, &name, &active, &f.Version, &def, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.Name = name.String
	f.Active = active != 0
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	f.Definition = &schema.FlowDefinition{}
	if err := json.Unmarshal([]byte(def), f.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal flow %s definition: %w", f.ID, err)
	}
	f.Definition.Active = f.Active
	return f, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *FlowRun) error {
	if run.Definition == nil {
		return schema.NewError(schema.ErrCodeValidation, "run definition snapshot is required")
	}
	def, err := json.Marshal(run.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	vars, err := marshalVars(run.Variables)
	if err != nil {
		return err
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flow_runs (id, flow_id, flow_version, company_id, entity_ref, trigger_type, current_node_id,
		   variables, status, seq, last_error, error_node_id, definition, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FlowID, run.FlowVersion, run.CompanyID, run.EntityRef, string(run.TriggerType), run.CurrentNodeID,
		vars, string(run.Status), run.Seq, nullStr(run.LastError), nullStr(run.ErrorNodeID), string(def),
		millis(run.CreatedAt), millis(run.UpdatedAt), nullMillis(run.CompletedAt),
	)
	return err
}

const runColumns = `id, flow_id, flow_version, company_id, entity_ref, trigger_type, current_node_id, variables,
	status, seq, last_error, error_node_id, definition, created_at, updated_at, completed_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*FlowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM flow_runs WHERE id = ?`, id)
	r, err := scanRun(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	return r, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, *update.CurrentNodeID)
	}
	if update.Variables != nil {
		vars, err := marshalVars(update.Variables)
		if err != nil {
			return err
		}
		sets = append(sets, "variables = ?")
		args = append(args, vars)
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if update.ErrorNodeID != nil {
		sets = append(sets, "error_node_id = ?")
		args = append(args, nullStr(*update.ErrorNodeID))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, millis(*update.CompletedAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, millis(timeOrNow(update.UpdatedAt)))

	query := `UPDATE flow_runs SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if len(update.ExpectStatus) > 0 {
		in, inArgs := statusIn(update.ExpectStatus)
		query += " AND status IN " + in
		args = append(args, inArgs...)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if len(update.ExpectStatus) == 0 {
		return storeNotFound("run", id)
	}
	return s.conflictOrNotFound(ctx, s.db, id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*FlowRun, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, filter.CompanyID)
	}
	if filter.EntityRef != "" {
		where = append(where, "entity_ref = ?")
		args = append(args, filter.EntityRef)
	}
	if len(filter.Statuses) > 0 {
		in, inArgs := statusIn(filter.Statuses)
		where = append(where, "status IN "+in)
		args = append(args, inArgs...)
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, millis(*filter.UpdatedBefore))
	}

	query := `SELECT ` + runColumns + ` FROM flow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*FlowRun
	for rows.Next() {
		r, err := scanRun(rows, false)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRunsBefore removes terminal runs last updated before the cutoff,
// together with their ledger, history and waits.
func (s *LibSQLStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retention sweep: %w", err)
	}
	defer tx.Rollback()

	in, inArgs := statusIn([]schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusErrored, schema.RunStatusCancelled})
	selectIDs := `SELECT id FROM flow_runs WHERE status IN ` + in + ` AND updated_at < ?`
	args := append(inArgs, millis(before))

	for _, table := range []string{"node_visits", "run_events", "pending_waits"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id IN (`+selectIDs+`)`, args...); err != nil {
			return 0, fmt.Errorf("delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM flow_runs WHERE status IN `+in+` AND updated_at < ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// scanRun reads a flow_runs row. The definition snapshot is decoded only when
// withDefinition is set; listings skip it.
func scanRun(row rowScanner, withDefinition bool) (*FlowRun, error) {
	r := &FlowRun{}
	var (
		triggerType, status, vars, def string
		lastError, errorNode           sql.NullString
		createdAt, updatedAt           int64
		completedAt                    sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.FlowID, &r.FlowVersion, &r.CompanyID, &r.EntityRef, &triggerType,
		&r.CurrentNodeID, &vars, &status, &r.Seq, &lastError, &errorNode, &def,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	r.TriggerType = schema.EventKind(triggerType)
	r.Status = schema.RunStatus(status)
	r.LastError = lastError.String
	r.ErrorNodeID = errorNode.String
	r.CreatedAt = fromMillis(createdAt)
	r.UpdatedAt = fromMillis(updatedAt)
	r.CompletedAt = millisPtr(completedAt)

	r.Variables = map[string]string{}
	if vars != "" {
		if err := json.Unmarshal([]byte(vars), &r.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal run %s variables: %w", r.ID, err)
		}
	}
	if withDefinition {
		r.Definition = &schema.FlowDefinition{}
		if err := json.Unmarshal([]byte(def), r.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal run %s definition: %w", r.ID, err)
		}
	}
	return r, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conflictOrNotFound explains why a status-guarded update touched no row.
func (s *LibSQLStore) conflictOrNotFound(ctx context.Context, q queryRower, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM flow_runs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storeNotFound("run", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q is %s", id, status).WithRun(id).
		WithDetails(map[string]any{"status": status})
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func statusIn(statuses []schema.RunStatus) (string, []any) {
	ph := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		ph[i] = "?"
		args[i] = string(st)
	}
	return "(" + strings.Join(ph, ", ") + ")", args
}

func marshalVars(vars map[string]string) (string, error) {
	if len(vars) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal variables: %w", err)
	}
	return string(b), nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
