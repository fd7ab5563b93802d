package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conex/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/conex.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
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

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

const executionColumns = `id, flow_id, organization_id, status, context, graph, current_node_index, error, steps, started_at, finished_at, updated_at`

// UpsertExecution inserts or replaces the record for rec.ExecutionID.
// started_at is fixed by the first write; terminal records are immutable.
func (s *LibSQLStore) UpsertExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	if rec == nil || rec.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is required")
	}
	steps, err := marshalSteps(rec.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   flow_id=excluded.flow_id,
		   organization_id=excluded.organization_id,
		   status=excluded.status,
		   context=excluded.context,
		   graph=COALESCE(excluded.graph, executions.graph),
		   current_node_index=excluded.current_node_index,
		   error=excluded.error,
		   steps=excluded.steps,
		   finished_at=excluded.finished_at,
		   updated_at=excluded.updated_at
		 WHERE executions.status NOT IN ('success', 'failed', 'timed_out')`,
		rec.ExecutionID, nullStr(rec.FlowID), nullStr(rec.OrganizationID), string(rec.Status),
		nullRaw(rec.Context), nullRaw(rec.Graph), rec.CurrentNodeIndex, nullStr(rec.Error), steps,
		timeOrNow(rec.StartedAt), nullTime(rec.FinishedAt), now,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "upsert execution: %s", err.Error()).WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		prev, gerr := s.GetExecution(ctx, rec.ExecutionID)
		if gerr != nil {
			return gerr
		}
		return terminalConflict(rec.ExecutionID, prev.Status)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	rec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.FlowID != "" {
		where = append(where, "flow_id = ?")
		args = append(args, filter.FlowID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + executionColumns + " FROM executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
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

	var out []*schema.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	var (
		flowID, orgID, errMsg         sql.NullString
		ctxJSON, graphJSON, stepsJSON sql.NullString
		finishedAt                    sql.NullTime
		status                        string
	)
	if err := row.Scan(&rec.ExecutionID, &flowID, &orgID, &status, &ctxJSON, &graphJSON,
		&rec.CurrentNodeIndex, &errMsg, &stepsJSON, &rec.StartedAt, &finishedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.FlowID = flowID.String
	rec.OrganizationID = orgID.String
	rec.Status = schema.ExecutionStatus(status)
	rec.Error = errMsg.String
	rec.Context = rawOrNil(ctxJSON)
	rec.Graph = rawOrNil(graphJSON)
	if stepsJSON.Valid && stepsJSON.String != "" {
		if err := json.Unmarshal([]byte(stepsJSON.String), &rec.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	return rec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, node_id, event_type, payload, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), seq, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, sequence, timestamp
		 FROM execution_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, flow_id, name, organization_id, graph, input, connections, cron_expression, enabled, last_run_at, next_run_at, last_run_status, last_execution_id, created_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sf *ScheduledFlow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flow_schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sf.ID, sf.FlowID, nullStr(sf.Name), nullStr(sf.OrganizationID), string(sf.Graph),
		nullRaw(sf.Input), nullRaw(sf.Connections), sf.CronExpression, sf.Enabled,
		nullTime(sf.LastRunAt), nullTime(sf.NextRunAt), nullStr(sf.LastRunStatus), nullStr(sf.LastExecutionID),
		timeOrNow(sf.CreatedAt),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*ScheduledFlow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM flow_schedules WHERE id = ?`, id)
	sf, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sf, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastExecutionID != "" {
		sets = append(sets, "last_execution_id = ?")
		args = append(args, update.LastExecutionID)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE flow_schedules SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledFlow, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}

	query := "SELECT " + scheduleColumns + " FROM flow_schedules"
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

	var out []*ScheduledFlow
	for rows.Next() {
		sf, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flow_schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row rowScanner) (*ScheduledFlow, error) {
	sf := &ScheduledFlow{}
	var (
		name, orgID, input, conns sql.NullString
		lastStatus, lastExecID    sql.NullString
		lastRunAt, nextRunAt      sql.NullTime
		graph                     string
	)
	if err := row.Scan(&sf.ID, &sf.FlowID, &name, &orgID, &graph, &input, &conns, &sf.CronExpression,
		&sf.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &lastExecID, &sf.CreatedAt); err != nil {
		return nil, err
	}
	sf.Name = name.String
	sf.OrganizationID = orgID.String
	sf.Graph = json.RawMessage(graph)
	sf.Input = rawOrNil(input)
	sf.Connections = rawOrNil(conns)
	sf.LastRunStatus = lastStatus.String
	sf.LastExecutionID = lastExecID.String
	if lastRunAt.Valid {
		sf.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sf.NextRunAt = &nextRunAt.Time
	}
	return sf, nil
}

// --- Helpers ---

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

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
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

func marshalSteps(steps []schema.StepLog) (any, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
