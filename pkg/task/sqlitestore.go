package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store on SQLite for single-node deployments and
// tests. Timestamps are stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLiteStore on an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteTaskColumns = `id, title, prompt, status, assigned_agent, parent_task_id, dependency_ids, retry_count, claimed_by, claimed_at, created_at, updated_at, completed_at`

const sqliteLogColumns = `seq, task_id, timestamp, level, message, hash, prev_hash`

// EnsureTable creates the tasks and task_logs tables if they don't exist.
func (s *SQLiteStore) EnsureTable(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		prompt         TEXT NOT NULL DEFAULT '',
		status         TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'approved', 'in_progress', 'pending_approval', 'done', 'failed')),
		assigned_agent TEXT,
		parent_task_id TEXT REFERENCES tasks(id),
		dependency_ids TEXT NOT NULL DEFAULT '[]', -- JSON array, order preserved
		retry_count    INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
		claimed_by     TEXT,
		claimed_at     INTEGER,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL,
		completed_at   INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

	CREATE TABLE IF NOT EXISTS task_logs (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id   TEXT NOT NULL REFERENCES tasks(id),
		timestamp INTEGER NOT NULL,
		level     TEXT NOT NULL,
		message   TEXT NOT NULL,
		hash      TEXT NOT NULL,
		prev_hash TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, timestamp, seq);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return sqliteErr("ensure task tables", err)
	}
	return nil
}

// Create inserts a new pending task together with its notes.
func (s *SQLiteStore) Create(ctx context.Context, t *Task, notes ...Note) (*Task, error) {
	ts := now()
	prepareNew(t, ts)

	depsJSON, err := json.Marshal(t.DependencyIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal dependencies: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if t.ParentTaskID != nil {
		if err := sqliteExists(ctx, tx, *t.ParentTaskID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("create task: %w: %s", ErrParentNotFound, *t.ParentTaskID)
			}
			return nil, err
		}
	}
	for _, dep := range t.DependencyIDs {
		if err := sqliteExists(ctx, tx, dep); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("create task: %w: %s", ErrDependencyNotFound, dep)
			}
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, prompt, status, assigned_agent, parent_task_id, dependency_ids, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.Title, t.Prompt, string(t.Status), nullString(t.AssignedAgent), nullString(t.ParentTaskID),
		string(depsJSON), t.CreatedAt.UnixMicro(), t.UpdatedAt.UnixMicro())
	if err != nil {
		return nil, sqliteErr("create task", err)
	}

	for _, n := range notes {
		if _, err := sqliteAppendLog(ctx, tx, noteTarget(n, t.ID), n.Level, n.Message, ts); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, sqliteErr("commit task", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteErr("get task "+id, err)
	}
	return t, nil
}

// List returns tasks matching f, oldest first.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Agent != "" {
		where = append(where, "assigned_agent = ?")
		args = append(args, f.Agent)
	}
	if f.ParentID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + sqliteTaskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	return s.scanMany(ctx, "list tasks", query, args...)
}

// ByParent returns all subtasks of a parent task in creation order.
func (s *SQLiteStore) ByParent(ctx context.Context, parentID string) ([]Task, error) {
	return s.scanMany(ctx, "tasks by parent", `
		SELECT `+sqliteTaskColumns+` FROM tasks
		WHERE parent_task_id = ? ORDER BY created_at ASC, id ASC`, parentID)
}

// Update runs fn inside a write transaction and writes the result back
// only if the row still holds the status fn observed.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn MutateFunc) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanSQLiteTask(tx.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteErr("get task "+id, err)
	}
	after := *before
	notes, err := fn(&after)
	if err != nil {
		return nil, err
	}
	if err := checkMutation(before, &after); err != nil {
		return nil, err
	}
	after.UpdatedAt = now()

	if err := sqliteWriteTask(ctx, tx, &after, before.Status); err != nil {
		return nil, err
	}
	for _, n := range notes {
		if _, err := sqliteAppendLog(ctx, tx, noteTarget(n, id), n.Level, n.Message, after.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, sqliteErr("commit update", err)
	}
	return &after, nil
}

// ClaimNext claims the oldest eligible approved task with a conditional
// update, moving on to the next candidate if another claimer won the row.
func (s *SQLiteStore) ClaimNext(ctx context.Context, agent string, ts time.Time) (*Task, error) {
	ts = ts.UTC().Truncate(time.Microsecond)
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id FROM tasks t
		WHERE t.status = 'approved'
		  AND (t.assigned_agent IS NULL OR t.assigned_agent = ?)
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(t.dependency_ids) d
			LEFT JOIN tasks dep ON dep.id = d.value
			WHERE dep.status IS NULL OR dep.status != 'done'
		  )
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT ?`, agent, maxClaimAttempts)
	if err != nil {
		return nil, sqliteErr("select claimable tasks", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, sqliteErr("scan claimable task", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, sqliteErr("select claimable tasks", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	for _, id := range candidates {
		t, err := s.tryClaim(ctx, id, agent, ts)
		if errors.Is(err, ErrConcurrentClaimLost) {
			continue
		}
		return t, err
	}
	return nil, fmt.Errorf("claim for %s: %w after %d candidates", agent, ErrConcurrentClaimLost, len(candidates))
}

func (s *SQLiteStore) tryClaim(ctx context.Context, id, agent string, ts time.Time) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusInProgress), agent, ts.UnixMicro(), ts.UnixMicro(), id, string(StatusApproved))
	if err != nil {
		return nil, sqliteErr("claim task "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, sqliteErr("claim task rows affected", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("claim task %s: %w", id, ErrConcurrentClaimLost)
	}
	if _, err := sqliteAppendLog(ctx, tx, id, LevelInfo, "claimed by "+agent, ts); err != nil {
		return nil, err
	}
	t, err := scanSQLiteTask(tx.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, sqliteErr("get claimed task", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, sqliteErr("commit claim", err)
	}
	return t, nil
}

// Stale returns in_progress tasks claimed before cutoff.
func (s *SQLiteStore) Stale(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return s.scanMany(ctx, "stale tasks", `
		SELECT `+sqliteTaskColumns+` FROM tasks
		WHERE status = 'in_progress' AND claimed_at < ?
		ORDER BY claimed_at ASC`, cutoff.UnixMicro())
}

// AppendLog appends a single line to the task's audit trail.
func (s *SQLiteStore) AppendLog(ctx context.Context, taskID string, level Level, message string) (*LogEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := sqliteExists(ctx, tx, taskID); err != nil {
		return nil, err
	}
	e, err := sqliteAppendLog(ctx, tx, taskID, level, message, now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, sqliteErr("commit log", err)
	}
	return e, nil
}

// Logs returns the task's entries with seq greater than afterSeq, in order.
func (s *SQLiteStore) Logs(ctx context.Context, taskID string, afterSeq int64) ([]LogEntry, error) {
	if err := sqliteExists(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteLogColumns+` FROM task_logs
		WHERE task_id = ? AND seq > ?
		ORDER BY timestamp ASC, seq ASC`, taskID, afterSeq)
	if err != nil {
		return nil, sqliteErr("task logs", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		e, err := scanSQLiteLog(rows)
		if err != nil {
			return nil, sqliteErr("scan log", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return entries, nil
}

// VerifyLogs walks the task's chain and checks every hash link.
func (s *SQLiteStore) VerifyLogs(ctx context.Context, taskID string) error {
	entries, err := s.Logs(ctx, taskID, 0)
	if err != nil {
		return err
	}
	return verifyChain(taskID, entries)
}

// Counts returns the number of tasks per status.
func (s *SQLiteStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, sqliteErr("count tasks", err)
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[Status(st)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) scanMany(ctx context.Context, op, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteErr(op, err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
		if err != nil {
			return nil, sqliteErr(op, err)
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func sqliteExists(ctx context.Context, q sqlQuerier, id string) error {
	var got string
	err := q.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ?`, id).Scan(&got)
	if err != nil {
		return sqliteErr("task "+id, err)
	}
	return nil
}

// sqliteWriteTask writes t back, guarded on the status it was read with.
func sqliteWriteTask(ctx context.Context, q sqlQuerier, t *Task, expect Status) error {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_agent = ?, retry_count = ?, claimed_by = ?,
			claimed_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(t.Status), nullString(t.AssignedAgent), t.RetryCount, nullString(t.ClaimedBy),
		nullMicros(t.ClaimedAt), t.UpdatedAt.UnixMicro(), nullMicros(t.CompletedAt), t.ID, string(expect))
	if err != nil {
		return sqliteErr("update task "+t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqliteErr("update task rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s: expected status %s: %w", t.ID, expect, ErrConcurrentUpdate)
	}
	return nil
}

func sqliteAppendLog(ctx context.Context, q sqlQuerier, taskID string, level Level, message string, ts time.Time) (*LogEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("append log: invalid level %q", level)
	}
	var prev *LogEntry
	p, err := scanSQLiteLog(q.QueryRowContext(ctx, `
		SELECT `+sqliteLogColumns+` FROM task_logs
		WHERE task_id = ? ORDER BY timestamp DESC, seq DESC LIMIT 1`, taskID))
	switch {
	case err == nil:
		prev = p
	case !errors.Is(err, sql.ErrNoRows):
		return nil, sqliteErr("last log", err)
	}

	e := &LogEntry{TaskID: taskID, Level: level, Message: message}
	sealEntry(e, prev, ts)
	res, err := q.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, timestamp, level, message, hash, prev_hash)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Timestamp.UnixMicro(), string(e.Level), e.Message, e.Hash, e.PrevHash)
	if err != nil {
		return nil, sqliteErr("append log", err)
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return nil, sqliteErr("append log id", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (*Task, error) {
	var t Task
	var status, depsJSON string
	var agent, parent, claimedBy sql.NullString
	var claimedAt, completedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &status, &agent, &parent, &depsJSON,
		&t.RetryCount, &claimedBy, &claimedAt, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.AssignedAgent = stringPtr(agent)
	t.ParentTaskID = stringPtr(parent)
	t.ClaimedBy = stringPtr(claimedBy)
	t.ClaimedAt = timePtr(claimedAt)
	t.CompletedAt = timePtr(completedAt)
	t.CreatedAt = time.UnixMicro(createdAt).UTC()
	t.UpdatedAt = time.UnixMicro(updatedAt).UTC()
	if err := json.Unmarshal([]byte(depsJSON), &t.DependencyIDs); err != nil {
		return nil, fmt.Errorf("unmarshal dependency_ids: %w", err)
	}
	if t.DependencyIDs == nil {
		t.DependencyIDs = []string{}
	}
	return &t, nil
}

func scanSQLiteLog(row rowScanner) (*LogEntry, error) {
	var e LogEntry
	var level string
	var ts int64
	if err := row.Scan(&e.Seq, &e.TaskID, &ts, &level, &e.Message, &e.Hash, &e.PrevHash); err != nil {
		return nil, err
	}
	e.Level = Level(level)
	e.Timestamp = time.UnixMicro(ts).UTC()
	return &e, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMicro(n.Int64).UTC()
	return &t
}

// sqliteErr classifies a database/sql error: missing rows become
// ErrNotFound and busy or locked databases become ErrStoreUnavailable.
func sqliteErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
