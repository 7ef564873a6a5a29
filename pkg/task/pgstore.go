package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is a PostgreSQL-backed task store.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PgStore.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// pgQuerier is satisfied by both the pool and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgTaskColumns = `id, title, prompt, status, assigned_agent, parent_task_id, dependency_ids, retry_count, claimed_by, claimed_at, created_at, updated_at, completed_at`

const pgLogColumns = `seq, task_id, timestamp, level, message, hash, prev_hash`

// EnsureTable creates the tasks and task_logs tables if they don't exist.
func (s *PgStore) EnsureTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			title          TEXT NOT NULL,
			prompt         TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'approved', 'in_progress', 'pending_approval', 'done', 'failed')),
			assigned_agent TEXT,
			parent_task_id TEXT REFERENCES tasks(id),
			dependency_ids TEXT[] NOT NULL DEFAULT '{}',
			retry_count    INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
			claimed_by     TEXT,
			claimed_at     TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks(status, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id) WHERE parent_task_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			seq       BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			task_id   TEXT NOT NULL REFERENCES tasks(id),
			timestamp TIMESTAMPTZ NOT NULL,
			level     TEXT NOT NULL,
			message   TEXT NOT NULL,
			hash      TEXT NOT NULL,
			prev_hash TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id, timestamp, seq)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return pgErr("ensure task tables", err)
		}
	}
	return nil
}

// Create inserts a new pending task together with its notes.
func (s *PgStore) Create(ctx context.Context, t *Task, notes ...Note) (*Task, error) {
	ts := now()
	prepareNew(t, ts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if t.ParentTaskID != nil {
		// Row lock on the parent serialises its log chain with the dispatch note.
		if err := lockTask(ctx, tx, *t.ParentTaskID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, fmt.Errorf("create task: %w: %s", ErrParentNotFound, *t.ParentTaskID)
			}
			return nil, err
		}
	}
	if len(t.DependencyIDs) > 0 {
		var n int
		err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ANY($1)`, t.DependencyIDs).Scan(&n)
		if err != nil {
			return nil, pgErr("check dependencies", err)
		}
		if n != len(t.DependencyIDs) {
			return nil, fmt.Errorf("create task: %w: %s", ErrDependencyNotFound, strings.Join(t.DependencyIDs, ","))
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, title, prompt, status, assigned_agent, parent_task_id, dependency_ids, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9)`,
		t.ID, t.Title, t.Prompt, string(t.Status), t.AssignedAgent, t.ParentTaskID, t.DependencyIDs, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, pgErr("create task", err)
	}

	for _, n := range notes {
		if _, err := pgAppendLog(ctx, tx, noteTarget(n, t.ID), n.Level, n.Message, ts); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit task", err)
	}
	return t, nil
}

// Get retrieves a single task by ID.
func (s *PgStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("get task "+id, err)
	}
	return t, nil
}

// List returns tasks matching f, oldest first.
func (s *PgStore) List(ctx context.Context, f Filter) ([]Task, error) {
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Agent != "" {
		args = append(args, f.Agent)
		where = append(where, fmt.Sprintf("assigned_agent = $%d", len(args)))
	}
	if f.ParentID != "" {
		args = append(args, f.ParentID)
		where = append(where, fmt.Sprintf("parent_task_id = $%d", len(args)))
	}
	query := `SELECT ` + pgTaskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d", len(args))

	return s.scanMany(ctx, "list tasks", query, args...)
}

// ByParent returns all subtasks of a parent task in creation order.
func (s *PgStore) ByParent(ctx context.Context, parentID string) ([]Task, error) {
	return s.scanMany(ctx, "tasks by parent", `
		SELECT `+pgTaskColumns+` FROM tasks
		WHERE parent_task_id = $1 ORDER BY created_at ASC, id ASC`, parentID)
}

// Update locks the task row for the duration of fn and writes the result.
func (s *PgStore) Update(ctx context.Context, id string, fn MutateFunc) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	before, err := scanPgTask(tx.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1 FOR NO KEY UPDATE`, id))
	if err != nil {
		return nil, pgErr("lock task "+id, err)
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

	if err := pgWriteTask(ctx, tx, &after); err != nil {
		return nil, err
	}
	for _, n := range notes {
		target := noteTarget(n, id)
		if target != id {
			if err := lockTask(ctx, tx, target); err != nil {
				return nil, err
			}
		}
		if _, err := pgAppendLog(ctx, tx, target, n.Level, n.Message, after.UpdatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit update", err)
	}
	return &after, nil
}

// ClaimNext locks the oldest eligible approved task, skipping rows other
// claimers already hold, and moves it to in_progress.
func (s *PgStore) ClaimNext(ctx context.Context, agent string, ts time.Time) (*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanPgTask(tx.QueryRow(ctx, `
		SELECT t.id, t.title, t.prompt, t.status, t.assigned_agent, t.parent_task_id, t.dependency_ids,
		       t.retry_count, t.claimed_by, t.claimed_at, t.created_at, t.updated_at, t.completed_at
		FROM tasks t
		WHERE t.status = 'approved'
		  AND (t.assigned_agent IS NULL OR t.assigned_agent = $1)
		  AND NOT EXISTS (
			SELECT 1 FROM unnest(t.dependency_ids) AS d(dep_id)
			LEFT JOIN tasks dep ON dep.id = d.dep_id
			WHERE dep.status IS DISTINCT FROM 'done'
		  )
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT 1
		FOR NO KEY UPDATE OF t SKIP LOCKED`, agent))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr("select claimable task", err)
	}

	ts = ts.UTC().Truncate(time.Microsecond)
	if err := Transition(t, StatusInProgress, ts); err != nil {
		return nil, err
	}
	t.ClaimedBy = &agent
	t.ClaimedAt = &ts

	if err := pgWriteTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if _, err := pgAppendLog(ctx, tx, t.ID, LevelInfo, "claimed by "+agent, ts); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit claim", err)
	}
	return t, nil
}

// Stale returns in_progress tasks claimed before cutoff.
func (s *PgStore) Stale(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return s.scanMany(ctx, "stale tasks", `
		SELECT `+pgTaskColumns+` FROM tasks
		WHERE status = 'in_progress' AND claimed_at < $1
		ORDER BY claimed_at ASC`, cutoff)
}

// AppendLog appends a single line to the task's audit trail.
func (s *PgStore) AppendLog(ctx context.Context, taskID string, level Level, message string) (*LogEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := lockTask(ctx, tx, taskID); err != nil {
		return nil, err
	}
	e, err := pgAppendLog(ctx, tx, taskID, level, message, now())
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit log", err)
	}
	return e, nil
}

// Logs returns the task's entries with seq greater than afterSeq, in order.
func (s *PgStore) Logs(ctx context.Context, taskID string, afterSeq int64) ([]LogEntry, error) {
	if err := s.exists(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgLogColumns+` FROM task_logs
		WHERE task_id = $1 AND seq > $2
		ORDER BY timestamp ASC, seq ASC`, taskID, afterSeq)
	if err != nil {
		return nil, pgErr("task logs", err)
	}
	defer rows.Close()
	return scanLogRows(rows)
}

// VerifyLogs walks the task's chain and checks every hash link.
func (s *PgStore) VerifyLogs(ctx context.Context, taskID string) error {
	entries, err := s.Logs(ctx, taskID, 0)
	if err != nil {
		return err
	}
	return verifyChain(taskID, entries)
}

// Counts returns the number of tasks per status.
func (s *PgStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, pgErr("count tasks", err)
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (s *PgStore) exists(ctx context.Context, id string) error {
	var ok bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&ok); err != nil {
		return pgErr("task exists", err)
	}
	if !ok {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PgStore) scanMany(ctx context.Context, op, query string, args ...any) ([]Task, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr(op, err)
	}
	defer rows.Close()
	tasks, err := scanPgTaskRows(rows)
	if err != nil {
		return nil, pgErr(op, err)
	}
	return tasks, nil
}

func lockTask(ctx context.Context, q pgQuerier, id string) error {
	var got string
	err := q.QueryRow(ctx, `SELECT id FROM tasks WHERE id = $1 FOR NO KEY UPDATE`, id).Scan(&got)
	if err != nil {
		return pgErr("lock task "+id, err)
	}
	return nil
}

func pgWriteTask(ctx context.Context, q pgQuerier, t *Task) error {
	_, err := q.Exec(ctx, `
		UPDATE tasks SET status = $1, assigned_agent = $2, retry_count = $3, claimed_by = $4,
			claimed_at = $5, updated_at = $6, completed_at = $7
		WHERE id = $8`,
		string(t.Status), t.AssignedAgent, t.RetryCount, t.ClaimedBy, t.ClaimedAt, t.UpdatedAt, t.CompletedAt, t.ID)
	if err != nil {
		return pgErr("update task "+t.ID, err)
	}
	return nil
}

// pgAppendLog chains a new entry after the task's latest one. The caller
// must hold the task row lock.
func pgAppendLog(ctx context.Context, q pgQuerier, taskID string, level Level, message string, ts time.Time) (*LogEntry, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("append log: invalid level %q", level)
	}
	var prev *LogEntry
	p, err := scanPgLog(q.QueryRow(ctx, `
		SELECT `+pgLogColumns+` FROM task_logs
		WHERE task_id = $1 ORDER BY timestamp DESC, seq DESC LIMIT 1`, taskID))
	switch {
	case err == nil:
		prev = p
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, pgErr("last log", err)
	}

	e := &LogEntry{TaskID: taskID, Level: level, Message: message}
	sealEntry(e, prev, ts)
	err = q.QueryRow(ctx, `
		INSERT INTO task_logs (task_id, timestamp, level, message, hash, prev_hash)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		e.TaskID, e.Timestamp, string(e.Level), e.Message, e.Hash, e.PrevHash).Scan(&e.Seq)
	if err != nil {
		return nil, pgErr("append log", err)
	}
	return e, nil
}

func scanPgTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &t.Status, &t.AssignedAgent, &t.ParentTaskID, &t.DependencyIDs,
		&t.RetryCount, &t.ClaimedBy, &t.ClaimedAt, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	if t.DependencyIDs == nil {
		t.DependencyIDs = []string{}
	}
	return &t, nil
}

func scanPgTaskRows(rows pgx.Rows) ([]Task, error) {
	tasks := []Task{}
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return tasks, nil
}

func scanPgLog(row pgx.Row) (*LogEntry, error) {
	var e LogEntry
	if err := row.Scan(&e.Seq, &e.TaskID, &e.Timestamp, &e.Level, &e.Message, &e.Hash, &e.PrevHash); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanLogRows(rows pgx.Rows) ([]LogEntry, error) {
	entries := []LogEntry{}
	for rows.Next() {
		e, err := scanPgLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration: %w", err)
	}
	return entries, nil
}

// pgErr classifies a pgx error: missing rows become ErrNotFound and
// connection-level failures become ErrStoreUnavailable.
func pgErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch {
		case pe.Code == "40001", pe.Code == "40P01", pe.Code == "53300", pe.Code == "57P01",
			strings.HasPrefix(pe.Code, "08"):
			return unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var ce *pgconn.ConnectError
	if errors.As(err, &ce) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
