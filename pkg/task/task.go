package task

import (
	"context"
	"time"
)

// Task represents a unit of requested work tracked through its lifecycle.
type Task struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Prompt        string     `json:"prompt"`
	Status        Status     `json:"status"`
	AssignedAgent *string    `json:"assigned_agent"` // nil = any worker
	ParentTaskID  *string    `json:"parent_task_id"` // for subtasks
	DependencyIDs []string   `json:"dependency_ids"` // must all be done before claim
	RetryCount    int        `json:"retry_count"`
	ClaimedBy     *string    `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// Claimable reports whether agent may claim t, ignoring dependencies.
func (t *Task) Claimable(agent string) bool {
	if t.Status != StatusApproved {
		return false
	}
	return t.AssignedAgent == nil || *t.AssignedAgent == agent
}

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// LogEntry is a single immutable line of a task's audit trail.
type LogEntry struct {
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash"`
}

// Note is a log line produced alongside a mutation. An empty TaskID means
// the task being mutated.
type Note struct {
	TaskID  string
	Level   Level
	Message string
}

// Info returns an INFO note for the mutated task.
func Info(msg string) Note {
	return Note{Level: LevelInfo, Message: msg}
}

// Filter narrows List results. Zero values mean "no constraint".
type Filter struct {
	Status   Status
	Agent    string
	ParentID string
	Limit    int
}

// MutateFunc changes a copy of a locked task. Returned notes are appended in
// the same transaction. Returning an error aborts the mutation.
type MutateFunc func(t *Task) ([]Note, error)

// Store is the contract for task persistence.
type Store interface {
	// Create inserts t with status pending and appends notes atomically.
	Create(ctx context.Context, t *Task, notes ...Note) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, f Filter) ([]Task, error)
	ByParent(ctx context.Context, parentID string) ([]Task, error)

	// Update runs fn with exclusive access to the task row.
	Update(ctx context.Context, id string, fn MutateFunc) (*Task, error)

	// ClaimNext atomically moves the oldest eligible approved task to
	// in_progress on behalf of agent. It returns nil, nil when none is eligible.
	ClaimNext(ctx context.Context, agent string, now time.Time) (*Task, error)

	// Stale returns in_progress tasks claimed before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]Task, error)

	AppendLog(ctx context.Context, taskID string, level Level, message string) (*LogEntry, error)
	Logs(ctx context.Context, taskID string, afterSeq int64) ([]LogEntry, error)
	VerifyLogs(ctx context.Context, taskID string) error

	Counts(ctx context.Context) (map[Status]int, error)
	EnsureTable(ctx context.Context) error
}

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// MaxListLimit is the most rows List returns for any requested limit.
const MaxListLimit = DefaultListLimit * 10
