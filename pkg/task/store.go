package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// now returns the store clock, truncated to the precision both backends keep.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// prepareNew resets every store-owned field of t for insertion.
func prepareNew(t *Task, ts time.Time) {
	t.ID = uuid.Must(uuid.NewV7()).String()
	t.Status = StatusPending
	t.RetryCount = 0
	t.ClaimedBy = nil
	t.ClaimedAt = nil
	t.CompletedAt = nil
	t.CreatedAt = ts
	t.UpdatedAt = ts
	t.DependencyIDs = dedupe(t.DependencyIDs)
	if t.AssignedAgent != nil && *t.AssignedAgent == "" {
		t.AssignedAgent = nil
	}
	if t.ParentTaskID != nil && *t.ParentTaskID == "" {
		t.ParentTaskID = nil
	}
}

// dedupe removes repeated and empty IDs, keeping first occurrence order.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// checkMutation rejects changes a MutateFunc is not allowed to make and
// restores immutable fields.
func checkMutation(before, after *Task) error {
	after.ID = before.ID
	after.CreatedAt = before.CreatedAt
	after.ParentTaskID = before.ParentTaskID
	after.DependencyIDs = before.DependencyIDs
	if after.Status != before.Status && !before.Status.CanTransitionTo(after.Status) {
		return &IllegalTransitionError{TaskID: before.ID, From: before.Status, To: after.Status}
	}
	if after.RetryCount < before.RetryCount {
		return fmt.Errorf("task %s: retry_count cannot decrease (%d -> %d)", before.ID, before.RetryCount, after.RetryCount)
	}
	if before.CompletedAt != nil {
		after.CompletedAt = before.CompletedAt
	}
	if after.Status.IsTerminal() && after.CompletedAt == nil {
		return fmt.Errorf("task %s: entered %s without completed_at", before.ID, after.Status)
	}
	return nil
}

// noteTarget resolves the task a note belongs to.
func noteTarget(n Note, self string) string {
	if n.TaskID == "" {
		return self
	}
	return n.TaskID
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// maxClaimAttempts bounds how many candidates a conditional claim tries
// before reporting ErrConcurrentClaimLost.
const maxClaimAttempts = 5
