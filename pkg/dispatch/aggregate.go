package dispatch

import "zaki-os/pkg/task"

// SubtaskState is the per-child view returned by SubtaskStatus.
type SubtaskState struct {
	ID     string      `json:"id"`
	Title  string      `json:"title"`
	Status task.Status `json:"status"`
}

// Aggregate summarizes a parent's subtasks. The core applies no policy to
// it; callers decide what "finished" means for the parent.
type Aggregate struct {
	Total    int                 `json:"total"`
	ByStatus map[task.Status]int `json:"by_status"`
}

// Summarize counts states by status.
func Summarize(states []SubtaskState) Aggregate {
	agg := Aggregate{Total: len(states), ByStatus: make(map[task.Status]int)}
	for _, s := range states {
		agg.ByStatus[s.Status]++
	}
	return agg
}

// Terminal is the number of subtasks in done or failed.
func (a Aggregate) Terminal() int {
	return a.ByStatus[task.StatusDone] + a.ByStatus[task.StatusFailed]
}

// AllTerminal reports whether every subtask has finished. Vacuously true
// with no subtasks.
func (a Aggregate) AllTerminal() bool {
	return a.Terminal() == a.Total
}

// AllSucceeded reports whether every subtask is done.
func (a Aggregate) AllSucceeded() bool {
	return a.ByStatus[task.StatusDone] == a.Total
}

// AnyFailed reports whether at least one subtask failed.
func (a Aggregate) AnyFailed() bool {
	return a.ByStatus[task.StatusFailed] > 0
}
