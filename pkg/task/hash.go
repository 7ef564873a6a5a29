package task

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// computeHash computes the SHA-256 link of a log entry in its task's chain.
func computeHash(prevHash, taskID string, level Level, message string, timestamp time.Time) string {
	data := fmt.Sprintf("%s|%s|%d|%s|%s", prevHash, taskID, timestamp.UnixNano(), level, message)
	h := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", h)
}

// sealEntry fills in the timestamp, hash and prev_hash of e so that it
// follows prev. Timestamps never go backwards within a task.
func sealEntry(e *LogEntry, prev *LogEntry, now time.Time) {
	e.Timestamp = now
	e.PrevHash = ""
	if prev != nil {
		if prev.Timestamp.After(now) {
			e.Timestamp = prev.Timestamp
		}
		e.PrevHash = prev.Hash
	}
	e.Hash = computeHash(e.PrevHash, e.TaskID, e.Level, e.Message, e.Timestamp)
}

// verifyChain walks entries in order and checks every link.
func verifyChain(taskID string, entries []LogEntry) error {
	prevHash := ""
	var prevTS time.Time
	for i, e := range entries {
		if e.PrevHash != prevHash {
			return fmt.Errorf("task %s log %d (seq %d): prev_hash mismatch: got %s, want %s", taskID, i, e.Seq, e.PrevHash, prevHash)
		}
		if e.Timestamp.Before(prevTS) {
			return fmt.Errorf("task %s log %d (seq %d): timestamp goes backwards", taskID, i, e.Seq)
		}
		expected := computeHash(prevHash, e.TaskID, e.Level, e.Message, e.Timestamp)
		if e.Hash != expected {
			return fmt.Errorf("task %s log %d (seq %d): hash mismatch: got %s, want %s", taskID, i, e.Seq, e.Hash, expected)
		}
		prevHash = e.Hash
		prevTS = e.Timestamp
	}
	return nil
}
