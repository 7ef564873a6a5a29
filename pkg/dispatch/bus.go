package dispatch

import (
	"sync"
	"time"

	"zaki-os/pkg/task"
)

// EventType names what happened to a task.
type EventType string

const (
	EventCreated    EventType = "task.created"
	EventTransition EventType = "task.transitioned"
	EventLog        EventType = "task.logged"
)

// Event is published after a change commits.
type Event struct {
	Type   EventType      `json:"type"`
	TaskID string         `json:"task_id"`
	From   task.Status    `json:"from,omitempty"`
	To     task.Status    `json:"to,omitempty"`
	Task   *task.Task     `json:"task,omitempty"`
	Log    *task.LogEntry `json:"log,omitempty"`
	At     time.Time      `json:"at"`
}

// Bus is an in-process fan-out of committed task events. Slow subscribers
// miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// subscriber is behind; drop to avoid blocking the writer
		}
	}
	b.mu.RUnlock()
}

// Subscribe returns a buffered channel that receives all new events.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
