package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	for i := 0; i < cap(slow)+10; i++ {
		b.Publish(Event{Type: EventLog, TaskID: "t"})
	}
	assert.Len(t, slow, cap(slow))
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: EventLog})
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Type: EventLog})
}
