// Package trace records scheduling events and persists whole simulation
// runs to SQLite.
package trace

import (
	"github.com/google/uuid"

	"tinykern/pkg/sched"
)

// Buffer keeps scheduling events in memory. It implements sched.Recorder.
type Buffer struct {
	events  []sched.Event
	limit   int
	dropped int
}

// NewBuffer creates a buffer holding at most limit events. Zero means no
// limit; once full, newer events are counted and dropped.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Record implements sched.Recorder.
func (b *Buffer) Record(e sched.Event) {
	if b.limit > 0 && len(b.events) >= b.limit {
		b.dropped++
		return
	}
	b.events = append(b.events, e)
}

// Events returns the recorded events in order.
func (b *Buffer) Events() []sched.Event { return b.events }

// Dropped returns the number of events that did not fit.
func (b *Buffer) Dropped() int { return b.dropped }

// Count returns the number of recorded events of the given kind.
func (b *Buffer) Count(kind sched.EventKind) int {
	n := 0
	for _, e := range b.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()
}
