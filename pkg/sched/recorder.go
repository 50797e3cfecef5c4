package sched

import "tinykern/pkg/process"

// EventKind classifies scheduling events.
type EventKind string

const (
	EventSwitch EventKind = "switch"
	EventWake   EventKind = "wake"
	EventSignal EventKind = "signal"
	EventReap   EventKind = "reap"
)

// WakeReason says which condition woke a blocked process.
type WakeReason string

const (
	WakeSleep WakeReason = "sleep"
	WakeWait  WakeReason = "wait"
	WakeRead  WakeReason = "read"
)

// Event is one scheduling event.
type Event struct {
	Kind   EventKind
	Uptime uint64
	PID    process.PID
	// Other is the previous process of a switch.
	Other process.PID
	// Status is the wait status of a reaped process.
	Status int
	// Detail is the wake reason or the signal name.
	Detail      string
	Interrupted bool
}

// Recorder receives scheduling events. It is called with interrupts
// disabled and must not block.
type Recorder interface {
	Record(e Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(Event) {}
