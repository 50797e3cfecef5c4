// Package timer is the periodic interrupt source. Every tick advances the
// system uptime and runs the registered handlers in registration order.
package timer

import (
	"log/slog"
	"time"
)

// DefaultTicksPerSecond is the interrupt rate used when none is given.
const DefaultTicksPerSecond = 1000

// Handler runs on every tick.
type Handler func()

// Timer counts ticks since boot.
type Timer struct {
	uptime   uint64
	rate     int
	handlers []Handler
	logger   *slog.Logger
}

// New creates a timer firing ticksPerSecond times per second.
func New(ticksPerSecond int, logger *slog.Logger) *Timer {
	if ticksPerSecond <= 0 {
		ticksPerSecond = DefaultTicksPerSecond
	}
	return &Timer{
		rate:   ticksPerSecond,
		logger: logger.With("component", "timer"),
	}
}

// Register adds h to the handlers run on every tick.
func (t *Timer) Register(h Handler) {
	t.handlers = append(t.handlers, h)
}

// Uptime returns the number of ticks since boot.
func (t *Timer) Uptime() uint64 { return t.uptime }

// TicksPerSecond returns the interrupt rate.
func (t *Timer) TicksPerSecond() int { return t.rate }

// Tick is the timer interrupt: the uptime advances first, so handlers see
// the new value.
func (t *Timer) Tick() {
	t.uptime++
	for _, h := range t.handlers {
		h()
	}
}

// Duration converts a tick count to wall-clock time at the timer's rate.
func (t *Timer) Duration(ticks uint64) time.Duration {
	return time.Duration(ticks) * time.Second / time.Duration(t.rate)
}

// Ticks converts d to whole ticks, rounding up so that a sleep never ends
// early.
func (t *Timer) Ticks(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	per := time.Second / time.Duration(t.rate)
	return uint64((d + per - 1) / per)
}
