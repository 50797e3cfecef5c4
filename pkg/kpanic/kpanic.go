// Package kpanic halts the kernel on invariant violations.
//
// Fatal conditions are never returned as errors: they indicate a bug in
// another subsystem and the only safe reaction is to stop. In the simulator
// a halt is a Go panic carrying an error that wraps ErrHalt, so tests and the
// simulation driver can recover it and report what happened.
package kpanic

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrHalt is wrapped by every value passed to panic by this package.
var ErrHalt = errors.New("kernel halted")

// Logger receives the message before the kernel halts. Nil disables it.
var Logger *slog.Logger

// Panicf halts the kernel with a formatted message.
func Panicf(format string, args ...any) {
	err := fmt.Errorf("%w: %s", ErrHalt, fmt.Sprintf(format, args...))
	if Logger != nil {
		Logger.Error("PANIC", "error", err)
	}
	panic(err)
}

// Assert halts the kernel if cond is false.
func Assert(cond bool, format string, args ...any) {
	if !cond {
		Panicf("assertion failed: "+format, args...)
	}
}

// Recover converts a kernel halt raised by Panicf into an error. Any other
// panic value is re-raised. It must be called directly from a deferred
// function:
//
//	defer func() { err = kpanic.Recover(recover()) }()
func Recover(r any) error {
	if r == nil {
		return nil
	}
	if err, ok := r.(error); ok && errors.Is(err, ErrHalt) {
		return err
	}
	panic(r)
}
