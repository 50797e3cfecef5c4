package process

import (
	"errors"
	"fmt"
)

// State transition errors.
var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrProcessNotFound   = errors.New("process not found")
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From State
	To   State
}

// ValidTransitions lists the transitions a process may make on its own
// behalf. The scheduler bypasses this table through SetState and Unblock.
var ValidTransitions = []StateTransition{
	// Start: New -> Runnable
	{From: StateNew, To: StateRunnable},
	// Blocking system calls
	{From: StateRunning, To: StateBlockedSleep},
	{From: StateRunning, To: StateBlockedWait},
	{From: StateRunning, To: StateBlockedRead},
	// Deferral of the next two scheduler passes
	{From: StateRunning, To: StateSkip1Pass},
	// Exit
	{From: StateRunning, To: StateDead},
	// Killed by a signal while not on the CPU
	{From: StateRunnable, To: StateDead},
	{From: StateBlockedSleep, To: StateDead},
	{From: StateBlockedWait, To: StateDead},
	{From: StateBlockedRead, To: StateDead},
	{From: StateSkip1Pass, To: StateDead},
	{From: StateSkip0Pass, To: StateDead},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to State) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CanTransition checks if a process can transition to the given state.
func (p *Process) CanTransition(to State) bool {
	return IsValidTransition(p.state, to)
}

// TransitionTo attempts to transition the process to a new state.
func (p *Process) TransitionTo(to State) error {
	if !IsValidTransition(p.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.state, to)
	}
	p.state = to
	return nil
}

// Start makes a new process runnable.
func (p *Process) Start() error {
	return p.TransitionTo(StateRunnable)
}

// Sleep blocks the running process until the uptime reaches now+ticks.
func (p *Process) Sleep(now, ticks uint64) error {
	if err := p.TransitionTo(StateBlockedSleep); err != nil {
		return err
	}
	p.wakeupTime = now + ticks
	p.interruptedWhileBlocked = false
	return nil
}

// waitFor blocks the running process until pid dies. Callers go through
// Table.Wait, which checks that pid exists.
func (p *Process) waitFor(pid PID) error {
	if err := p.TransitionTo(StateBlockedWait); err != nil {
		return err
	}
	p.waiteePID = pid
	p.waiteeStatus = 0
	p.interruptedWhileBlocked = false
	return nil
}

// BlockOnRead blocks the running process until fd has data.
func (p *Process) BlockOnRead(fd int) error {
	if _, err := p.File(fd); err != nil {
		return err
	}
	if err := p.TransitionTo(StateBlockedRead); err != nil {
		return err
	}
	p.blockedFD = fd
	p.interruptedWhileBlocked = false
	return nil
}

// SkipSchedulerPasses hides the running process from the scheduler for the
// next two passes.
func (p *Process) SkipSchedulerPasses() error {
	return p.TransitionTo(StateSkip1Pass)
}

// Exit terminates the running process with the given exit code.
func (p *Process) Exit(code int) error {
	if err := p.TransitionTo(StateDead); err != nil {
		return err
	}
	p.terminationStatus = code & 0xff
	p.terminationSignal = 0
	return nil
}

// terminateDueToSignal kills the process on behalf of sig.
func (p *Process) terminateDueToSignal(sig Signal) {
	p.state = StateDead
	p.terminationStatus = 0
	p.terminationSignal = sig
}
