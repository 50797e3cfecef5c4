package process

import (
	"errors"
	"fmt"
	"io"

	"tinykern/pkg/hwctx"
)

// Process errors.
var (
	ErrBadDescriptor = errors.New("bad file descriptor")
	ErrWouldBlock    = errors.New("operation would block")
)

// PID is a process identifier. PIDs are never reused within a table.
type PID int

// State is the scheduling state of a process.
type State int

const (
	// StateNew is a process that has been created but not started.
	StateNew State = iota
	// StateRunning is the process that owns the CPU.
	StateRunning
	// StateRunnable is eligible to run.
	StateRunnable
	// StateBlockedSleep waits for the uptime to reach its wakeup time.
	StateBlockedSleep
	// StateBlockedWait waits for another process to die.
	StateBlockedWait
	// StateBlockedRead waits for a descriptor to become readable.
	StateBlockedRead
	// StateSkip1Pass is invisible to the scheduler for two more passes.
	StateSkip1Pass
	// StateSkip0Pass is invisible to the scheduler for one more pass.
	StateSkip0Pass
	// StateDead has terminated and waits to be reaped.
	StateDead
)

var stateNames = [...]string{
	StateNew:          "New",
	StateRunning:      "Running",
	StateRunnable:     "Runnable",
	StateBlockedSleep: "BlockedSleep",
	StateBlockedWait:  "BlockedWait",
	StateBlockedRead:  "BlockedRead",
	StateSkip1Pass:    "Skip1Pass",
	StateSkip0Pass:    "Skip0Pass",
	StateDead:         "Dead",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsBlocked reports whether s is one of the blocked states.
func (s State) IsBlocked() bool {
	return s == StateBlockedSleep || s == StateBlockedWait || s == StateBlockedRead
}

// IsRunnable reports whether the scheduler may pick a process in state s.
func (s State) IsRunnable() bool {
	return s == StateRunning || s == StateRunnable
}

// ParseState parses the name returned by State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown process state %q", name)
}

// FileDescription is an open file as seen by the scheduler.
type FileDescription interface {
	io.Reader
	// HasDataAvailableForRead reports whether at least one byte can be read
	// without blocking.
	HasDataAvailableForRead() bool
	// Buffered returns the number of bytes readable without blocking.
	Buffered() int
	// AtEOF reports whether no more data can arrive.
	AtEOF() bool
}

// Process is a schedulable unit of execution.
//
// The process table owns processes; the scheduler holds references. Fields
// without accessors are written by the process-management side and only
// read by the scheduler. All access happens with interrupts disabled.
type Process struct {
	// PID is the unique process identifier.
	PID PID
	// ParentPID is the PID of the parent process, 0 for kernel processes.
	ParentPID PID
	// Name is used in logs.
	Name string
	// Kernel is true for processes that only ever run kernel code.
	Kernel bool

	state State

	wakeupTime   uint64
	waiteePID    PID
	waiteeStatus int
	blockedFD    int

	ticksLeft      int
	timesScheduled uint64

	selector hwctx.Selector
	tss      hwctx.TaskState

	terminationStatus int
	terminationSignal Signal

	interruptedWhileBlocked bool
	inKernel                bool

	pending      SignalSet
	mask         SignalSet
	dispositions [NSIG]Disposition

	files []FileDescription
}

// NewProcess creates a process in state New.
func NewProcess(pid, parentPID PID, name string) *Process {
	return &Process{
		PID:       pid,
		ParentPID: parentPID,
		Name:      name,
		state:     StateNew,
		blockedFD: -1,
	}
}

// String implements fmt.Stringer.
func (p *Process) String() string { return fmt.Sprintf("%s(%d)", p.Name, p.PID) }

// State returns the scheduling state.
func (p *Process) State() State { return p.state }

// SetState sets the scheduling state without validation. It is reserved for
// the scheduler, which is the only writer of process state.
func (p *Process) SetState(s State) { p.state = s }

// IsBlocked reports whether the process is in a blocked state.
func (p *Process) IsBlocked() bool { return p.state.IsBlocked() }

// Unblock makes a blocked process runnable.
func (p *Process) Unblock() {
	if p.state.IsBlocked() {
		p.blockedFD = -1
		p.state = StateRunnable
	}
}

// WakeupTime returns the uptime at which a sleeping process wakes.
func (p *Process) WakeupTime() uint64 { return p.wakeupTime }

// WaiteePID returns the process a BlockedWait process waits for.
func (p *Process) WaiteePID() PID { return p.waiteePID }

// WaiteeStatus returns the wait status recorded when the waitee died.
func (p *Process) WaiteeStatus() int { return p.waiteeStatus }

// SetWaiteeStatus records the wait status of the waitee.
func (p *Process) SetWaiteeStatus(status int) { p.waiteeStatus = status }

// BlockedFD returns the descriptor a BlockedRead process waits on, or -1.
func (p *Process) BlockedFD() int { return p.blockedFD }

// TicksLeft returns the remainder of the current quantum.
func (p *Process) TicksLeft() int { return p.ticksLeft }

// SetTicksLeft grants a fresh quantum.
func (p *Process) SetTicksLeft(n int) { p.ticksLeft = n }

// Tick consumes one tick of the quantum and reports whether any is left.
func (p *Process) Tick() bool {
	p.ticksLeft--
	return p.ticksLeft > 0
}

// DidSchedule counts a scheduling decision in favour of the process.
func (p *Process) DidSchedule() { p.timesScheduled++ }

// TimesScheduled returns how often the scheduler picked the process.
func (p *Process) TimesScheduled() uint64 { return p.timesScheduled }

// Selector returns the hardware descriptor of the process, 0 if none has
// been assigned yet.
func (p *Process) Selector() hwctx.Selector { return p.selector }

// SetSelector records the hardware descriptor assigned by the scheduler.
func (p *Process) SetSelector(sel hwctx.Selector) { p.selector = sel }

// TaskState returns the saved execution context.
func (p *Process) TaskState() *hwctx.TaskState { return &p.tss }

// TerminationStatus returns the exit code.
func (p *Process) TerminationStatus() int { return p.terminationStatus }

// TerminationSignal returns the signal that killed the process, 0 if it
// exited normally.
func (p *Process) TerminationSignal() Signal { return p.terminationSignal }

// WaitStatus composes the status a waiter observes: exit code in the second
// byte, terminating signal in the low byte.
func (p *Process) WaitStatus() int {
	return (p.terminationStatus << 8) | int(p.terminationSignal)
}

// WasInterruptedWhileBlocked reports whether a signal cut the last block
// short.
func (p *Process) WasInterruptedWhileBlocked() bool { return p.interruptedWhileBlocked }

// SetInterruptedWhileBlocked records that a signal cut a block short.
func (p *Process) SetInterruptedWhileBlocked(v bool) { p.interruptedWhileBlocked = v }

// InKernel reports whether the process is executing kernel code.
func (p *Process) InKernel() bool { return p.inKernel || p.Kernel }

// EnterKernel marks the process as executing a system call.
func (p *Process) EnterKernel() { p.inKernel = true }

// LeaveKernel marks the process as back in user mode.
func (p *Process) LeaveKernel() { p.inKernel = false }

// AddFile installs f at the lowest free descriptor and returns it.
func (p *Process) AddFile(f FileDescription) int {
	for fd, cur := range p.files {
		if cur == nil {
			p.files[fd] = f
			return fd
		}
	}
	p.files = append(p.files, f)
	return len(p.files) - 1
}

// File returns the description behind fd.
func (p *Process) File(fd int) (FileDescription, error) {
	if fd < 0 || fd >= len(p.files) || p.files[fd] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	return p.files[fd], nil
}

// CloseFile releases fd.
func (p *Process) CloseFile(fd int) error {
	if _, err := p.File(fd); err != nil {
		return err
	}
	p.files[fd] = nil
	return nil
}

// FileCount returns the number of open descriptors.
func (p *Process) FileCount() int {
	n := 0
	for _, f := range p.files {
		if f != nil {
			n++
		}
	}
	return n
}

// Read reads n bytes from fd. If fewer are buffered and more may still
// arrive, nothing is consumed and ErrWouldBlock is returned; the caller
// blocks on fd and retries after waking. At end of file the remaining bytes
// are returned, or io.EOF if there are none.
func (p *Process) Read(fd, n int) ([]byte, error) {
	f, err := p.File(fd)
	if err != nil {
		return nil, err
	}
	if f.Buffered() < n && !f.AtEOF() {
		return nil, ErrWouldBlock
	}
	buf := make([]byte, n)
	got, err := io.ReadFull(f, buf)
	switch {
	case err == nil:
		return buf, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:got], nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	}
	return nil, fmt.Errorf("read fd %d: %w", fd, err)
}

// release drops everything the process holds. Called on reap.
func (p *Process) release() {
	p.files = nil
	p.pending = 0
}
