/*
Package sched is the process scheduler of a single-core kernel.

It decides which process runs next, wakes blocked processes whose
conditions are met, delivers pending signals and hands the CPU from one
process to another through hardware task switching.

Every entry point runs with interrupts disabled: the process table and the
current-process pointer are mutated without locks, and the interrupt flag is
the only thing keeping the timer from re-entering the scheduler halfway
through a decision.

# Scheduling Pass

Each decision runs three steps over the process list:

  - reconciliation: blocked processes whose condition is met become
    Runnable, skip states advance, orphaned dead processes are reaped
  - signal dispatch: at most one pending signal per process is delivered,
    interrupting blocked processes
  - selection: the list is rotated until a Running or Runnable process
    comes up; the idle process ("colonel") is the fallback

# Redirection Context

The CPU refuses to edit the task state of the active task. A spare task
state, the redirection context, is loaded into the task register first so
that the real one becomes inactive; the next task switch then leaves the
redirection context behind. The same context receives control at boot and
carries the backlink for returns from the timer interrupt.
*/
package sched

import (
	"errors"
	"fmt"
	"log/slog"

	"tinykern/pkg/hwctx"
	"tinykern/pkg/intr"
	"tinykern/pkg/kpanic"
	"tinykern/pkg/process"
)

// DefaultQuantum is the number of timer ticks granted per dispatch.
const DefaultQuantum = 5

// ColonelName is the name of the idle process.
const ColonelName = "colonel"

// ErrNotSwitched is returned by Yield when the decision kept the current
// process, for example because nothing else is runnable. The caller simply
// continues.
var ErrNotSwitched = errors.New("no switch performed")

// Table is the process table as the scheduler sees it.
type Table interface {
	Lookup(pid process.PID) *process.Process
	ForEach(fn func(*process.Process) bool)
	ForEachNotInState(s process.State, fn func(*process.Process) bool)
	Head() *process.Process
	Rotate() *process.Process
	Reap(pid process.PID) error
	CreateKernelProcess(name string) (*process.Process, error)
}

// Switcher is the hardware task-switching contract.
type Switcher interface {
	Alloc() (hwctx.Selector, error)
	Bind(sel hwctx.Selector, ts *hwctx.TaskState) error
	SetBusy(sel hwctx.Selector, busy bool) error
	LoadTaskRegister(sel hwctx.Selector) error
	IsActive(sel hwctx.Selector) bool
	Jump(sel hwctx.Selector) error
	ReturnFromInterrupt() error
	Modify(sel hwctx.Selector, fn func(*hwctx.TaskState)) error
}

// Interrupts controls the interrupt flag.
type Interrupts interface {
	Disable() intr.Disabler
	Enable()
	AssertDisabled()
}

// Clock reports the uptime in ticks.
type Clock interface {
	Uptime() uint64
}

// Options configures a Scheduler.
type Options struct {
	// Quantum is the number of ticks granted per dispatch. Zero means
	// DefaultQuantum.
	Quantum int
	// Recorder, if set, is told about every scheduling event.
	Recorder Recorder
	Logger   *slog.Logger
}

// Scheduler owns the scheduling state of the kernel: the current process,
// the idle process and the redirection context.
type Scheduler struct {
	table    Table
	hw       Switcher
	irq      Interrupts
	clock    Clock
	quantum  int
	recorder Recorder
	logger   *slog.Logger

	current *process.Process
	colonel *process.Process

	redirection         hwctx.TaskState
	redirectionSelector hwctx.Selector
}

// New creates a scheduler. Initialize must be called before anything else.
func New(table Table, hw Switcher, irq Interrupts, clock Clock, opts Options) *Scheduler {
	quantum := opts.Quantum
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Scheduler{
		table:    table,
		hw:       hw,
		irq:      irq,
		clock:    clock,
		quantum:  quantum,
		recorder: recorder,
		logger:   logger.With("component", "sched"),
	}
}

// Initialize sets up the redirection context, creates the idle process and
// makes the redirection context the active task. There is no current
// process afterwards; the first decision switches to the idle process.
func (s *Scheduler) Initialize() error {
	s.redirection = hwctx.TaskState{}
	sel, err := s.hw.Alloc()
	if err != nil {
		return fmt.Errorf("allocate redirection descriptor: %w", err)
	}
	s.redirectionSelector = sel
	if err := s.hw.Bind(sel, &s.redirection); err != nil {
		return fmt.Errorf("bind redirection descriptor: %w", err)
	}

	colonel, err := s.table.CreateKernelProcess(ColonelName)
	if err != nil {
		return fmt.Errorf("create idle process: %w", err)
	}
	s.colonel = colonel
	s.current = nil

	if err := s.hw.LoadTaskRegister(sel); err != nil {
		return fmt.Errorf("load redirection task: %w", err)
	}
	s.logger.Info("scheduler initialized", "colonel", colonel.PID, "redirection", sel, "quantum", s.quantum)
	return nil
}

// Current returns the running process, nil before the first decision.
func (s *Scheduler) Current() *process.Process { return s.current }

// Idle returns the idle process.
func (s *Scheduler) Idle() *process.Process { return s.colonel }

// Quantum returns the number of ticks granted per dispatch.
func (s *Scheduler) Quantum() int { return s.quantum }

// RedirectionSelector returns the descriptor of the redirection context.
func (s *Scheduler) RedirectionSelector() hwctx.Selector { return s.redirectionSelector }

// RedirectionContext returns the redirection task state.
func (s *Scheduler) RedirectionContext() *hwctx.TaskState { return &s.redirection }

// Yield gives up the CPU voluntarily. A process that blocks sets its state
// first and then yields.
func (s *Scheduler) Yield() error {
	if s.current == nil {
		kpanic.Panicf("yield with no current process")
	}

	d := s.irq.Disable()
	defer d.Restore()

	if !s.PickNext() {
		return ErrNotSwitched
	}
	s.SwitchNow()
	return nil
}

// PickNextAndSwitchNow forces a switch from a context that already runs
// with interrupts disabled and cannot continue the current process, such as
// the exit path.
func (s *Scheduler) PickNextAndSwitchNow() {
	s.irq.AssertDisabled()
	someoneWantsToRun := s.PickNext()
	kpanic.Assert(someoneWantsToRun, "pick_next_and_switch_now found nobody to run")
	s.SwitchNow()
}

// SwitchNow jumps into the current process. The scheduler has already
// marked its descriptor busy; a far jump needs it available.
func (s *Scheduler) SwitchNow() {
	sel := s.current.Selector()
	s.must(s.hw.SetBusy(sel, false), "mark %s available", s.current)
	s.irq.Enable()
	s.must(s.hw.Jump(sel), "jump to %s", s.current)
}

// PickNext runs a scheduling pass and records the chosen process as
// current. It reports whether the current process changed.
func (s *Scheduler) PickNext() bool {
	s.irq.AssertDisabled()

	if s.current == nil {
		// The first switch goes to the idle process so that there is a
		// known place to return to.
		return s.contextSwitch(s.colonel)
	}

	s.reconcile()
	s.dispatchSignals()
	return s.contextSwitch(s.selectNext())
}

// selectNext rotates the process list until a process that wants the CPU
// comes up. If the rotation gets back to where it started, the idle process
// runs.
func (s *Scheduler) selectNext() *process.Process {
	prevHead := s.table.Head()
	for {
		p := s.table.Rotate()
		if p.State().IsRunnable() {
			return p
		}
		if p == prevHead {
			return s.colonel
		}
	}
}

// contextSwitch makes p the current process. It reports false if p already
// was current.
func (s *Scheduler) contextSwitch(p *process.Process) bool {
	p.SetTicksLeft(s.quantum)
	p.DidSchedule()

	if s.current == p {
		return false
	}

	from := s.current
	if from != nil && from.State() == process.StateRunning {
		// Preempted rather than blocked: back in the queue.
		from.SetState(process.StateRunnable)
	}

	s.current = p
	p.SetState(process.StateRunning)

	if p.Selector() == 0 {
		sel, err := s.hw.Alloc()
		s.must(err, "allocate descriptor for %s", p)
		s.must(s.hw.Bind(sel, p.TaskState()), "bind descriptor for %s", p)
		p.SetSelector(sel)
	}
	s.must(s.hw.SetBusy(p.Selector(), true), "mark %s busy", p)

	var fromPID process.PID
	if from != nil {
		fromPID = from.PID
	}
	s.logger.Debug("context switch", "from", fromPID, "to", p.PID, "name", p.Name, "uptime", s.clock.Uptime())
	s.recorder.Record(Event{Kind: EventSwitch, Uptime: s.clock.Uptime(), PID: p.PID, Other: fromPID})
	return true
}

// must halts the kernel on a hardware error. The descriptor table only
// fails on a scheduler bug.
func (s *Scheduler) must(err error, format string, args ...any) {
	if err != nil {
		kpanic.Panicf("%s: %v", fmt.Sprintf(format, args...), err)
	}
}
