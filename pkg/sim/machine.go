// Package sim runs scenarios on the kernel: it boots the scheduler on a
// simulated descriptor table, spawns the scenario's processes and drives
// them tick by tick.
//
// Each tick, external events due at the current uptime are applied, the
// current process executes one step of its program, and the timer fires.
// Blocking steps behave like system calls: the process enters the kernel,
// marks itself blocked and yields, and the call completes the next time the
// process is dispatched.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tinykern/pkg/config"
	"tinykern/pkg/hwctx"
	"tinykern/pkg/intr"
	"tinykern/pkg/kpanic"
	"tinykern/pkg/logging"
	"tinykern/pkg/process"
	"tinykern/pkg/process/ipc"
	"tinykern/pkg/scenario"
	"tinykern/pkg/sched"
	"tinykern/pkg/timer"
	"tinykern/pkg/trace"
)

// ErrNotBooted is returned when a scenario is loaded before Boot.
var ErrNotBooted = errors.New("machine not booted")

type pipeEnds struct {
	r *ipc.ReadEnd
	w *ipc.WriteEnd
}

// Machine is one simulated computer.
type Machine struct {
	cfg    config.Config
	logger *slog.Logger

	procs *process.Table
	gdt   *hwctx.Table
	irq   *intr.Controller
	timer *timer.Timer
	sched *sched.Scheduler
	trace *trace.Buffer

	booted   bool
	scenario *scenario.Scenario
	pipes    map[string]*pipeEnds
	pids     map[string]process.PID
	tasks    map[process.PID]*task
	order    []*task
	events   []scenario.Event
	next     int
}

// New builds the kernel components from cfg. The logger is taken from ctx.
func New(ctx context.Context, cfg config.Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.FromContext(ctx)

	m := &Machine{
		cfg:    cfg,
		logger: logger.With("component", "sim"),
		procs:  process.NewTable(logger),
		gdt:    hwctx.NewTable(cfg.Kernel.DescriptorSlots, logger),
		irq:    intr.NewController(),
		timer:  timer.New(cfg.Kernel.TicksPerSecond, logger),
		trace:  trace.NewBuffer(0),
		pipes:  make(map[string]*pipeEnds),
		pids:   make(map[string]process.PID),
		tasks:  make(map[process.PID]*task),
	}
	m.procs.SetDescriptorPool(m.gdt)
	m.sched = sched.New(m.procs, m.gdt, m.irq, m.timer, sched.Options{
		Quantum:  cfg.Kernel.Quantum,
		Recorder: m.trace,
		Logger:   logger,
	})
	return m, nil
}

// Boot initializes the scheduler, hooks it to the timer and performs the
// first switch into the idle process.
func (m *Machine) Boot() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kpanic.Recover(r)
		}
	}()

	if err := m.sched.Initialize(); err != nil {
		return fmt.Errorf("initialize scheduler: %w", err)
	}
	m.timer.Register(m.sched.OnTick)

	// Interrupts are still off from boot.
	m.sched.PickNextAndSwitchNow()
	m.booted = true
	m.logger.Info("booted", "colonel", m.sched.Idle().PID, "quantum", m.sched.Quantum())
	return nil
}

// Load creates the scenario's pipes and spawns its processes in
// declaration order.
func (m *Machine) Load(s *scenario.Scenario) error {
	if !m.booted {
		return ErrNotBooted
	}
	if err := s.Validate(); err != nil {
		return err
	}

	for _, p := range s.Pipes {
		r, w := ipc.NewPipe(p.Capacity)
		m.pipes[p.Name] = &pipeEnds{r: r, w: w}
	}

	for _, sp := range s.Processes {
		p, err := m.procs.Create(process.CreateConfig{
			Name:      sp.Name,
			ParentPID: m.pids[sp.Parent],
			Kernel:    sp.Kernel,
		})
		if err != nil {
			return fmt.Errorf("spawn %s: %w", sp.Name, err)
		}
		for _, f := range sp.Files {
			p.AddFile(m.pipes[f].r)
		}
		if err := p.Start(); err != nil {
			return fmt.Errorf("start %s: %w", sp.Name, err)
		}

		t := &task{proc: p, program: sp.Program}
		m.pids[sp.Name] = p.PID
		m.tasks[p.PID] = t
		m.order = append(m.order, t)
		m.logger.Debug("spawned", "pid", p.PID, "name", p.Name, "parent", p.ParentPID, "steps", len(sp.Program))
	}

	m.scenario = s
	m.events = s.SortedEvents()
	m.next = 0
	return nil
}

// Run drives the loaded scenario until every scenario process has died,
// the tick limit is reached, or ctx is done. A kernel halt ends the run
// with an error wrapping kpanic.ErrHalt; the report covers what happened
// up to that point.
func (m *Machine) Run(ctx context.Context) (report *Report, err error) {
	if m.scenario == nil {
		return nil, errors.New("no scenario loaded")
	}
	maxTicks := m.cfg.Sim.MaxTicks
	if m.scenario.MaxTicks > 0 {
		maxTicks = uint64(m.scenario.MaxTicks)
	}

	defer func() {
		if r := recover(); r != nil {
			err = kpanic.Recover(r)
			report = m.report(false)
		}
	}()

	m.logger.Info("run started", "scenario", m.scenario.Name, "processes", len(m.order), "max_ticks", maxTicks)
	for m.timer.Uptime() < maxTicks {
		if err := ctx.Err(); err != nil {
			return m.report(false), err
		}
		if m.finished() {
			break
		}

		m.applyEvents()
		m.step()
		m.timer.Tick()
	}

	done := m.finished()
	m.logger.Info("run finished", "scenario", m.scenario.Name, "ticks", m.timer.Uptime(),
		"finished", done, "switches", m.gdt.Switches())
	return m.report(done), nil
}

// finished reports whether every scenario process has died.
func (m *Machine) finished() bool {
	for _, t := range m.order {
		if t.proc.State() != process.StateDead {
			return false
		}
	}
	return true
}

func (m *Machine) applyEvents() {
	now := m.timer.Uptime()
	for m.next < len(m.events) && uint64(m.events[m.next].At) <= now {
		e := m.events[m.next]
		m.next++

		var err error
		switch e.Op {
		case scenario.OpWrite:
			_, err = m.pipes[e.Pipe].w.WriteString(e.Data)
		case scenario.OpClose:
			err = m.pipes[e.Pipe].w.Close()
		case scenario.OpSignal:
			sig, _ := process.ParseSignal(e.Signal)
			err = m.procs.SendSignal(m.pids[e.Process], sig)
		}
		if err != nil {
			m.logger.Warn("event failed", "at", e.At, "op", e.Op, "error", err)
			continue
		}
		m.logger.Debug("event", "at", e.At, "op", e.Op, "pipe", e.Pipe, "process", e.Process, "signal", e.Signal)
	}
}

// step runs one tick's worth of the current process.
func (m *Machine) step() {
	cur := m.sched.Current()
	t := m.tasks[cur.PID]
	if t == nil {
		// The idle process halts until the next interrupt.
		return
	}
	if cur.State() == process.StateRunnable {
		// A decision that kept the current process leaves it in the state a
		// wake-up gave it; it owns the CPU all the same.
		cur.SetState(process.StateRunning)
	}

	switch {
	case t.blocked != nil:
		m.resume(t)
	case t.computeLeft > 0:
		t.computeLeft--
	case t.pc >= len(t.program):
		m.exit(t, 0)
	default:
		st := t.program[t.pc]
		t.pc++
		m.execute(t, st)
	}
}

// yield gives up the CPU on behalf of the current process.
func (m *Machine) yield() {
	if err := m.sched.Yield(); err != nil && !errors.Is(err, sched.ErrNotSwitched) {
		m.logger.Warn("yield failed", "error", err)
	}
}

// exit terminates the current process. The exit path runs with interrupts
// disabled and must switch away.
func (m *Machine) exit(t *task, code int) {
	d := m.irq.Disable()
	defer d.Restore()

	if err := t.proc.Exit(code); err != nil {
		kpanic.Panicf("exit %s: %v", t.proc, err)
	}
	m.logger.Debug("exit", "pid", t.proc.PID, "code", code, "uptime", m.timer.Uptime())
	m.sched.PickNextAndSwitchNow()
}

// Scheduler returns the scheduler.
func (m *Machine) Scheduler() *sched.Scheduler { return m.sched }

// Trace returns the recorded scheduling events.
func (m *Machine) Trace() *trace.Buffer { return m.trace }

// Uptime returns the ticks since boot.
func (m *Machine) Uptime() uint64 { return m.timer.Uptime() }
