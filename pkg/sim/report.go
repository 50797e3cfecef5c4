package sim

import (
	"time"

	"tinykern/pkg/process"
	"tinykern/pkg/sched"
)

// Report summarizes a run.
type Report struct {
	Scenario string
	Ticks    uint64
	// Elapsed is Ticks at the configured timer rate.
	Elapsed time.Duration
	// Finished is true if every scenario process died before the limit.
	Finished bool
	// Switches counts hardware task switches, far jumps and interrupt
	// returns alike.
	Switches  uint64
	Decisions int
	Quantum   int
	Processes []ProcessReport
	Events    []sched.Event
}

// ProcessReport is the final state of one scenario process.
type ProcessReport struct {
	PID            process.PID
	Name           string
	State          process.State
	Reaped         bool
	WaitStatus     int
	Signal         process.Signal
	TimesScheduled uint64
	// Handlers counts signal handler frames pushed onto the context.
	Handlers    int
	Interrupted int
	Reads       []string
	Collected   []Collected
	Errors      []string
}

func (m *Machine) report(finished bool) *Report {
	r := &Report{
		Scenario:  m.scenario.Name,
		Ticks:     m.timer.Uptime(),
		Elapsed:   m.timer.Duration(m.timer.Uptime()),
		Finished:  finished,
		Switches:  m.gdt.Switches(),
		Decisions: m.trace.Count(sched.EventSwitch),
		Quantum:   m.sched.Quantum(),
		Events:    m.trace.Events(),
	}
	for _, t := range m.order {
		p := t.proc
		pr := ProcessReport{
			PID:            p.PID,
			Name:           p.Name,
			State:          p.State(),
			Reaped:         m.procs.Lookup(p.PID) == nil,
			TimesScheduled: p.TimesScheduled(),
			Handlers:       len(p.TaskState().Frames),
			Interrupted:    t.interrupted,
			Reads:          t.reads,
			Collected:      t.collected,
			Errors:         t.failures,
		}
		if p.State() == process.StateDead {
			pr.WaitStatus = p.WaitStatus()
			pr.Signal = p.TerminationSignal()
		}
		r.Processes = append(r.Processes, pr)
	}
	return r
}

// Process returns the report of the named process, or nil.
func (r *Report) Process(name string) *ProcessReport {
	for i := range r.Processes {
		if r.Processes[i].Name == name {
			return &r.Processes[i]
		}
	}
	return nil
}
