package sim

import (
	"errors"
	"io"

	"tinykern/pkg/process"
	"tinykern/pkg/scenario"
)

// task is the user-space side of a scenario process: its program and the
// system call it is blocked in, if any.
type task struct {
	proc    *process.Process
	program []scenario.Step
	pc      int

	computeLeft int
	// blocked is the step whose system call has not completed.
	blocked *scenario.Step

	reads       []string
	collected   []Collected
	interrupted int
	failures    []string
}

// Collected is a child status obtained by a completed wait.
type Collected struct {
	Process string
	Status  int
}

func (t *task) fail(op scenario.Op, err error) {
	t.failures = append(t.failures, string(op)+": "+err.Error())
}

func (m *Machine) execute(t *task, st scenario.Step) {
	p := t.proc
	switch st.Op {
	case scenario.OpCompute:
		t.computeLeft = st.Ticks - 1

	case scenario.OpSleep:
		p.EnterKernel()
		if err := p.Sleep(m.timer.Uptime(), uint64(st.Ticks)); err != nil {
			m.syscallFailed(t, st.Op, err)
			return
		}
		m.block(t, st)

	case scenario.OpWait:
		p.EnterKernel()
		if err := m.procs.Wait(p, m.pids[st.Process]); err != nil {
			m.syscallFailed(t, st.Op, err)
			return
		}
		m.block(t, st)

	case scenario.OpRead:
		p.EnterKernel()
		m.read(t, st)

	case scenario.OpWrite:
		if _, err := m.pipes[st.Pipe].w.WriteString(st.Data); err != nil {
			t.fail(st.Op, err)
		}

	case scenario.OpClose:
		if err := m.pipes[st.Pipe].w.Close(); err != nil {
			t.fail(st.Op, err)
		}

	case scenario.OpExit:
		m.exit(t, st.Code)

	case scenario.OpSignal:
		sig, _ := process.ParseSignal(st.Signal)
		if err := m.procs.SendSignal(m.pids[st.Process], sig); err != nil {
			t.fail(st.Op, err)
		}

	case scenario.OpMask:
		sig, _ := process.ParseSignal(st.Signal)
		p.SetSignalMask(p.SignalMask().Add(sig))

	case scenario.OpUnmask:
		sig, _ := process.ParseSignal(st.Signal)
		p.SetSignalMask(p.SignalMask().Remove(sig))

	case scenario.OpHandle:
		sig, _ := process.ParseSignal(st.Signal)
		action, _ := scenario.ParseAction(st.Action)
		if err := p.SetDisposition(sig, process.Disposition{Action: action, Handler: st.Handler}); err != nil {
			t.fail(st.Op, err)
		}

	case scenario.OpSkip:
		if err := p.SkipSchedulerPasses(); err != nil {
			t.fail(st.Op, err)
			return
		}
		m.yield()

	case scenario.OpEnterKernel:
		p.EnterKernel()

	case scenario.OpLeaveKernel:
		p.LeaveKernel()

	case scenario.OpYield:
		m.yield()
	}
}

// block parks the current process in the system call st and yields.
func (m *Machine) block(t *task, st scenario.Step) {
	t.blocked = &st
	m.yield()
}

// resume completes the system call a process was blocked in, now that it
// runs again.
func (m *Machine) resume(t *task) {
	p := t.proc
	st := *t.blocked

	if p.WasInterruptedWhileBlocked() {
		// The call returns early; the program moves on.
		p.SetInterruptedWhileBlocked(false)
		t.interrupted++
		m.logger.Debug("syscall interrupted", "pid", p.PID, "op", st.Op)
		m.syscallDone(t)
		return
	}

	switch st.Op {
	case scenario.OpWait:
		status, err := m.procs.CollectWaitee(p)
		if err != nil {
			t.fail(st.Op, err)
			break
		}
		t.collected = append(t.collected, Collected{Process: st.Process, Status: status})
	case scenario.OpRead:
		// Woken by any data at all; the request may still not fit.
		m.read(t, st)
		return
	}
	m.syscallDone(t)
}

// read attempts st and blocks the process if not enough data is buffered.
func (m *Machine) read(t *task, st scenario.Step) {
	p := t.proc
	data, err := p.Read(st.FD, st.Bytes)
	switch {
	case errors.Is(err, process.ErrWouldBlock):
		if err := p.BlockOnRead(st.FD); err != nil {
			m.syscallFailed(t, st.Op, err)
			return
		}
		m.block(t, st)
		return
	case errors.Is(err, io.EOF):
		t.reads = append(t.reads, "<EOF>")
	case err != nil:
		t.fail(st.Op, err)
	default:
		t.reads = append(t.reads, string(data))
	}
	m.syscallDone(t)
}

func (m *Machine) syscallDone(t *task) {
	t.blocked = nil
	t.proc.LeaveKernel()
}

func (m *Machine) syscallFailed(t *task, op scenario.Op, err error) {
	t.fail(op, err)
	m.syscallDone(t)
}
