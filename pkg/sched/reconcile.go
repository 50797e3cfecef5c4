package sched

import (
	"tinykern/pkg/kpanic"
	"tinykern/pkg/process"
)

// reconcile resolves at most one pending condition per process.
func (s *Scheduler) reconcile() {
	now := s.clock.Uptime()
	s.table.ForEach(func(p *process.Process) bool {
		switch p.State() {
		case process.StateBlockedSleep:
			if p.WakeupTime() <= now {
				s.wake(p, WakeSleep)
			}

		case process.StateBlockedWait:
			waitee := s.table.Lookup(p.WaiteePID())
			if waitee == nil {
				kpanic.Panicf("waitee %d of %s reaped before I could wait", p.WaiteePID(), p)
			}
			if waitee.State() == process.StateDead {
				p.SetWaiteeStatus(waitee.WaitStatus())
				s.wake(p, WakeWait)
			}

		case process.StateBlockedRead:
			kpanic.Assert(p.BlockedFD() != -1, "%s blocked on read without a descriptor", p)
			f, err := p.File(p.BlockedFD())
			if err != nil {
				kpanic.Panicf("%s blocked on read: %v", p, err)
			}
			// Any data at all wakes the reader, even if it asked for more.
			// Read reports ErrWouldBlock and the reader blocks again.
			if f.HasDataAvailableForRead() {
				s.wake(p, WakeRead)
			}

		case process.StateSkip1Pass:
			p.SetState(process.StateSkip0Pass)

		case process.StateSkip0Pass:
			p.SetState(process.StateRunnable)

		case process.StateDead:
			if s.table.Lookup(p.ParentPID) == nil {
				s.reap(p)
			}

		case process.StateNew, process.StateRunning, process.StateRunnable:
		}
		return true
	})
}

func (s *Scheduler) wake(p *process.Process, reason WakeReason) {
	p.Unblock()
	s.logger.Debug("wake", "pid", p.PID, "reason", reason, "uptime", s.clock.Uptime())
	s.recorder.Record(Event{Kind: EventWake, Uptime: s.clock.Uptime(), PID: p.PID, Detail: string(reason)})
}

func (s *Scheduler) reap(p *process.Process) {
	if err := s.table.Reap(p.PID); err != nil {
		kpanic.Panicf("reap orphan %s: %v", p, err)
	}
	s.logger.Debug("reaped orphan", "pid", p.PID, "status", p.WaitStatus())
	s.recorder.Record(Event{Kind: EventReap, Uptime: s.clock.Uptime(), PID: p.PID, Status: p.WaitStatus()})
}

// dispatchSignals delivers at most one signal to every live process with
// a deliverable signal pending.
func (s *Scheduler) dispatchSignals() {
	s.table.ForEachNotInState(process.StateDead, func(p *process.Process) bool {
		if !p.HasUnmaskedPendingSignals() {
			return true
		}
		// A process running kernel code is left alone; it will reach user
		// mode or block soon enough and the signal is delivered then.
		if p.InKernel() && !p.IsBlocked() {
			return true
		}
		sig := p.DispatchOnePendingSignal(s)
		interrupted := p.IsBlocked()
		if interrupted {
			p.SetInterruptedWhileBlocked(true)
			p.Unblock()
		}
		s.logger.Debug("signal dispatched", "pid", p.PID, "signal", sig, "interrupted", interrupted)
		s.recorder.Record(Event{Kind: EventSignal, Uptime: s.clock.Uptime(), PID: p.PID, Detail: sig.String(), Interrupted: interrupted})
		return true
	})
}
