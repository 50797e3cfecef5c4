/*
Package process provides the process records and the process table the
scheduler works on.

A process is owned by the Table; the scheduler only holds references.
Other kernel subsystems write the wait conditions of a process (wakeup
time, waitee, blocked descriptor) and its termination status through the
methods here; the scheduler reads them and is the only writer of the
scheduling state once a process has started.

# Process States

  - New: created, not yet started
  - Runnable: eligible to run
  - Running: owns the CPU; exactly one process once scheduling has started
  - BlockedSleep: waits for the uptime to reach its wakeup time
  - BlockedWait: waits for another process to die
  - BlockedRead: waits for a descriptor to have data
  - Skip1Pass, Skip0Pass: hidden from the scheduler for two, then one, more
    passes
  - Dead: terminated, waiting to be reaped

# Usage

Blocking system calls change the state of the running process before they
reach the scheduler:

	if err := p.Sleep(clock.Uptime(), 10); err != nil {
		return err
	}
	return scheduler.Yield()

After waking, a waiter collects the status of its waitee, which also reaps
it:

	if err := table.Wait(p, childPID); err != nil {
		return err
	}
	scheduler.Yield()
	status, err := table.CollectWaitee(p)

# Signals

Signals are queued with Table.SendSignal and delivered one at a time by
the scheduler through Process.DispatchOnePendingSignal. SIGKILL and SIGSTOP
can be neither masked nor handled.
*/
package process
