package sched

// OnTick is the timer interrupt handler. It charges the tick to the current
// process and preempts it at the end of its quantum, returning from the
// interrupt into whichever process was picked.
func (s *Scheduler) OnTick() {
	if s.current == nil {
		return
	}

	d := s.irq.Disable()
	defer d.Restore()

	if s.current.Tick() {
		return
	}
	if !s.PickNext() {
		return
	}
	s.PrepareForIretToNewProcess()
	s.must(s.hw.ReturnFromInterrupt(), "return from interrupt to %s", s.current)
}
