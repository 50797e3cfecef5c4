package sched

import (
	"tinykern/pkg/hwctx"
	"tinykern/pkg/process"
)

// PrepareForIretToNewProcess arranges for the return from the current
// interrupt to land in the current process: the redirection context becomes
// the active task with its backlink pointing at the current process.
func (s *Scheduler) PrepareForIretToNewProcess() {
	s.must(s.hw.SetBusy(s.redirectionSelector, false), "release redirection task")
	s.redirection.Backlink = s.current.Selector()
	s.must(s.hw.LoadTaskRegister(s.redirectionSelector), "load redirection task")
}

// PrepareToModifyContext makes the context of p editable. If p is the
// active process, the redirection context takes its place in the task
// register; a process editing its own context in order to yield then
// resumes at the edited location instead of right after the yield.
func (s *Scheduler) PrepareToModifyContext(p *process.Process) {
	if s.current != p || !s.hw.IsActive(p.Selector()) {
		return
	}
	s.must(s.hw.SetBusy(s.redirectionSelector, false), "release redirection task")
	s.must(s.hw.LoadTaskRegister(s.redirectionSelector), "load redirection task")
}

// ModifyContext edits the saved context of p: deactivate through the
// redirection context, mutate, and let the next switch reactivate it.
func (s *Scheduler) ModifyContext(p *process.Process, fn func(*hwctx.TaskState)) {
	if p.Selector() == 0 {
		// Never dispatched, nothing is active.
		fn(p.TaskState())
		return
	}
	s.PrepareToModifyContext(p)
	s.must(s.hw.Modify(p.Selector(), fn), "modify context of %s", p)
}
