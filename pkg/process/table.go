package process

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"tinykern/pkg/hwctx"
)

// Process table errors.
var (
	ErrInvalidName = errors.New("invalid process name")
	ErrNotDead     = errors.New("process has not died")
	ErrNotChild    = errors.New("process is not a child of the waiter")
)

// CreateConfig contains configuration for creating a new process.
type CreateConfig struct {
	// Name is used in logs.
	Name string
	// ParentPID is the creating process, 0 for none.
	ParentPID PID
	// Kernel marks a kernel process.
	Kernel bool
}

// DescriptorPool takes back the hardware descriptors of reaped processes.
type DescriptorPool interface {
	Free(sel hwctx.Selector) error
}

// Table holds every live process in scheduling order.
//
// The order is a circular list: the head is the process the scheduler
// looked at last, and Rotate moves it to the tail. Dead processes stay in
// the list until reaped. The table has no lock. Like the rest of the
// scheduler state it is only touched with interrupts disabled.
type Table struct {
	procs   map[PID]*list.Element
	order   *list.List
	lastPID PID
	// children tracks parent-child relationships.
	children    map[PID][]PID
	descriptors DescriptorPool
	logger      *slog.Logger
}

// NewTable creates an empty process table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{
		procs:    make(map[PID]*list.Element),
		order:    list.New(),
		children: make(map[PID][]PID),
		logger:   logger.With("component", "proctab"),
	}
}

// Create allocates a PID and appends a new process to the list.
func (t *Table) Create(config CreateConfig) (*Process, error) {
	if config.Name == "" {
		return nil, ErrInvalidName
	}
	if config.ParentPID != 0 {
		if _, ok := t.procs[config.ParentPID]; !ok {
			return nil, fmt.Errorf("parent %d: %w", config.ParentPID, ErrProcessNotFound)
		}
	}

	t.lastPID++
	p := NewProcess(t.lastPID, config.ParentPID, config.Name)
	p.Kernel = config.Kernel
	t.procs[p.PID] = t.order.PushBack(p)
	if config.ParentPID != 0 {
		t.children[config.ParentPID] = append(t.children[config.ParentPID], p.PID)
	}

	t.logger.Debug("process created", "pid", p.PID, "ppid", p.ParentPID, "name", p.Name)
	return p, nil
}

// SetDescriptorPool makes Reap return descriptors to pool.
func (t *Table) SetDescriptorPool(pool DescriptorPool) { t.descriptors = pool }

// CreateKernelProcess creates a runnable kernel process.
func (t *Table) CreateKernelProcess(name string) (*Process, error) {
	p, err := t.Create(CreateConfig{Name: name, Kernel: true})
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}

// Lookup returns the process with the given PID, or nil.
func (t *Table) Lookup(pid PID) *Process {
	if e, ok := t.procs[pid]; ok {
		return e.Value.(*Process)
	}
	return nil
}

// Get is Lookup with an error for a missing process.
func (t *Table) Get(pid PID) (*Process, error) {
	if p := t.Lookup(pid); p != nil {
		return p, nil
	}
	return nil, fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
}

// Len returns the number of processes, dead ones included.
func (t *Table) Len() int { return t.order.Len() }

// Head returns the process at the head of the list.
func (t *Table) Head() *Process {
	if e := t.order.Front(); e != nil {
		return e.Value.(*Process)
	}
	return nil
}

// Rotate moves the head to the tail and returns the new head.
func (t *Table) Rotate() *Process {
	if e := t.order.Front(); e != nil {
		t.order.MoveToBack(e)
	}
	return t.Head()
}

// ForEach calls fn for every process in list order until fn returns false.
// fn may reap the process it is given.
func (t *Table) ForEach(fn func(*Process) bool) {
	for e := t.order.Front(); e != nil; {
		next := e.Next()
		if !fn(e.Value.(*Process)) {
			return
		}
		e = next
	}
}

// ForEachNotInState is ForEach restricted to processes not in state s.
func (t *Table) ForEachNotInState(s State, fn func(*Process) bool) {
	t.ForEach(func(p *Process) bool {
		if p.State() == s {
			return true
		}
		return fn(p)
	})
}

// Processes returns a snapshot of the list in scheduling order.
func (t *Table) Processes() []*Process {
	out := make([]*Process, 0, t.order.Len())
	t.ForEach(func(p *Process) bool {
		out = append(out, p)
		return true
	})
	return out
}

// Children returns the PIDs of the live children of pid.
func (t *Table) Children(pid PID) []PID {
	return t.children[pid]
}

// Wait blocks waiter until pid dies. Only children can be waited for:
// anything else may be reaped as an orphan before the waiter collects it.
func (t *Table) Wait(waiter *Process, pid PID) error {
	if _, err := t.Get(pid); err != nil {
		return err
	}
	if !slices.Contains(t.Children(waiter.PID), pid) {
		return fmt.Errorf("wait %s for %d: %w", waiter, pid, ErrNotChild)
	}
	return waiter.waitFor(pid)
}

// CollectWaitee finishes a wait: it returns the recorded status and reaps
// the dead waitee.
func (t *Table) CollectWaitee(waiter *Process) (int, error) {
	waitee, err := t.Get(waiter.WaiteePID())
	if err != nil {
		return 0, err
	}
	if waitee.State() != StateDead {
		return 0, fmt.Errorf("%s: %w", waitee, ErrNotDead)
	}
	status := waiter.WaiteeStatus()
	if err := t.Reap(waitee.PID); err != nil {
		return 0, err
	}
	return status, nil
}

// SendSignal queues sig for pid.
func (t *Table) SendSignal(pid PID, sig Signal) error {
	p, err := t.Get(pid)
	if err != nil {
		return err
	}
	if p.State() == StateDead {
		return nil
	}
	return p.SendSignal(sig)
}

// Reap removes a process from the table and releases what it holds.
func (t *Table) Reap(pid PID) error {
	e, ok := t.procs[pid]
	if !ok {
		return fmt.Errorf("reap %d: %w", pid, ErrProcessNotFound)
	}
	p := e.Value.(*Process)
	if sel := p.Selector(); sel != 0 && t.descriptors != nil {
		if err := t.descriptors.Free(sel); err != nil {
			return fmt.Errorf("reap %s: %w", p, err)
		}
		p.SetSelector(0)
	}
	t.order.Remove(e)
	delete(t.procs, pid)

	if siblings := t.children[p.ParentPID]; len(siblings) > 0 {
		for i, child := range siblings {
			if child == pid {
				t.children[p.ParentPID] = append(siblings[:i], siblings[i+1:]...)
				break
			}
		}
	}
	delete(t.children, pid)
	p.release()

	t.logger.Debug("process reaped", "pid", pid, "name", p.Name, "status", p.WaitStatus())
	return nil
}
