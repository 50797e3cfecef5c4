/*
Package hwctx simulates the hardware task-switching machinery of a 32-bit
x86 CPU: a global descriptor table whose entries point at task-state
segments, the task register naming the active task, far jumps into a task
and nested-task returns through a backlink.

The rules the real CPU enforces are enforced here too:

  - A far jump requires the target descriptor to be an available TSS. The
    previous task's descriptor becomes available and the target becomes busy.
  - A nested-task interrupt return switches to the active task's backlink,
    which must name a busy TSS.
  - Loading the task register requires an available TSS and marks it busy.
  - The task state of the active task must not be modified.

# Selectors

Selectors are descriptor-table offsets (index * 8). The zero selector is the
null descriptor and never names a task, so a zero Selector in a process
record means "no descriptor assigned yet". Freed selectors are handed out
again by Alloc. Freeing the active task's descriptor takes effect when the
CPU leaves that task.
*/
package hwctx

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Descriptor table errors.
var (
	ErrTableFull       = errors.New("descriptor table full")
	ErrInvalidSelector = errors.New("invalid selector")
	ErrNotPresent      = errors.New("descriptor not present")
	ErrTaskBusy        = errors.New("task descriptor is busy")
	ErrTaskNotBusy     = errors.New("task descriptor is not busy")
	ErrNoBacklink      = errors.New("active task has no backlink")
	ErrContextActive   = errors.New("task state belongs to the active task")
	ErrAlreadyFree     = errors.New("descriptor already free")
)

// Selector names a descriptor table entry.
type Selector uint16

// Index returns the descriptor table index.
func (s Selector) Index() int { return int(s) >> 3 }

// String implements fmt.Stringer.
func (s Selector) String() string { return fmt.Sprintf("%#04x", uint16(s)) }

// DescriptorType is the system-segment type of a descriptor.
type DescriptorType uint8

const (
	// TypeAvailableTSS is a 32-bit TSS that may be jumped to.
	TypeAvailableTSS DescriptorType = 9
	// TypeBusyTSS is a 32-bit TSS that is running or nested.
	TypeBusyTSS DescriptorType = 11
)

// TaskState is the saved execution context of one task.
type TaskState struct {
	// Backlink is the task to return to on a nested-task interrupt return.
	Backlink Selector
	EIP      uint32
	ESP      uint32
	EFLAGS   uint32
	CS       uint16
	SS       uint16
	// Frames holds return addresses pushed while redirecting the task, for
	// example to run a signal handler.
	Frames []uint32
}

// PushFrame saves the current instruction pointer and continues at eip.
func (ts *TaskState) PushFrame(eip uint32) {
	ts.Frames = append(ts.Frames, ts.EIP)
	ts.EIP = eip
}

// Descriptor is a descriptor table entry for a task-state segment.
type Descriptor struct {
	Base            *TaskState
	Limit           uint32
	DPL             uint8
	Present         bool
	Granularity     bool
	OperationSize32 bool
	// System is false for system segments such as TSS descriptors.
	System bool
	Type   DescriptorType
}

// Busy reports whether the descriptor is a busy TSS.
func (d *Descriptor) Busy() bool { return d.Type == TypeBusyTSS }

// Table is a global descriptor table restricted to task descriptors, plus
// the task register.
type Table struct {
	entries []Descriptor
	next    int
	free    []Selector
	// retired is the active task's descriptor, freed while still in use.
	retired      Selector
	taskRegister Selector
	flushes      uint64
	switches     uint64
	logger       *slog.Logger
}

// NewTable creates a table with room for slots task descriptors.
func NewTable(slots int, logger *slog.Logger) *Table {
	return &Table{
		// Entry 0 is the null descriptor.
		entries: make([]Descriptor, slots+1),
		next:    1,
		logger:  logger.With("component", "gdt"),
	}
}

// Alloc reserves a descriptor, reusing freed ones first.
func (t *Table) Alloc() (Selector, error) {
	if n := len(t.free); n > 0 {
		sel := t.free[n-1]
		t.free = t.free[:n-1]
		return sel, nil
	}
	if t.next >= len(t.entries) {
		return 0, ErrTableFull
	}
	sel := Selector(t.next << 3)
	t.next++
	return sel, nil
}

// Allocated returns the number of descriptors in use.
func (t *Table) Allocated() int { return t.next - 1 - len(t.free) }

// Free returns sel to the pool. The active task's descriptor stays intact
// until the next task switch.
func (t *Table) Free(sel Selector) error {
	if _, err := t.Entry(sel); err != nil {
		return err
	}
	if sel == t.retired || slices.Contains(t.free, sel) {
		return fmt.Errorf("free %s: %w", sel, ErrAlreadyFree)
	}
	if t.IsActive(sel) {
		t.retired = sel
		return nil
	}
	t.release(sel)
	return nil
}

func (t *Table) release(sel Selector) {
	t.entries[sel.Index()] = Descriptor{}
	t.free = append(t.free, sel)
	t.logger.Debug("descriptor freed", "selector", sel)
	t.Flush()
}

// activate makes sel the active task and releases a descriptor retired
// while it was active.
func (t *Table) activate(sel Selector) {
	t.taskRegister = sel
	if t.retired != 0 && t.retired != sel {
		t.release(t.retired)
		t.retired = 0
	}
}

// Entry returns the descriptor named by sel.
func (t *Table) Entry(sel Selector) (*Descriptor, error) {
	idx := sel.Index()
	if sel&7 != 0 || idx <= 0 || idx >= t.next {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSelector, sel)
	}
	return &t.entries[idx], nil
}

// Bind points the descriptor at ts and fills in a present, ring-0, 32-bit
// TSS descriptor. The descriptor starts out available.
func (t *Table) Bind(sel Selector, ts *TaskState) error {
	d, err := t.Entry(sel)
	if err != nil {
		return err
	}
	d.Base = ts
	d.Limit = 0xffff
	d.DPL = 0
	d.Present = true
	d.Granularity = true
	d.OperationSize32 = true
	d.System = false
	d.Type = TypeAvailableTSS
	t.Flush()
	return nil
}

// SetBusy sets the busy bit of a TSS descriptor.
func (t *Table) SetBusy(sel Selector, busy bool) error {
	d, err := t.present(sel)
	if err != nil {
		return err
	}
	if busy {
		d.Type = TypeBusyTSS
	} else {
		d.Type = TypeAvailableTSS
	}
	t.Flush()
	return nil
}

// Flush reloads the descriptor table register.
func (t *Table) Flush() { t.flushes++ }

// Flushes returns how many times the table was flushed.
func (t *Table) Flushes() uint64 { return t.flushes }

// Switches returns how many hardware task switches happened.
func (t *Table) Switches() uint64 { return t.switches }

// TaskRegister returns the selector of the active task.
func (t *Table) TaskRegister() Selector { return t.taskRegister }

// IsActive reports whether sel is the active task.
func (t *Table) IsActive(sel Selector) bool {
	return sel != 0 && sel == t.taskRegister
}

// LoadTaskRegister is ltr: it makes sel the active task without saving the
// outgoing one. The descriptor must be an available TSS and becomes busy.
func (t *Table) LoadTaskRegister(sel Selector) error {
	d, err := t.present(sel)
	if err != nil {
		return err
	}
	if d.Busy() {
		return fmt.Errorf("ltr %s: %w", sel, ErrTaskBusy)
	}
	d.Type = TypeBusyTSS
	t.activate(sel)
	return nil
}

// Jump is a far jump through a TSS descriptor: a full hardware task switch
// to sel.
func (t *Table) Jump(sel Selector) error {
	d, err := t.present(sel)
	if err != nil {
		return err
	}
	if d.Busy() {
		return fmt.Errorf("ljmp %s: %w", sel, ErrTaskBusy)
	}
	if old, err := t.present(t.taskRegister); err == nil {
		old.Type = TypeAvailableTSS
	}
	t.logger.Debug("task switch", "op", "ljmp", "from", t.taskRegister, "to", sel)
	d.Type = TypeBusyTSS
	t.activate(sel)
	t.switches++
	return nil
}

// ReturnFromInterrupt is iret with the nested-task flag set: it switches to
// the task named by the active task's backlink.
func (t *Table) ReturnFromInterrupt() error {
	cur, err := t.present(t.taskRegister)
	if err != nil {
		return fmt.Errorf("iret: %w", err)
	}
	back := cur.Base.Backlink
	if back == 0 {
		return ErrNoBacklink
	}
	d, err := t.present(back)
	if err != nil {
		return fmt.Errorf("iret: %w", err)
	}
	if !d.Busy() {
		return fmt.Errorf("iret %s: %w", back, ErrTaskNotBusy)
	}
	t.logger.Debug("task switch", "op", "iret", "from", t.taskRegister, "to", back)
	cur.Type = TypeAvailableTSS
	t.activate(back)
	t.switches++
	return nil
}

// Modify edits the task state behind sel. The active task's state cannot be
// edited; switch away from it first.
func (t *Table) Modify(sel Selector, fn func(*TaskState)) error {
	d, err := t.present(sel)
	if err != nil {
		return err
	}
	if t.IsActive(sel) {
		return fmt.Errorf("modify %s: %w", sel, ErrContextActive)
	}
	fn(d.Base)
	return nil
}

func (t *Table) present(sel Selector) (*Descriptor, error) {
	d, err := t.Entry(sel)
	if err != nil {
		return nil, err
	}
	if !d.Present || d.Base == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotPresent, sel)
	}
	return d, nil
}
