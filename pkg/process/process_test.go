package process

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"tinykern/pkg/hwctx"
	"tinykern/pkg/process/ipc"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewTable(logger)
}

func mustCreate(t *testing.T, tbl *Table, name string, parent PID) *Process {
	t.Helper()
	p, err := tbl.Create(CreateConfig{Name: name, ParentPID: parent})
	if err != nil {
		t.Fatalf("Create(%s) error = %v", name, err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start(%s) error = %v", name, err)
	}
	return p
}

func names(ps []*Process) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Name
	}
	return out
}

// TestProcessStateTransitions tests valid and invalid transitions.
func TestProcessStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		to      State
		wantErr bool
	}{
		{"New to Runnable", StateNew, StateRunnable, false},
		{"Running to BlockedSleep", StateRunning, StateBlockedSleep, false},
		{"Running to BlockedWait", StateRunning, StateBlockedWait, false},
		{"Running to BlockedRead", StateRunning, StateBlockedRead, false},
		{"Running to Skip1Pass", StateRunning, StateSkip1Pass, false},
		{"Running to Dead", StateRunning, StateDead, false},
		{"BlockedWait to Dead", StateBlockedWait, StateDead, false},
		{"New to Running", StateNew, StateRunning, true},
		{"Runnable to BlockedSleep", StateRunnable, StateBlockedSleep, true},
		{"Dead to Runnable", StateDead, StateRunnable, true},
		{"Skip1Pass to Runnable", StateSkip1Pass, StateRunnable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcess(1, 0, "test")
			p.SetState(tt.from)
			err := p.TransitionTo(tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("TransitionTo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("TransitionTo() error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestStateStringRoundTrip(t *testing.T) {
	for s := StateNew; s <= StateDead; s++ {
		got, err := ParseState(s.String())
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %v, %v", s.String(), got, err)
		}
	}
	if State(42).String() != "State(42)" {
		t.Errorf("String() of unknown state = %q", State(42).String())
	}
	if _, err := ParseState("Zombie"); err == nil {
		t.Error("ParseState(Zombie) succeeded")
	}
}

func TestBlockingCalls(t *testing.T) {
	p := NewProcess(1, 0, "test")
	p.SetState(StateRunning)

	if err := p.Sleep(100, 10); err != nil {
		t.Fatalf("Sleep() error = %v", err)
	}
	if p.State() != StateBlockedSleep || p.WakeupTime() != 110 {
		t.Errorf("after Sleep: state=%s wakeup=%d", p.State(), p.WakeupTime())
	}
	if err := p.Sleep(100, 10); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Sleep() while blocked error = %v, want ErrInvalidTransition", err)
	}

	p.Unblock()
	if p.State() != StateRunnable {
		t.Errorf("Unblock() state = %s, want Runnable", p.State())
	}

	p.SetState(StateRunning)
	if err := p.BlockOnRead(3); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("BlockOnRead(bad fd) error = %v, want ErrBadDescriptor", err)
	}
	r, _ := ipc.NewPipe(0)
	fd := p.AddFile(r)
	if err := p.BlockOnRead(fd); err != nil {
		t.Fatalf("BlockOnRead() error = %v", err)
	}
	if p.State() != StateBlockedRead || p.BlockedFD() != fd {
		t.Errorf("after BlockOnRead: state=%s fd=%d", p.State(), p.BlockedFD())
	}
}

func TestUnblockIgnoresUnblockedStates(t *testing.T) {
	for _, s := range []State{StateRunning, StateRunnable, StateSkip1Pass, StateDead} {
		p := NewProcess(1, 0, "test")
		p.SetState(s)
		p.Unblock()
		if p.State() != s {
			t.Errorf("Unblock() changed %s to %s", s, p.State())
		}
	}
}

func TestExitWaitStatus(t *testing.T) {
	p := NewProcess(1, 0, "test")
	p.SetState(StateRunning)
	if err := p.Exit(3); err != nil {
		t.Fatalf("Exit() error = %v", err)
	}
	if p.State() != StateDead {
		t.Errorf("state = %s, want Dead", p.State())
	}
	if p.WaitStatus() != 768 {
		t.Errorf("WaitStatus() = %d, want 768", p.WaitStatus())
	}

	killed := NewProcess(2, 0, "killed")
	killed.SetState(StateRunnable)
	if err := killed.SendSignal(SignalTerminate); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	killed.DispatchOnePendingSignal(nil)
	if killed.WaitStatus() != int(SignalTerminate) {
		t.Errorf("WaitStatus() = %d, want %d", killed.WaitStatus(), SignalTerminate)
	}
}

func TestQuantumTick(t *testing.T) {
	p := NewProcess(1, 0, "test")
	p.SetTicksLeft(2)
	if !p.Tick() {
		t.Error("Tick() with one tick left = false")
	}
	if p.Tick() {
		t.Error("Tick() at end of quantum = true")
	}
}

func TestReadWouldBlock(t *testing.T) {
	p := NewProcess(1, 0, "reader")
	r, w := ipc.NewPipe(0)
	fd := p.AddFile(r)

	w.WriteString("ab")
	if _, err := p.Read(fd, 4); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Read(4) with 2 buffered error = %v, want ErrWouldBlock", err)
	}
	if r.Buffered() != 2 {
		t.Fatalf("short Read consumed data: %d left", r.Buffered())
	}

	w.WriteString("cd")
	got, err := p.Read(fd, 4)
	if err != nil || string(got) != "abcd" {
		t.Fatalf("Read(4) = %q, %v", got, err)
	}

	w.WriteString("e")
	w.Close()
	got, err = p.Read(fd, 4)
	if err != nil || string(got) != "e" {
		t.Fatalf("Read at EOF = %q, %v, want e", got, err)
	}
	if _, err := p.Read(fd, 4); !errors.Is(err, io.EOF) {
		t.Errorf("Read after EOF error = %v, want io.EOF", err)
	}
}

func TestFileDescriptors(t *testing.T) {
	p := NewProcess(1, 0, "test")
	r1, _ := ipc.NewPipe(0)
	r2, _ := ipc.NewPipe(0)

	if fd := p.AddFile(r1); fd != 0 {
		t.Errorf("first fd = %d, want 0", fd)
	}
	if fd := p.AddFile(r2); fd != 1 {
		t.Errorf("second fd = %d, want 1", fd)
	}
	if err := p.CloseFile(0); err != nil {
		t.Fatalf("CloseFile() error = %v", err)
	}
	if p.FileCount() != 1 {
		t.Errorf("FileCount() = %d, want 1", p.FileCount())
	}
	if fd := p.AddFile(r1); fd != 0 {
		t.Errorf("reused fd = %d, want 0", fd)
	}
	if err := p.CloseFile(7); !errors.Is(err, ErrBadDescriptor) {
		t.Errorf("CloseFile(7) error = %v, want ErrBadDescriptor", err)
	}
}

type recordingEditor struct {
	edited []*Process
}

func (e *recordingEditor) ModifyContext(p *Process, fn func(*hwctx.TaskState)) {
	e.edited = append(e.edited, p)
	fn(p.TaskState())
}

func TestDispatchOnePendingSignal(t *testing.T) {
	p := NewProcess(1, 0, "test")
	p.SetState(StateRunnable)
	p.TaskState().EIP = 0x4000
	if err := p.SetDisposition(SignalUser1, Disposition{Action: ActionHandler, Handler: 0x8000}); err != nil {
		t.Fatalf("SetDisposition() error = %v", err)
	}
	p.SendSignal(SignalUser1)
	p.SendSignal(SignalChild)

	editor := &recordingEditor{}
	if sig := p.DispatchOnePendingSignal(editor); sig != SignalUser1 {
		t.Fatalf("first dispatch = %s, want SIGUSR1", sig)
	}
	if diff := cmp.Diff([]uint32{0x4000}, p.TaskState().Frames); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if p.TaskState().EIP != 0x8000 || len(editor.edited) != 1 {
		t.Errorf("handler not installed: eip=%#x edits=%d", p.TaskState().EIP, len(editor.edited))
	}
	if !p.HasUnmaskedPendingSignals() {
		t.Fatal("SIGCHLD should still be pending")
	}

	if sig := p.DispatchOnePendingSignal(editor); sig != SignalChild {
		t.Fatalf("second dispatch = %s, want SIGCHLD", sig)
	}
	if p.State() != StateRunnable {
		t.Errorf("SIGCHLD default changed state to %s", p.State())
	}
	if sig := p.DispatchOnePendingSignal(editor); sig != 0 {
		t.Errorf("dispatch with nothing pending = %s", sig)
	}
}

func TestSignalMask(t *testing.T) {
	p := NewProcess(1, 0, "test")
	p.SetSignalMask(NewSignalSet(SignalTerminate, SignalKill))

	if p.SignalMask().Has(SignalKill) {
		t.Error("SIGKILL was masked")
	}
	p.SendSignal(SignalTerminate)
	if p.HasUnmaskedPendingSignals() {
		t.Error("masked SIGTERM reported deliverable")
	}
	p.SendSignal(SignalKill)
	if !p.HasUnmaskedPendingSignals() {
		t.Fatal("SIGKILL not deliverable")
	}
	if err := p.SetDisposition(SignalKill, Disposition{Action: ActionIgnore}); !errors.Is(err, ErrSignalNotCatchable) {
		t.Errorf("SetDisposition(SIGKILL) error = %v, want ErrSignalNotCatchable", err)
	}
	if err := p.SendSignal(Signal(40)); !errors.Is(err, ErrInvalidSignal) {
		t.Errorf("SendSignal(40) error = %v, want ErrInvalidSignal", err)
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in   string
		want Signal
		ok   bool
	}{
		{"SIGTERM", SignalTerminate, true},
		{"TERM", SignalTerminate, true},
		{"9", SignalKill, true},
		{"0", 0, false},
		{"SIGWHAT", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSignal(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseSignal(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestTableRotate(t *testing.T) {
	tbl := testTable(t)
	for _, n := range []string{"a", "b", "c"} {
		mustCreate(t, tbl, n, 0)
	}

	if tbl.Head().Name != "a" {
		t.Fatalf("Head() = %s, want a", tbl.Head().Name)
	}
	if got := tbl.Rotate(); got.Name != "b" {
		t.Errorf("Rotate() = %s, want b", got.Name)
	}
	if diff := cmp.Diff([]string{"b", "c", "a"}, names(tbl.Processes())); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestTableCreate(t *testing.T) {
	tbl := testTable(t)
	if _, err := tbl.Create(CreateConfig{}); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Create() without name error = %v, want ErrInvalidName", err)
	}
	if _, err := tbl.Create(CreateConfig{Name: "x", ParentPID: 99}); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("Create() with missing parent error = %v, want ErrProcessNotFound", err)
	}

	parent := mustCreate(t, tbl, "parent", 0)
	child := mustCreate(t, tbl, "child", parent.PID)
	if child.PID <= parent.PID {
		t.Errorf("child PID %d not after parent %d", child.PID, parent.PID)
	}
	if diff := cmp.Diff([]PID{child.PID}, tbl.Children(parent.PID)); diff != "" {
		t.Errorf("children mismatch (-want +got):\n%s", diff)
	}

	k, err := tbl.CreateKernelProcess("colonel")
	if err != nil {
		t.Fatalf("CreateKernelProcess() error = %v", err)
	}
	if !k.Kernel || k.State() != StateRunnable || !k.InKernel() {
		t.Errorf("kernel process = kernel:%v state:%s inKernel:%v", k.Kernel, k.State(), k.InKernel())
	}
}

func TestTableReapDuringIteration(t *testing.T) {
	tbl := testTable(t)
	for _, n := range []string{"a", "b", "c"} {
		mustCreate(t, tbl, n, 0)
	}

	var visited []string
	tbl.ForEach(func(p *Process) bool {
		visited = append(visited, p.Name)
		if p.Name == "b" {
			if err := tbl.Reap(p.PID); err != nil {
				t.Fatalf("Reap() error = %v", err)
			}
		}
		return true
	})

	if diff := cmp.Diff([]string{"a", "b", "c"}, visited); diff != "" {
		t.Errorf("visited mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "c"}, names(tbl.Processes())); diff != "" {
		t.Errorf("remaining mismatch (-want +got):\n%s", diff)
	}
	if err := tbl.Reap(2); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("second Reap() error = %v, want ErrProcessNotFound", err)
	}
}

func TestForEachNotInState(t *testing.T) {
	tbl := testTable(t)
	a := mustCreate(t, tbl, "a", 0)
	mustCreate(t, tbl, "b", 0)
	a.SetState(StateDead)

	var visited []string
	tbl.ForEachNotInState(StateDead, func(p *Process) bool {
		visited = append(visited, p.Name)
		return true
	})
	if diff := cmp.Diff([]string{"b"}, visited); diff != "" {
		t.Errorf("visited mismatch (-want +got):\n%s", diff)
	}
}

func TestTableWaitAndCollect(t *testing.T) {
	tbl := testTable(t)
	parent := mustCreate(t, tbl, "parent", 0)
	child := mustCreate(t, tbl, "child", parent.PID)

	parent.SetState(StateRunning)
	if err := tbl.Wait(parent, 42); !errors.Is(err, ErrProcessNotFound) {
		t.Fatalf("Wait(42) error = %v, want ErrProcessNotFound", err)
	}
	if err := tbl.Wait(parent, child.PID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if parent.State() != StateBlockedWait || parent.WaiteePID() != child.PID {
		t.Fatalf("after Wait: state=%s waitee=%d", parent.State(), parent.WaiteePID())
	}

	if _, err := tbl.CollectWaitee(parent); !errors.Is(err, ErrNotDead) {
		t.Fatalf("CollectWaitee() before death error = %v, want ErrNotDead", err)
	}

	child.SetState(StateRunning)
	child.Exit(3)
	parent.SetWaiteeStatus(child.WaitStatus())
	status, err := tbl.CollectWaitee(parent)
	if err != nil {
		t.Fatalf("CollectWaitee() error = %v", err)
	}
	if status != 768 {
		t.Errorf("status = %d, want 768", status)
	}
	if tbl.Lookup(child.PID) != nil {
		t.Error("CollectWaitee() did not reap the child")
	}
	if len(tbl.Children(parent.PID)) != 0 {
		t.Errorf("children after reap = %v", tbl.Children(parent.PID))
	}
}

func TestTableWaitRequiresChild(t *testing.T) {
	tbl := testTable(t)
	waiter := mustCreate(t, tbl, "waiter", 0)
	stranger := mustCreate(t, tbl, "stranger", 0)
	sibling := mustCreate(t, tbl, "sibling", stranger.PID)

	waiter.SetState(StateRunning)
	for _, pid := range []PID{stranger.PID, sibling.PID} {
		if err := tbl.Wait(waiter, pid); !errors.Is(err, ErrNotChild) {
			t.Errorf("Wait(%d) error = %v, want ErrNotChild", pid, err)
		}
	}
	if waiter.State() != StateRunning {
		t.Errorf("waiter state = %s after refused waits, want Running", waiter.State())
	}
}

// poolRecorder is a DescriptorPool that remembers what it was given.
type poolRecorder struct {
	freed []hwctx.Selector
	err   error
}

func (r *poolRecorder) Free(sel hwctx.Selector) error {
	if r.err != nil {
		return r.err
	}
	r.freed = append(r.freed, sel)
	return nil
}

func TestTableReapFreesDescriptor(t *testing.T) {
	tests := []struct {
		name      string
		selector  hwctx.Selector
		poolErr   error
		wantFreed []hwctx.Selector
		wantErr   error
	}{
		{name: "dispatched", selector: 0x18, wantFreed: []hwctx.Selector{0x18}},
		{name: "never dispatched", selector: 0},
		{name: "pool refuses", selector: 0x18, poolErr: hwctx.ErrAlreadyFree, wantErr: hwctx.ErrAlreadyFree},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := testTable(t)
			pool := &poolRecorder{err: tt.poolErr}
			tbl.SetDescriptorPool(pool)
			p := mustCreate(t, tbl, "p", 0)
			p.SetSelector(tt.selector)

			err := tbl.Reap(p.PID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Reap() error = %v, want %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.wantFreed, pool.freed); diff != "" {
				t.Errorf("freed mismatch (-want +got):\n%s", diff)
			}
			if tt.wantErr != nil {
				if tbl.Lookup(p.PID) == nil {
					t.Error("failed Reap() removed the process")
				}
				return
			}
			if p.Selector() != 0 {
				t.Errorf("Selector() = %s after reap, want 0", p.Selector())
			}
		})
	}
}

func TestTableSendSignal(t *testing.T) {
	tbl := testTable(t)
	p := mustCreate(t, tbl, "p", 0)

	if err := tbl.SendSignal(p.PID, SignalUser2); err != nil {
		t.Fatalf("SendSignal() error = %v", err)
	}
	if !p.PendingSignals().Has(SignalUser2) {
		t.Error("signal not pending")
	}
	if err := tbl.SendSignal(99, SignalUser2); !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("SendSignal(99) error = %v, want ErrProcessNotFound", err)
	}
}
