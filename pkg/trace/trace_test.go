package trace

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tinykern/pkg/logging"
	"tinykern/pkg/sched"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := OpenStore(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleEvents() []sched.Event {
	return []sched.Event{
		{Kind: sched.EventSwitch, Uptime: 0, PID: 1},
		{Kind: sched.EventSwitch, Uptime: 0, PID: 2, Other: 1},
		{Kind: sched.EventWake, Uptime: 10, PID: 3, Detail: string(sched.WakeSleep)},
		{Kind: sched.EventSignal, Uptime: 12, PID: 3, Detail: "SIGUSR1", Interrupted: true},
		{Kind: sched.EventReap, Uptime: 15, PID: 4, Status: 768},
	}
}

func TestBuffer(t *testing.T) {
	b := NewBuffer(0)
	for _, e := range sampleEvents() {
		b.Record(e)
	}
	if diff := cmp.Diff(sampleEvents(), b.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if got := b.Count(sched.EventSwitch); got != 2 {
		t.Errorf("Count(switch) = %d, want 2", got)
	}
}

func TestBufferLimit(t *testing.T) {
	b := NewBuffer(2)
	for _, e := range sampleEvents() {
		b.Record(e)
	}
	if len(b.Events()) != 2 || b.Dropped() != 3 {
		t.Errorf("len = %d dropped = %d, want 2 and 3", len(b.Events()), b.Dropped())
	}
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if !strings.HasPrefix(a, "run_") || a == b {
		t.Errorf("NewRunID() = %q, %q", a, b)
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := Run{
		ID:        NewRunID(),
		Scenario:  "pingpong",
		Quantum:   5,
		Ticks:     42,
		Switches:  7,
		StartedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := st.SaveRun(ctx, run, sampleEvents()); err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	run.EventCount = len(sampleEvents())
	if diff := cmp.Diff(&run, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}

	events, err := st.Events(ctx, run.ID, "")
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if diff := cmp.Diff(sampleEvents(), events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	signals, err := st.Events(ctx, run.ID, sched.EventSignal)
	if err != nil {
		t.Fatalf("Events(signal) error = %v", err)
	}
	if len(signals) != 1 || !signals[0].Interrupted {
		t.Errorf("signal events = %+v", signals)
	}
}

func TestListRunsNewestFirst(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, name := range []string{"first", "second", "third"} {
		run := Run{ID: NewRunID(), Scenario: name, Quantum: 5, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := st.SaveRun(ctx, run, nil); err != nil {
			t.Fatalf("SaveRun(%s) error = %v", name, err)
		}
	}

	runs, err := st.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	var names []string
	for _, r := range runs {
		names = append(names, r.Scenario)
	}
	if diff := cmp.Diff([]string{"third", "second"}, names); diff != "" {
		t.Errorf("runs mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteRun(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := Run{ID: NewRunID(), Scenario: "x", Quantum: 5, StartedAt: time.Now()}
	if err := st.SaveRun(ctx, run, sampleEvents()); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := st.GetRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun() after delete = %v, want ErrRunNotFound", err)
	}
	events, err := st.Events(ctx, run.ID, "")
	if err != nil || len(events) != 0 {
		t.Errorf("events after delete = %v, %v", events, err)
	}
	if err := st.DeleteRun(ctx, run.ID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("second DeleteRun() = %v, want ErrRunNotFound", err)
	}
}

func TestDuplicateRunRollsBack(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := Run{ID: "run_fixed", Scenario: "x", Quantum: 5, StartedAt: time.Now()}
	if err := st.SaveRun(ctx, run, sampleEvents()[:1]); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveRun(ctx, run, sampleEvents()); err == nil {
		t.Fatal("SaveRun() with a duplicate ID succeeded")
	}
	events, err := st.Events(ctx, run.ID, "")
	if err != nil || len(events) != 1 {
		t.Errorf("events = %d, %v, want the first run's single event", len(events), err)
	}
}

func TestCorruptStartTimeReported(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := Run{ID: NewRunID(), Scenario: "x", Quantum: 5, StartedAt: time.Now()}
	if err := st.SaveRun(ctx, run, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := st.db.ExecContext(ctx, `UPDATE runs SET started_at = 'yesterday' WHERE id = ?`, run.ID); err != nil {
		t.Fatal(err)
	}

	var perr *time.ParseError
	if _, err := st.GetRun(ctx, run.ID); !errors.As(err, &perr) {
		t.Errorf("GetRun() error = %v, want a time.ParseError", err)
	}
	if _, err := st.ListRuns(ctx, 0); !errors.As(err, &perr) {
		t.Errorf("ListRuns() error = %v, want a time.ParseError", err)
	}
}
