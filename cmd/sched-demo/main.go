package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"tinykern/pkg/hwctx"
	"tinykern/pkg/intr"
	"tinykern/pkg/kpanic"
	"tinykern/pkg/logging"
	"tinykern/pkg/process"
	"tinykern/pkg/process/ipc"
	"tinykern/pkg/sched"
	"tinykern/pkg/timer"
	"tinykern/pkg/trace"
)

func main() {
	fmt.Println("=== Scheduler Walkthrough ===")
	fmt.Println()

	logger := logging.NewLogger(logging.ParseLevel(os.Getenv("SCHED_DEMO_LOG")), "text")
	kpanic.Logger = logger

	// Kernel parts
	procs := process.NewTable(logger)
	gdt := hwctx.NewTable(16, logger)
	procs.SetDescriptorPool(gdt)
	irq := intr.NewController()
	clock := timer.New(timer.DefaultTicksPerSecond, logger)
	events := trace.NewBuffer(0)

	s := sched.New(procs, gdt, irq, clock, sched.Options{Recorder: events, Logger: logger})
	if err := s.Initialize(); err != nil {
		log.Fatalf("Failed to initialize scheduler: %v", err)
	}
	clock.Register(s.OnTick)
	fmt.Printf("Initialized scheduler: colonel PID=%d, redirection descriptor=%s\n",
		s.Idle().PID, s.RedirectionSelector())

	// Demonstrate process creation
	fmt.Println("\n--- Process Creation ---")
	spawn := func(name string, parent process.PID) *process.Process {
		p, err := procs.Create(process.CreateConfig{Name: name, ParentPID: parent})
		if err != nil {
			log.Fatalf("Failed to create %s: %v", name, err)
		}
		if err := p.Start(); err != nil {
			log.Fatalf("Failed to start %s: %v", name, err)
		}
		fmt.Printf("Created process: PID=%d, Name=%s, State=%s\n", p.PID, p.Name, p.State())
		return p
	}
	shell := spawn("shell", 0)
	job := spawn("job", shell.PID)
	reader := spawn("reader", 0)

	// Demonstrate boot
	fmt.Println("\n--- First Switch ---")
	s.PickNextAndSwitchNow()
	fmt.Printf("Current: %s, task register=%s, interrupts enabled=%v\n",
		s.Current(), gdt.TaskRegister(), irq.Enabled())

	// Demonstrate round robin
	fmt.Println("\n--- Round Robin ---")
	for i := 0; i < 4; i++ {
		if err := s.Yield(); err != nil && !errors.Is(err, sched.ErrNotSwitched) {
			log.Fatalf("Yield failed: %v", err)
		}
		fmt.Printf("Yield %d -> %s\n", i+1, s.Current())
	}

	// Demonstrate preemption
	fmt.Println("\n--- Timer Preemption ---")
	before := s.Current()
	for i := 0; i < s.Quantum(); i++ {
		clock.Tick()
	}
	fmt.Printf("After %d ticks: %s -> %s (backlink=%s)\n",
		s.Quantum(), before, s.Current(), s.RedirectionContext().Backlink)

	// Demonstrate sleeping
	fmt.Println("\n--- Sleep ---")
	runUntil(s, shell)
	if err := shell.Sleep(clock.Uptime(), 3); err != nil {
		log.Fatalf("Failed to sleep: %v", err)
	}
	yield(s)
	fmt.Printf("%s sleeps until tick %d, current is %s\n", shell, shell.WakeupTime(), s.Current())
	for shell.State() == process.StateBlockedSleep {
		clock.Tick()
		yieldFromIdle(s)
	}
	fmt.Printf("%s woke at tick %d, state=%s\n", shell, clock.Uptime(), shell.State())

	// Demonstrate waiting
	fmt.Println("\n--- Wait ---")
	runUntil(s, shell)
	if err := procs.Wait(shell, job.PID); err != nil {
		log.Fatalf("Failed to wait: %v", err)
	}
	yield(s)
	runUntil(s, job)
	exit(s, irq, job, 3)
	runUntil(s, shell)
	status, err := procs.CollectWaitee(shell)
	if err != nil {
		log.Fatalf("Failed to collect: %v", err)
	}
	fmt.Printf("%s collected %s: wait status %d (exit code %d)\n", shell, job, status, status>>8)

	// Demonstrate blocking reads
	fmt.Println("\n--- Blocking Read ---")
	r, w := ipc.NewPipe(0)
	fd := reader.AddFile(r)
	runUntil(s, reader)
	if _, err := reader.Read(fd, 5); errors.Is(err, process.ErrWouldBlock) {
		fmt.Printf("%s: read would block, blocking on fd %d\n", reader, fd)
		if err := reader.BlockOnRead(fd); err != nil {
			log.Fatalf("Failed to block: %v", err)
		}
		yield(s)
	}
	w.WriteString("hello")
	runUntil(s, reader)
	data, err := reader.Read(fd, 5)
	if err != nil {
		log.Fatalf("Failed to read: %v", err)
	}
	fmt.Printf("%s read %q\n", reader, data)

	// Demonstrate signal handling
	fmt.Println("\n--- Signals ---")
	if err := reader.SetDisposition(process.SignalUser1, process.Disposition{Action: process.ActionHandler, Handler: 0x8000}); err != nil {
		log.Fatalf("Failed to set disposition: %v", err)
	}
	if err := reader.Sleep(clock.Uptime(), 1000); err != nil {
		log.Fatalf("Failed to sleep: %v", err)
	}
	yield(s)
	if err := procs.SendSignal(reader.PID, process.SignalUser1); err != nil {
		log.Fatalf("Failed to signal %s: %v", reader, err)
	}
	if err := procs.SendSignal(shell.PID, process.SignalTerminate); err != nil {
		log.Fatalf("Failed to signal %s: %v", shell, err)
	}
	runUntil(s, reader)
	fmt.Printf("%s: interrupted=%v, handler frames=%d, EIP=%#x\n",
		reader, reader.WasInterruptedWhileBlocked(), len(reader.TaskState().Frames), reader.TaskState().EIP)
	fmt.Printf("%s: state=%s, wait status=%d\n", shell, shell.State(), shell.WaitStatus())

	// Demonstrate the event trace
	fmt.Println("\n--- Trace ---")
	fmt.Printf("Switches=%d, Wakes=%d, Signals=%d, Reaps=%d, hardware task switches=%d\n",
		events.Count(sched.EventSwitch), events.Count(sched.EventWake),
		events.Count(sched.EventSignal), events.Count(sched.EventReap), gdt.Switches())

	// Demonstrate process listing
	fmt.Println("\n--- Process Listing ---")
	for _, p := range procs.Processes() {
		fmt.Printf("  PID=%d, Name=%s, State=%s, Scheduled=%d\n", p.PID, p.Name, p.State(), p.TimesScheduled())
	}

	fmt.Println("\n=== Demo Complete ===")
}

func yield(s *sched.Scheduler) {
	if err := s.Yield(); err != nil && !errors.Is(err, sched.ErrNotSwitched) {
		log.Fatalf("Yield failed: %v", err)
	}
}

// yieldFromIdle lets the idle process give way as soon as anything wakes.
func yieldFromIdle(s *sched.Scheduler) {
	if s.Current() == s.Idle() {
		yield(s)
	}
}

// runUntil yields until p is the current process.
func runUntil(s *sched.Scheduler, p *process.Process) {
	for i := 0; s.Current() != p; i++ {
		if i > 100 {
			log.Fatalf("%s never got the CPU", p)
		}
		yield(s)
	}
}

func exit(s *sched.Scheduler, irq *intr.Controller, p *process.Process, code int) {
	d := irq.Disable()
	defer d.Restore()
	if err := p.Exit(code); err != nil {
		log.Fatalf("Failed to exit: %v", err)
	}
	s.PickNextAndSwitchNow()
	fmt.Printf("%s exited with code %d, now running %s\n", p, code, s.Current())
}
