// Package scenario describes a simulation run: pipes, the processes to spawn
// with the program each one executes while it holds the CPU, and external
// events injected at fixed ticks. Scenarios are written in YAML or HCL.
package scenario

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tinykern/pkg/process"
)

// ErrInvalidScenario wraps every validation failure.
var ErrInvalidScenario = errors.New("invalid scenario")

// ErrUnsupportedFormat is returned for files that are neither YAML nor HCL.
var ErrUnsupportedFormat = errors.New("unsupported scenario format")

// Op is a program step or event action.
type Op string

const (
	OpCompute     Op = "compute"
	OpSleep       Op = "sleep"
	OpWait        Op = "wait"
	OpRead        Op = "read"
	OpWrite       Op = "write"
	OpClose       Op = "close"
	OpExit        Op = "exit"
	OpSignal      Op = "signal"
	OpMask        Op = "mask"
	OpUnmask      Op = "unmask"
	OpHandle      Op = "handle"
	OpSkip        Op = "skip"
	OpEnterKernel Op = "enter_kernel"
	OpLeaveKernel Op = "leave_kernel"
	OpYield       Op = "yield"
)

// stepOps are the operations a process program may use.
var stepOps = map[Op]bool{
	OpCompute: true, OpSleep: true, OpWait: true, OpRead: true, OpWrite: true,
	OpClose: true, OpExit: true, OpSignal: true, OpMask: true, OpUnmask: true,
	OpHandle: true, OpSkip: true, OpEnterKernel: true, OpLeaveKernel: true,
	OpYield: true,
}

// eventOps are the operations the outside world may inject.
var eventOps = map[Op]bool{OpWrite: true, OpClose: true, OpSignal: true}

// Scenario is the format-agnostic description of a run.
type Scenario struct {
	Name string `yaml:"name"`
	// MaxTicks overrides the configured tick limit when positive.
	MaxTicks  int       `yaml:"max_ticks"`
	Pipes     []Pipe    `yaml:"pipes"`
	Processes []Process `yaml:"processes"`
	Events    []Event   `yaml:"events"`
}

// Pipe is a named kernel pipe.
type Pipe struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// Process is a process spawned at boot, in declaration order.
type Process struct {
	Name string `yaml:"name"`
	// Parent names an earlier process. Empty means no parent.
	Parent string `yaml:"parent"`
	Kernel bool   `yaml:"kernel"`
	// Files lists pipes whose read ends become descriptors 0, 1, ...
	Files   []string `yaml:"files"`
	Program []Step   `yaml:"program"`
}

// Step is one program instruction. Which fields matter depends on Op.
type Step struct {
	Op      Op     `yaml:"op"`
	Ticks   int    `yaml:"ticks"`
	Process string `yaml:"process"`
	FD      int    `yaml:"fd"`
	Bytes   int    `yaml:"bytes"`
	Pipe    string `yaml:"pipe"`
	Data    string `yaml:"data"`
	Code    int    `yaml:"code"`
	Signal  string `yaml:"signal"`
	// Action is handler, ignore or default for OpHandle.
	Action  string `yaml:"action"`
	Handler uint32 `yaml:"handler"`
}

// Event is an external action applied before the process step of tick At.
type Event struct {
	At      int    `yaml:"at"`
	Op      Op     `yaml:"op"`
	Pipe    string `yaml:"pipe"`
	Data    string `yaml:"data"`
	Process string `yaml:"process"`
	Signal  string `yaml:"signal"`
}

// Load reads a scenario file, choosing the format by extension.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}

	var s *Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		s, err = ParseYAML(data)
	case ".hcl":
		s, err = ParseHCL(data, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, err
	}

	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SortedEvents returns the events ordered by tick, keeping file order for
// events on the same tick.
func (s *Scenario) SortedEvents() []Event {
	events := append([]Event(nil), s.Events...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].At < events[j].At })
	return events
}

// Validate checks every reference and value in the scenario. All problems
// are reported at once.
func (s *Scenario) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...)))
	}

	if s.MaxTicks < 0 {
		fail("max_ticks %d is negative", s.MaxTicks)
	}

	pipes := make(map[string]bool)
	for _, p := range s.Pipes {
		switch {
		case p.Name == "":
			fail("pipe without a name")
		case pipes[p.Name]:
			fail("duplicate pipe %q", p.Name)
		}
		if p.Capacity < 0 {
			fail("pipe %q: negative capacity", p.Name)
		}
		pipes[p.Name] = true
	}

	procs := make(map[string]bool)
	parents := make(map[string]string)
	for _, p := range s.Processes {
		if p.Name == "" {
			fail("process without a name")
			continue
		}
		if procs[p.Name] {
			fail("duplicate process %q", p.Name)
		}
		if p.Parent != "" && !procs[p.Parent] {
			fail("process %q: parent %q must be declared before it", p.Name, p.Parent)
		}
		procs[p.Name] = true
		parents[p.Name] = p.Parent
		for _, f := range p.Files {
			if !pipes[f] {
				fail("process %q: unknown pipe %q", p.Name, f)
			}
		}
	}

	for _, p := range s.Processes {
		for i, st := range p.Program {
			where := fmt.Sprintf("process %q step %d (%s)", p.Name, i, st.Op)
			if !stepOps[st.Op] {
				fail("process %q step %d: unknown op %q", p.Name, i, st.Op)
				continue
			}
			for _, msg := range checkStep(st, p, procs, parents, pipes) {
				fail("%s: %s", where, msg)
			}
		}
	}

	for i, e := range s.Events {
		where := fmt.Sprintf("event %d (%s at %d)", i, e.Op, e.At)
		if e.At < 0 {
			fail("%s: negative tick", where)
		}
		if !eventOps[e.Op] {
			fail("event %d: op %q cannot be injected", i, e.Op)
			continue
		}
		switch e.Op {
		case OpWrite, OpClose:
			if !pipes[e.Pipe] {
				fail("%s: unknown pipe %q", where, e.Pipe)
			}
		case OpSignal:
			if !procs[e.Process] {
				fail("%s: unknown process %q", where, e.Process)
			}
			if _, err := process.ParseSignal(e.Signal); err != nil {
				fail("%s: %v", where, err)
			}
		}
	}

	return errors.Join(errs...)
}

func checkStep(st Step, self Process, procs map[string]bool, parents map[string]string, pipes map[string]bool) []string {
	var msgs []string
	switch st.Op {
	case OpCompute:
		if st.Ticks <= 0 {
			msgs = append(msgs, "ticks must be positive")
		}
	case OpSleep:
		// A zero-tick sleep would be woken by the decision it blocks in.
		if st.Ticks <= 0 {
			msgs = append(msgs, "ticks must be positive")
		}
	case OpWait:
		switch {
		case !procs[st.Process]:
			msgs = append(msgs, fmt.Sprintf("unknown process %q", st.Process))
		case st.Process == self.Name:
			msgs = append(msgs, "a process cannot wait for itself")
		case parents[st.Process] != self.Name:
			// An orphan is reaped as soon as it dies, before the waiter
			// could collect it.
			msgs = append(msgs, fmt.Sprintf("%q is not a child", st.Process))
		}
	case OpRead:
		if st.FD < 0 || st.FD >= len(self.Files) {
			msgs = append(msgs, fmt.Sprintf("descriptor %d not open", st.FD))
		}
		if st.Bytes <= 0 {
			msgs = append(msgs, "bytes must be positive")
		}
	case OpWrite, OpClose:
		if !pipes[st.Pipe] {
			msgs = append(msgs, fmt.Sprintf("unknown pipe %q", st.Pipe))
		}
	case OpSignal:
		if !procs[st.Process] {
			msgs = append(msgs, fmt.Sprintf("unknown process %q", st.Process))
		}
		if _, err := process.ParseSignal(st.Signal); err != nil {
			msgs = append(msgs, err.Error())
		}
	case OpMask, OpUnmask:
		if _, err := process.ParseSignal(st.Signal); err != nil {
			msgs = append(msgs, err.Error())
		}
	case OpHandle:
		sig, err := process.ParseSignal(st.Signal)
		if err != nil {
			msgs = append(msgs, err.Error())
			break
		}
		if _, err := ParseAction(st.Action); err != nil {
			msgs = append(msgs, err.Error())
		}
		if sig == process.SignalKill || sig == process.SignalStop {
			msgs = append(msgs, fmt.Sprintf("%s cannot be handled", sig))
		}
	case OpExit, OpSkip, OpEnterKernel, OpLeaveKernel, OpYield:
	}
	return msgs
}

// ParseAction maps a handle step's action to a signal action.
func ParseAction(a string) (process.SignalAction, error) {
	switch a {
	case "handler":
		return process.ActionHandler, nil
	case "ignore":
		return process.ActionIgnore, nil
	case "default", "":
		return process.ActionDefault, nil
	}
	return "", fmt.Errorf("unknown signal action %q", a)
}
