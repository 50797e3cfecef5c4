package process

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"

	"tinykern/pkg/hwctx"
)

// Signal errors.
var (
	ErrInvalidSignal      = errors.New("invalid signal")
	ErrSignalNotCatchable = errors.New("signal cannot be caught or masked")
)

// Signal represents a signal number.
type Signal int

// NSIG is one more than the highest signal number.
const NSIG = 32

const (
	SignalHangup    Signal = 1
	SignalInterrupt Signal = 2
	SignalQuit      Signal = 3
	SignalKill      Signal = 9
	SignalUser1     Signal = 10
	SignalSegv      Signal = 11
	SignalUser2     Signal = 12
	SignalPipe      Signal = 13
	SignalAlarm     Signal = 14
	SignalTerminate Signal = 15
	SignalChild     Signal = 17
	SignalContinue  Signal = 18
	SignalStop      Signal = 19
)

var signalNames = map[Signal]string{
	SignalHangup:    "SIGHUP",
	SignalInterrupt: "SIGINT",
	SignalQuit:      "SIGQUIT",
	SignalKill:      "SIGKILL",
	SignalUser1:     "SIGUSR1",
	SignalSegv:      "SIGSEGV",
	SignalUser2:     "SIGUSR2",
	SignalPipe:      "SIGPIPE",
	SignalAlarm:     "SIGALRM",
	SignalTerminate: "SIGTERM",
	SignalChild:     "SIGCHLD",
	SignalContinue:  "SIGCONT",
	SignalStop:      "SIGSTOP",
}

// String implements fmt.Stringer.
func (s Signal) String() string {
	if n, ok := signalNames[s]; ok {
		return n
	}
	return "SIG" + strconv.Itoa(int(s))
}

// Valid reports whether s is a deliverable signal number.
func (s Signal) Valid() bool { return s > 0 && s < NSIG }

// ParseSignal accepts a signal name ("SIGTERM", "TERM") or number.
func ParseSignal(v string) (Signal, error) {
	if n, err := strconv.Atoi(v); err == nil {
		if sig := Signal(n); sig.Valid() {
			return sig, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrInvalidSignal, v)
	}
	for sig, name := range signalNames {
		if name == v || name[3:] == v {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrInvalidSignal, v)
}

// SignalSet is a set of signals, one bit per signal number.
type SignalSet uint32

// NewSignalSet creates a new signal set with the given signals.
func NewSignalSet(signals ...Signal) SignalSet {
	var s SignalSet
	for _, sig := range signals {
		s = s.Add(sig)
	}
	return s
}

// Has returns true if the set contains sig.
func (s SignalSet) Has(sig Signal) bool { return s&(1<<uint(sig)) != 0 }

// Add returns s with sig added.
func (s SignalSet) Add(sig Signal) SignalSet { return s | 1<<uint(sig) }

// Remove returns s without sig.
func (s SignalSet) Remove(sig Signal) SignalSet { return s &^ (1 << uint(sig)) }

// IsEmpty returns true if the set is empty.
func (s SignalSet) IsEmpty() bool { return s == 0 }

// Len returns the number of signals in the set.
func (s SignalSet) Len() int { return bits.OnesCount32(uint32(s)) }

// Lowest returns the lowest-numbered signal in the set, 0 if empty.
func (s SignalSet) Lowest() Signal {
	if s == 0 {
		return 0
	}
	return Signal(bits.TrailingZeros32(uint32(s)))
}

// uncatchable signals can be neither masked nor handled.
var uncatchable = NewSignalSet(SignalKill, SignalStop)

// SignalAction is what delivering a signal does.
type SignalAction string

const (
	// ActionDefault applies DefaultActions.
	ActionDefault SignalAction = ""
	// ActionTerminate kills the process.
	ActionTerminate SignalAction = "terminate"
	// ActionIgnore discards the signal.
	ActionIgnore SignalAction = "ignore"
	// ActionHandler redirects the process to a user handler.
	ActionHandler SignalAction = "handler"
)

// DefaultActions is the default disposition per signal. Signals missing
// from the map terminate.
var DefaultActions = map[Signal]SignalAction{
	SignalChild:    ActionIgnore,
	SignalContinue: ActionIgnore,
	// Job control is not modelled.
	SignalStop: ActionIgnore,
}

// Disposition is how a process reacts to one signal.
type Disposition struct {
	Action SignalAction
	// Handler is the entry point of the user handler for ActionHandler.
	Handler uint32
}

// ContextEditor edits the saved execution context of a process. The
// scheduler implements it, since the context of the running process cannot
// be edited in place.
type ContextEditor interface {
	ModifyContext(p *Process, fn func(*hwctx.TaskState))
}

// SendSignal marks sig pending.
func (p *Process) SendSignal(sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, int(sig))
	}
	p.pending = p.pending.Add(sig)
	return nil
}

// PendingSignals returns the pending set.
func (p *Process) PendingSignals() SignalSet { return p.pending }

// SignalMask returns the blocked set.
func (p *Process) SignalMask() SignalSet { return p.mask }

// SetSignalMask replaces the blocked set. SIGKILL and SIGSTOP are never
// blocked.
func (p *Process) SetSignalMask(mask SignalSet) {
	p.mask = mask &^ uncatchable
}

// SetDisposition changes how the process reacts to sig.
func (p *Process) SetDisposition(sig Signal, d Disposition) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, int(sig))
	}
	if uncatchable.Has(sig) {
		return fmt.Errorf("%w: %s", ErrSignalNotCatchable, sig)
	}
	p.dispositions[sig] = d
	return nil
}

// HasUnmaskedPendingSignals reports whether a deliverable signal is pending.
func (p *Process) HasUnmaskedPendingSignals() bool {
	return !(p.pending &^ p.mask).IsEmpty()
}

// DispatchOnePendingSignal delivers the lowest-numbered unmasked pending
// signal and returns it, or 0 if none is deliverable. Handlers are installed
// by pushing a frame onto the saved context through editor.
func (p *Process) DispatchOnePendingSignal(editor ContextEditor) Signal {
	sig := (p.pending &^ p.mask).Lowest()
	if sig == 0 {
		return 0
	}
	p.pending = p.pending.Remove(sig)

	d := p.dispositions[sig]
	action := d.Action
	if action == ActionDefault {
		action = ActionTerminate
		if a, ok := DefaultActions[sig]; ok {
			action = a
		}
	}

	switch action {
	case ActionIgnore:
	case ActionHandler:
		editor.ModifyContext(p, func(ts *hwctx.TaskState) { ts.PushFrame(d.Handler) })
	default:
		p.terminateDueToSignal(sig)
	}
	return sig
}
