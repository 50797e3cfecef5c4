// Package intr models the interrupt-enable flag of the single CPU.
//
// The scheduler mutates the process table and the current-process pointer
// without any lock. Keeping interrupts disabled for the whole decision is
// the only thing that makes that safe, so the flag is explicit state here
// and callers can assert on it.
package intr

import "tinykern/pkg/kpanic"

// Controller is the interrupt flag. The zero value has interrupts disabled,
// matching the state of the CPU at boot.
type Controller struct {
	enabled bool
	// disables counts cli instructions, for diagnostics.
	disables uint64
}

// NewController creates a controller with interrupts disabled.
func NewController() *Controller {
	return &Controller{}
}

// Enabled reports whether interrupt delivery is enabled.
func (c *Controller) Enabled() bool { return c.enabled }

// Enable is sti.
func (c *Controller) Enable() { c.enabled = true }

// Disable is cli. The returned Disabler restores the previous flag.
func (c *Controller) Disable() Disabler {
	d := Disabler{c: c, wasEnabled: c.enabled}
	c.enabled = false
	c.disables++
	return d
}

// Disables returns how many times interrupts were disabled.
func (c *Controller) Disables() uint64 { return c.disables }

// AssertDisabled halts the kernel if interrupts are enabled.
func (c *Controller) AssertDisabled() {
	if c.enabled {
		kpanic.Panicf("interrupts must be disabled")
	}
}

// Disabler restores the interrupt flag saved by Controller.Disable.
//
//	d := irq.Disable()
//	defer d.Restore()
type Disabler struct {
	c          *Controller
	wasEnabled bool
}

// Restore puts the interrupt flag back to what it was before Disable.
func (d Disabler) Restore() {
	if d.c == nil {
		return
	}
	d.c.enabled = d.wasEnabled
}
