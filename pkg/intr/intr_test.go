package intr

import (
	"errors"
	"testing"

	"tinykern/pkg/kpanic"
)

func TestDisablerNesting(t *testing.T) {
	c := NewController()
	if c.Enabled() {
		t.Fatal("interrupts enabled at boot")
	}

	c.Enable()
	outer := c.Disable()
	inner := c.Disable()
	if c.Enabled() {
		t.Fatal("Disable() left interrupts enabled")
	}

	inner.Restore()
	if c.Enabled() {
		t.Error("inner Restore() enabled interrupts")
	}
	outer.Restore()
	if !c.Enabled() {
		t.Error("outer Restore() did not re-enable interrupts")
	}
	if c.Disables() != 2 {
		t.Errorf("Disables() = %d, want 2", c.Disables())
	}
}

func TestAssertDisabled(t *testing.T) {
	c := NewController()
	c.AssertDisabled()

	c.Enable()
	err := func() (err error) {
		defer func() { err = kpanic.Recover(recover()) }()
		c.AssertDisabled()
		return nil
	}()
	if !errors.Is(err, kpanic.ErrHalt) {
		t.Fatalf("AssertDisabled() with interrupts on = %v, want halt", err)
	}
}

func TestZeroDisablerRestore(t *testing.T) {
	var d Disabler
	d.Restore()
}
