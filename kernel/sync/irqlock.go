// Package sync provides the mutual exclusion primitive used by the memory
// manager and the scheduler. With a single hardware thread of control the
// only source of re-entrancy is an interrupt firing mid-update, so the lock
// is "interrupts off" rather than an atomic spin loop.
package sync

import "emberos/kernel/cpu"

var (
	// The interrupt toggles are held in function variables so tests can
	// observe acquire/release pairing without touching the real flags
	// register.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	// irqDepth counts the critical sections currently in flight across
	// all IrqLock instances. Interrupts stay masked until the outermost
	// section ends, so a module may call into another module that
	// acquires its own lock without interrupts being re-enabled
	// mid-update.
	irqDepth int
)

// SetInterruptToggles overrides the functions used to mask and unmask
// interrupts. Hosted test harnesses install no-ops here since the real
// instructions fault outside ring 0; passing nil restores the defaults.
func SetInterruptToggles(disable, enable func()) {
	if disable == nil {
		disable = cpu.DisableInterrupts
	}
	if enable == nil {
		enable = cpu.EnableInterrupts
	}
	disableInterruptsFn = disable
	enableInterruptsFn = enable
}

// IrqLock guards a set of structures that must be mutated atomically with
// respect to the timer tick. Acquire disables interrupts; Release re-enables
// them once the outermost critical section across all locks ends. The
// scheduler is only entered with all locks released, so interrupts are known
// to be enabled when the first Acquire happens.
type IrqLock struct {
	held int
}

// Acquire enters a critical section, masking interrupts on the outermost
// acquisition.
func (l *IrqLock) Acquire() {
	disableInterruptsFn()
	irqDepth++
	l.held++
}

// Release leaves a critical section, unmasking interrupts once the outermost
// acquisition is released.
func (l *IrqLock) Release() {
	if l.held == 0 {
		// Benign redundancy: releasing an unheld lock is ignored.
		return
	}

	l.held--
	if irqDepth--; irqDepth == 0 {
		enableInterruptsFn()
	}
}
