// Package cpu exposes the small set of amd64 instructions that the memory
// manager and the scheduler depend on. The implementations live in
// cpu_amd64.s; callers that need to be unit-tested hold these functions in
// package-level function variables so tests can intercept them.
package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes every non-global TLB entry by reloading the active
// translation root. It is required after operations that change many
// translations at once (e.g. a huge page split).
func FlushTLB()

// SwitchPDT sets the root page table to point to the supplied physical
// address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr
