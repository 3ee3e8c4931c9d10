package proc

// kernelStackTop is written by the context switch primitive in
// switch_amd64.s: it publishes the incoming process's kernel stack top so the
// trap layer can program it as the stack used on the next privilege-raising
// trap.
var kernelStackTop uintptr

// contextSwitch saves the callee-saved register set and the stack pointer of
// the outgoing process into saveSlot, publishes kstackTop, switches the
// address space when spaceRoot is non-zero and differs from the active root,
// then restores the incoming process's registers from newSP and resumes it.
func contextSwitch(saveSlot *uintptr, newSP, kstackTop, spaceRoot uintptr)

// contextActivate is the first-switch variant of contextSwitch: there is no
// outgoing context to save, so it only restores and resumes. It does not
// return.
func contextActivate(newSP, kstackTop, spaceRoot uintptr)

// taskTrampoline is the resume target for processes that have never run. It
// enters taskBootstrap and never returns; it is only ever reached through the
// return slot planted by buildInitialFrame.
func taskTrampoline()

// trampolineAddr returns the address of the trampoline that initial stack
// frames point their return slot at.
func trampolineAddr() uintptr
