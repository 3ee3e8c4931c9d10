// Package proc implements the process table and the preemptive scheduler. A
// fixed-capacity table of process control blocks is multiplexed over the
// single CPU by a FIFO run queue driven from the periodic timer tick; each
// switch between processes may also switch the active address space.
//
// All table and queue mutations happen with interrupts masked since the timer
// tick is the only other thread of control.
package proc

import (
	"unsafe"

	"emberos/kernel"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/sync"
)

const (
	// MaxProcs is the process table capacity, including the idle process.
	MaxProcs = 64

	// KernelStackSize is the size of the kernel stack allocated to each
	// process.
	KernelStackSize = 16 * 1024

	// DefaultQuantum is the number of timer ticks a process may run
	// before it is preempted.
	DefaultQuantum = 10
)

var (
	ErrNoSlots    = &kernel.Error{Module: "proc", Message: "process table exhausted"}
	ErrStackAlloc = &kernel.Error{Module: "proc", Message: "kernel stack allocation failed"}

	errNotInitialized = &kernel.Error{Module: "proc", Message: "scheduler started before the process table was initialized"}
	errNoUserModeGate = &kernel.Error{Module: "proc", Message: "user process scheduled but no user mode gate is registered"}
)

// State describes the lifecycle state of a process.
type State uint8

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

// EntryFn is the function a kernel process begins executing at. It runs on
// the process's own kernel stack; returning from it terminates the process
// with exit code 0.
type EntryFn func(arg uintptr)

// Process is the kernel's record of one process.
type Process struct {
	pid   uint32
	name  string
	state State

	// kstack is the heap block backing the kernel stack and kstackTop its
	// precomputed upper end. The block survives termination: the process
	// is still executing on it when it marks itself terminated, so it is
	// only released when the slot is reused.
	kstack    uintptr
	kstackTop uintptr

	// savedSP holds the stack pointer captured by the last context switch
	// away from this process. It is only meaningful while not running.
	savedSP uintptr

	// quantum is the remaining time-slice in ticks, ticks the cumulative
	// tick count charged to this process.
	quantum uint32
	ticks   uint64

	// wakeTick is the deadline a sleeping process is released at; zero
	// means no deadline.
	wakeTick uint64

	exitCode int

	// prev/next link the process into the ready queue.
	prev, next *Process
	queued     bool

	// space is the owning address space handle for user processes; nil
	// for processes that run entirely in the kernel's space.
	space     *vmm.AddrSpace
	userEntry uintptr
	userStack uintptr

	entry EntryFn
	arg   uintptr
}

// Pid returns the process identifier.
func (p *Process) Pid() uint32 { return p.pid }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// State returns the current lifecycle state.
func (p *Process) State() State { return p.state }

// ExitCode returns the code recorded by Exit; it is only meaningful once the
// process has terminated.
func (p *Process) ExitCode() int { return p.exitCode }

var (
	procTable [MaxProcs]Process

	// idle is process 0; it runs whenever the ready queue is empty and is
	// never a queue member itself.
	idle *Process

	// current is the process executing right now. Between Init and Start
	// it designates idle, whose context at that point is the boot stack.
	current *Process

	nextPid uint32

	schedLock sync.IrqLock

	// userModeGateFn is installed by the trap layer; it drops to user
	// mode at the supplied entry point on the supplied user stack and
	// does not return.
	userModeGateFn func(entry, stack uintptr)
)

// SetUserModeGate registers the trap layer operation used to enter user mode
// when a user process runs for the first time.
func SetUserModeGate(gateFn func(entry, stack uintptr)) {
	userModeGateFn = gateFn
}

// CurrentProcess returns the process executing right now. The syscall layer
// reads it to implement getpid, sleep and exit.
func CurrentProcess() *Process {
	return current
}

// KernelStackTop returns the kernel stack top published by the last context
// switch. The trap layer programs it as the stack used on the next
// privilege-raising trap.
func KernelStackTop() uintptr {
	return kernelStackTop
}

// Init clears the process table and installs the idle process as pid 0. Idle
// is marked running immediately: it stands in as the current process for the
// boot code path until Start performs the first real switch.
func Init() *kernel.Error {
	for i := range procTable {
		procTable[i] = Process{}
	}
	nextPid = 0

	p, err := allocProcess("idle", idleLoop, 0)
	if err != nil {
		return err
	}

	p.state = StateRunning
	idle = p
	current = p

	kfmt.Printf("[proc] process table ready (%d slots)\n", MaxProcs)
	return nil
}

// Create allocates a process that runs entry(arg) in kernel mode and hands
// it to the scheduler. Slot or stack exhaustion is returned to the caller.
func Create(name string, entry EntryFn, arg uintptr) (uint32, *kernel.Error) {
	schedLock.Acquire()
	defer schedLock.Release()

	p, err := allocProcess(name, entry, arg)
	if err != nil {
		return 0, err
	}

	p.state = StateReady
	readyQueue.enqueue(p)
	return p.pid, nil
}

// CreateUser allocates a process that enters user mode at userEntry on
// userStack inside the supplied address space. The caller retains ownership
// of the space on failure.
func CreateUser(name string, space *vmm.AddrSpace, userEntry, userStack uintptr) (uint32, *kernel.Error) {
	schedLock.Acquire()
	defer schedLock.Release()

	p, err := allocProcess(name, runUser, 0)
	if err != nil {
		return 0, err
	}

	p.space = space
	p.userEntry = userEntry
	p.userStack = userStack

	p.state = StateReady
	readyQueue.enqueue(p)
	return p.pid, nil
}

// allocProcess claims the first reusable slot, releases any kernel stack left
// behind by a previous occupant and equips the slot with a fresh stack whose
// initial frame resumes at the trampoline. The caller sets the final state
// and queue membership.
func allocProcess(name string, entry EntryFn, arg uintptr) (*Process, *kernel.Error) {
	var p *Process
	for i := range procTable {
		if procTable[i].state == StateUnused || procTable[i].state == StateTerminated {
			p = &procTable[i]
			break
		}
	}
	if p == nil {
		return nil, ErrNoSlots
	}

	if p.kstack != 0 {
		mm.KernelFree(p.kstack)
		p.kstack = 0
	}

	stack := mm.KernelAlloc(KernelStackSize)
	if stack == 0 {
		return nil, ErrStackAlloc
	}

	*p = Process{
		pid:       nextPid,
		name:      name,
		kstack:    stack,
		kstackTop: stack + KernelStackSize,
		quantum:   defaultQuantum,
		entry:     entry,
		arg:       arg,
	}
	nextPid++

	buildInitialFrame(p)
	return p, nil
}

// calleeSavedRegCount is the number of registers the context switch primitive
// preserves on the outgoing stack, matching switch_amd64.s.
const calleeSavedRegCount = 6

// buildInitialFrame engineers the stack of a never-before-run process so that
// the context switch restore sequence lands it at the trampoline: a return
// address followed by zeroed callee-saved register slots.
func buildInitialFrame(p *Process) {
	sp := p.kstackTop

	sp -= 1 << mm.PointerShift
	*(*uintptr)(unsafe.Pointer(sp)) = trampolineAddr()

	for i := 0; i < calleeSavedRegCount; i++ {
		sp -= 1 << mm.PointerShift
		*(*uintptr)(unsafe.Pointer(sp)) = 0
	}

	p.savedSP = sp
}

// taskBootstrap is the Go half of the trampoline. It runs on the fresh
// process's own stack, drops the scheduler lock held across the switch that
// started it (re-enabling interrupts) and enters the process body; a body
// that returns exits cleanly.
func taskBootstrap() {
	schedLock.Release()

	p := current
	p.entry(p.arg)
	Exit(0)
}

// runUser is the kernel-side body of every user process: it asks the trap
// layer to drop to user mode at the recorded entry point.
func runUser(_ uintptr) {
	if userModeGateFn == nil {
		kfmt.Panic(errNoUserModeGate)
	}

	p := current
	userModeGateFn(p.userEntry, p.userStack)
}

// idleLoop is the body of process 0.
func idleLoop(_ uintptr) {
	for {
		haltFn()
	}
}

// Exit marks the calling process terminated, records its exit code and
// schedules the next one. It never returns: the slot (and the stack being
// executed on right now) is reclaimed when a later Create reuses it.
func Exit(code int) {
	schedLock.Acquire()

	current.state = StateTerminated
	current.exitCode = code
	schedule()

	// A terminated process is never switched back to.
	for {
		haltFn()
	}
}

// Yield gives up the remainder of the caller's time-slice and forces an
// immediate reschedule.
func Yield() {
	schedLock.Acquire()
	schedule()
	schedLock.Release()
}

// Block suspends the calling process until a matching Unblock. Blocking the
// idle process is a no-op since nothing could ever wake it.
func Block() {
	schedLock.Acquire()
	if current != idle {
		current.state = StateBlocked
		schedule()
	}
	schedLock.Release()
}

// Unblock releases the blocked process with the given pid and makes it
// runnable again. Unknown pids and processes not currently blocked are
// ignored.
func Unblock(pid uint32) {
	schedLock.Acquire()
	defer schedLock.Release()

	for i := range procTable {
		p := &procTable[i]
		if p.state == StateBlocked && p.pid == pid {
			p.wakeTick = 0
			p.state = StateReady
			readyQueue.enqueue(p)
			return
		}
	}
}

// Sleep blocks the calling process for at least the given number of timer
// ticks; WakeSleepers releases it once the deadline passes. A zero tick count
// degenerates to a yield, and sleeping on the idle process is a no-op.
func Sleep(ticks uint64) {
	schedLock.Acquire()
	if current != idle {
		if ticks == 0 {
			// A zero wakeTick marks a process with no deadline, so
			// an immediate sleep cannot use it and yields instead.
			schedule()
		} else {
			current.wakeTick = nowTick + ticks
			current.state = StateBlocked
			schedule()
		}
	}
	schedLock.Release()
}

// WakeSleepers releases every sleeping process whose deadline is at or before
// now. It is invoked from the timer tick but may also be called directly.
func WakeSleepers(now uint64) {
	schedLock.Acquire()
	wakeSleepers(now)
	schedLock.Release()
}

func wakeSleepers(now uint64) {
	for i := range procTable {
		p := &procTable[i]
		if p.state == StateBlocked && p.wakeTick != 0 && p.wakeTick <= now {
			p.wakeTick = 0
			p.state = StateReady
			readyQueue.enqueue(p)
		}
	}
}
