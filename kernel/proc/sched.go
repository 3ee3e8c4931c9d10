package proc

import (
	"emberos/kernel/cpu"
	"emberos/kernel/irq"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm/vmm"
)

var (
	// readyQueue holds the processes eligible to run next, in FIFO order.
	readyQueue runQueue

	// started flips once Start has handed control to the first process;
	// schedule requests before that point are ignored.
	started bool

	// nowTick is the monotonic tick counter advanced by Tick; sleep
	// deadlines are expressed in it.
	nowTick uint64

	// defaultQuantum is the time-slice granted on every dispatch. It is a
	// variable so scheduling tests can shrink it.
	defaultQuantum uint32 = DefaultQuantum

	// contextSwitchFn, contextActivateFn and haltFn are overridden by
	// tests; the real implementations live in switch_amd64.s.
	contextSwitchFn   = contextSwitch
	contextActivateFn = contextActivate
	haltFn            = cpu.Halt

	// addrSpaceRootFn resolves a process's address space handle to the
	// physical root passed to the context switch primitive.
	addrSpaceRootFn = (*vmm.AddrSpace).RootAddress
)

// runQueue is a doubly linked FIFO over the process table. The idle process
// is never a member; enqueueing an already queued process is ignored.
type runQueue struct {
	head, tail *Process
}

func (q *runQueue) enqueue(p *Process) {
	if p.queued || p == idle {
		return
	}

	p.queued = true
	p.prev = q.tail
	p.next = nil
	if q.tail != nil {
		q.tail.next = p
	} else {
		q.head = p
	}
	q.tail = p
}

func (q *runQueue) dequeue() *Process {
	p := q.head
	if p == nil {
		return nil
	}

	q.head = p.next
	if q.head != nil {
		q.head.prev = nil
	} else {
		q.tail = nil
	}

	p.prev, p.next = nil, nil
	p.queued = false
	return p
}

// Tick is invoked by the timer driver once per period. It advances the tick
// counter, releases any sleepers whose deadline passed, charges the running
// process one tick and preempts it once its time-slice is exhausted. Idle is
// exempt from preemption while the ready queue stays empty; its slice is
// simply reset.
func Tick(_ *irq.Regs) {
	schedLock.Acquire()

	nowTick++
	wakeSleepers(nowTick)

	p := current
	p.ticks++
	if p.quantum > 0 {
		p.quantum--
	}

	if p.quantum == 0 {
		if p == idle && readyQueue.head == nil {
			p.quantum = defaultQuantum
		} else {
			schedule()
		}
	}

	schedLock.Release()
}

// Now returns the current value of the scheduler tick counter.
func Now() uint64 {
	return nowTick
}

// Schedule forces an immediate scheduling decision. It is a no-op until the
// scheduler has started.
func Schedule() {
	schedLock.Acquire()
	schedule()
	schedLock.Release()
}

// schedule picks the next process via FIFO dequeue, falling back to idle on
// an empty queue, and switches to it. The scheduler lock must be held; the
// suspended process reacquires it implicitly and releases it when the call
// that scheduled it away resumes.
func schedule() {
	if !started {
		return
	}

	next := readyQueue.dequeue()
	if next == nil {
		next = idle
	}

	prev := current
	if next == prev {
		// Nothing else to run; grant a fresh slice without paying
		// for a switch.
		prev.quantum = defaultQuantum
		return
	}

	if prev.state == StateRunning {
		prev.state = StateReady
		prev.quantum = defaultQuantum
		readyQueue.enqueue(prev)
	}

	next.state = StateRunning
	next.quantum = defaultQuantum
	current = next

	contextSwitchFn(&prev.savedSP, next.savedSP, next.kstackTop, spaceRoot(next))
}

// Start hands the CPU to the first ready process and never returns. The
// bootstrap context is abandoned: there is no outgoing state to save.
func Start() {
	schedLock.Acquire()

	if idle == nil {
		kfmt.Panic(errNotInitialized)
	}
	started = true

	next := readyQueue.dequeue()
	if next == nil {
		next = idle
	}

	if next != current {
		current.state = StateReady
	}

	next.state = StateRunning
	next.quantum = defaultQuantum
	current = next

	kfmt.Printf("[proc] scheduler starting with pid %d (%s)\n", next.pid, next.name)
	contextActivateFn(next.savedSP, next.kstackTop, spaceRoot(next))

	// The activate above resumes on next's stack and cannot return here.
	for {
		haltFn()
	}
}

// spaceRoot resolves the address space root to load during a switch to p;
// zero tells the primitive to leave the active space alone, which is the
// right call for kernel processes living in the shared upper half.
func spaceRoot(p *Process) uintptr {
	if p.space == nil {
		return 0
	}
	return addrSpaceRootFn(p.space)
}
