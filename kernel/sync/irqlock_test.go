package sync

import "testing"

func TestIrqLockNesting(t *testing.T) {
	defer func() {
		SetInterruptToggles(nil, nil)
		irqDepth = 0
	}()

	var disableCount, enableCount int
	SetInterruptToggles(func() { disableCount++ }, func() { enableCount++ })

	var outer, inner IrqLock
	outer.Acquire()
	inner.Acquire()
	inner.Release()

	if enableCount != 0 {
		t.Fatal("expected interrupts to stay masked while an outer critical section is active")
	}

	outer.Release()
	if enableCount != 1 {
		t.Fatalf("expected interrupts to be unmasked exactly once; got %d", enableCount)
	}
	if disableCount != 2 {
		t.Fatalf("expected one mask call per acquisition; got %d", disableCount)
	}

	// Releasing an unheld lock must not unmask interrupts again.
	outer.Release()
	if enableCount != 1 {
		t.Fatalf("expected redundant release to be ignored; got %d unmasks", enableCount)
	}
}

func TestIrqLockReacquire(t *testing.T) {
	defer func() {
		SetInterruptToggles(nil, nil)
		irqDepth = 0
	}()

	var enableCount int
	SetInterruptToggles(func() {}, func() { enableCount++ })

	var l IrqLock
	l.Acquire()
	l.Release()
	l.Acquire()
	l.Release()

	if enableCount != 2 {
		t.Fatalf("expected each complete critical section to unmask interrupts; got %d", enableCount)
	}
}
