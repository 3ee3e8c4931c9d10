package vmm

import (
	"testing"

	"emberos/kernel/mm"
)

func TestMapUserImage(t *testing.T) {
	h := newPTHarness(t)
	space := h.newSpace(t)

	var (
		codeAddr   = uintptr(0x400000)
		codeFrame  = mm.Frame(0x100)
		codeSize   = uintptr(2 * mm.PageSize)
		stackAddr  = uintptr(0x7ffffff000)
		stackFrame = mm.Frame(0x200)
		stackSize  = uintptr(mm.PageSize)
	)

	if err := space.MapUserImage(codeAddr, codeFrame, codeSize, stackAddr, stackFrame, stackSize); err != nil {
		t.Fatal(err)
	}

	// Code: user-accessible, read-only, executable.
	codeLeaf := h.leafFor(space, codeAddr)
	if !codeLeaf.HasFlags(FlagPresent | FlagUserAccessible) {
		t.Error("expected a present user-accessible code mapping")
	}
	if codeLeaf.HasAnyFlag(FlagRW | FlagNoExecute) {
		t.Error("expected the code mapping to be read-only and executable")
	}

	// Stack: user-accessible, writable, non-executable.
	stackLeaf := h.leafFor(space, stackAddr)
	if !stackLeaf.HasFlags(FlagPresent | FlagRW | FlagUserAccessible | FlagNoExecute) {
		t.Error("expected a present writable non-executable user stack mapping")
	}

	gotAddr, err := space.Translate(codeAddr + mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if want := (codeFrame + 1).Address(); gotAddr != want {
		t.Errorf("second code page: got 0x%x; want 0x%x", gotAddr, want)
	}
}

func TestMapUserImageRollsBackOnFailure(t *testing.T) {
	h := newPTHarness(t)
	space := h.newSpace(t)

	var (
		codeAddr  = uintptr(0x400000)
		stackAddr = uintptr(0x7ffffff000)
	)

	// Let the code range map, then fail the first node allocation of the
	// stack range.
	h.failAt = len(h.allocs) + 4

	err := space.MapUserImage(codeAddr, mm.Frame(0x100), mm.PageSize, stackAddr, mm.Frame(0x200), mm.PageSize)
	if err != errTestAllocFailed {
		t.Fatalf("expected the stack mapping failure to propagate; got %v", err)
	}

	for _, virtAddr := range []uintptr{codeAddr, stackAddr} {
		if _, translateErr := space.Translate(virtAddr); translateErr != ErrInvalidMapping {
			t.Errorf("expected no mapping at 0x%x after rollback", virtAddr)
		}
	}
}

// leafFor returns the leaf entry for virtAddr, failing the test when any
// level on the path is absent.
func (h *ptHarness) leafFor(space *AddrSpace, virtAddr uintptr) *pageTableEntry {
	node := space.root
	for level := 0; level < pageLevels-1; level++ {
		node = entryAt(node, level, virtAddr).Frame()
	}
	return entryAt(node, pageLevels-1, virtAddr)
}
