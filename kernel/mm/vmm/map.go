package vmm

import (
	"emberos/kernel"
	"emberos/kernel/cpu"
	"emberos/kernel/mm"
	"emberos/kernel/sync"
)

var (
	// flushTLBEntryFn and flushTLBFn are used by tests to override the
	// TLB maintenance calls which would fault if executed in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry
	flushTLBFn      = cpu.FlushTLB

	// ptLock serializes page table edits against the timer tick.
	ptLock sync.IrqLock

	errHugePageUnmap = &kernel.Error{Module: "vmm", Message: "huge page mappings cannot be partially unmapped"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in this address space, allocating and zeroing any missing
// intermediate page table node on the way down. Intermediate nodes are linked
// with the minimal kernel-writable flags. A huge page encountered where a
// finer mapping is required is split first. Remapping an already mapped page
// is legal; the previous leaf entry is overwritten and its translation
// flushed.
func (space *AddrSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	ptLock.Acquire()
	defer ptLock.Release()

	virtAddr := page.Address()

	node := space.root
	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(node, level, virtAddr)
		if err := space.ensureChild(pte, level, FlagPresent|FlagRW); err != nil {
			return err
		}
		node = pte.Frame()
	}

	leaf := entryAt(node, pageLevels-1, virtAddr)
	*leaf = 0
	leaf.SetFrame(frame)
	leaf.SetFlags(flags)
	flushTLBEntryFn(virtAddr)

	return nil
}

// MapUser behaves like Map but additionally guarantees that no page table
// node on the walked path is structurally shared with the kernel: an
// intermediate entry lacking the user-accessible bit was either inherited
// from the kernel's shared upper half or copied verbatim, so the node it
// points to is privatized before user access is granted through it. Huge
// pages encountered mid-walk are split with user-accessible leaves.
func (space *AddrSpace) MapUser(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	ptLock.Acquire()
	defer ptLock.Release()

	virtAddr := page.Address()

	node := space.root
	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(node, level, virtAddr)

		if pte.HasFlags(FlagPresent | FlagHugePage) {
			if err := splitHuge(pte, level, FlagUserAccessible); err != nil {
				return err
			}
		}

		switch {
		case !pte.HasFlags(FlagPresent):
			if err := space.ensureChild(pte, level, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
				return err
			}
		case !pte.HasFlags(FlagUserAccessible):
			if err := privatizeNode(pte); err != nil {
				return err
			}
		}

		node = pte.Frame()
	}

	leaf := entryAt(node, pageLevels-1, virtAddr)
	*leaf = 0
	leaf.SetFrame(frame)
	leaf.SetFlags(flags | FlagUserAccessible)
	flushTLBEntryFn(virtAddr)

	return nil
}

// ensureChild makes pte point to a present next-level node, allocating and
// zeroing a fresh one when the entry is absent and splitting any huge
// mapping occupying the slot.
func (space *AddrSpace) ensureChild(pte *pageTableEntry, level int, childFlags PageTableEntryFlag) *kernel.Error {
	if pte.HasFlags(FlagPresent | FlagHugePage) {
		return splitHuge(pte, level, 0)
	}

	if pte.HasFlags(FlagPresent) {
		return nil
	}

	nodeFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	clearNode(nodeFrame)
	*pte = 0
	pte.SetFrame(nodeFrame)
	pte.SetFlags(childFlags)
	return nil
}

// splitHuge replaces the huge mapping in pte with a freshly allocated
// next-level node whose entries reproduce the original mapping at the next
// finer granularity: a 1 GiB entry becomes 512 2 MiB entries, a 2 MiB entry
// becomes 512 4 KiB leaves. Since many translations change at once the whole
// TLB is flushed.
func splitHuge(pte *pageTableEntry, level int, extraFlags PageTableEntryFlag) *kernel.Error {
	nodeFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	var (
		node      = nodePtrFn(nodeFrame)
		baseFrame = pte.Frame()
		flags     = entryFlags(*pte) | extraFlags

		// Each child of a split 1 GiB entry remains a huge (2 MiB)
		// mapping covering 512 frames; the children of a split 2 MiB
		// entry are regular 4 KiB leaves.
		frameStep = mm.Frame(1)
	)

	if level == hugePageLevel1GiB {
		frameStep = tableEntryCount
	} else {
		flags &^= FlagHugePage
	}

	for i := range node {
		node[i] = 0
		node[i].SetFrame(baseFrame + mm.Frame(i)*frameStep)
		node[i].SetFlags(flags)
	}

	*pte = 0
	pte.SetFrame(nodeFrame)
	pte.SetFlags(FlagPresent | FlagRW | (extraFlags & FlagUserAccessible))
	flushTLBFn()

	return nil
}

// entryFlags extracts the flag bits of a page table entry.
func entryFlags(pte pageTableEntry) PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// privatizeNode replaces the node referenced by pte with a private copy of it
// and grants user access through the copy. The original node remains owned by
// whichever table it was shared from.
func privatizeNode(pte *pageTableEntry) *kernel.Error {
	copyFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	copyNode(copyFrame, pte.Frame())

	pte.SetFrame(copyFrame)
	pte.SetFlags(FlagUserAccessible)
	return nil
}

// MapHuge establishes a single 2 MiB huge mapping for the 2 MiB-aligned
// virtual address virtAddr. It allocates intermediate nodes exactly like Map
// but terminates the walk one level early.
func (space *AddrSpace) MapHuge(virtAddr uintptr, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	ptLock.Acquire()
	defer ptLock.Release()

	return space.mapHugeAt(virtAddr, frame, hugePageLevel2MiB, flags)
}

func (space *AddrSpace) mapHugeAt(virtAddr uintptr, frame mm.Frame, hugeLevel int, flags PageTableEntryFlag) *kernel.Error {
	node := space.root
	for level := 0; level < hugeLevel; level++ {
		pte := entryAt(node, level, virtAddr)
		if err := space.ensureChild(pte, level, FlagPresent|FlagRW); err != nil {
			return err
		}
		node = pte.Frame()
	}

	pte := entryAt(node, hugeLevel, virtAddr)
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagHugePage)
	flushTLBEntryFn(virtAddr)

	return nil
}

// Unmap removes the mapping for a virtual page. It returns ErrInvalidMapping
// if any level on the path is absent and errHugePageUnmap if the page lies
// inside a huge mapping, which cannot be partially unmapped.
func (space *AddrSpace) Unmap(page mm.Page) *kernel.Error {
	ptLock.Acquire()
	defer ptLock.Release()

	virtAddr := page.Address()

	node := space.root
	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(node, level, virtAddr)
		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}
		if pte.HasFlags(FlagHugePage) {
			return errHugePageUnmap
		}
		node = pte.Frame()
	}

	leaf := entryAt(node, pageLevels-1, virtAddr)
	if !leaf.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}

	*leaf = 0
	flushTLBEntryFn(virtAddr)
	return nil
}

// MapRange maps the page-aligned region [virtAddr, virtAddr+size) to the
// physical region beginning at frame. The operation is all-or-nothing: if
// any page fails to map, every page mapped so far is unmapped before the
// error is returned, leaving the address space exactly as it was.
func (space *AddrSpace) MapRange(virtAddr uintptr, frame mm.Frame, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	return space.mapRange(virtAddr, frame, size, flags, (*AddrSpace).Map)
}

// MapRangeUser is the MapUser analogue of MapRange, used when loading user
// process images.
func (space *AddrSpace) MapRangeUser(virtAddr uintptr, frame mm.Frame, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	return space.mapRange(virtAddr, frame, size, flags, (*AddrSpace).MapUser)
}

func (space *AddrSpace) mapRange(virtAddr uintptr, frame mm.Frame, size uintptr, flags PageTableEntryFlag, mapOne func(*AddrSpace, mm.Page, mm.Frame, PageTableEntryFlag) *kernel.Error) *kernel.Error {
	size = (size + mm.PageSize - 1) & ^(mm.PageSize - 1)

	var (
		firstPage = mm.PageFromAddress(virtAddr)
		pageCount = mm.Page(size >> mm.PageShift)
	)

	for page := firstPage; page < firstPage+pageCount; page, frame = page+1, frame+1 {
		if err := mapOne(space, page, frame, flags); err != nil {
			// Roll back so the caller observes no partial mapping.
			for unmapPage := firstPage; unmapPage < page; unmapPage++ {
				_ = space.Unmap(unmapPage)
			}
			return err
		}
	}

	return nil
}

// UnmapRange unmaps the page-aligned region [virtAddr, virtAddr+size).
// Pages inside the region that were never mapped are skipped; a huge page
// overlapping the region aborts with errHugePageUnmap.
func (space *AddrSpace) UnmapRange(virtAddr uintptr, size uintptr) *kernel.Error {
	size = (size + mm.PageSize - 1) & ^(mm.PageSize - 1)

	var (
		firstPage = mm.PageFromAddress(virtAddr)
		pageCount = mm.Page(size >> mm.PageShift)
	)

	for page := firstPage; page < firstPage+pageCount; page++ {
		if err := space.Unmap(page); err != nil && err != ErrInvalidMapping {
			return err
		}
	}

	return nil
}
