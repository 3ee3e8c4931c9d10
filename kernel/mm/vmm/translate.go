package vmm

import (
	"emberos/kernel"
	"emberos/kernel/mm"
)

// Translate returns the physical address that the supplied virtual address
// maps to in this address space, or ErrInvalidMapping if it is unmapped. The
// walk is read-only and understands huge mappings at the 1 GiB and 2 MiB
// levels, applying the matching offset mask when one terminates the walk
// early.
func (space *AddrSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	ptLock.Acquire()
	defer ptLock.Release()

	node := space.root
	for level := 0; level < pageLevels-1; level++ {
		pte := entryAt(node, level, virtAddr)
		if !pte.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if pte.HasFlags(FlagHugePage) {
			switch level {
			case hugePageLevel1GiB:
				return pte.Frame().Address() + (virtAddr & hugePageOffsetMask1GiB), nil
			case hugePageLevel2MiB:
				return pte.Frame().Address() + (virtAddr & hugePageOffsetMask2MiB), nil
			default:
				return 0, ErrInvalidMapping
			}
		}

		node = pte.Frame()
	}

	leaf := entryAt(node, pageLevels-1, virtAddr)
	if !leaf.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return leaf.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the 4 KiB page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
