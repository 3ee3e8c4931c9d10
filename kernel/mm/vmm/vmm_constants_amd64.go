package vmm

const (
	// pageLevels indicates the number of page table levels supported by
	// the amd64 architecture.
	pageLevels = 4

	// tableEntryCount is the number of entries in a page table node at
	// any level.
	tableEntryCount = 512

	// ptePhysPageMask is a mask that allows us to extract the physical
	// memory address pointed to by a page table entry. For this
	// particular architecture, bits 12-51 contain the physical memory
	// address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// kernelRootIndex is the first top-level table index belonging to the
	// kernel's shared upper half. Indices [0, kernelRootIndex) form the
	// per-process lower half.
	kernelRootIndex = 256

	// hugePageLevel1GiB and hugePageLevel2MiB are the page levels at
	// which an entry flagged with FlagHugePage maps memory directly
	// instead of pointing to a next-level node.
	hugePageLevel1GiB = 1
	hugePageLevel2MiB = 2

	// hugePageOffsetMask1GiB and hugePageOffsetMask2MiB extract the
	// region offset from a virtual address translated via a huge
	// mapping (30 and 21 offset bits respectively).
	hugePageOffsetMask1GiB = uintptr(1<<30) - 1
	hugePageOffsetMask2MiB = uintptr(1<<21) - 1
)

var (
	// pageLevelShifts defines the shift required to extract each page
	// table index from a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a non-leaf entry as directly mapping a 2 MiB or
	// 1 GiB region instead of pointing to the next level.
	FlagHugePage

	// FlagGlobal prevents the TLB from flushing the cached translation
	// for this page when the translation root is reloaded.
	FlagGlobal

	// FlagNoExecute indicates that a page contains non-executable code.
	FlagNoExecute = PageTableEntryFlag(1) << 63
)
