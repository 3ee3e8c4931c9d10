package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelSpaceBase marks the start of the higher-half virtual region
	// reserved for the kernel. Every canonical address at or above this
	// value selects a top-level page table index in [256, 511]; user
	// space owns indices [0, 255]. The kernel is higher-half resident, so
	// no identity mapping of low memory survives past early boot.
	KernelSpaceBase = uintptr(0xffff800000000000)
)
