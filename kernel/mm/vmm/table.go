package vmm

import (
	"unsafe"

	"emberos/kernel"
	"emberos/kernel/mm"
)

// pageTable overlays the 512 64-bit entries of one page table node.
type pageTable [tableEntryCount]pageTableEntry

var (
	// nodePtrFn returns a pointer to the page table node stored in the
	// supplied physical frame. The kernel reaches physical memory through
	// its higher-half direct map; tests override this function to serve
	// nodes out of plain Go allocations.
	nodePtrFn = func(frame mm.Frame) *pageTable {
		return (*pageTable)(unsafe.Pointer(frame.Address() + mm.KernelSpaceBase))
	}
)

// tableIndex extracts the page table index for the given level from a
// virtual address.
func tableIndex(virtAddr uintptr, level int) int {
	return int((virtAddr >> pageLevelShifts[level]) & (tableEntryCount - 1))
}

// entryAt returns the page table entry for virtAddr at the given level
// within the node stored in frame.
func entryAt(frame mm.Frame, level int, virtAddr uintptr) *pageTableEntry {
	return &nodePtrFn(frame)[tableIndex(virtAddr, level)]
}

// clearNode zeroes the contents of the page table node stored in frame.
func clearNode(frame mm.Frame) {
	kernel.Memset(uintptr(unsafe.Pointer(nodePtrFn(frame))), 0, mm.PageSize)
}

// copyNode duplicates the page table node in src into dst.
func copyNode(dst, src mm.Frame) {
	kernel.Memcopy(
		uintptr(unsafe.Pointer(nodePtrFn(src))),
		uintptr(unsafe.Pointer(nodePtrFn(dst))),
		mm.PageSize)
}
