package mm

// The kernel heap is an external collaborator: this core only depends on a
// pair of alloc/free operations supplied at boot. They back the frame bitmap
// storage and per-process kernel stacks.
type (
	// HeapAllocFn allocates size bytes from the kernel heap and returns
	// the address of the block, or 0 if the heap is exhausted.
	HeapAllocFn func(size uintptr) uintptr

	// HeapFreeFn returns a block previously obtained via HeapAllocFn.
	HeapFreeFn func(addr uintptr)
)

var (
	heapAlloc HeapAllocFn
	heapFree  HeapFreeFn
)

// SetKernelHeap registers the external heap allocator operations. It must be
// invoked before the frame allocator or the process table are initialized.
func SetKernelHeap(allocFn HeapAllocFn, freeFn HeapFreeFn) {
	heapAlloc = allocFn
	heapFree = freeFn
}

// KernelAlloc allocates size bytes from the external kernel heap.
func KernelAlloc(size uintptr) uintptr {
	return heapAlloc(size)
}

// KernelFree releases a block previously returned by KernelAlloc.
func KernelFree(addr uintptr) {
	heapFree(addr)
}
