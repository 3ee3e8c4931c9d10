// Package mm declares the memory primitives (physical frames, virtual pages)
// shared by the physical frame allocator and the virtual address space
// manager, together with the registration hooks that connect the two.
package mm

import (
	"math"

	"emberos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address where this Frame begins.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address where this Page begins.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameFreeFn is a function that releases a physical frame back to the
// allocator that owns it.
type FrameFreeFn func(Frame)

var (
	frameAllocator FrameAllocatorFn
	frameFreer     FrameFreeFn
)

// SetFrameAllocator registers the frame allocation and release functions used
// whenever the virtual memory manager needs to obtain or give back a physical
// frame.
func SetFrameAllocator(allocFn FrameAllocatorFn, freeFn FrameFreeFn) {
	frameAllocator = allocFn
	frameFreer = freeFn
}

// AllocFrame allocates a new physical frame using the currently registered
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	return frameAllocator()
}

// FreeFrame releases a physical frame using the currently registered physical
// frame allocator.
func FreeFrame(frame Frame) {
	frameFreer(frame)
}
