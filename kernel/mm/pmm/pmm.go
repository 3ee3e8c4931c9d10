// Package pmm implements the physical frame allocator: a bitmap over every
// physical page frame reported by the bootloader. The allocator is the only
// authority on frame ownership; a frame it hands out is never handed out
// again until explicitly freed.
package pmm

import (
	"unsafe"

	"emberos/kernel"
	"emberos/kernel/hal/multiboot"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
	"emberos/kernel/sync"
)

var (
	// FrameAllocator is the BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator BitmapAllocator

	// visitMemRegionsFn is mocked by tests and is automatically inlined
	// by the compiler.
	visitMemRegionsFn = multiboot.VisitMemRegions

	errOutOfMemory       = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	errNoContiguousRun   = &kernel.Error{Module: "pmm", Message: "no contiguous run of free frames"}
	errNoUsableMemory    = &kernel.Error{Module: "pmm", Message: "bootloader reported no usable memory regions"}
	errBitmapAllocFailed = &kernel.Error{Module: "pmm", Message: "unable to allocate frame bitmap storage"}
	errInvalidRunLength  = &kernel.Error{Module: "pmm", Message: "contiguous run length must be > 0"}
)

// lowMemFrameCount is the number of frames covering the first MiB of physical
// memory. That region hosts firmware structures and legacy DMA buffers and is
// permanently reserved.
const lowMemFrameCount = mm.Frame((1 << 20) >> mm.PageShift)

// BitmapAllocator tracks the free/used state of every physical frame with a
// single bit. Reserved frames use the same bit as allocated ones; the
// allocator simply never clears them on its own.
type BitmapAllocator struct {
	mu sync.IrqLock

	// bitmap holds one bit per frame (set = used). Frame i maps to bit
	// i%64 of word i/64.
	bitmap []uint64

	// frameCount is the total number of frames tracked by the bitmap.
	frameCount mm.Frame

	// hint is the frame where the next allocation scan begins. It moves
	// forward past each handed-out frame and backward on free, keeping
	// scans short without a second data structure.
	hint mm.Frame

	// usedFrames counts set bits, including reservations.
	usedFrames uint64
}

// Init builds the frame bitmap from the bootloader-reported memory regions:
// every frame starts out used, the frames of each usable region are cleared,
// and the fixed reserved regions (first MiB, kernel image) are marked used
// again. It returns an error if the bootloader reported no usable memory.
func (alloc *BitmapAllocator) Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var (
		maxFrame       mm.Frame
		usable         bool
		pageSizeMinus1 = uint64(mm.PageSize - 1)
	)

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		endFrame := mm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift)
		if endFrame > maxFrame {
			maxFrame = endFrame
		}
		usable = true
		return true
	})

	if !usable || maxFrame == 0 {
		return errNoUsableMemory
	}

	wordCount := (uintptr(maxFrame) + 63) >> 6
	bitmapAddr := mm.KernelAlloc(wordCount << mm.PointerShift)
	if bitmapAddr == 0 {
		return errBitmapAllocFailed
	}

	alloc.bitmap = bitmapSlice(bitmapAddr, int(wordCount))
	alloc.frameCount = maxFrame
	alloc.hint = 0

	// Default every frame to used so that holes between the reported
	// regions can never be handed out.
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}
	alloc.usedFrames = uint64(alloc.frameCount)

	// Clear the usable regions. Region bounds may not be page-aligned;
	// round the start up and the end down so only whole frames are freed.
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		endFrame := mm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift)
		for frame := startFrame; frame < endFrame; frame++ {
			alloc.clearBit(frame)
		}
		return true
	})

	// Re-reserve the regions that must never be allocatable: the first
	// MiB and the frames occupied by the kernel image (whose in-image
	// heap also backs this bitmap's storage).
	for frame := mm.Frame(0); frame < lowMemFrameCount && frame < alloc.frameCount; frame++ {
		alloc.Reserve(frame)
	}

	kernelStartFrame := mm.FrameFromAddress(kernelStart)
	kernelEndFrame := mm.FrameFromAddress(kernelEnd + mm.PageSize - 1)
	for frame := kernelStartFrame; frame < kernelEndFrame && frame < alloc.frameCount; frame++ {
		alloc.Reserve(frame)
	}

	alloc.printMemoryMap()
	return nil
}

// AllocFrame reserves and returns the first free frame found scanning
// forward from the allocation hint, wrapping around once. It returns an
// error when all frames are in use; exhaustion is a recoverable condition
// surfaced to the caller.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	for frame := alloc.hint; frame < alloc.frameCount; frame++ {
		if !alloc.testBit(frame) {
			alloc.setBit(frame)
			alloc.hint = frame + 1
			return frame, nil
		}
	}

	for frame := mm.Frame(0); frame < alloc.hint; frame++ {
		if !alloc.testBit(frame) {
			alloc.setBit(frame)
			alloc.hint = frame + 1
			return frame, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocContiguous reserves a run of count physically adjacent frames and
// returns the first frame of the run. The scan starts at the allocation hint
// and wraps to the bitmap start; the run is claimed in the same pass that
// discovered it, so no rollback is needed.
func (alloc *BitmapAllocator) AllocContiguous(count int) (mm.Frame, *kernel.Error) {
	if count <= 0 {
		return mm.InvalidFrame, errInvalidRunLength
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()

	if first, ok := alloc.findRun(alloc.hint, alloc.frameCount, count); ok {
		return alloc.claimRun(first, count), nil
	}
	if first, ok := alloc.findRun(0, alloc.hint, count); ok {
		return alloc.claimRun(first, count), nil
	}

	return mm.InvalidFrame, errNoContiguousRun
}

// findRun scans [start, limit) for count consecutive free frames and returns
// the first frame of the run.
func (alloc *BitmapAllocator) findRun(start, limit mm.Frame, count int) (mm.Frame, bool) {
	runLen := 0
	for frame := start; frame < limit; frame++ {
		if alloc.testBit(frame) {
			runLen = 0
			continue
		}

		if runLen++; runLen == count {
			return frame - mm.Frame(count-1), true
		}
	}

	return 0, false
}

func (alloc *BitmapAllocator) claimRun(first mm.Frame, count int) mm.Frame {
	for frame := first; frame < first+mm.Frame(count); frame++ {
		alloc.setBit(frame)
	}
	alloc.hint = first + mm.Frame(count)
	return first
}

// FreeFrame returns a frame to the pool. Double frees are detected and
// ignored with a diagnostic: both a process teardown path and an explicit
// unmap may legitimately race to release the same frame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	alloc.freeOne(frame)
}

// FreeContiguous releases a run of count frames previously obtained via
// AllocContiguous.
func (alloc *BitmapAllocator) FreeContiguous(frame mm.Frame, count int) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	for offset := 0; offset < count; offset++ {
		alloc.freeOne(frame + mm.Frame(offset))
	}
}

func (alloc *BitmapAllocator) freeOne(frame mm.Frame) {
	if frame >= alloc.frameCount {
		kfmt.Printf("[pmm] free of untracked frame %x ignored\n", uintptr(frame))
		return
	}

	if !alloc.testBit(frame) {
		kfmt.Printf("[pmm] double free of frame %x ignored\n", uintptr(frame))
		return
	}

	alloc.clearBit(frame)
	if frame < alloc.hint {
		alloc.hint = frame
	}
}

// Reserve permanently removes a frame from the allocatable pool. It shares
// the used bit with regular allocations; the allocator never clears it on
// its own, only Unreserve returns the frame to the pool.
func (alloc *BitmapAllocator) Reserve(frame mm.Frame) {
	if frame >= alloc.frameCount {
		return
	}
	if !alloc.testBit(frame) {
		alloc.setBit(frame)
	}
}

// Unreserve restores a previously reserved frame to the allocatable pool.
func (alloc *BitmapAllocator) Unreserve(frame mm.Frame) {
	if frame >= alloc.frameCount || !alloc.testBit(frame) {
		return
	}
	alloc.clearBit(frame)
	if frame < alloc.hint {
		alloc.hint = frame
	}
}

// FreeFrameCount returns the number of frames that are currently available
// for allocation.
func (alloc *BitmapAllocator) FreeFrameCount() uint64 {
	return uint64(alloc.frameCount) - alloc.usedFrames
}

// bitmapSlice overlays a []uint64 on top of the raw storage obtained from
// the kernel heap.
func bitmapSlice(addr uintptr, words int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(addr)), words)
}

func (alloc *BitmapAllocator) testBit(frame mm.Frame) bool {
	return alloc.bitmap[frame>>6]&(1<<(frame&63)) != 0
}

func (alloc *BitmapAllocator) setBit(frame mm.Frame) {
	alloc.bitmap[frame>>6] |= 1 << (frame & 63)
	alloc.usedFrames++
}

func (alloc *BitmapAllocator) clearBit(frame mm.Frame) {
	alloc.bitmap[frame>>6] &^= 1 << (frame & 63)
	alloc.usedFrames--
}

// printMemoryMap dumps the bootloader-reported memory regions and the
// allocator totals to the active console.
func (alloc *BitmapAllocator) printMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalBytes uint64
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("[pmm]   [0x%10x - 0x%10x] %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Type.String())
		if region.Type == multiboot.MemAvailable {
			totalBytes += region.Length
		}
		return true
	})
	kfmt.Printf("[pmm] usable memory: %d KiB across %d frames (%d free)\n",
		totalBytes>>10, uint64(alloc.frameCount), alloc.FreeFrameCount())
}

// Init sets up the kernel physical memory allocation sub-system and registers
// it as the frame source for the virtual memory manager.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	if err := FrameAllocator.Init(kernelStart, kernelEnd); err != nil {
		return err
	}

	mm.SetFrameAllocator(allocFrame, freeFrame)
	return nil
}

// allocFrame and freeFrame delegate to the package allocator instance. They
// exist so that registering them with mm does not confuse the compiler's
// escape analysis into moving FrameAllocator to the heap.
func allocFrame() (mm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

func freeFrame(frame mm.Frame) {
	FrameAllocator.FreeFrame(frame)
}
