// Package vmm implements the virtual address space manager. It builds and
// mutates the 4-level page table trees that define each address space,
// obtaining page table nodes from the physical frame allocator.
//
// Every address space shares the kernel's upper-half top-level entries by
// value: the child nodes below them are reachable from all top-level tables
// but remain owned by the kernel space, which is never destroyed. The lower
// half is private to each space.
package vmm

import (
	"emberos/kernel"
	"emberos/kernel/cpu"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm"
)

var (
	// activePDTFn and switchPDTFn are used by tests to override the
	// translation-root register accesses which would fault if executed
	// in user-mode.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	// kernelSpace is the always-resident address space assembled by Init.
	kernelSpace AddrSpace

	errKernelSpaceDestroy = &kernel.Error{Module: "vmm", Message: "attempt to destroy the kernel address space"}
)

// kernelImageBase is the virtual address the kernel image is linked at: the
// canonical top 2 GiB of the address space.
const kernelImageBase = uintptr(0xffffffff80000000)

// hugePageSize is the size of the region covered by a 2 MiB huge mapping.
const hugePageSize = uintptr(1 << 21)

// AddrSpace is a handle to one 4-level page table tree, identified by the
// physical frame of its top-level node.
type AddrSpace struct {
	root mm.Frame
}

// RootAddress returns the physical address of the top-level page table node.
// This is the value loaded into the translation root register when the space
// becomes active.
func (space *AddrSpace) RootAddress() uintptr {
	return space.root.Address()
}

// KernelSpace returns the kernel's own address space.
func KernelSpace() *AddrSpace {
	return &kernelSpace
}

// Init assembles the kernel address space: a fresh top-level node, a 2 MiB
// huge page direct map of all physical memory in the higher half, and a
// 4 KiB-granular mapping of the kernel image at its link address. The new
// space is activated before Init returns.
//
// Page table nodes are edited through the direct map, so the boot stage must
// keep its provisional low-memory map alive until the switch at the end of
// this function.
func Init(kernelStart, kernelEnd, physMemSize uintptr) *kernel.Error {
	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	clearNode(rootFrame)
	kernelSpace.root = rootFrame

	// Direct map: data-only view of physical memory, never executable.
	for phys := uintptr(0); phys < physMemSize; phys += hugePageSize {
		if err := kernelSpace.MapHuge(mm.KernelSpaceBase+phys, mm.FrameFromAddress(phys),
			FlagPresent|FlagRW|FlagGlobal|FlagNoExecute); err != nil {
			return err
		}
	}

	// Kernel image: mapped 4 KiB-granular at its link address.
	if err := kernelSpace.MapRange(kernelImageBase, mm.FrameFromAddress(kernelStart),
		kernelEnd-kernelStart, FlagPresent|FlagRW|FlagGlobal); err != nil {
		return err
	}

	kernelSpace.SwitchTo()
	kfmt.Printf("[vmm] kernel address space active (root 0x%x)\n", rootFrame.Address())
	return nil
}

// CreateAddrSpace allocates a new address space whose upper half structurally
// shares the kernel's mappings: the top-level entries are copied by value, so
// both tables reach the same child nodes. The lower half starts out empty.
func CreateAddrSpace() (*AddrSpace, *kernel.Error) {
	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	clearNode(rootFrame)

	space := &AddrSpace{root: rootFrame}
	CloneKernelMappings(space, &kernelSpace)
	return space, nil
}

// CloneKernelMappings copies the upper-half top-level entries from src into
// dst. It is used when creating a space and to refresh existing spaces after
// the kernel grows a new top-level subtree.
func CloneKernelMappings(dst, src *AddrSpace) {
	ptLock.Acquire()
	defer ptLock.Release()

	var (
		dstNode = nodePtrFn(dst.root)
		srcNode = nodePtrFn(src.root)
	)

	for i := kernelRootIndex; i < tableEntryCount; i++ {
		dstNode[i] = srcNode[i]
	}
}

// Destroy releases every page table node and mapped physical frame reachable
// from the lower half of this address space and finally the top-level node
// itself. Huge-page leaves are skipped: their backing frames are not owned by
// this layer. The shared upper half is left untouched since its nodes belong
// to the kernel space.
//
// Destroying the kernel's own address space is an invariant violation and
// panics.
func (space *AddrSpace) Destroy() {
	if space.root == kernelSpace.root {
		panic(errKernelSpaceDestroy)
	}

	ptLock.Acquire()
	defer ptLock.Release()

	rootNode := nodePtrFn(space.root)
	for i := 0; i < kernelRootIndex; i++ {
		if rootNode[i].HasFlags(FlagPresent) && !rootNode[i].HasFlags(FlagHugePage) {
			destroySubtree(rootNode[i].Frame(), 1)
		}
	}

	mm.FreeFrame(space.root)
	space.root = mm.InvalidFrame
}

// destroySubtree post-order frees the page table node stored in frame and
// everything below it: mapped 4 KiB frames at the leaf level first, then the
// nodes on the way back up.
func destroySubtree(frame mm.Frame, level int) {
	node := nodePtrFn(frame)
	for i := range node {
		pte := node[i]
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			continue
		}

		if level == pageLevels-1 {
			mm.FreeFrame(pte.Frame())
		} else {
			destroySubtree(pte.Frame(), level+1)
		}
	}

	mm.FreeFrame(frame)
}

// SwitchTo makes this address space the active one. The translation root is
// only reloaded when it differs from the active root, since the reload
// flushes the whole TLB.
func (space *AddrSpace) SwitchTo() {
	rootAddr := space.root.Address()
	if activePDTFn() != rootAddr {
		switchPDTFn(rootAddr)
	}
}
