// Package kmain ties the kernel subsystems together in their required boot
// order: multiboot info, physical frame allocator, kernel address space,
// process table, scheduler.
package kmain

import (
	"emberos/kernel"
	"emberos/kernel/hal/multiboot"
	"emberos/kernel/kfmt"
	"emberos/kernel/mm/pmm"
	"emberos/kernel/mm/vmm"
	"emberos/kernel/proc"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the only Go symbol visible from the rt0 initialization code, which
// invokes it after setting up the descriptor tables, a minimal g0 struct and
// the kernel heap hooks. The rt0 code passes the address of the multiboot
// info payload provided by the bootloader together with the physical
// addresses of the kernel image bounds.
//
// Kmain is not expected to return. If it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.Printf("[kmain] starting emberos\n")

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(kernelStart, kernelEnd, physMemSize()); err != nil {
		kfmt.Panic(err)
	} else if err = proc.Init(); err != nil {
		kfmt.Panic(err)
	}

	proc.Start()

	// Start never returns; this keeps the panic path alive if it somehow
	// does.
	kfmt.Panic(errKmainReturned)
}

// physMemSize returns the end of the highest usable physical memory region,
// which bounds the kernel's direct map.
func physMemSize() uintptr {
	var maxAddr uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable && region.PhysAddress+region.Length > maxAddr {
			maxAddr = region.PhysAddress + region.Length
		}
		return true
	})

	return uintptr(maxAddr)
}
