package vmm

import (
	"emberos/kernel"
	"emberos/kernel/mm"
)

// MapUserImage establishes the mappings a user process image needs before its
// first dispatch: the code segment read-only and executable, the stack
// read-write and non-executable, both user-accessible. The operation is
// all-or-nothing; on failure the address space is left exactly as it was.
func (space *AddrSpace) MapUserImage(codeAddr uintptr, codeFrame mm.Frame, codeSize uintptr,
	stackAddr uintptr, stackFrame mm.Frame, stackSize uintptr) *kernel.Error {

	if err := space.MapRangeUser(codeAddr, codeFrame, codeSize, FlagPresent); err != nil {
		return err
	}

	if err := space.MapRangeUser(stackAddr, stackFrame, stackSize, FlagPresent|FlagRW|FlagNoExecute); err != nil {
		space.UnmapRange(codeAddr, codeSize)
		return err
	}

	return nil
}
