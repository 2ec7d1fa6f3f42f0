package regalloc

import "math/bits"

// Report summarizes one allocation
type Report struct {
	// UsedRegisters has bit i set when register i is written by the function.
	// The frame must preserve the callee-saved ones among them.
	UsedRegisters uint64

	Intervals        int
	SplitIntervals   int
	SpilledIntervals int

	// Moves is the number of copies, spills and fills inserted between split intervals
	Moves           int
	CoalescedCopies int
}

// UsedRegisterList returns the indices of UsedRegisters in ascending order
func (r Report) UsedRegisterList() []int {
	list := make([]int, 0, bits.OnesCount64(r.UsedRegisters))
	for mask := r.UsedRegisters; mask != 0; mask &= mask - 1 {
		list = append(list, bits.TrailingZeros64(mask))
	}
	return list
}
