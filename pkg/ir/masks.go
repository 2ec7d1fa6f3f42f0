package ir

import "math/bits"

// RegisterMasks describes the integer register file available to the allocator
type RegisterMasks struct {
	// IntAvailableRegisters has bit i set when register i may be allocated
	IntAvailableRegisters uint64
	// IntCalleeSavedRegisters has bit i set when register i must be preserved
	// across calls by the function that uses it
	IntCalleeSavedRegisters uint64
	// RegistersCount is the size of the register file (at most 64)
	RegistersCount int
	// ScratchRegister is reserved for breaking copy cycles; -1 means none,
	// in which case a scratch spill slot is used.
	ScratchRegister int
}

// NewRegisterMasks creates masks with every register of a count-sized file available
func NewRegisterMasks(count int) RegisterMasks {
	return RegisterMasks{
		IntAvailableRegisters: lowBits(count),
		RegistersCount:        count,
		ScratchRegister:       -1,
	}
}

// IsAvailable reports whether register index may be allocated
func (m RegisterMasks) IsAvailable(index int) bool {
	return m.IntAvailableRegisters&(1<<uint(index)) != 0
}

// AvailableCount returns the number of allocatable registers
func (m RegisterMasks) AvailableCount() int {
	return bits.OnesCount64(m.IntAvailableRegisters)
}

// WithScratch reserves index as the scratch register and removes it from allocation
func (m RegisterMasks) WithScratch(index int) RegisterMasks {
	m.ScratchRegister = index
	if index >= 0 {
		m.IntAvailableRegisters &^= 1 << uint(index)
	}
	return m
}

func lowBits(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(n)) - 1
}
