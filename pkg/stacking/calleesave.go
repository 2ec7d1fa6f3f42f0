package stacking

import (
	"math/bits"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// IsCalleeSaved returns true if the register must be preserved by the function that writes it
func IsCalleeSaved(reg int, masks ir.RegisterMasks) bool {
	return masks.IntCalleeSavedRegisters&(1<<uint(reg)) != 0
}

// CalleeSavedRegisters returns the callee-saved registers among used, by register number
func CalleeSavedRegisters(used uint64, masks ir.RegisterMasks) []int {
	var result []int
	for mask := used & masks.IntCalleeSavedRegisters; mask != 0; mask &= mask - 1 {
		result = append(result, bits.TrailingZeros64(mask))
	}
	return result
}

// CalleeSaveInfo holds information about callee-save register handling
type CalleeSaveInfo struct {
	Regs        []int // callee-saved registers to save
	SaveOffsets []int // offset from SP for each saved reg
}

// ComputeCalleeSaveInfo computes save locations for callee-saved registers
func ComputeCalleeSaveInfo(layout *FrameLayout, usedRegs []int) *CalleeSaveInfo {
	info := &CalleeSaveInfo{
		Regs:        usedRegs,
		SaveOffsets: make([]int, len(usedRegs)),
	}
	offset := layout.CalleeSaveOffset
	for i := range usedRegs {
		info.SaveOffsets[i] = offset
		offset += pointerSize
	}
	return info
}
