package stacking

import (
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// Frame is the stack frame of an allocated function
type Frame struct {
	Layout     *FrameLayout
	CalleeSave *CalleeSaveInfo
}

// Finalize lays out the frame of a function whose registers have been
// allocated and inserts the code preserving the callee-saved registers it
// writes. used is the register mask reported by the allocator and slots the
// allocator that handed out its spill slots. Values returned in restored
// registers are moved to caller-saved registers first.
func Finalize(cfg *ir.ControlFlowGraph, used uint64, masks ir.RegisterMasks, slots *SlotAllocator) (*Frame, error) {
	// 1. Find callee-saved registers written by the function
	usedCalleeSave := CalleeSavedRegisters(used, masks)

	// 2. Compute stack frame layout
	layout := ComputeLayout(slots.Size(), len(usedCalleeSave))

	// 3. Compute callee-save info
	calleeSave := ComputeCalleeSaveInfo(layout, usedCalleeSave)

	// 4. Save and restore
	if err := InsertPrologueEpilogue(cfg, calleeSave, masks); err != nil {
		return nil, fmt.Errorf("saving callee-saved registers: %w", err)
	}

	return &Frame{Layout: layout, CalleeSave: calleeSave}, nil
}
