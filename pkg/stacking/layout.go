// Package stacking lays out the stack frame of an allocated function: the spill
// slots handed out during register allocation, the save area of the
// callee-saved registers the allocation touched, and the prologue and epilogue
// that preserve them.
package stacking

import "github.com/raymyers/ralph-lsra/pkg/ir"

const (
	stackAlignment = 16 // SysV requires 16-byte stack alignment at calls
	pointerSize    = 8
)

// x86-64 frame layout (SP-relative, after the prologue):
//
//	+---------------------------+  <- SP + TotalSize
//	| padding to 16 bytes       |
//	| Callee-saved registers    |  CalleeSaveOffset
//	| Spill slots               |  0 .. SpillSize
//	+---------------------------+  <- SP
//
// Spill slot offsets from the allocator are used unchanged.

// SlotAllocator hands out spill slots. Each slot is sized and aligned for its
// type; offsets grow from zero.
type SlotAllocator struct {
	size  int
	slots int
}

// NewSlotAllocator creates an allocator with an empty spill area
func NewSlotAllocator() *SlotAllocator {
	return &SlotAllocator{}
}

// Allocate reserves a slot for a value of type t and returns its offset
func (a *SlotAllocator) Allocate(t ir.Type) int {
	size := slotSize(t)
	offset := alignUp(a.size, size)
	a.size = offset + size
	a.slots++
	return offset
}

// Size returns the number of bytes used by the slots handed out so far
func (a *SlotAllocator) Size() int { return a.size }

// Slots returns the number of slots handed out so far
func (a *SlotAllocator) Slots() int { return a.slots }

// FrameLayout describes the concrete stack frame
type FrameLayout struct {
	SpillSize      int // space for spill slots
	CalleeSaveSize int // space for callee-saved registers

	CalleeSaveOffset int // start of the callee-save area

	// Total frame size (SP decrement in the prologue)
	TotalSize int
}

// ComputeLayout computes the frame for a spill area of spillSize bytes and
// calleeSaveRegs saved registers.
func ComputeLayout(spillSize, calleeSaveRegs int) *FrameLayout {
	layout := &FrameLayout{
		SpillSize:      spillSize,
		CalleeSaveSize: calleeSaveRegs * pointerSize,
	}
	layout.CalleeSaveOffset = alignUp(spillSize, pointerSize)

	// The call pushed the return address, so SP is 8 off alignment on entry
	body := layout.CalleeSaveOffset + layout.CalleeSaveSize
	if body > 0 {
		layout.TotalSize = alignUp(body+pointerSize, stackAlignment) - pointerSize
	}
	return layout
}

// slotSize returns the size in bytes for a type
func slotSize(t ir.Type) int {
	return t.Size()
}

// alignUp rounds n up to the nearest multiple of align
func alignUp(n, align int) int {
	if align == 0 {
		return n
	}
	return ((n + align - 1) / align) * align
}
