package regalloc

import (
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// location is a register or a spill slot
type location struct {
	stack bool
	index int
}

func regLocation(register int) location { return location{index: register} }
func stackLocation(offset int) location { return location{stack: true, index: offset} }

func (l location) String() string {
	if l.stack {
		return fmt.Sprintf("stack#%d", l.index)
	}
	return fmt.Sprintf("r%d", l.index)
}

type move struct {
	src, dst location
	typ      ir.Type
}

// CopyResolver collects the moves that take a set of values from their locations
// on one side of a split point to their locations on the other side, and orders
// them so that no value is overwritten before it is read.
type CopyResolver struct {
	spills   []move
	fills    []move
	parallel []move

	// scratch returns the location used to break copy cycles
	scratch     func() location
	relocations int
}

func newCopyResolver(scratch func() location) *CopyResolver {
	return &CopyResolver{scratch: scratch}
}

// AddSplit records the move between two members of the same family
func (r *CopyResolver) AddSplit(left, right *LiveInterval) {
	assert(left.root() == right.root(), "split copy between families %s and %s", left, right)
	typ := left.local.Type
	switch {
	case left.IsSpilled() && right.IsSpilled():
		assert(left.spillOffset == right.spillOffset, "family %s spilled to slots %d and %d",
			left, left.spillOffset, right.spillOffset)
	case left.IsSpilled():
		r.addMove(stackLocation(left.spillOffset), regLocation(right.register), typ)
	case right.IsSpilled():
		r.addMove(regLocation(left.register), stackLocation(right.spillOffset), typ)
	default:
		r.addMove(regLocation(left.register), regLocation(right.register), typ)
	}
}

func (r *CopyResolver) addMove(src, dst location, typ ir.Type) {
	if src == dst {
		return
	}
	for _, list := range [][]move{r.spills, r.fills, r.parallel} {
		for _, m := range list {
			assert(m.dst != dst, "location %s written twice", dst)
		}
	}
	m := move{src: src, dst: dst, typ: typ}
	switch {
	case src.stack && dst.stack:
		assert(false, "stack to stack move %s -> %s", src, dst)
	case dst.stack:
		r.spills = append(r.spills, m)
	case src.stack:
		r.fills = append(r.fills, m)
	default:
		r.parallel = append(r.parallel, m)
	}
}

// HasCopy reports whether any move remains after elision
func (r *CopyResolver) HasCopy() bool {
	return len(r.spills)+len(r.fills)+len(r.parallel) != 0
}

// Sequence returns the operations performing every recorded move: stores to
// spill slots first, then register to register copies, then loads from spill
// slots.
func (r *CopyResolver) Sequence() []*ir.Operation {
	var seq []*ir.Operation
	for _, m := range r.spills {
		seq = append(seq, emitMove(m.src, m.dst, m.typ))
	}
	seq = r.sequenceParallel(seq)
	for _, m := range r.fills {
		seq = append(seq, emitMove(m.src, m.dst, m.typ))
	}
	return seq
}

func (r *CopyResolver) sequenceParallel(seq []*ir.Operation) []*ir.Operation {
	pending := append([]move(nil), r.parallel...)
	var scratch location
	scratchBusy := false

	isRead := func(loc location) bool {
		for _, m := range pending {
			if m.src == loc {
				return true
			}
		}
		return false
	}

	for len(pending) != 0 {
		progress := false
		for i := 0; i < len(pending); {
			m := pending[i]
			if isRead(m.dst) {
				i++
				continue
			}
			seq = append(seq, emitMove(m.src, m.dst, m.typ))
			pending = append(pending[:i], pending[i+1:]...)
			progress = true
		}
		if progress {
			continue
		}

		// Only cycles remain. Park the value of one destination in the
		// scratch location and redirect its readers there.
		if scratchBusy {
			assert(!isRead(scratch), "scratch location %s relocated while live", scratch)
		} else {
			scratch = r.scratch()
			scratchBusy = true
		}
		victim := pending[0].dst
		seq = append(seq, emitMove(victim, scratch, pending[0].typ))
		r.relocations++
		for i := range pending {
			if pending[i].src == victim {
				pending[i].src = scratch
			}
		}
	}
	return seq
}

func emitMove(src, dst location, typ ir.Type) *ir.Operation {
	reg := func(l location) *ir.Operand {
		return ir.PhysicalRegister(l.index, ir.RegisterTypeInteger, typ)
	}
	switch {
	case !src.stack && !dst.stack:
		return ir.NewCopy(reg(dst), reg(src))
	case !src.stack:
		return ir.NewSpill(dst.index, reg(src))
	case !dst.stack:
		return ir.NewFill(reg(dst), src.index)
	}
	panic(&AssertionError{Message: fmt.Sprintf("stack to stack move %s -> %s", src, dst)})
}
