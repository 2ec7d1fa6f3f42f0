package regalloc

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// numbering maps every value to a dense id: physical registers take
// 0..RegistersCount-1, locals follow in order of their first definition.
type numbering struct {
	registersCount int
	ids            map[*ir.Operand]int
	locals         []*ir.Operand
}

func newNumbering(registersCount int) *numbering {
	return &numbering{registersCount: registersCount, ids: make(map[*ir.Operand]int)}
}

// define assigns an id to local if it has none yet and reports whether it was new
func (n *numbering) define(local *ir.Operand) bool {
	if _, ok := n.ids[local]; ok {
		return false
	}
	n.ids[local] = n.registersCount + len(n.locals)
	n.locals = append(n.locals, local)
	return true
}

func (n *numbering) id(op *ir.Operand) int {
	if op.Kind == ir.Register {
		return op.Reg.Index
	}
	id, ok := n.ids[op]
	assert(ok, "local %s has no definition", op)
	return id
}

func (n *numbering) size() int {
	return n.registersCount + len(n.locals)
}

// forEachSourceValue calls fn for each local or register read by op, including
// the base and index of memory operands.
func forEachSourceValue(op *ir.Operation, fn func(*ir.Operand)) {
	for i := 0; i < op.SourcesCount(); i++ {
		src := op.GetSource(i)
		switch {
		case src.IsLocalOrRegister():
			fn(src)
		case src.IsMemory():
			if src.Base.IsLocalOrRegister() {
				fn(src.Base)
			}
			if src.Index.IsLocalOrRegister() {
				fn(src.Index)
			}
		}
	}
}

// Liveness holds the per-block data flow sets, indexed by Block.Index
type Liveness struct {
	Gen, Kill []*bitset.BitSet
	In, Out   []*bitset.BitSet
	size      uint
}

func computeLiveness(cfg *ir.ControlFlowGraph, n *numbering) *Liveness {
	size := uint(n.size())
	blocks := len(cfg.Blocks)
	l := &Liveness{
		Gen:  make([]*bitset.BitSet, blocks),
		Kill: make([]*bitset.BitSet, blocks),
		In:   make([]*bitset.BitSet, blocks),
		Out:  make([]*bitset.BitSet, blocks),
		size: size,
	}

	for _, block := range cfg.PostOrderBlocks {
		gen, kill := bitset.New(size), bitset.New(size)
		for _, op := range block.Operations {
			forEachSourceValue(op, func(src *ir.Operand) {
				id := uint(n.id(src))
				if !kill.Test(id) {
					gen.Set(id)
				}
			})
			if op.Dest.IsLocalOrRegister() {
				kill.Set(uint(n.id(op.Dest)))
			}
		}
		l.Gen[block.Index] = gen
		l.Kill[block.Index] = kill
		l.In[block.Index] = bitset.New(size)
		l.Out[block.Index] = bitset.New(size)
	}

	for modified := true; modified; {
		modified = false
		for _, block := range cfg.PostOrderBlocks {
			out := l.Out[block.Index]
			for _, succ := range block.Successors {
				before := out.Count()
				out.InPlaceUnion(l.In[succ.Index])
				if out.Count() != before {
					modified = true
				}
			}
			in := out.Clone()
			in.InPlaceDifference(l.Kill[block.Index])
			in.InPlaceUnion(l.Gen[block.Index])
			l.In[block.Index] = in
		}
	}
	return l
}

// Verify checks that the sets are a fixpoint of the liveness equations
func (l *Liveness) Verify(cfg *ir.ControlFlowGraph) error {
	for _, block := range cfg.PostOrderBlocks {
		out := bitset.New(l.size)
		for _, succ := range block.Successors {
			out.InPlaceUnion(l.In[succ.Index])
		}
		if !out.Equal(l.Out[block.Index]) {
			return fmt.Errorf("block %s: live-out %v, want %v", block, l.Out[block.Index], out)
		}
		in := out.Clone()
		in.InPlaceDifference(l.Kill[block.Index])
		in.InPlaceUnion(l.Gen[block.Index])
		if !in.Equal(l.In[block.Index]) {
			return fmt.Errorf("block %s: live-in %v, want %v", block, l.In[block.Index], in)
		}
	}
	return nil
}

func forEachSet(set *bitset.BitSet, fn func(id int)) {
	for i, ok := set.NextSet(0); ok; i, ok = set.NextSet(i + 1) {
		fn(int(i))
	}
}
