package regalloc

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// insertSplitCopies connects split children that continue their predecessor
// inside a block. Children starting on a block boundary are left to the edge
// pass.
func (a *allocation) insertSplitCopies() {
	resolvers := make(map[int]*CopyResolver)
	programEnd := len(a.operationNodes) * InstructionGap
	onEdge := func(position int) bool {
		aligned := (position + instructionGapMask) &^ instructionGapMask
		return aligned == programEnd || a.blockEdges.Contains(aligned)
	}

	for _, root := range a.parents[a.masks.RegistersCount:] {
		if a.arena.find(root) != root || !root.IsSplit() {
			continue
		}
		previous := root
		for _, child := range root.SplitChildren() {
			position := child.Start()
			if !onEdge(position) && previous.End() == position {
				resolver, ok := resolvers[position]
				if !ok {
					resolver = newCopyResolver(a.scratchLocation)
					resolvers[position] = resolver
				}
				resolver.AddSplit(previous, child)
			}
			previous = child
		}
	}

	positions := make([]int, 0, len(resolvers))
	for position := range resolvers {
		positions = append(positions, position)
	}
	slices.Sort(positions)

	for _, position := range positions {
		resolver := resolvers[position]
		if !resolver.HasCopy() {
			continue
		}
		node := a.operationNodes[position/InstructionGap]
		seq := resolver.Sequence()
		assert(node.block.InsertAfter(node.op, seq...), "operation at %d left its block", position)
		a.report.Moves += len(seq)
		a.log.Debug("split copies", zap.Int("position", position), zap.Int("moves", len(seq)))
	}
}

// insertSplitCopiesAtEdges reconciles the locations of values live across each
// control flow edge whose two ends see different family members.
func (a *allocation) insertSplitCopiesAtEdges() {
	blocksCount := len(a.cfg.Blocks)
	isSplitEdgeBlock := func(b *ir.Block) bool { return b.Index >= blocksCount }

	for _, block := range slices.Clone(a.cfg.Blocks[:blocksCount]) {
		hasSingleOrNoSuccessor := len(block.Successors) <= 1

		for _, successor := range slices.Clone(block.Successors) {
			succIndex := successor.Index
			// A block created to split an edge has a single successor and no
			// live data of its own.
			if isSplitEdgeBlock(successor) {
				succIndex = successor.Successors[0].Index
			}

			resolver := a.edgeResolver(block.Index, succIndex)
			if !resolver.HasCopy() {
				continue
			}
			seq := resolver.Sequence()
			a.report.Moves += len(seq)

			switch {
			case hasSingleOrNoSuccessor:
				block.AppendBeforeTerminator(seq...)
			case len(successor.Predecessors) == 1:
				successor.Prepend(seq...)
			default:
				split := a.cfg.SplitEdge(block, successor)
				split.AppendBeforeTerminator(seq...)
			}
			a.log.Debug("edge copies",
				zap.Stringer("from", block), zap.Stringer("to", successor), zap.Int("moves", len(seq)))
		}
	}
}

func (a *allocation) edgeResolver(pred, succ int) *CopyResolver {
	resolver := newCopyResolver(a.scratchLocation)
	lEnd := a.blockRanges[pred].End - InstructionGap
	rStart := a.blockRanges[succ].Start

	seen := mapset.NewThreadUnsafeSet[int]()
	liveIn := a.liveness.In[succ]
	for i, ok := liveIn.NextSet(0); ok; i, ok = liveIn.NextSet(i + 1) {
		root := a.arena.find(a.parents[i])
		if root.IsFixed() || !root.IsSplit() || !seen.Add(root.id) {
			continue
		}
		left := root.GetSplitChild(lEnd)
		right := root.GetSplitChild(rStart)
		assert(left != nil && right != nil, "family %s not live across edge %d -> %d", root, pred, succ)
		if left != right {
			resolver.AddSplit(left, right)
		}
	}
	return resolver
}
