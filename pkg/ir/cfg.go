package ir

import "fmt"

// IsTerminator reports whether the instruction ends a basic block
func (i Instruction) IsTerminator() bool {
	return i == Branch || i == BranchIf || i == Return
}

// Block is a basic block. Successors keep branch order: for a block ending in
// brif, Successors[0] is the taken target and Successors[1] the fall-through.
type Block struct {
	Index        int
	Name         string
	Operations   []*Operation
	Successors   []*Block
	Predecessors []*Block
}

// Append adds operations to the end of the block
func (b *Block) Append(ops ...*Operation) {
	b.Operations = append(b.Operations, ops...)
}

// AppendBeforeTerminator adds operations at the end of the block but ahead of a
// trailing branch or return.
func (b *Block) AppendBeforeTerminator(ops ...*Operation) {
	n := len(b.Operations)
	if n == 0 || !b.Operations[n-1].Inst.IsTerminator() {
		b.Append(ops...)
		return
	}
	b.insertAt(n-1, ops)
}

// Prepend adds operations to the start of the block
func (b *Block) Prepend(ops ...*Operation) {
	b.insertAt(0, ops)
}

// InsertAfter places ops immediately after anchor. It reports false when anchor
// is not in the block.
func (b *Block) InsertAfter(anchor *Operation, ops ...*Operation) bool {
	for i, op := range b.Operations {
		if op == anchor {
			b.insertAt(i+1, ops)
			return true
		}
	}
	return false
}

// Remove deletes every operation for which drop returns true
func (b *Block) Remove(drop func(*Operation) bool) int {
	kept := b.Operations[:0]
	removed := 0
	for _, op := range b.Operations {
		if drop(op) {
			removed++
			continue
		}
		kept = append(kept, op)
	}
	for i := len(kept); i < len(b.Operations); i++ {
		b.Operations[i] = nil
	}
	b.Operations = kept
	return removed
}

func (b *Block) insertAt(i int, ops []*Operation) {
	if len(ops) == 0 {
		return
	}
	grown := make([]*Operation, 0, len(b.Operations)+len(ops))
	grown = append(grown, b.Operations[:i]...)
	grown = append(grown, ops...)
	grown = append(grown, b.Operations[i:]...)
	b.Operations = grown
}

// AddSuccessor links b -> succ in both directions
func (b *Block) AddSuccessor(succ *Block) {
	b.Successors = append(b.Successors, succ)
	succ.Predecessors = append(succ.Predecessors, b)
}

func (b *Block) String() string {
	if b.Name != "" {
		return b.Name
	}
	return fmt.Sprintf("b%d", b.Index)
}

// ControlFlowGraph owns the blocks of one function
type ControlFlowGraph struct {
	Entry *Block

	// Blocks is the layout order. Block.Index is the position in this slice.
	Blocks []*Block

	// PostOrderBlocks lists the reachable blocks in DFS post-order from Entry
	PostOrderBlocks []*Block
}

// NewControlFlowGraph creates a graph and computes its orderings
func NewControlFlowGraph(entry *Block, blocks []*Block) *ControlFlowGraph {
	g := &ControlFlowGraph{Entry: entry, Blocks: blocks}
	g.Update()
	return g
}

// Update removes unreachable blocks, renumbers the remaining ones and
// recomputes the post-order.
func (g *ControlFlowGraph) Update() {
	visited := make(map[*Block]bool, len(g.Blocks))
	postOrder := make([]*Block, 0, len(g.Blocks))

	var dfs func(b *Block)
	dfs = func(b *Block) {
		if visited[b] {
			return
		}
		visited[b] = true
		for _, succ := range b.Successors {
			dfs(succ)
		}
		postOrder = append(postOrder, b)
	}
	if g.Entry != nil {
		dfs(g.Entry)
	}

	reachable := g.Blocks[:0]
	for _, b := range g.Blocks {
		if visited[b] {
			reachable = append(reachable, b)
			continue
		}
		for _, succ := range b.Successors {
			succ.Predecessors = removeBlock(succ.Predecessors, b)
		}
	}
	g.Blocks = reachable
	for i, b := range g.Blocks {
		b.Index = i
	}
	g.PostOrderBlocks = postOrder
}

// ReversePostOrder returns the reachable blocks in reverse post-order
func (g *ControlFlowGraph) ReversePostOrder() []*Block {
	n := len(g.PostOrderBlocks)
	rpo := make([]*Block, n)
	for i, b := range g.PostOrderBlocks {
		rpo[n-1-i] = b
	}
	return rpo
}

// NewBlock appends an empty block to the layout
func (g *ControlFlowGraph) NewBlock(name string) *Block {
	b := &Block{Index: len(g.Blocks), Name: name}
	g.Blocks = append(g.Blocks, b)
	return b
}

// SplitEdge inserts a new block on the edge pred -> succ. The new block jumps to
// succ, is appended to Blocks and takes succ's slot in pred's successor list.
// PostOrderBlocks is left untouched.
func (g *ControlFlowGraph) SplitEdge(pred, succ *Block) *Block {
	split := g.NewBlock(fmt.Sprintf("%s.%s", pred, succ))
	split.Append(NewOperation(Branch, nil))

	for i, s := range pred.Successors {
		if s == succ {
			pred.Successors[i] = split
			break
		}
	}
	for i, p := range succ.Predecessors {
		if p == pred {
			succ.Predecessors[i] = split
			break
		}
	}
	split.Predecessors = []*Block{pred}
	split.Successors = []*Block{succ}
	return split
}

// OperationsCount returns the number of operations in reachable blocks
func (g *ControlFlowGraph) OperationsCount() int {
	n := 0
	for _, b := range g.PostOrderBlocks {
		n += len(b.Operations)
	}
	return n
}

func removeBlock(list []*Block, b *Block) []*Block {
	out := list[:0]
	for _, x := range list {
		if x != b {
			out = append(out, x)
		}
	}
	return out
}
