package regalloc

import (
	"go.uber.org/zap"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// coalesceCopies joins the intervals of dest and source of every local to local
// copy when the two never live at the same time. The copy stays in place and
// becomes a self copy once both sides get the same location.
func (a *allocation) coalesceCopies() int {
	joined := 0
	for _, node := range a.operationNodes {
		op := node.op
		if op.Inst != ir.Copy || op.Dest == nil || op.Dest.Kind != ir.LocalVariable {
			continue
		}
		src := op.GetSource(0)
		if src.Kind != ir.LocalVariable || src.Type != op.Dest.Type {
			continue
		}
		dest := a.arena.find(a.parents[a.numbering.id(op.Dest)])
		source := a.arena.find(a.parents[a.numbering.id(src)])
		if dest == source || dest.OverlapsInterval(source) {
			continue
		}
		if dest.Start() < source.Start() {
			dest.Join(source)
		} else {
			source.Join(dest)
		}
		joined++
		a.log.Debug("coalesced", zap.Stringer("dest", op.Dest), zap.Stringer("source", src))
	}
	return joined
}
