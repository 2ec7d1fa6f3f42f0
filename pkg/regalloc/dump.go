package regalloc

import (
	"fmt"
	"io"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

func valueName(n *numbering, id int) string {
	if id < n.registersCount {
		return fmt.Sprintf("r%d", id)
	}
	local := n.locals[id-n.registersCount]
	if local.Name != "" {
		return local.Name
	}
	return fmt.Sprintf("v%d", id)
}

func formatSet(n *numbering, s *bitset.BitSet) string {
	var names []string
	forEachSet(s, func(id int) { names = append(names, valueName(n, id)) })
	return "{" + strings.Join(names, ", ") + "}"
}

func printLiveness(w io.Writer, cfg *ir.ControlFlowGraph, l *Liveness, n *numbering) {
	for _, block := range cfg.ReversePostOrder() {
		fmt.Fprintf(w, "%s:\n", block)
		fmt.Fprintf(w, "  gen  %s\n", formatSet(n, l.Gen[block.Index]))
		fmt.Fprintf(w, "  kill %s\n", formatSet(n, l.Kill[block.Index]))
		fmt.Fprintf(w, "  in   %s\n", formatSet(n, l.In[block.Index]))
		fmt.Fprintf(w, "  out  %s\n", formatSet(n, l.Out[block.Index]))
	}
}

// printIntervals writes one line per family member:
//
//	v3 [4,9) [12,17) uses 4 8 12 -> r2
func printIntervals(w io.Writer, a *allocation) {
	for _, iv := range a.parents[:a.masks.RegistersCount] {
		if !iv.IsEmpty() {
			fmt.Fprintf(w, "%s uses %s\n", iv, formatUses(iv.uses))
		}
	}
	for _, root := range a.parents[a.masks.RegistersCount:] {
		if rep := a.arena.find(root); rep != root {
			fmt.Fprintf(w, "%s joined %s\n", valueName(a.numbering, root.id), rep.name())
			continue
		}
		for i, member := range root.family() {
			indent := ""
			if i > 0 {
				indent = "  "
			}
			fmt.Fprintf(w, "%s%s uses %s\n", indent, member, formatUses(member.uses))
		}
	}
}

func formatUses(uses []int) string {
	parts := make([]string, len(uses))
	for i, u := range uses {
		parts[i] = fmt.Sprint(u)
	}
	return strings.Join(parts, " ")
}
