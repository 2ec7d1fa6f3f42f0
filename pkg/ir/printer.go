package ir

import (
	"fmt"
	"io"
	"strings"
)

// Printer writes a textual dump of the IR
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new IR printer
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// PrintFunction prints every block of g in layout order
func (p *Printer) PrintFunction(name string, g *ControlFlowGraph) {
	fmt.Fprintf(p.w, "%s {\n", name)
	for _, b := range g.Blocks {
		p.PrintBlock(b)
	}
	fmt.Fprintln(p.w, "}")
}

// PrintBlock prints a block header followed by its operations
func (p *Printer) PrintBlock(b *Block) {
	fmt.Fprintf(p.w, "%s:", b)
	if len(b.Predecessors) > 0 {
		fmt.Fprintf(p.w, " <- %s", joinBlocks(b.Predecessors))
	}
	if len(b.Successors) > 0 {
		fmt.Fprintf(p.w, " -> %s", joinBlocks(b.Successors))
	}
	fmt.Fprintln(p.w)
	for _, op := range b.Operations {
		fmt.Fprintf(p.w, "  %s\n", FormatOperation(op))
	}
}

// FormatOperation renders one operation as "dest = inst src, src"
func FormatOperation(op *Operation) string {
	var sb strings.Builder
	if op.Dest != nil {
		sb.WriteString(op.Dest.String())
		sb.WriteString(" = ")
	}
	sb.WriteString(op.Inst.String())
	for i, src := range op.sources {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(src.String())
	}
	return sb.String()
}

func joinBlocks(blocks []*Block) string {
	names := make([]string, len(blocks))
	for i, b := range blocks {
		names[i] = b.String()
	}
	return strings.Join(names, ", ")
}
