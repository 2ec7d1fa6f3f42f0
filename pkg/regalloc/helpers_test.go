package regalloc

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// slotAllocator hands out 8-byte aligned slots, like the frame layer does
type slotAllocator struct {
	next  int
	slots []int
}

func (s *slotAllocator) Allocate(t ir.Type) int {
	size := max(t.Size(), 8)
	offset := (s.next + size - 1) / size * size
	s.next = offset + size
	s.slots = append(s.slots, offset)
	return offset
}

func loadFixture(t *testing.T, name string) []*ir.Function {
	t.Helper()
	funcs, err := ir.LoadProgramFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("loading %s: %v", name, err)
	}
	return funcs
}

func fixtureFunction(t *testing.T, file, name string) *ir.Function {
	t.Helper()
	for _, fn := range loadFixture(t, file) {
		if fn.Name == name {
			return fn
		}
	}
	t.Fatalf("%s has no function %s", file, name)
	return nil
}

func parseFunction(t *testing.T, src string) *ir.Function {
	t.Helper()
	funcs, err := ir.ParseProgram([]byte(src))
	if err != nil {
		t.Fatalf("parsing program: %v", err)
	}
	return funcs[0]
}

func formatFunction(fn *ir.Function) string {
	var sb strings.Builder
	ir.NewPrinter(&sb).PrintFunction(fn.Name, fn.CFG)
	return sb.String()
}

func newTestAllocator(t *testing.T, opts ...Option) *LinearScan {
	return New(append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
}

// machine executes IR, before allocation over locals and after it over
// registers and spill slots.
type machine struct {
	regs   map[int]int64
	locals map[*ir.Operand]int64
	stack  map[int]int64
	memory map[int64]int64
}

func newMachine(regs map[int]int64, memory map[int64]int64) *machine {
	m := &machine{
		regs:   make(map[int]int64),
		locals: make(map[*ir.Operand]int64),
		stack:  make(map[int]int64),
		memory: make(map[int64]int64),
	}
	for r, v := range regs {
		m.regs[r] = v
	}
	for a, v := range memory {
		m.memory[a] = v
	}
	return m
}

func (m *machine) read(op *ir.Operand) (int64, error) {
	switch op.Kind {
	case ir.Constant:
		return op.Value, nil
	case ir.Register:
		return m.regs[op.Reg.Index], nil
	case ir.LocalVariable:
		v, ok := m.locals[op]
		if !ok {
			return 0, fmt.Errorf("local %s read before written", op)
		}
		return v, nil
	case ir.Memory:
		addr, err := m.address(op)
		if err != nil {
			return 0, err
		}
		return m.memory[addr], nil
	}
	return 0, fmt.Errorf("cannot read %s", op)
}

func (m *machine) address(op *ir.Operand) (int64, error) {
	addr, err := m.read(op.Base)
	if err != nil {
		return 0, err
	}
	if op.Index != nil {
		index, err := m.read(op.Index)
		if err != nil {
			return 0, err
		}
		addr += index * int64(op.Scale)
	}
	return addr + int64(op.Displacement), nil
}

func (m *machine) write(op *ir.Operand, v int64) error {
	switch op.Kind {
	case ir.Register:
		m.regs[op.Reg.Index] = v
	case ir.LocalVariable:
		m.locals[op] = v
	default:
		return fmt.Errorf("cannot write %s", op)
	}
	return nil
}

var binaryOps = map[ir.Instruction]func(a, b int64) int64{
	ir.Add:                func(a, b int64) int64 { return a + b },
	ir.Subtract:           func(a, b int64) int64 { return a - b },
	ir.Multiply:           func(a, b int64) int64 { return a * b },
	ir.BitwiseAnd:         func(a, b int64) int64 { return a & b },
	ir.BitwiseOr:          func(a, b int64) int64 { return a | b },
	ir.BitwiseExclusiveOr: func(a, b int64) int64 { return a ^ b },
	ir.ShiftLeft:          func(a, b int64) int64 { return a << uint(b&63) },
	ir.ShiftRightSI:       func(a, b int64) int64 { return a >> uint(b&63) },
	ir.CompareEqual: func(a, b int64) int64 {
		if a == b {
			return 1
		}
		return 0
	},
	ir.CompareLess: func(a, b int64) int64 {
		if a < b {
			return 1
		}
		return 0
	},
}

// run executes the function from its entry and returns the value of the first ret
func (m *machine) run(g *ir.ControlFlowGraph) (int64, error) {
	block := g.Entry
	for steps := 0; steps < 100000; steps++ {
		next, ret, done, err := m.step(block)
		if err != nil {
			return 0, fmt.Errorf("block %s: %w", block, err)
		}
		if done {
			return ret, nil
		}
		block = next
	}
	return 0, fmt.Errorf("step limit reached")
}

func (m *machine) step(block *ir.Block) (next *ir.Block, ret int64, done bool, err error) {
	src := func(op *ir.Operation, i int) int64 {
		if err != nil {
			return 0
		}
		var v int64
		v, err = m.read(op.GetSource(i))
		return v
	}

	for _, op := range block.Operations {
		switch op.Inst {
		case ir.Nop, ir.Call:
		case ir.Copy, ir.Load:
			v := src(op, 0)
			if err == nil {
				err = m.write(op.Dest, v)
			}
		case ir.Store:
			v := src(op, 1)
			if err == nil {
				var addr int64
				addr, err = m.address(op.GetSource(0))
				m.memory[addr] = v
			}
		case ir.Spill:
			m.stack[int(op.GetSource(0).Value)] = src(op, 1)
		case ir.Fill:
			v, ok := m.stack[int(op.GetSource(0).Value)]
			if !ok {
				return nil, 0, false, fmt.Errorf("fill of unwritten slot %d", op.GetSource(0).Value)
			}
			err = m.write(op.Dest, v)
		case ir.Branch:
			return block.Successors[0], 0, false, nil
		case ir.BranchIf:
			if c := src(op, 0); c != 0 {
				return block.Successors[0], 0, false, err
			}
			return block.Successors[1], 0, false, err
		case ir.Return:
			if op.SourcesCount() == 0 {
				return nil, 0, true, nil
			}
			v := src(op, 0)
			return nil, v, true, err
		default:
			fn, ok := binaryOps[op.Inst]
			if !ok {
				return nil, 0, false, fmt.Errorf("cannot execute %s", ir.FormatOperation(op))
			}
			a, b := src(op, 0), src(op, 1)
			if err == nil {
				err = m.write(op.Dest, fn(a, b))
			}
		}
		if err != nil {
			return nil, 0, false, fmt.Errorf("%s: %w", ir.FormatOperation(op), err)
		}
	}
	if len(block.Successors) != 1 {
		return nil, 0, false, fmt.Errorf("falls off a block with %d successors", len(block.Successors))
	}
	return block.Successors[0], 0, false, nil
}

// input is one set of register and memory contents to run a function with
type input struct {
	regs   map[int]int64
	memory map[int64]int64
}

type outcome struct {
	Ret    int64
	Memory map[int64]int64
}

func execute(t *testing.T, fn *ir.Function, in input) outcome {
	t.Helper()
	m := newMachine(in.regs, in.memory)
	ret, err := m.run(fn.CFG)
	if err != nil {
		t.Fatalf("executing %s: %v\n%s", fn.Name, err, formatFunction(fn))
	}
	return outcome{Ret: ret, Memory: m.memory}
}

// checkEquivalent allocates a fresh copy of the named fixture function and
// compares its behavior with the unallocated one for every input.
func checkEquivalent(t *testing.T, file, name string, masks ir.RegisterMasks, opts []Option, inputs ...input) *allocation {
	t.Helper()
	if len(inputs) == 0 {
		inputs = []input{{}}
	}

	reference := fixtureFunction(t, file, name)
	var want []outcome
	for _, in := range inputs {
		want = append(want, execute(t, reference, in))
	}

	fn := fixtureFunction(t, file, name)
	a, err := newTestAllocator(t, opts...).allocate(fn.CFG, masks, &slotAllocator{})
	if err != nil {
		t.Fatalf("allocating %s: %v", name, err)
	}
	checkNoLocals(t, fn)
	checkNoOverlap(t, a)

	for i, in := range inputs {
		got := execute(t, fn, in)
		if diff := cmp.Diff(want[i], got); diff != "" {
			t.Errorf("%s input %d: behavior changed (-want +got):\n%s\n%s", name, i, diff, formatFunction(fn))
		}
	}
	return a
}

// reporter is the part of *testing.T and *rapid.T the checks below need
type reporter interface {
	Helper()
	Errorf(format string, args ...any)
}

func checkNoLocals(t reporter, fn *ir.Function) {
	t.Helper()
	for _, block := range fn.CFG.Blocks {
		for _, op := range block.Operations {
			operands := append(op.Sources(), op.Dest)
			for _, o := range operands {
				if o == nil {
					continue
				}
				if o.Kind == ir.LocalVariable || (o.IsMemory() &&
					(o.Base.Kind == ir.LocalVariable || (o.Index != nil && o.Index.Kind == ir.LocalVariable))) {
					t.Errorf("%s: %q still refers to a local", block, ir.FormatOperation(op))
				}
			}
		}
	}
}

// checkNoOverlap verifies that no two intervals holding the same register are
// live at the same position.
func checkNoOverlap(t reporter, a *allocation) {
	t.Helper()
	var holders []*LiveInterval
	for _, iv := range a.arena.intervals {
		if iv.IsEmpty() || iv.register == none || iv.IsSpilled() || a.arena.find(iv) != iv {
			continue
		}
		holders = append(holders, iv)
	}
	for i, x := range holders {
		for _, y := range holders[i+1:] {
			if x.register == y.register && x.OverlapsInterval(y) {
				t.Errorf("%s and %s share r%d at %d", x, y, x.register, x.NextOverlap(y))
			}
		}
	}
}

func countInstructions(fn *ir.Function, insts ...ir.Instruction) int {
	n := 0
	for _, block := range fn.CFG.Blocks {
		for _, op := range block.Operations {
			for _, inst := range insts {
				if op.Inst == inst {
					n++
				}
			}
		}
	}
	return n
}
