package stacking

import (
	"errors"
	"testing"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

func TestGeneratePrologueEpilogue(t *testing.T) {
	info := &CalleeSaveInfo{Regs: []int{3, 12}, SaveOffsets: []int{0, 8}}

	prologue := GeneratePrologue(info)
	wantPrologue := []string{"spill #0, r3", "spill #8, r12"}
	if len(prologue) != len(wantPrologue) {
		t.Fatalf("prologue has %d operations, want %d", len(prologue), len(wantPrologue))
	}
	for i, op := range prologue {
		if got := ir.FormatOperation(op); got != wantPrologue[i] {
			t.Errorf("prologue[%d] = %q, want %q", i, got, wantPrologue[i])
		}
	}

	epilogue := GenerateEpilogue(info)
	wantEpilogue := []string{"r12 = fill #8", "r3 = fill #0"}
	if len(epilogue) != len(wantEpilogue) {
		t.Fatalf("epilogue has %d operations, want %d", len(epilogue), len(wantEpilogue))
	}
	for i, op := range epilogue {
		if got := ir.FormatOperation(op); got != wantEpilogue[i] {
			t.Errorf("epilogue[%d] = %q, want %q", i, got, wantEpilogue[i])
		}
	}
}

func TestInsertPrologueEpilogueLoopEntry(t *testing.T) {
	// entry is its own loop header, so the saves need a block of their own
	entry := &ir.Block{Name: "loop"}
	exit := &ir.Block{Name: "exit"}
	r0 := ir.PhysicalRegister(0, ir.RegisterTypeInteger, ir.I64)
	entry.Append(ir.NewOperation(ir.BranchIf, nil, r0))
	exit.Append(ir.NewOperation(ir.Return, nil, r0))
	entry.AddSuccessor(entry)
	entry.AddSuccessor(exit)
	cfg := ir.NewControlFlowGraph(entry, []*ir.Block{entry, exit})

	masks := ir.NewRegisterMasks(8)
	masks.IntCalleeSavedRegisters = 1 << 5
	if err := InsertPrologueEpilogue(cfg, &CalleeSaveInfo{Regs: []int{5}, SaveOffsets: []int{16}}, masks); err != nil {
		t.Fatal(err)
	}

	if cfg.Entry == entry {
		t.Fatal("entry block was not replaced")
	}
	if cfg.Entry.Name != "prologue" {
		t.Errorf("entry = %s, want prologue", cfg.Entry)
	}
	if len(cfg.PostOrderBlocks) != 3 {
		t.Errorf("post-order has %d blocks, want 3", len(cfg.PostOrderBlocks))
	}
	if got := ir.FormatOperation(cfg.Entry.Operations[0]); got != "spill #16, r5" {
		t.Errorf("first entry operation = %q", got)
	}
	if got := ir.FormatOperation(exit.Operations[0]); got != "r5 = fill #16" {
		t.Errorf("exit starts with %q, want the restore", got)
	}
	if last := exit.Operations[len(exit.Operations)-1]; last.Inst != ir.Return {
		t.Errorf("exit no longer ends in ret: %s", ir.FormatOperation(last))
	}
	if len(entry.Operations) != 1 {
		t.Errorf("loop header gained operations: %d", len(entry.Operations))
	}
}

func TestInsertPrologueEpilogueNothingSaved(t *testing.T) {
	entry := &ir.Block{Name: "entry"}
	entry.Append(ir.NewOperation(ir.Return, nil))
	cfg := ir.NewControlFlowGraph(entry, []*ir.Block{entry})

	if err := InsertPrologueEpilogue(cfg, &CalleeSaveInfo{}, ir.NewRegisterMasks(4)); err != nil {
		t.Fatal(err)
	}

	if len(entry.Operations) != 1 {
		t.Errorf("entry has %d operations, want 1", len(entry.Operations))
	}
}

func formatOperations(ops []*ir.Operation) []string {
	var out []string
	for _, op := range ops {
		out = append(out, ir.FormatOperation(op))
	}
	return out
}

func TestReturnValueLeavesRestoredRegister(t *testing.T) {
	reg := func(i int) *ir.Operand { return ir.PhysicalRegister(i, ir.RegisterTypeInteger, ir.I64) }

	tests := []struct {
		name string
		ret  *ir.Operand
		want []string
	}{
		{
			name: "register",
			ret:  reg(3),
			want: []string{"spill #16, r3", "r3 = copy #7", "r1 = copy r3", "r3 = fill #16", "ret r1"},
		},
		{
			name: "memory base",
			ret:  ir.MemoryOperand(ir.I64, reg(3), reg(1), 8, 0),
			want: []string{"spill #16, r3", "r3 = copy #7", "r2 = copy r3", "r3 = fill #16", "ret [r2+r1*8]"},
		},
		{
			name: "caller-saved register",
			ret:  reg(2),
			want: []string{"spill #16, r3", "r3 = copy #7", "r3 = fill #16", "ret r2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := &ir.Block{Name: "entry"}
			entry.Append(
				ir.NewCopy(reg(3), ir.Const(7, ir.I64)),
				ir.NewOperation(ir.Return, nil, tt.ret),
			)
			cfg := ir.NewControlFlowGraph(entry, []*ir.Block{entry})

			// r0 is reserved and r3, r5 are callee-saved
			masks := ir.NewRegisterMasks(8)
			masks.IntAvailableRegisters &^= 1
			masks.IntCalleeSavedRegisters = 1<<3 | 1<<5

			if err := InsertPrologueEpilogue(cfg, &CalleeSaveInfo{Regs: []int{3}, SaveOffsets: []int{16}}, masks); err != nil {
				t.Fatal(err)
			}
			got := formatOperations(entry.Operations)
			if len(got) != len(tt.want) {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("operation %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestReturnValueWithoutCallerSavedRegister(t *testing.T) {
	r1 := ir.PhysicalRegister(1, ir.RegisterTypeInteger, ir.I64)
	entry := &ir.Block{Name: "entry"}
	entry.Append(ir.NewOperation(ir.Return, nil, r1))
	cfg := ir.NewControlFlowGraph(entry, []*ir.Block{entry})

	masks := ir.NewRegisterMasks(4)
	masks.IntAvailableRegisters &^= 1
	masks.IntCalleeSavedRegisters = 1<<1 | 1<<2 | 1<<3

	err := InsertPrologueEpilogue(cfg, &CalleeSaveInfo{Regs: []int{1}, SaveOffsets: []int{0}}, masks)
	if !errors.Is(err, ErrNoReturnRegister) {
		t.Errorf("got error %v, want ErrNoReturnRegister", err)
	}
}
