package regalloc

import (
	"fmt"

	"github.com/raymyers/ralph-lsra/pkg/ir"
)

// validate rejects operand shapes the allocator cannot handle. It runs before
// anything is mutated so a failed allocation leaves the function untouched.
func validate(cfg *ir.ControlFlowGraph, masks ir.RegisterMasks) error {
	if len(cfg.PostOrderBlocks) != len(cfg.Blocks) {
		return fmt.Errorf("%w: %d blocks, %d in post-order", ErrStaleOrdering, len(cfg.Blocks), len(cfg.PostOrderBlocks))
	}

	defined := make(map[*ir.Operand]bool)
	for _, block := range cfg.PostOrderBlocks {
		for _, op := range block.Operations {
			if op.Dest != nil && op.Dest.Kind == ir.LocalVariable {
				defined[op.Dest] = true
			}
		}
	}

	for _, block := range cfg.PostOrderBlocks {
		for _, op := range block.Operations {
			fail := func(format string, args ...any) error {
				return &OperandError{Block: block, Operation: op, Reason: fmt.Sprintf(format, args...)}
			}
			checkValue := func(v *ir.Operand) error {
				switch v.Kind {
				case ir.Register:
					if v.Reg.Index < 0 || v.Reg.Index >= masks.RegistersCount {
						return fail("register %s outside the register file", v)
					}
					if v.Reg.Type != ir.RegisterTypeInteger {
						return fail("register %s is not an integer register", v)
					}
				case ir.LocalVariable:
					if !defined[v] {
						return fail("local %s is read but never written", v)
					}
				}
				return nil
			}

			if op.Inst == ir.Phi {
				return fail("phi operations must be removed before allocation")
			}
			if op.Dest != nil {
				if !op.Dest.IsLocalOrRegister() {
					return fail("destination %s is a %s", op.Dest, op.Dest.Kind)
				}
				if op.Dest.Kind == ir.Register {
					if err := checkValue(op.Dest); err != nil {
						return err
					}
				}
			}
			for i := 0; i < op.SourcesCount(); i++ {
				src := op.GetSource(i)
				if src == nil {
					return fail("source %d is missing", i)
				}
				if !src.IsMemory() {
					if err := checkValue(src); err != nil {
						return err
					}
					continue
				}
				if !src.Base.IsLocalOrRegister() {
					return fail("memory base must be a local or register")
				}
				if src.Index != nil && !src.Index.IsLocalOrRegister() {
					return fail("memory index must be a local or register")
				}
				for _, part := range []*ir.Operand{src.Base, src.Index} {
					if part == nil {
						continue
					}
					if err := checkValue(part); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
