package bytecode

import "math"

// Implicit-operand forms and their explicit equivalents.
var (
	ldArgForms = [...]Opcode{OpLdArg0, OpLdArg1, OpLdArg2, OpLdArg3}
	ldLocForms = [...]Opcode{OpLdLoc0, OpLdLoc1, OpLdLoc2, OpLdLoc3}
	stLocForms = [...]Opcode{OpStLoc0, OpStLoc1, OpStLoc2, OpStLoc3}
)

// SimplifyMacros rewrites every compact instruction form into its explicit
// long form so that code can be edited without worrying about operand
// ranges. Run OptimizeMacros afterwards to compact the body again.
func SimplifyMacros(b *Body) {
	for _, ins := range b.Instructions {
		simplify(ins)
	}
}

func simplify(ins *Instruction) {
	switch ins.Op {
	case OpLdcI4S:
		ins.Op = OpLdcI4
	case OpLdcI4M1:
		ins.Op, ins.Operand = OpLdcI4, int32(-1)
	case OpLdcI40:
		ins.Op, ins.Operand = OpLdcI4, int32(0)
	case OpLdcI41:
		ins.Op, ins.Operand = OpLdcI4, int32(1)
	case OpLdArg0, OpLdArg1, OpLdArg2, OpLdArg3:
		ins.Operand = int(ins.Op - OpLdArg0)
		ins.Op = OpLdArg
	case OpLdLoc0, OpLdLoc1, OpLdLoc2, OpLdLoc3:
		ins.Operand = int(ins.Op - OpLdLoc0)
		ins.Op = OpLdLoc
	case OpStLoc0, OpStLoc1, OpStLoc2, OpStLoc3:
		ins.Operand = int(ins.Op - OpStLoc0)
		ins.Op = OpStLoc
	default:
		ins.Op = ins.Op.LongForm()
	}
}

// OptimizeMacros rewrites instructions into their most compact encoding.
//
// Branches are first widened, then shortened repeatedly until no more
// fit: shortening a branch can only bring other targets closer, so the
// loop reaches a fixpoint where every short branch is in range.
func OptimizeMacros(b *Body) {
	for _, ins := range b.Instructions {
		simplify(ins)
		compactOperand(ins)
	}

	for {
		b.ComputeOffsets()
		changed := false
		for _, ins := range b.Instructions {
			if ins.Op.OperandKind() != OperandBranch32 {
				continue
			}
			short := ins.Op.ShortForm()
			if short == ins.Op {
				continue
			}
			target := ins.Target()
			if target == nil {
				continue
			}
			// The short form is 3 bytes smaller; distances measured from
			// the end of the shortened instruction grow by 3 for forward
			// branches and stay put for backward ones.
			delta := target.Offset - (ins.Offset + short.InstructionLen())
			if target.Offset > ins.Offset {
				delta -= ins.Size() - short.InstructionLen()
			}
			if delta >= math.MinInt8 && delta <= math.MaxInt8 {
				ins.Op = short
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	b.ComputeOffsets()
}

func compactOperand(ins *Instruction) {
	switch ins.Op {
	case OpLdcI4:
		v, ok := ins.Operand.(int32)
		if !ok {
			return
		}
		switch {
		case v == -1:
			ins.Op, ins.Operand = OpLdcI4M1, nil
		case v == 0:
			ins.Op, ins.Operand = OpLdcI40, nil
		case v == 1:
			ins.Op, ins.Operand = OpLdcI41, nil
		case v >= math.MinInt8 && v <= math.MaxInt8:
			ins.Op = OpLdcI4S
		}
	case OpLdArg:
		if idx, ok := ins.Operand.(int); ok && idx >= 0 && idx < len(ldArgForms) {
			ins.Op, ins.Operand = ldArgForms[idx], nil
		}
	case OpLdLoc:
		if idx, ok := ins.Operand.(int); ok && idx >= 0 && idx < len(ldLocForms) {
			ins.Op, ins.Operand = ldLocForms[idx], nil
		}
	case OpStLoc:
		if idx, ok := ins.Operand.(int); ok && idx >= 0 && idx < len(stLocForms) {
			ins.Op, ins.Operand = stLocForms[idx], nil
		}
	}
}
