package bytecode

import (
	"errors"
	"fmt"
)

// ErrNotInBody is returned when an instruction is not part of the body
// being edited.
var ErrNotInBody = errors.New("instruction not in body")

// Instruction is one node of a decoded method body.
//
// Branch operands point at other nodes instead of holding byte offsets, so
// inserting or removing code never invalidates them. Offset is only
// meaningful right after Decode or ComputeOffsets.
type Instruction struct {
	Op      Opcode
	Operand any
	Offset  int
}

// Size returns the encoded size of the instruction in bytes.
func (ins *Instruction) Size() int {
	return ins.Op.InstructionLen()
}

// Target returns the branch target, or nil for non-branch instructions.
func (ins *Instruction) Target() *Instruction {
	if t, ok := ins.Operand.(*Instruction); ok {
		return t
	}
	return nil
}

// String formats the instruction like the disassembler does.
func (ins *Instruction) String() string {
	switch op := ins.Operand.(type) {
	case nil:
		return fmt.Sprintf("IL_%04X: %s", ins.Offset, ins.Op)
	case *Instruction:
		return fmt.Sprintf("IL_%04X: %s IL_%04X", ins.Offset, ins.Op, op.Offset)
	case string:
		return fmt.Sprintf("IL_%04X: %s %q", ins.Offset, ins.Op, op)
	default:
		return fmt.Sprintf("IL_%04X: %s %v", ins.Offset, ins.Op, op)
	}
}

// ExceptionHandler is a protected region and its handler block.
// A nil end marks the end of the body.
type ExceptionHandler struct {
	Kind         HandlerKind
	TryStart     *Instruction
	TryEnd       *Instruction
	HandlerStart *Instruction
	HandlerEnd   *Instruction
}

// Body is the editable, instruction-node form of a method body.
type Body struct {
	Instructions []*Instruction
	Handlers     []*ExceptionHandler // innermost first
	Locals       []Local
	InitLocals   bool
	MaxStack     int
}

// NewBody creates an empty body.
func NewBody() *Body {
	return &Body{InitLocals: true}
}

// AddLocal declares a new local and returns its index.
func (b *Body) AddLocal(t ValueType, name string) int {
	b.Locals = append(b.Locals, Local{Type: t, Name: name})
	return len(b.Locals) - 1
}

// IndexOf returns the position of ins in the instruction list, or -1.
func (b *Body) IndexOf(ins *Instruction) int {
	for i, cur := range b.Instructions {
		if cur == ins {
			return i
		}
	}
	return -1
}

// ComputeOffsets assigns byte offsets to every instruction and returns the
// total code size.
func (b *Body) ComputeOffsets() int {
	offset := 0
	for _, ins := range b.Instructions {
		ins.Offset = offset
		offset += ins.Size()
	}
	return offset
}

// Processor returns an editor for the body.
func (b *Body) Processor() *Processor {
	return &Processor{body: b}
}

// Processor edits a Body while keeping branch and handler references valid.
type Processor struct {
	body *Body
}

// Body returns the body being edited.
func (p *Processor) Body() *Body {
	return p.body
}

// Create returns a detached instruction. It does not modify the body.
func (p *Processor) Create(op Opcode, operand any) *Instruction {
	return &Instruction{Op: op, Operand: operand}
}

// Append adds ins at the end of the body.
func (p *Processor) Append(ins *Instruction) {
	p.body.Instructions = append(p.body.Instructions, ins)
}

// Emit creates an instruction and appends it.
func (p *Processor) Emit(op Opcode, operand any) *Instruction {
	ins := p.Create(op, operand)
	p.Append(ins)
	return ins
}

// InsertAfter places ins immediately after target.
func (p *Processor) InsertAfter(target, ins *Instruction) error {
	idx := p.body.IndexOf(target)
	if idx < 0 {
		return fmt.Errorf("insert after %s: %w", target, ErrNotInBody)
	}
	p.insertAt(idx+1, ins)
	return nil
}

// InsertBefore places ins immediately before target. References to target
// are left alone, so ins is not reachable through existing branches.
func (p *Processor) InsertBefore(target, ins *Instruction) error {
	idx := p.body.IndexOf(target)
	if idx < 0 {
		return fmt.Errorf("insert before %s: %w", target, ErrNotInBody)
	}
	p.insertAt(idx, ins)
	return nil
}

func (p *Processor) insertAt(idx int, ins *Instruction) {
	list := p.body.Instructions
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = ins
	p.body.Instructions = list
}

// Replace swaps old for ins and redirects every branch and handler
// boundary that referenced old.
func (p *Processor) Replace(old, ins *Instruction) error {
	idx := p.body.IndexOf(old)
	if idx < 0 {
		return fmt.Errorf("replace %s: %w", old, ErrNotInBody)
	}
	p.body.Instructions[idx] = ins
	p.redirect(old, ins)
	return nil
}

// Remove deletes ins. References to it move to the following instruction;
// removing a referenced final instruction is an error.
func (p *Processor) Remove(ins *Instruction) error {
	idx := p.body.IndexOf(ins)
	if idx < 0 {
		return fmt.Errorf("remove %s: %w", ins, ErrNotInBody)
	}
	var next *Instruction
	if idx+1 < len(p.body.Instructions) {
		next = p.body.Instructions[idx+1]
	}
	if next == nil && p.isBranchTarget(ins) {
		return fmt.Errorf("remove %s: last instruction is a branch target", ins)
	}
	p.body.Instructions = append(p.body.Instructions[:idx], p.body.Instructions[idx+1:]...)
	p.redirect(ins, next)
	return nil
}

func (p *Processor) isBranchTarget(ins *Instruction) bool {
	for _, cur := range p.body.Instructions {
		if cur.Target() == ins {
			return true
		}
	}
	return false
}

func (p *Processor) redirect(from, to *Instruction) {
	for _, cur := range p.body.Instructions {
		if cur.Target() == from {
			cur.Operand = to
		}
	}
	for _, h := range p.body.Handlers {
		if h.TryStart == from {
			h.TryStart = to
		}
		if h.TryEnd == from {
			h.TryEnd = to
		}
		if h.HandlerStart == from {
			h.HandlerStart = to
		}
		if h.HandlerEnd == from {
			h.HandlerEnd = to
		}
	}
}
