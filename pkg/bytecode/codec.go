package bytecode

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Signatures resolves the stack effect of call instructions.
type Signatures interface {
	// CallEffect returns how many values a call pops and pushes.
	CallEffect(op Opcode, token Token) (pop, push int, err error)
}

// Frame describes the method a body belongs to.
type Frame struct {
	ParamCount   int
	ReturnsValue bool
	Sigs         Signatures
}

// Decode converts an encoded chunk into its instruction-node form.
// Branch offsets and handler boundaries become node references.
func Decode(c *Chunk) (*Body, error) {
	b := &Body{
		InitLocals: c.InitLocals(),
		MaxStack:   int(c.MaxStack),
		Locals:     append([]Local(nil), c.Locals...),
	}

	byOffset := make(map[int]*Instruction)
	type pendingBranch struct {
		ins    *Instruction
		target int
	}
	var branches []pendingBranch

	offset := 0
	for offset < len(c.Code) {
		op := Opcode(c.Code[offset])
		if !op.IsValid() {
			return nil, fmt.Errorf("offset 0x%04X: invalid opcode 0x%02X", offset, byte(op))
		}
		size := op.InstructionLen()
		if offset+size > len(c.Code) {
			return nil, fmt.Errorf("offset 0x%04X: truncated %s instruction", offset, op)
		}

		ins := &Instruction{Op: op, Offset: offset}
		at := offset + 1
		next := offset + size

		switch op.OperandKind() {
		case OperandInt8:
			ins.Operand = int32(int8(c.Code[at]))
		case OperandInt32:
			ins.Operand = c.readInt32(at)
		case OperandVar:
			ins.Operand = int(c.Code[at])
		case OperandElem:
			ins.Operand = ElemKind(c.Code[at])
		case OperandString:
			idx := c.readUint16(at)
			if int(idx) >= len(c.Constants) {
				return nil, fmt.Errorf("offset 0x%04X: string index %d out of range", offset, idx)
			}
			ins.Operand = c.Constants[idx]
		case OperandField, OperandMethod, OperandImport:
			ins.Operand = Token(c.readUint16(at))
		case OperandBranch8:
			branches = append(branches, pendingBranch{ins, next + int(int8(c.Code[at]))})
		case OperandBranch32:
			branches = append(branches, pendingBranch{ins, next + int(c.readInt32(at))})
		}

		byOffset[offset] = ins
		b.Instructions = append(b.Instructions, ins)
		offset = next
	}

	for _, br := range branches {
		target, ok := byOffset[br.target]
		if !ok {
			return nil, fmt.Errorf("offset 0x%04X: branch target 0x%04X is not an instruction boundary", br.ins.Offset, br.target)
		}
		br.ins.Operand = target
	}

	resolve := func(off uint32, allowEnd bool) (*Instruction, error) {
		if allowEnd && int(off) == len(c.Code) {
			return nil, nil
		}
		ins, ok := byOffset[int(off)]
		if !ok {
			return nil, fmt.Errorf("handler boundary 0x%04X is not an instruction boundary", off)
		}
		return ins, nil
	}

	for i, rh := range c.Handlers {
		h := &ExceptionHandler{Kind: rh.Kind}
		var err error
		if h.TryStart, err = resolve(rh.TryStart, false); err != nil {
			return nil, fmt.Errorf("handler %d: %w", i, err)
		}
		if h.TryEnd, err = resolve(rh.TryEnd, true); err != nil {
			return nil, fmt.Errorf("handler %d: %w", i, err)
		}
		if h.HandlerStart, err = resolve(rh.HandlerStart, false); err != nil {
			return nil, fmt.Errorf("handler %d: %w", i, err)
		}
		if h.HandlerEnd, err = resolve(rh.HandlerEnd, true); err != nil {
			return nil, fmt.Errorf("handler %d: %w", i, err)
		}
		b.Handlers = append(b.Handlers, h)
	}

	return b, nil
}

// Encode converts a body into an executable chunk. It recomputes every
// offset, verifies the body's structural rules (operand types, declared
// locals, handler nesting, branch ranges, consistent stack depth) and
// stores the computed MaxStack on both the body and the chunk.
func Encode(b *Body, frame Frame) (*Chunk, error) {
	if len(b.Instructions) == 0 {
		return nil, fmt.Errorf("empty method body")
	}

	index := make(map[*Instruction]int, len(b.Instructions))
	for i, ins := range b.Instructions {
		if _, dup := index[ins]; dup {
			return nil, fmt.Errorf("instruction %d appears twice in body", i)
		}
		index[ins] = i
	}

	for i, ins := range b.Instructions {
		if err := checkOperand(b, frame, ins, index); err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, ins.Op, err)
		}
	}

	codeLen := b.ComputeOffsets()

	c := NewChunk()
	c.Code = make([]byte, 0, codeLen)
	c.Locals = append([]Local(nil), b.Locals...)
	if b.InitLocals {
		c.Flags |= ChunkFlagInitLocals
	}

	for _, ins := range b.Instructions {
		if err := encodeInstruction(c, ins); err != nil {
			return nil, fmt.Errorf("offset 0x%04X (%s): %w", ins.Offset, ins.Op, err)
		}
	}

	handlers, err := encodeHandlers(b, index, codeLen)
	if err != nil {
		return nil, err
	}
	c.Handlers = handlers
	if len(handlers) > 0 {
		c.Flags |= ChunkFlagHasHandlers
	}

	maxStack, err := computeMaxStack(b, frame, index)
	if err != nil {
		return nil, err
	}
	if maxStack > math.MaxUint16 {
		return nil, fmt.Errorf("max stack %d exceeds format limit", maxStack)
	}
	b.MaxStack = maxStack
	c.MaxStack = uint16(maxStack)

	return c, nil
}

func checkOperand(b *Body, frame Frame, ins *Instruction, index map[*Instruction]int) error {
	if !ins.Op.IsValid() {
		return fmt.Errorf("invalid opcode 0x%02X", byte(ins.Op))
	}

	switch ins.Op {
	case OpLdArg0, OpLdArg1, OpLdArg2, OpLdArg3:
		if idx := int(ins.Op - OpLdArg0); idx >= frame.ParamCount {
			return fmt.Errorf("argument %d not declared (method has %d)", idx, frame.ParamCount)
		}
	case OpLdLoc0, OpLdLoc1, OpLdLoc2, OpLdLoc3:
		if idx := int(ins.Op - OpLdLoc0); idx >= len(b.Locals) {
			return fmt.Errorf("local %d not declared (body has %d)", idx, len(b.Locals))
		}
	case OpStLoc0, OpStLoc1, OpStLoc2, OpStLoc3:
		if idx := int(ins.Op - OpStLoc0); idx >= len(b.Locals) {
			return fmt.Errorf("local %d not declared (body has %d)", idx, len(b.Locals))
		}
	}

	switch ins.Op.OperandKind() {
	case OperandNone:
		if ins.Operand != nil {
			return fmt.Errorf("unexpected operand %v", ins.Operand)
		}
	case OperandInt8:
		v, ok := ins.Operand.(int32)
		if !ok {
			return fmt.Errorf("operand must be int32, got %T", ins.Operand)
		}
		if v < math.MinInt8 || v > math.MaxInt8 {
			return fmt.Errorf("operand %d does not fit the short form", v)
		}
	case OperandInt32:
		if _, ok := ins.Operand.(int32); !ok {
			return fmt.Errorf("operand must be int32, got %T", ins.Operand)
		}
	case OperandVar:
		idx, ok := ins.Operand.(int)
		if !ok {
			return fmt.Errorf("operand must be an index, got %T", ins.Operand)
		}
		limit := len(b.Locals)
		what := "local"
		if ins.Op == OpLdArg {
			limit, what = frame.ParamCount, "argument"
		}
		if idx < 0 || idx >= limit || idx > math.MaxUint8 {
			return fmt.Errorf("%s %d not declared (have %d)", what, idx, limit)
		}
	case OperandElem:
		k, ok := ins.Operand.(ElemKind)
		if !ok {
			return fmt.Errorf("operand must be ElemKind, got %T", ins.Operand)
		}
		if k != ElemRef && k != ElemU8 {
			return fmt.Errorf("unknown element kind %d", k)
		}
	case OperandString:
		if _, ok := ins.Operand.(string); !ok {
			return fmt.Errorf("operand must be string, got %T", ins.Operand)
		}
	case OperandField, OperandMethod, OperandImport:
		if _, ok := ins.Operand.(Token); !ok {
			return fmt.Errorf("operand must be Token, got %T", ins.Operand)
		}
	case OperandBranch8, OperandBranch32:
		target := ins.Target()
		if target == nil {
			return fmt.Errorf("branch has no target")
		}
		if _, ok := index[target]; !ok {
			return fmt.Errorf("branch target %s: %w", target, ErrNotInBody)
		}
	}
	return nil
}

func encodeInstruction(c *Chunk, ins *Instruction) error {
	op := ins.Op
	switch op.OperandKind() {
	case OperandNone:
		c.Emit(op)
	case OperandInt8:
		c.EmitWithOperand(op, byte(int8(ins.Operand.(int32))))
	case OperandInt32:
		c.EmitWithOperand(op, binary.BigEndian.AppendUint32(nil, uint32(ins.Operand.(int32)))...)
	case OperandVar:
		c.EmitWithOperand(op, byte(ins.Operand.(int)))
	case OperandElem:
		c.EmitWithOperand(op, byte(ins.Operand.(ElemKind)))
	case OperandString:
		idx, err := c.AddConstant(ins.Operand.(string))
		if err != nil {
			return err
		}
		c.EmitWithOperand(op, byte(idx>>8), byte(idx))
	case OperandField, OperandMethod, OperandImport:
		tok := ins.Operand.(Token)
		c.EmitWithOperand(op, byte(tok>>8), byte(tok))
	case OperandBranch8:
		delta := ins.Target().Offset - (ins.Offset + ins.Size())
		if delta < math.MinInt8 || delta > math.MaxInt8 {
			return fmt.Errorf("branch distance %d out of range for short form", delta)
		}
		c.EmitWithOperand(op, byte(int8(delta)))
	case OperandBranch32:
		delta := ins.Target().Offset - (ins.Offset + ins.Size())
		c.EmitWithOperand(op, binary.BigEndian.AppendUint32(nil, uint32(int32(delta)))...)
	}
	return nil
}

// span is a half-open instruction-index range.
type span struct{ start, end int }

func (s span) contains(o span) bool { return s.start <= o.start && o.end <= s.end }
func (s span) disjoint(o span) bool { return s.end <= o.start || o.end <= s.start }

func encodeHandlers(b *Body, index map[*Instruction]int, codeLen int) ([]RawHandler, error) {
	n := len(b.Instructions)
	pos := func(ins *Instruction, allowEnd bool) (int, error) {
		if ins == nil {
			if allowEnd {
				return n, nil
			}
			return 0, fmt.Errorf("missing boundary")
		}
		i, ok := index[ins]
		if !ok {
			return 0, fmt.Errorf("boundary %s: %w", ins, ErrNotInBody)
		}
		return i, nil
	}
	offsetOf := func(i int) uint32 {
		if i == n {
			return uint32(codeLen)
		}
		return uint32(b.Instructions[i].Offset)
	}

	type region struct{ try, handler span }
	regions := make([]region, len(b.Handlers))
	raw := make([]RawHandler, len(b.Handlers))

	for i, h := range b.Handlers {
		if h.Kind != HandlerFinally && h.Kind != HandlerCatch {
			return nil, fmt.Errorf("handler %d: unknown kind %d", i, h.Kind)
		}
		var r region
		var err error
		if r.try.start, err = pos(h.TryStart, false); err != nil {
			return nil, fmt.Errorf("handler %d try start: %w", i, err)
		}
		if r.try.end, err = pos(h.TryEnd, true); err != nil {
			return nil, fmt.Errorf("handler %d try end: %w", i, err)
		}
		if r.handler.start, err = pos(h.HandlerStart, false); err != nil {
			return nil, fmt.Errorf("handler %d handler start: %w", i, err)
		}
		if r.handler.end, err = pos(h.HandlerEnd, true); err != nil {
			return nil, fmt.Errorf("handler %d handler end: %w", i, err)
		}
		if r.try.start >= r.try.end {
			return nil, fmt.Errorf("handler %d: empty protected region", i)
		}
		if r.try.end != r.handler.start {
			return nil, fmt.Errorf("handler %d: handler block must immediately follow its protected region", i)
		}
		if r.handler.start >= r.handler.end {
			return nil, fmt.Errorf("handler %d: empty handler block", i)
		}
		regions[i] = r
		raw[i] = RawHandler{
			Kind:         h.Kind,
			TryStart:     offsetOf(r.try.start),
			TryEnd:       offsetOf(r.try.end),
			HandlerStart: offsetOf(r.handler.start),
			HandlerEnd:   offsetOf(r.handler.end),
		}
	}

	// Regions must nest or be disjoint, and inner entries must come first.
	for i := range regions {
		whole := span{regions[i].try.start, regions[i].handler.end}
		for j := i + 1; j < len(regions); j++ {
			other := span{regions[j].try.start, regions[j].handler.end}
			switch {
			case whole.disjoint(other):
			case regions[j].try.contains(whole), regions[j].handler.contains(whole):
			default:
				return nil, fmt.Errorf("handlers %d and %d overlap without nesting", i, j)
			}
		}
	}

	return raw, nil
}

// computeMaxStack walks every reachable path and returns the deepest stack.
// Join points must agree on depth; underflow and falling off the end of the
// body are errors.
func computeMaxStack(b *Body, frame Frame, index map[*Instruction]int) (int, error) {
	n := len(b.Instructions)
	depth := make([]int, n)
	for i := range depth {
		depth[i] = -1
	}

	var work []int
	enter := func(i, d int) error {
		if i >= n {
			return fmt.Errorf("control falls through the end of the body")
		}
		if depth[i] == -1 {
			depth[i] = d
			work = append(work, i)
			return nil
		}
		if depth[i] != d {
			return fmt.Errorf("stack depth mismatch at %s: %d vs %d", b.Instructions[i], depth[i], d)
		}
		return nil
	}

	if err := enter(0, 0); err != nil {
		return 0, err
	}
	for _, h := range b.Handlers {
		start := 0
		if h.Kind == HandlerCatch {
			start = 1 // the caught exception
		}
		if err := enter(index[h.HandlerStart], start); err != nil {
			return 0, err
		}
	}

	maxDepth := 0
	for len(work) > 0 {
		i := work[len(work)-1]
		work = work[:len(work)-1]
		ins := b.Instructions[i]
		d := depth[i]

		pop, push, err := stackEffect(ins, frame)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", ins, err)
		}
		if ins.Op.IsLeave() {
			pop = d
		}
		if d < pop {
			return 0, fmt.Errorf("%s: stack underflow (depth %d, pops %d)", ins, d, pop)
		}
		d = d - pop + push
		if d > maxDepth {
			maxDepth = d
		}

		if target := ins.Target(); target != nil {
			if err := enter(index[target], d); err != nil {
				return 0, err
			}
		}
		if !ins.Op.EndsFlow() {
			if err := enter(i+1, d); err != nil {
				return 0, err
			}
		}
	}

	return maxDepth, nil
}

func stackEffect(ins *Instruction, frame Frame) (pop, push int, err error) {
	switch ins.Op {
	case OpCall, OpCallHost:
		if frame.Sigs == nil {
			return 0, 0, fmt.Errorf("no signature resolver for calls")
		}
		return frame.Sigs.CallEffect(ins.Op, ins.Operand.(Token))
	case OpRet:
		if frame.ReturnsValue {
			return 1, 0, nil
		}
		return 0, 0, nil
	case OpLeave, OpLeaveS:
		return 0, 0, nil
	}
	info := GetOpcodeInfo(ins.Op)
	return info.StackPop, info.StackPush, nil
}
