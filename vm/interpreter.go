package vm

import (
	"encoding/binary"
	"errors"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// ---------------------------------------------------------------------------
// Frame: Execution state for a method invocation
// ---------------------------------------------------------------------------

type contKind int

const (
	contLeave   contKind = iota // resume at target after the finally blocks run
	contRethrow                 // keep unwinding once the finally block ends
)

// continuation records what ENDFINALLY does for the finally block that is
// currently running.
type continuation struct {
	kind    contKind
	handler int        // index of the running finally handler
	target  int        // contLeave: resume offset
	pending []int      // contLeave: further finally handlers, innermost first
	exc     *Exception // contRethrow
	origin  int        // contRethrow: offset the exception was raised at
}

type frame struct {
	meth   *module.Method
	chunk  *bytecode.Chunk
	code   []byte
	ip     int
	stack  []Value
	args   []Value
	locals []Value
	conts  []continuation
}

func (f *frame) push(v Value) {
	f.stack = append(f.stack, v)
}

func (f *frame) pop() (Value, error) {
	if len(f.stack) == 0 {
		return nil, throwf(KindInvalidProgram, "%s: stack underflow", f.meth.FullName())
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

func (f *frame) popN(n int) ([]Value, error) {
	if len(f.stack) < n {
		return nil, throwf(KindInvalidProgram, "%s: stack underflow", f.meth.FullName())
	}
	vals := make([]Value, n)
	copy(vals, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return vals, nil
}

func (f *frame) popInt() (int32, error) {
	v, err := f.pop()
	if err != nil {
		return 0, err
	}
	n, ok := v.(int32)
	if !ok {
		return 0, throwf(KindInvalidProgram, "expected int32, got %s", typeName(v))
	}
	return n, nil
}

func (f *frame) popArray() (*Array, error) {
	v, err := f.pop()
	if err != nil {
		return nil, err
	}
	switch a := v.(type) {
	case *Array:
		return a, nil
	case nil:
		return nil, throwf(KindNullReference, "array is null")
	}
	return nil, throwf(KindInvalidProgram, "expected array, got %s", typeName(v))
}

func (f *frame) readUint16() uint16 {
	v := binary.BigEndian.Uint16(f.code[f.ip:])
	f.ip += 2
	return v
}

func (f *frame) readInt32() int32 {
	v := int32(binary.BigEndian.Uint32(f.code[f.ip:]))
	f.ip += 4
	return v
}

func (f *frame) readByte() byte {
	b := f.code[f.ip]
	f.ip++
	return b
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// interpreter runs one logical thread of calls.
type interpreter struct {
	rt    *Runtime
	depth int
}

func (in *interpreter) call(meth *module.Method, args []Value) (Value, error) {
	c := in.rt.chunks[meth.Token]
	if c == nil {
		return nil, throwf(KindInvalidProgram, "%s has no body", meth.FullName())
	}
	if in.depth >= maxCallDepth {
		return nil, throwf(KindInvalidProgram, "call depth exceeds %d", maxCallDepth)
	}
	in.depth++
	defer func() { in.depth-- }()

	f := &frame{
		meth:   meth,
		chunk:  c,
		code:   c.Code,
		stack:  make([]Value, 0, c.MaxStack),
		args:   args,
		locals: make([]Value, len(c.Locals)),
	}
	for i, l := range c.Locals {
		f.locals[i] = zeroValue(l.Type)
	}

	for {
		off := f.ip
		if off >= len(f.code) {
			return nil, throwf(KindInvalidProgram, "%s: execution ran past the end of the body", meth.FullName())
		}
		result, done, err := in.step(f)
		if err != nil {
			var esc errEscaped
			if errors.As(err, &esc) {
				return nil, esc.exc
			}
			exc := asException(err)
			if !f.dispatch(off, exc, 0) {
				return nil, exc
			}
			continue
		}
		if done {
			return result, nil
		}
	}
}

// dispatch transfers control to the innermost handler at or after index
// from whose protected region contains off. It reports false when the
// exception escapes the method.
func (f *frame) dispatch(off int, exc *Exception, from int) bool {
	handlers := f.chunk.Handlers
	for i := from; i < len(handlers); i++ {
		h := handlers[i]
		if !h.TryContains(off) {
			continue
		}
		f.abandon(off, h)
		f.stack = f.stack[:0]
		if h.Kind == bytecode.HandlerCatch {
			f.push(exc)
		} else {
			f.conts = append(f.conts, continuation{kind: contRethrow, handler: i, exc: exc, origin: off})
		}
		f.ip = int(h.HandlerStart)
		return true
	}
	return false
}

// abandon drops continuations of running finally blocks that the exception
// at off escapes on its way to h.
func (f *frame) abandon(off int, h bytecode.RawHandler) {
	for len(f.conts) > 0 {
		running := f.chunk.Handlers[f.conts[len(f.conts)-1].handler]
		if !running.HandlerContains(off) || running.HandlerContains(int(h.TryStart)) {
			return
		}
		f.conts = f.conts[:len(f.conts)-1]
	}
}

// leave exits protected regions from off to target, running the finally
// blocks in between innermost first.
func (f *frame) leave(off, target int) {
	f.stack = f.stack[:0]
	var run []int
	for i, h := range f.chunk.Handlers {
		if h.Kind == bytecode.HandlerFinally && h.TryContains(off) && !h.TryContains(target) {
			run = append(run, i)
		}
	}
	if len(run) == 0 {
		f.ip = target
		return
	}
	f.conts = append(f.conts, continuation{kind: contLeave, handler: run[0], target: target, pending: run[1:]})
	f.ip = int(f.chunk.Handlers[run[0]].HandlerStart)
}

func (f *frame) endFinally() error {
	if len(f.conts) == 0 {
		return throwf(KindInvalidProgram, "ENDFINALLY outside a finally block")
	}
	c := f.conts[len(f.conts)-1]
	f.conts = f.conts[:len(f.conts)-1]
	f.stack = f.stack[:0]

	switch c.kind {
	case contLeave:
		if len(c.pending) == 0 {
			f.ip = c.target
			return nil
		}
		next := c.pending[0]
		f.conts = append(f.conts, continuation{kind: contLeave, handler: next, target: c.target, pending: c.pending[1:]})
		f.ip = int(f.chunk.Handlers[next].HandlerStart)
		return nil
	default:
		if !f.dispatch(c.origin, c.exc, c.handler+1) {
			return errEscaped{c.exc}
		}
		return nil
	}
}

// errEscaped carries an exception that finished unwinding this frame's
// finally blocks and must leave the method without further dispatch.
type errEscaped struct {
	exc *Exception
}

func (e errEscaped) Error() string { return e.exc.Error() }

// step executes the instruction at f.ip. done is true after RET.
func (in *interpreter) step(f *frame) (result Value, done bool, err error) {
	start := f.ip
	op := bytecode.Opcode(f.readByte())

	switch op {
	case bytecode.OpNop:

	case bytecode.OpPop:
		_, err = f.pop()

	case bytecode.OpDup:
		var v Value
		if v, err = f.pop(); err == nil {
			f.push(v)
			f.push(v)
		}

	// Constants

	case bytecode.OpLdNull:
		f.push(nil)
	case bytecode.OpLdStr:
		idx := f.readUint16()
		if int(idx) >= len(f.chunk.Constants) {
			return nil, false, throwf(KindInvalidProgram, "string index %d out of range", idx)
		}
		f.push(f.chunk.Constants[idx])
	case bytecode.OpLdcI4:
		f.push(f.readInt32())
	case bytecode.OpLdcI4S:
		f.push(int32(int8(f.readByte())))
	case bytecode.OpLdcI4M1:
		f.push(int32(-1))
	case bytecode.OpLdcI40:
		f.push(int32(0))
	case bytecode.OpLdcI41:
		f.push(int32(1))

	// Arguments and locals

	case bytecode.OpLdArg:
		f.push(f.args[f.readByte()])
	case bytecode.OpLdArg0, bytecode.OpLdArg1, bytecode.OpLdArg2, bytecode.OpLdArg3:
		f.push(f.args[op-bytecode.OpLdArg0])
	case bytecode.OpLdLoc:
		f.push(f.locals[f.readByte()])
	case bytecode.OpLdLoc0, bytecode.OpLdLoc1, bytecode.OpLdLoc2, bytecode.OpLdLoc3:
		f.push(f.locals[op-bytecode.OpLdLoc0])
	case bytecode.OpStLoc:
		idx := f.readByte()
		var v Value
		if v, err = f.pop(); err == nil {
			f.locals[idx] = v
		}
	case bytecode.OpStLoc0, bytecode.OpStLoc1, bytecode.OpStLoc2, bytecode.OpStLoc3:
		var v Value
		if v, err = f.pop(); err == nil {
			f.locals[op-bytecode.OpStLoc0] = v
		}

	// Static members

	case bytecode.OpLdSFld:
		f.push(in.rt.loadStatic(bytecode.Token(f.readUint16())))
	case bytecode.OpStSFld:
		tok := bytecode.Token(f.readUint16())
		var v Value
		if v, err = f.pop(); err == nil {
			in.rt.storeStatic(tok, v)
		}
	case bytecode.OpLdFtn:
		meth, lerr := in.rt.mod.Method(bytecode.Token(f.readUint16()))
		if lerr != nil {
			return nil, false, throwf(KindInvalidProgram, "%v", lerr)
		}
		f.push(&FuncRef{Method: meth})

	// Arrays

	case bytecode.OpNewArr:
		kind := bytecode.ElemKind(f.readByte())
		var n int32
		if n, err = f.popInt(); err == nil {
			if n < 0 {
				return nil, false, throwf(KindIndexOutOfRange, "negative array length %d", n)
			}
			f.push(NewArray(kind, int(n)))
		}
	case bytecode.OpLdElem:
		var idx int32
		var a *Array
		if idx, err = f.popInt(); err != nil {
			break
		}
		if a, err = f.popArray(); err != nil {
			break
		}
		var v Value
		if v, err = a.Load(int(idx)); err == nil {
			f.push(v)
		}
	case bytecode.OpStElem:
		var v Value
		var idx int32
		var a *Array
		if v, err = f.pop(); err != nil {
			break
		}
		if idx, err = f.popInt(); err != nil {
			break
		}
		if a, err = f.popArray(); err != nil {
			break
		}
		err = a.Store(int(idx), v)
	case bytecode.OpLdLen:
		var a *Array
		if a, err = f.popArray(); err == nil {
			f.push(int32(a.Len()))
		}

	// Arithmetic and comparison

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpClt, bytecode.OpCgt:
		var a, b int32
		if b, err = f.popInt(); err != nil {
			break
		}
		if a, err = f.popInt(); err != nil {
			break
		}
		f.push(arith(op, a, b))
	case bytecode.OpCeq:
		var vals []Value
		if vals, err = f.popN(2); err == nil {
			f.push(boolInt(vals[0] == vals[1]))
		}
	case bytecode.OpConcat:
		var vals []Value
		if vals, err = f.popN(2); err != nil {
			break
		}
		a, aok := stringOf(vals[0])
		b, bok := stringOf(vals[1])
		if !aok || !bok {
			return nil, false, throwf(KindInvalidProgram, "CONCAT needs strings, got %s and %s", typeName(vals[0]), typeName(vals[1]))
		}
		f.push(a + b)

	// Control flow

	case bytecode.OpBr, bytecode.OpBrS:
		f.ip = branchTarget(f, op)
	case bytecode.OpBrTrue, bytecode.OpBrTrueS, bytecode.OpBrFalse, bytecode.OpBrFalseS:
		target := branchTarget(f, op)
		var v Value
		if v, err = f.pop(); err != nil {
			break
		}
		want := op == bytecode.OpBrTrue || op == bytecode.OpBrTrueS
		if truthy(v) == want {
			f.ip = target
		}
	case bytecode.OpLeave, bytecode.OpLeaveS:
		f.leave(start, branchTarget(f, op))
	case bytecode.OpEndFinally:
		err = f.endFinally()
	case bytecode.OpThrow:
		var v Value
		if v, err = f.pop(); err != nil {
			break
		}
		err = thrown(v)

	// Calls

	case bytecode.OpCall:
		meth, lerr := in.rt.mod.Method(bytecode.Token(f.readUint16()))
		if lerr != nil {
			return nil, false, throwf(KindInvalidProgram, "%v", lerr)
		}
		var args []Value
		if args, err = f.popN(len(meth.Params)); err != nil {
			break
		}
		var v Value
		if v, err = in.call(meth, args); err == nil && meth.Returns != bytecode.TypeVoid {
			f.push(v)
		}
	case bytecode.OpCallHost:
		tok := bytecode.Token(f.readUint16())
		imp, lerr := in.rt.mod.Import(tok)
		if lerr != nil {
			return nil, false, throwf(KindInvalidProgram, "%v", lerr)
		}
		var args []Value
		if args, err = f.popN(len(imp.Params)); err != nil {
			break
		}
		var v Value
		if v, err = in.rt.host[tok](in, args); err == nil && imp.Returns != bytecode.TypeVoid {
			f.push(v)
		}

	// Return

	case bytecode.OpRet:
		if f.meth.Returns == bytecode.TypeVoid {
			return nil, true, nil
		}
		var v Value
		if v, err = f.pop(); err != nil {
			break
		}
		return v, true, nil

	default:
		return nil, false, throwf(KindInvalidProgram, "unknown opcode 0x%02X at %04X", byte(op), start)
	}

	return nil, false, err
}

func branchTarget(f *frame, op bytecode.Opcode) int {
	if op.OperandKind() == bytecode.OperandBranch8 {
		delta := int(int8(f.readByte()))
		return f.ip + delta
	}
	delta := int(f.readInt32())
	return f.ip + delta
}

func arith(op bytecode.Opcode, a, b int32) int32 {
	switch op {
	case bytecode.OpAdd:
		return a + b
	case bytecode.OpSub:
		return a - b
	case bytecode.OpMul:
		return a * b
	case bytecode.OpClt:
		return boolInt(a < b)
	default:
		return boolInt(a > b)
	}
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func stringOf(v Value) (string, bool) {
	switch v := v.(type) {
	case nil:
		return "", true
	case string:
		return v, true
	}
	return "", false
}

// thrown converts a THROW operand into the exception it raises.
func thrown(v Value) *Exception {
	switch v := v.(type) {
	case *Exception:
		return v
	case nil:
		return throwf(KindNullReference, "THROW of null")
	case string:
		return &Exception{Kind: KindUserThrow, Message: v, Value: v}
	}
	return &Exception{Kind: KindUserThrow, Message: typeName(v), Value: v}
}
