package bytecode

import "fmt"

// Label names a position in a body under construction.
type Label struct {
	id int
}

type branchFixup struct {
	ins   *Instruction
	label Label
}

type exceptionBlock struct {
	kind         HandlerKind
	tryStart     Label
	handlerStart Label
	end          Label
	inHandler    bool
}

type pendingHandler struct {
	kind                               HandlerKind
	tryStart, handlerStart, handlerEnd Label
}

// Generator builds a new Body with symbolic labels and structured
// exception blocks. Labels bind to the next instruction emitted after
// MarkLabel; a label never followed by an instruction marks the end of
// the body.
type Generator struct {
	body     *Body
	bound    []*Instruction
	marked   []bool
	pending  []Label
	fixups   []branchFixup
	blocks   []*exceptionBlock
	handlers []pendingHandler
	err      error
}

// NewGenerator creates a generator for an empty body.
func NewGenerator() *Generator {
	return &Generator{body: NewBody()}
}

// DeclareLocal adds a local slot and returns its index.
func (g *Generator) DeclareLocal(t ValueType, name string) int {
	return g.body.AddLocal(t, name)
}

// DefineLabel creates an unbound label.
func (g *Generator) DefineLabel() Label {
	g.bound = append(g.bound, nil)
	g.marked = append(g.marked, false)
	return Label{id: len(g.bound) - 1}
}

// MarkLabel binds l to the next emitted instruction.
func (g *Generator) MarkLabel(l Label) {
	if g.marked[l.id] {
		g.fail(fmt.Errorf("label %d marked twice", l.id))
		return
	}
	g.marked[l.id] = true
	g.pending = append(g.pending, l)
}

// Emit appends an instruction with a literal operand.
func (g *Generator) Emit(op Opcode, operand any) *Instruction {
	ins := &Instruction{Op: op, Operand: operand}
	g.body.Instructions = append(g.body.Instructions, ins)
	for _, l := range g.pending {
		g.bound[l.id] = ins
	}
	g.pending = g.pending[:0]
	return ins
}

// EmitBranch appends a branch whose target is resolved when the body is
// finished.
func (g *Generator) EmitBranch(op Opcode, l Label) *Instruction {
	if !op.IsBranch() {
		g.fail(fmt.Errorf("%s is not a branch", op))
	}
	ins := g.Emit(op, nil)
	g.fixups = append(g.fixups, branchFixup{ins: ins, label: l})
	return ins
}

// BeginExceptionBlock opens a protected region and returns the label that
// follows the whole block, which LEAVE instructions target.
func (g *Generator) BeginExceptionBlock() Label {
	b := &exceptionBlock{
		tryStart:     g.DefineLabel(),
		handlerStart: g.DefineLabel(),
		end:          g.DefineLabel(),
	}
	g.MarkLabel(b.tryStart)
	g.blocks = append(g.blocks, b)
	return b.end
}

// BeginFinallyBlock closes the protected region with a LEAVE and starts
// its finally block.
func (g *Generator) BeginFinallyBlock() {
	g.beginHandler(HandlerFinally)
}

// BeginCatchBlock closes the protected region with a LEAVE and starts a
// catch block. The caught exception is on the stack at entry.
func (g *Generator) BeginCatchBlock() {
	g.beginHandler(HandlerCatch)
}

func (g *Generator) beginHandler(kind HandlerKind) {
	b := g.top()
	if b == nil {
		return
	}
	if b.inHandler {
		g.fail(fmt.Errorf("exception block already has a handler"))
		return
	}
	g.EmitBranch(OpLeave, b.end)
	b.kind = kind
	b.inHandler = true
	g.MarkLabel(b.handlerStart)
}

// EndExceptionBlock ends the current handler (ENDFINALLY for finally
// blocks, LEAVE for catch blocks) and marks the block's end label.
func (g *Generator) EndExceptionBlock() {
	b := g.top()
	if b == nil {
		return
	}
	if !b.inHandler {
		g.fail(fmt.Errorf("exception block has no handler"))
		return
	}
	if b.kind == HandlerFinally {
		g.Emit(OpEndFinally, nil)
	} else {
		g.EmitBranch(OpLeave, b.end)
	}
	g.blocks = g.blocks[:len(g.blocks)-1]
	g.MarkLabel(b.end)
	// Inner blocks close first, so the table comes out innermost first.
	g.handlers = append(g.handlers, pendingHandler{
		kind:         b.kind,
		tryStart:     b.tryStart,
		handlerStart: b.handlerStart,
		handlerEnd:   b.end,
	})
}

func (g *Generator) top() *exceptionBlock {
	if len(g.blocks) == 0 {
		g.fail(fmt.Errorf("no open exception block"))
		return nil
	}
	return g.blocks[len(g.blocks)-1]
}

func (g *Generator) fail(err error) {
	if g.err == nil {
		g.err = err
	}
}

// Finish resolves labels and returns the body.
func (g *Generator) Finish() (*Body, error) {
	if g.err != nil {
		return nil, g.err
	}
	if len(g.blocks) > 0 {
		return nil, fmt.Errorf("%d exception blocks left open", len(g.blocks))
	}
	for _, f := range g.fixups {
		target := g.bound[f.label.id]
		if target == nil {
			return nil, fmt.Errorf("%s: branch to label %d with no following instruction", f.ins.Op, f.label.id)
		}
		f.ins.Operand = target
	}
	for _, h := range g.handlers {
		g.body.Handlers = append(g.body.Handlers, &ExceptionHandler{
			Kind:         h.kind,
			TryStart:     g.bound[h.tryStart.id],
			TryEnd:       g.bound[h.handlerStart.id],
			HandlerStart: g.bound[h.handlerStart.id],
			HandlerEnd:   g.bound[h.handlerEnd.id],
		})
	}
	return g.body, nil
}
