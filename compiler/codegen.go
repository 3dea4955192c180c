package compiler

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// ---------------------------------------------------------------------------
// Codegen: Lower a parsed File into a module
// ---------------------------------------------------------------------------

// mnemonics maps lowercase opcode names to opcodes. Dotted spellings such
// as ldc.i4.s are accepted as aliases of the underscore form.
var mnemonics = func() map[string]bytecode.Opcode {
	m := make(map[string]bytecode.Opcode, bytecode.OpcodeCount())
	for _, op := range bytecode.AllOpcodes() {
		m[strings.ToLower(op.String())] = op
	}
	return m
}()

// LookupMnemonic returns the opcode spelled by name.
func LookupMnemonic(name string) (bytecode.Opcode, bool) {
	op, ok := mnemonics[strings.ReplaceAll(strings.ToLower(name), ".", "_")]
	return op, ok
}

// Assemble parses and lowers assembler source into a module.
func Assemble(src string) (*module.Module, error) {
	p := NewParser(src)
	f := p.ParseFile()
	if errs := p.Errors(); len(errs) > 0 {
		return nil, errors.New(strings.Join(errs, "\n"))
	}
	return Generate(f)
}

// Generator lowers a File into a module.
type Generator struct {
	mod    *module.Module
	errors []string
}

// Generate lowers f into a new module. Declarations are entered first so
// that bodies may reference members declared later in the file.
func Generate(f *File) (*module.Module, error) {
	name := f.Module
	if name == "" {
		name = "main"
	}
	g := &Generator{mod: module.New(name)}

	for _, d := range f.Imports {
		g.declareImport(d)
	}
	for _, d := range f.Resources {
		if _, err := g.mod.AddResource(d.Name, d.Private, []byte(d.Data)); err != nil {
			g.errorf(d.Pos, "%v", err)
		}
	}

	type pending struct {
		decl *MethodDecl
		meth *module.Method
	}
	var bodies []pending

	for _, t := range f.Types {
		g.mod.AddType(t.Name)
		for _, fd := range t.Fields {
			g.declareField(t.Name, fd)
		}
		for _, md := range t.Methods {
			if meth := g.declareMethod(t.Name, md); meth != nil {
				bodies = append(bodies, pending{md, meth})
			}
		}
	}

	for _, b := range bodies {
		body := g.genBody(b.meth, b.decl)
		if body != nil {
			b.meth.Body = body
		}
	}

	if len(g.errors) > 0 {
		return nil, errors.New(strings.Join(g.errors, "\n"))
	}
	return g.mod, nil
}

func (g *Generator) errorf(pos Position, format string, args ...interface{}) {
	g.errors = append(g.errors, fmt.Sprintf("line %d: %s", pos.Line, fmt.Sprintf(format, args...)))
}

func (g *Generator) parseType(pos Position, s string) bytecode.ValueType {
	t, err := bytecode.ParseValueType(s)
	if err != nil {
		g.errorf(pos, "%v", err)
	}
	return t
}

func (g *Generator) declareImport(d *ImportDecl) {
	imp, err := g.mod.ImportHost(d.Name)
	if err != nil {
		g.errorf(d.Pos, "%v", err)
		return
	}
	if !d.HasSig {
		return
	}
	ok := len(d.Params) == len(imp.Params) && g.parseType(d.Pos, d.Returns) == imp.Returns
	for i := 0; ok && i < len(d.Params); i++ {
		ok = g.parseType(d.Pos, d.Params[i]) == imp.Params[i]
	}
	if !ok {
		g.errorf(d.Pos, "import %s: signature does not match the host routine", d.Name)
	}
}

func (g *Generator) declareField(owner string, d *FieldDecl) {
	var flags module.Flags
	if d.Private {
		flags |= module.FlagPrivate
	}
	if _, err := g.mod.AddField(owner, d.Name, g.parseType(d.Pos, d.Type), flags); err != nil {
		g.errorf(d.Pos, "%v", err)
	}
}

func (g *Generator) declareMethod(owner string, d *MethodDecl) *module.Method {
	var flags module.Flags
	if d.Private {
		flags |= module.FlagPrivate
	}
	if d.Name == module.InitializerName {
		flags |= module.FlagSpecialName
	}
	params := make([]module.Param, len(d.Params))
	for i, v := range d.Params {
		params[i] = module.Param{Name: v.Name, Type: g.parseType(d.Pos, v.Type)}
	}
	meth, err := g.mod.AddMethod(owner, d.Name, params, g.parseType(d.Pos, d.Returns), flags)
	if err != nil {
		g.errorf(d.Pos, "%v", err)
		return nil
	}
	return meth
}

// ---------------------------------------------------------------------------
// Method bodies
// ---------------------------------------------------------------------------

// bodyScope resolves names used inside one method body.
type bodyScope struct {
	owner  string
	gen    *bytecode.Generator
	args   map[string]int
	locals map[string]int
	labels map[string]bytecode.Label
	marked map[string]bool
	used   map[string]Position
}

func (g *Generator) genBody(meth *module.Method, d *MethodDecl) *bytecode.Body {
	s := &bodyScope{
		owner:  meth.Owner,
		gen:    bytecode.NewGenerator(),
		args:   make(map[string]int),
		locals: make(map[string]int),
		labels: make(map[string]bytecode.Label),
		marked: make(map[string]bool),
		used:   make(map[string]Position),
	}
	for i, p := range meth.Params {
		if p.Name != "" {
			s.args[p.Name] = i
		}
	}
	for _, v := range d.Locals {
		idx := s.gen.DeclareLocal(g.parseType(d.Pos, v.Type), v.Name)
		if v.Name != "" {
			s.locals[v.Name] = idx
		}
	}

	before := len(g.errors)
	for _, line := range d.Lines {
		g.genLine(s, line)
	}
	for name, pos := range s.used {
		if !s.marked[name] {
			g.errorf(pos, "undefined label %q", name)
		}
	}
	if len(g.errors) > before {
		return nil
	}

	body, err := s.gen.Finish()
	if err != nil {
		g.errorf(d.Pos, "%s: %v", meth.FullName(), err)
		return nil
	}
	body.InitLocals = !d.NoInit
	return body
}

func (s *bodyScope) label(name string) bytecode.Label {
	l, ok := s.labels[name]
	if !ok {
		l = s.gen.DefineLabel()
		s.labels[name] = l
	}
	return l
}

func (g *Generator) genLine(s *bodyScope, line *Line) {
	switch line.Kind {
	case LineLabel:
		if s.marked[line.Label] {
			g.errorf(line.Pos, "label %q defined twice", line.Label)
			return
		}
		s.marked[line.Label] = true
		s.gen.MarkLabel(s.label(line.Label))
	case LineTry:
		s.gen.BeginExceptionBlock()
	case LineFinally:
		s.gen.BeginFinallyBlock()
	case LineCatch:
		s.gen.BeginCatchBlock()
	case LineEnd:
		s.gen.EndExceptionBlock()
	case LineInstr:
		g.genInstr(s, line)
	}
}

func (g *Generator) genInstr(s *bodyScope, line *Line) {
	op, ok := LookupMnemonic(line.Mnemonic)
	if !ok {
		g.errorf(line.Pos, "unknown instruction %q", line.Mnemonic)
		return
	}
	opnd := line.Operand
	kind := op.OperandKind()

	if kind == bytecode.OperandNone {
		if opnd != nil {
			g.errorf(line.Pos, "%s takes no operand", op)
			return
		}
		s.gen.Emit(op, nil)
		return
	}
	if opnd == nil {
		g.errorf(line.Pos, "%s needs an operand", op)
		return
	}

	switch kind {
	case bytecode.OperandInt8, bytecode.OperandInt32:
		lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
		if kind == bytecode.OperandInt8 {
			lo, hi = math.MinInt8, math.MaxInt8
		}
		if opnd.Kind != OperandInt || opnd.Int < lo || opnd.Int > hi {
			g.errorf(line.Pos, "%s needs an integer in [%d, %d]", op, lo, hi)
			return
		}
		s.gen.Emit(op, int32(opnd.Int))

	case bytecode.OperandVar:
		names := s.locals
		if op == bytecode.OpLdArg {
			names = s.args
		}
		switch opnd.Kind {
		case OperandInt:
			s.gen.Emit(op, int(opnd.Int))
		case OperandName:
			idx, ok := names[opnd.Text]
			if !ok {
				g.errorf(line.Pos, "%s: unknown variable %q", op, opnd.Text)
				return
			}
			s.gen.Emit(op, idx)
		default:
			g.errorf(line.Pos, "%s needs an index or variable name", op)
		}

	case bytecode.OperandString:
		if opnd.Kind != OperandString {
			g.errorf(line.Pos, "%s needs a string", op)
			return
		}
		s.gen.Emit(op, opnd.Text)

	case bytecode.OperandElem:
		elem, ok := elemKinds[opnd.Text]
		if opnd.Kind != OperandName || !ok {
			g.errorf(line.Pos, "%s needs an element kind (u8 or ref)", op)
			return
		}
		s.gen.Emit(op, elem)

	case bytecode.OperandField:
		f, err := g.resolveField(s.owner, opnd)
		if err != nil {
			g.errorf(line.Pos, "%s: %v", op, err)
			return
		}
		s.gen.Emit(op, f.Token)

	case bytecode.OperandMethod:
		meth, err := g.resolveMethod(s.owner, opnd)
		if err != nil {
			g.errorf(line.Pos, "%s: %v", op, err)
			return
		}
		s.gen.Emit(op, meth.Token)

	case bytecode.OperandImport:
		if opnd.Kind != OperandName {
			g.errorf(line.Pos, "%s needs a host routine name", op)
			return
		}
		imp, err := g.mod.ImportHost(opnd.Text)
		if err != nil {
			g.errorf(line.Pos, "%s: %v", op, err)
			return
		}
		s.gen.Emit(op, imp.Token)

	case bytecode.OperandBranch8, bytecode.OperandBranch32:
		if opnd.Kind != OperandName {
			g.errorf(line.Pos, "%s needs a label", op)
			return
		}
		if _, seen := s.used[opnd.Text]; !seen {
			s.used[opnd.Text] = line.Pos
		}
		s.gen.EmitBranch(op, s.label(opnd.Text))
	}
}

var elemKinds = map[string]bytecode.ElemKind{
	"ref": bytecode.ElemRef,
	"u8":  bytecode.ElemU8,
}

// resolveField finds Owner::Name, or a bare name in the current type and
// then the root type.
func (g *Generator) resolveField(owner string, opnd *Operand) (*module.Field, error) {
	switch opnd.Kind {
	case OperandMember:
		return g.mod.FindField(opnd.Owner, opnd.Text)
	case OperandName:
		if f, err := g.mod.FindField(owner, opnd.Text); err == nil {
			return f, nil
		}
		return g.mod.FindField(module.RootTypeName, opnd.Text)
	}
	return nil, fmt.Errorf("expected a field name")
}

// resolveMethod finds Owner::Name, or a bare name in the current type and
// then the root type.
func (g *Generator) resolveMethod(owner string, opnd *Operand) (*module.Method, error) {
	switch opnd.Kind {
	case OperandMember:
		return g.mod.FindMethod(opnd.Owner, opnd.Text)
	case OperandName:
		if m, err := g.mod.FindMethod(owner, opnd.Text); err == nil {
			return m, nil
		}
		return g.mod.FindMethod(module.RootTypeName, opnd.Text)
	}
	return nil, fmt.Errorf("expected a method name")
}
