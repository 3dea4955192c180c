package weaver

import (
	"fmt"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// ToolName identifies litweave in the GeneratedCode attribute.
const ToolName = "litweave"

// Version is recorded in the GeneratedCode attribute of generated members.
const Version = "0.3.0"

// accessor holds the members added to <Module> by one weave.
type accessor struct {
	cryptBytes *module.Field  // lazy cell over decode
	strings    *module.Field  // slot cache
	decode     *module.Method // CryptInit_<id>, body added by the embed step
	lookup     *module.Method // CryptGet_<id>
}

func generatedAttrs() []module.Attribute {
	return []module.Attribute{
		{Name: module.AttrGeneratedCode, Args: []string{ToolName, Version}},
		{Name: module.AttrNonUserCode},
	}
}

// addAccessor declares the fields and routines of the accessor, builds the
// lookup routine and makes the module initializer create both fields.
func addAccessor(ctx *Context, m *module.Module, slots int) (*accessor, error) {
	if _, err := m.RootType(); err != nil {
		return nil, err
	}
	root := module.RootTypeName
	a := &accessor{}
	var err error

	if a.cryptBytes, err = m.AddField(root, ctx.Name("CryptBytes"), bytecode.TypeObject, module.FlagPrivate); err != nil {
		return nil, err
	}
	a.cryptBytes.Attributes = generatedAttrs()

	if a.strings, err = m.AddField(root, ctx.Name("Strings"), bytecode.TypeArray, module.FlagPrivate); err != nil {
		return nil, err
	}
	a.strings.Attributes = generatedAttrs()

	if a.decode, err = m.AddMethod(root, ctx.Name("CryptInit"), nil, bytecode.TypeBytes, module.FlagPrivate); err != nil {
		return nil, err
	}
	a.decode.Attributes = generatedAttrs()

	params := []module.Param{
		{Name: "ndx", Type: bytecode.TypeInt32},
		{Name: "len", Type: bytecode.TypeInt32},
		{Name: "i", Type: bytecode.TypeInt32},
	}
	if a.lookup, err = m.AddMethod(root, ctx.Name("CryptGet"), params, bytecode.TypeString, module.FlagPrivate); err != nil {
		return nil, err
	}
	a.lookup.Attributes = generatedAttrs()
	if a.lookup.Body, err = a.lookupBody(m); err != nil {
		return nil, fmt.Errorf("%s: %w", a.lookup.FullName(), err)
	}

	if err := a.patchInitializer(m, slots); err != nil {
		return nil, err
	}
	return a, nil
}

// lookupBody builds CryptGet(ndx, len, i):
//
//	s = Strings[i]
//	if s == null {
//	    s = intern(utf8(CryptBytes.Value, ndx, len))
//	    Strings[i] = s
//	}
//	return s
//
// Two callers racing on an empty slot both store the same string.
func (a *accessor) lookupBody(m *module.Module) (*bytecode.Body, error) {
	e := newEmitter(m)
	g := e.gen
	s := g.DeclareLocal(bytecode.TypeString, "s")
	have := g.DefineLabel()

	g.Emit(bytecode.OpLdSFld, a.strings.Token)
	g.Emit(bytecode.OpLdArg, 2)
	g.Emit(bytecode.OpLdElem, nil)
	g.Emit(bytecode.OpStLoc, s)
	g.Emit(bytecode.OpLdLoc, s)
	g.EmitBranch(bytecode.OpBrTrue, have)

	g.Emit(bytecode.OpLdSFld, a.cryptBytes.Token)
	e.callHost(module.HostLazyValue)
	g.Emit(bytecode.OpLdArg, 0)
	g.Emit(bytecode.OpLdArg, 1)
	e.callHost(module.HostUTF8GetString)
	e.callHost(module.HostStringIntern)
	g.Emit(bytecode.OpStLoc, s)
	g.Emit(bytecode.OpLdSFld, a.strings.Token)
	g.Emit(bytecode.OpLdArg, 2)
	g.Emit(bytecode.OpLdLoc, s)
	g.Emit(bytecode.OpStElem, nil)

	g.MarkLabel(have)
	g.Emit(bytecode.OpLdLoc, s)
	g.Emit(bytecode.OpRet, nil)
	return e.finish()
}

// patchInitializer finds or creates <Module>::.cctor and puts the field
// setup in front of its first instruction, so literals loaded by the
// initializer itself are already served. Existing references to the old
// first instruction are left pointing at it.
func (a *accessor) patchInitializer(m *module.Module, slots int) error {
	init, err := m.FindMethod(module.RootTypeName, module.InitializerName)
	if err != nil {
		init, err = m.AddMethod(module.RootTypeName, module.InitializerName, nil, bytecode.TypeVoid, module.FlagPrivate|module.FlagSpecialName)
		if err != nil {
			return err
		}
	}
	if init.Body == nil {
		init.Body = bytecode.NewBody()
	}
	if len(init.Body.Instructions) == 0 {
		init.Body.Processor().Emit(bytecode.OpRet, nil)
	}
	if len(init.Params) != 0 || init.Returns != bytecode.TypeVoid {
		return fmt.Errorf("%s must take no arguments and return void", init.FullName())
	}

	body := init.Body
	bytecode.SimplifyMacros(body)

	p := body.Processor()
	lazyNew, err := m.ImportHost(module.HostLazyNew)
	if err != nil {
		return err
	}
	prologue := []*bytecode.Instruction{
		p.Create(bytecode.OpLdcI4, int32(slots)),
		p.Create(bytecode.OpNewArr, bytecode.ElemRef),
		p.Create(bytecode.OpStSFld, a.strings.Token),
		p.Create(bytecode.OpLdFtn, a.decode.Token),
		p.Create(bytecode.OpCallHost, lazyNew.Token),
		p.Create(bytecode.OpStSFld, a.cryptBytes.Token),
	}
	first := body.Instructions[0]
	for _, ins := range prologue {
		if err := p.InsertBefore(first, ins); err != nil {
			return err
		}
	}

	bytecode.OptimizeMacros(body)
	return nil
}
