// Package module models a compiled litweave module: its types, a flat
// table of methods, fields and host imports addressed by stable tokens,
// and its embedded resources.
package module

import (
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/litweave/pkg/bytecode"
)

const (
	// RootTypeName is the type that owns module-level members.
	RootTypeName = "<Module>"

	// InitializerName is the static initializer run when a module loads.
	InitializerName = ".cctor"
)

// Attribute names understood by the toolchain.
const (
	AttrGeneratedCode = "GeneratedCode"
	AttrNonUserCode   = "NonUserCode"
)

var (
	ErrNoRootType        = errors.New("module has no root type")
	ErrTypeNotFound      = errors.New("type not found")
	ErrMethodNotFound    = errors.New("method not found")
	ErrFieldNotFound     = errors.New("field not found")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrUnknownHostImport = errors.New("unknown host routine")
	ErrBadToken          = errors.New("token out of range")
)

// Flags describes member visibility and kind.
type Flags uint8

const (
	FlagPrivate     Flags = 1 << 0
	FlagSpecialName Flags = 1 << 1 // initializers
)

// Attribute is a named marker with optional string arguments.
type Attribute struct {
	Name string   `cbor:"1,keyasint"`
	Args []string `cbor:"2,keyasint,omitempty"`
}

// Param is a named, typed method parameter.
type Param struct {
	Name string             `cbor:"1,keyasint"`
	Type bytecode.ValueType `cbor:"2,keyasint"`
}

// Type groups methods and fields under a name.
type Type struct {
	Name       string      `cbor:"1,keyasint"`
	Attributes []Attribute `cbor:"2,keyasint,omitempty"`
}

// Method is a static routine. Methods without a body are abstract
// declarations and cannot be called.
type Method struct {
	Token      bytecode.Token
	Owner      string
	Name       string
	Flags      Flags
	Params     []Param
	Returns    bytecode.ValueType
	Attributes []Attribute
	Body       *bytecode.Body
}

// FullName returns Owner::Name.
func (m *Method) FullName() string {
	return m.Owner + "::" + m.Name
}

// HasAttribute reports whether the method carries the named attribute.
func (m *Method) HasAttribute(name string) bool {
	return hasAttribute(m.Attributes, name)
}

// Signature formats the method like the assembler declares it.
func (m *Method) Signature() string {
	var sb strings.Builder
	if m.Flags&FlagPrivate != 0 {
		sb.WriteString("private ")
	}
	sb.WriteString("static ")
	sb.WriteString(m.Name)
	sb.WriteString("(")
	for i, p := range m.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Type.String())
		if p.Name != "" {
			sb.WriteString(" ")
			sb.WriteString(p.Name)
		}
	}
	sb.WriteString(") ")
	sb.WriteString(m.Returns.String())
	return sb.String()
}

// Field is a static storage cell.
type Field struct {
	Token      bytecode.Token     `cbor:"-"`
	Owner      string             `cbor:"1,keyasint"`
	Name       string             `cbor:"2,keyasint"`
	Type       bytecode.ValueType `cbor:"3,keyasint"`
	Flags      Flags              `cbor:"4,keyasint"`
	Attributes []Attribute        `cbor:"5,keyasint,omitempty"`
}

// FullName returns Owner::Name.
func (f *Field) FullName() string {
	return f.Owner + "::" + f.Name
}

// HasAttribute reports whether the field carries the named attribute.
func (f *Field) HasAttribute(name string) bool {
	return hasAttribute(f.Attributes, name)
}

// Import references a routine supplied by the host.
type Import struct {
	Token   bytecode.Token       `cbor:"-"`
	Name    string               `cbor:"1,keyasint"`
	Params  []bytecode.ValueType `cbor:"2,keyasint,omitempty"`
	Returns bytecode.ValueType   `cbor:"3,keyasint"`
}

// Resource is a named binary blob shipped inside the module.
type Resource struct {
	Name    string `cbor:"1,keyasint"`
	Private bool   `cbor:"2,keyasint"`
	Data    []byte `cbor:"3,keyasint"`
}

// Module is a compiled unit. Tokens index the flat member tables and are
// never reassigned, so appending members leaves existing operands valid.
type Module struct {
	Name      string
	Types     []*Type
	Methods   []*Method
	Fields    []*Field
	Imports   []*Import
	Resources []*Resource
}

// New creates an empty module with its root type.
func New(name string) *Module {
	m := &Module{Name: name}
	m.AddType(RootTypeName)
	return m
}

// RootType returns the module's root type.
func (m *Module) RootType() (*Type, error) {
	t, err := m.Type(RootTypeName)
	if err != nil {
		return nil, ErrNoRootType
	}
	return t, nil
}

// Type returns the named type.
func (m *Module) Type(name string) (*Type, error) {
	for _, t := range m.Types {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", name, ErrTypeNotFound)
}

// AddType returns the named type, creating it if needed.
func (m *Module) AddType(name string) *Type {
	if t, err := m.Type(name); err == nil {
		return t
	}
	t := &Type{Name: name}
	m.Types = append(m.Types, t)
	return t
}

// AddMethod declares a method on owner. The body is left nil.
func (m *Module) AddMethod(owner, name string, params []Param, returns bytecode.ValueType, flags Flags) (*Method, error) {
	if _, err := m.Type(owner); err != nil {
		return nil, err
	}
	if _, err := m.FindMethod(owner, name); err == nil {
		return nil, fmt.Errorf("method %s::%s already defined", owner, name)
	}
	if len(m.Methods) > 0xFFFF {
		return nil, fmt.Errorf("method table full")
	}
	meth := &Method{
		Token:   bytecode.Token(len(m.Methods)),
		Owner:   owner,
		Name:    name,
		Flags:   flags,
		Params:  params,
		Returns: returns,
	}
	m.Methods = append(m.Methods, meth)
	return meth, nil
}

// FindMethod looks a method up by owner and name.
func (m *Module) FindMethod(owner, name string) (*Method, error) {
	for _, meth := range m.Methods {
		if meth.Owner == owner && meth.Name == name {
			return meth, nil
		}
	}
	return nil, fmt.Errorf("%s::%s: %w", owner, name, ErrMethodNotFound)
}

// Method returns the method with the given token.
func (m *Module) Method(tok bytecode.Token) (*Method, error) {
	if int(tok) >= len(m.Methods) {
		return nil, fmt.Errorf("method #%d: %w", tok, ErrBadToken)
	}
	return m.Methods[tok], nil
}

// AddField declares a static field on owner.
func (m *Module) AddField(owner, name string, typ bytecode.ValueType, flags Flags) (*Field, error) {
	if _, err := m.Type(owner); err != nil {
		return nil, err
	}
	if _, err := m.FindField(owner, name); err == nil {
		return nil, fmt.Errorf("field %s::%s already defined", owner, name)
	}
	if len(m.Fields) > 0xFFFF {
		return nil, fmt.Errorf("field table full")
	}
	f := &Field{
		Token: bytecode.Token(len(m.Fields)),
		Owner: owner,
		Name:  name,
		Type:  typ,
		Flags: flags,
	}
	m.Fields = append(m.Fields, f)
	return f, nil
}

// FindField looks a field up by owner and name.
func (m *Module) FindField(owner, name string) (*Field, error) {
	for _, f := range m.Fields {
		if f.Owner == owner && f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%s::%s: %w", owner, name, ErrFieldNotFound)
}

// Field returns the field with the given token.
func (m *Module) Field(tok bytecode.Token) (*Field, error) {
	if int(tok) >= len(m.Fields) {
		return nil, fmt.Errorf("field #%d: %w", tok, ErrBadToken)
	}
	return m.Fields[tok], nil
}

// ImportHost returns the import for a host routine, adding it on first use.
func (m *Module) ImportHost(name string) (*Import, error) {
	for _, imp := range m.Imports {
		if imp.Name == name {
			return imp, nil
		}
	}
	sig, ok := HostSignature(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownHostImport)
	}
	if len(m.Imports) > 0xFFFF {
		return nil, fmt.Errorf("import table full")
	}
	sig.Token = bytecode.Token(len(m.Imports))
	m.Imports = append(m.Imports, &sig)
	return &sig, nil
}

// Import returns the import with the given token.
func (m *Module) Import(tok bytecode.Token) (*Import, error) {
	if int(tok) >= len(m.Imports) {
		return nil, fmt.Errorf("import #%d: %w", tok, ErrBadToken)
	}
	return m.Imports[tok], nil
}

// AddResource attaches a named blob. Names are unique within a module.
func (m *Module) AddResource(name string, private bool, data []byte) (*Resource, error) {
	if _, err := m.Resource(name); err == nil {
		return nil, fmt.Errorf("resource %q already exists", name)
	}
	r := &Resource{Name: name, Private: private, Data: data}
	m.Resources = append(m.Resources, r)
	return r, nil
}

// Resource returns the named resource.
func (m *Module) Resource(name string) (*Resource, error) {
	for _, r := range m.Resources {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrResourceNotFound)
}

// Bodies returns every method that has a body, in token order.
func (m *Module) Bodies() []*Method {
	var out []*Method
	for _, meth := range m.Methods {
		if meth.Body != nil {
			out = append(out, meth)
		}
	}
	return out
}

// CallEffect implements bytecode.Signatures.
func (m *Module) CallEffect(op bytecode.Opcode, tok bytecode.Token) (pop, push int, err error) {
	switch op {
	case bytecode.OpCall:
		meth, err := m.Method(tok)
		if err != nil {
			return 0, 0, err
		}
		return len(meth.Params), pushes(meth.Returns), nil
	case bytecode.OpCallHost:
		imp, err := m.Import(tok)
		if err != nil {
			return 0, 0, err
		}
		return len(imp.Params), pushes(imp.Returns), nil
	}
	return 0, 0, fmt.Errorf("%s is not a call", op)
}

// Frame describes meth for bytecode.Encode.
func (m *Module) Frame(meth *Method) bytecode.Frame {
	return bytecode.Frame{
		ParamCount:   len(meth.Params),
		ReturnsValue: meth.Returns != bytecode.TypeVoid,
		Sigs:         m,
	}
}

// EncodeBody encodes meth's body into a chunk, validating it against the
// module's tables.
func (m *Module) EncodeBody(meth *Method) (*bytecode.Chunk, error) {
	if meth.Body == nil {
		return nil, fmt.Errorf("%s has no body", meth.FullName())
	}
	if err := m.checkTokens(meth.Body); err != nil {
		return nil, fmt.Errorf("%s: %w", meth.FullName(), err)
	}
	c, err := bytecode.Encode(meth.Body, m.Frame(meth))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", meth.FullName(), err)
	}
	return c, nil
}

func (m *Module) checkTokens(b *bytecode.Body) error {
	for _, ins := range b.Instructions {
		tok, ok := ins.Operand.(bytecode.Token)
		if !ok {
			continue
		}
		var err error
		switch ins.Op.OperandKind() {
		case bytecode.OperandField:
			_, err = m.Field(tok)
		case bytecode.OperandMethod:
			_, err = m.Method(tok)
		case bytecode.OperandImport:
			_, err = m.Import(tok)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", ins, err)
		}
	}
	return nil
}

func pushes(t bytecode.ValueType) int {
	if t == bytecode.TypeVoid {
		return 0
	}
	return 1
}

func hasAttribute(attrs []Attribute, name string) bool {
	for _, a := range attrs {
		if a.Name == name {
			return true
		}
	}
	return false
}
