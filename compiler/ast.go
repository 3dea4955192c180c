package compiler

// ---------------------------------------------------------------------------
// AST: Syntax tree for LWBC assembler source
// ---------------------------------------------------------------------------

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// File is a parsed assembler source file.
type File struct {
	Module    string
	Imports   []*ImportDecl
	Resources []*ResourceDecl
	Types     []*TypeDecl
}

// ImportDecl declares a host routine. The signature is optional; when
// given it must match the host catalog.
type ImportDecl struct {
	Pos     Position
	Name    string
	HasSig  bool
	Params  []string
	Returns string
}

// ResourceDecl embeds a resource whose contents are given as a string.
type ResourceDecl struct {
	Pos     Position
	Name    string
	Private bool
	Data    string
}

// TypeDecl groups fields and methods. Members declared before the first
// type line belong to the root type.
type TypeDecl struct {
	Pos     Position
	Name    string
	Fields  []*FieldDecl
	Methods []*MethodDecl
}

// FieldDecl declares a static field.
type FieldDecl struct {
	Pos     Position
	Name    string
	Type    string
	Private bool
}

// VarDecl is a typed, optionally named parameter or local.
type VarDecl struct {
	Type string
	Name string
}

// MethodDecl declares a static method and its body.
type MethodDecl struct {
	Pos     Position
	Name    string
	Private bool
	Params  []VarDecl
	Returns string
	Locals  []VarDecl
	NoInit  bool
	Lines   []*Line
}

// LineKind distinguishes the entries of a method body.
type LineKind int

const (
	LineInstr   LineKind = iota // mnemonic with optional operand
	LineLabel                   // name:
	LineTry                     // .try
	LineFinally                 // .finally
	LineCatch                   // .catch
	LineEnd                     // .end
)

// Line is one entry of a method body.
type Line struct {
	Pos      Position
	Kind     LineKind
	Label    string   // LineLabel
	Mnemonic string   // LineInstr
	Operand  *Operand // LineInstr, nil when absent
}

// OperandKind classifies an instruction operand as written.
type OperandKind int

const (
	OperandInt    OperandKind = iota // 42
	OperandString                    // "text"
	OperandName                      // loop, s, u8, string.Intern
	OperandMember                    // Owner::Name
)

// Operand is an instruction operand as written in source.
type Operand struct {
	Kind  OperandKind
	Int   int64
	Text  string // string value, name, or member name
	Owner string // OperandMember
}
