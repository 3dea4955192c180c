package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
// Opcodes are organized into ranges by category for easy identification.
type Opcode byte

const (
	// ========================================================================
	// Stack manipulation (0x00-0x0F)
	// ========================================================================

	OpNop Opcode = 0x00 // No operation
	OpPop Opcode = 0x01 // Pop top of stack
	OpDup Opcode = 0x02 // Duplicate top of stack

	// ========================================================================
	// Constants (0x10-0x1F)
	// ========================================================================

	OpLdNull  Opcode = 0x10 // Push null
	OpLdStr   Opcode = 0x11 // Push string literal from pool: OpLdStr <index:u16>
	OpLdcI4   Opcode = 0x12 // Push 32-bit integer: OpLdcI4 <value:i32>
	OpLdcI4S  Opcode = 0x13 // Push 8-bit integer widened to 32 bits: OpLdcI4S <value:i8>
	OpLdcI4M1 Opcode = 0x14 // Push -1
	OpLdcI40  Opcode = 0x15 // Push 0
	OpLdcI41  Opcode = 0x16 // Push 1

	// ========================================================================
	// Arguments and locals (0x20-0x2F)
	// ========================================================================

	OpLdArg  Opcode = 0x20 // Push argument: OpLdArg <index:u8>
	OpLdArg0 Opcode = 0x21 // Push argument 0
	OpLdArg1 Opcode = 0x22 // Push argument 1
	OpLdArg2 Opcode = 0x23 // Push argument 2
	OpLdArg3 Opcode = 0x24 // Push argument 3
	OpLdLoc  Opcode = 0x25 // Push local: OpLdLoc <index:u8>
	OpLdLoc0 Opcode = 0x26 // Push local 0
	OpLdLoc1 Opcode = 0x27 // Push local 1
	OpLdLoc2 Opcode = 0x28 // Push local 2
	OpLdLoc3 Opcode = 0x29 // Push local 3
	OpStLoc  Opcode = 0x2A // Pop into local: OpStLoc <index:u8>
	OpStLoc0 Opcode = 0x2B // Pop into local 0
	OpStLoc1 Opcode = 0x2C // Pop into local 1
	OpStLoc2 Opcode = 0x2D // Pop into local 2
	OpStLoc3 Opcode = 0x2E // Pop into local 3

	// ========================================================================
	// Static members (0x30-0x3F)
	// ========================================================================

	OpLdSFld Opcode = 0x30 // Push static field: OpLdSFld <field:u16>
	OpStSFld Opcode = 0x31 // Pop into static field: OpStSFld <field:u16>
	OpLdFtn  Opcode = 0x32 // Push function reference: OpLdFtn <method:u16>

	// ========================================================================
	// Arrays (0x40-0x4F)
	// ========================================================================

	OpNewArr Opcode = 0x40 // Pop length, push new array: OpNewArr <elem:u8>
	OpLdElem Opcode = 0x41 // Pop array and index, push element
	OpStElem Opcode = 0x42 // Pop array, index and value, store element
	OpLdLen  Opcode = 0x43 // Pop array, push its length

	// ========================================================================
	// Arithmetic and comparison (0x50-0x5F)
	// ========================================================================

	OpAdd    Opcode = 0x50 // Pop two, push sum
	OpSub    Opcode = 0x51 // Pop two, push difference (a - b where b is TOS)
	OpMul    Opcode = 0x52 // Pop two, push product
	OpCeq    Opcode = 0x53 // Pop two, push 1 if equal, 0 otherwise
	OpClt    Opcode = 0x54 // Pop two, push 1 if a < b
	OpCgt    Opcode = 0x55 // Pop two, push 1 if a > b
	OpConcat Opcode = 0x56 // Pop two strings, push concatenation

	// ========================================================================
	// Control flow (0x60-0x6F)
	// ========================================================================

	OpBr         Opcode = 0x60 // Unconditional branch: OpBr <offset:i32>
	OpBrS        Opcode = 0x61 // Unconditional branch: OpBrS <offset:i8>
	OpBrTrue     Opcode = 0x62 // Branch if TOS is non-zero/non-null: OpBrTrue <offset:i32>
	OpBrTrueS    Opcode = 0x63 // Short form of OpBrTrue
	OpBrFalse    Opcode = 0x64 // Branch if TOS is zero/null: OpBrFalse <offset:i32>
	OpBrFalseS   Opcode = 0x65 // Short form of OpBrFalse
	OpLeave      Opcode = 0x66 // Exit protected region, running finally handlers: OpLeave <offset:i32>
	OpLeaveS     Opcode = 0x67 // Short form of OpLeave
	OpEndFinally Opcode = 0x68 // End of a finally handler
	OpThrow      Opcode = 0x69 // Pop value and raise it

	// ========================================================================
	// Calls (0x70-0x7F)
	// ========================================================================

	OpCall     Opcode = 0x70 // Call module method: OpCall <method:u16>
	OpCallHost Opcode = 0x71 // Call imported host routine: OpCallHost <import:u16>

	// ========================================================================
	// Return (0xF0-0xFF)
	// ========================================================================

	OpRet Opcode = 0xF0 // Return from method (pops return value if any)
)

// OperandKind describes how an instruction operand is encoded and what
// Go type it carries in the instruction-node form.
type OperandKind uint8

const (
	OperandNone     OperandKind = iota // no operand
	OperandInt8                        // i8 immediate, Operand is int32
	OperandInt32                       // i32 immediate, Operand is int32
	OperandVar                         // u8 argument/local index, Operand is int
	OperandString                      // u16 string pool index, Operand is string
	OperandField                       // u16 field token, Operand is Token
	OperandMethod                      // u16 method token, Operand is Token
	OperandImport                      // u16 import token, Operand is Token
	OperandElem                        // u8 element kind, Operand is ElemKind
	OperandBranch8                     // i8 relative target, Operand is *Instruction
	OperandBranch32                    // i32 relative target, Operand is *Instruction
)

// Len returns the encoded length of the operand in bytes.
func (k OperandKind) Len() int {
	switch k {
	case OperandInt8, OperandVar, OperandElem, OperandBranch8:
		return 1
	case OperandString, OperandField, OperandMethod, OperandImport:
		return 2
	case OperandInt32, OperandBranch32:
		return 4
	default:
		return 0
	}
}

// OpcodeInfo provides metadata about each opcode for debugging and validation.
type OpcodeInfo struct {
	Name      string      // Human-readable name
	StackPop  int         // How many values popped from stack (-1 = variable)
	StackPush int         // How many values pushed to stack (-1 = variable)
	Operand   OperandKind // Operand encoding
}

// OperandLen returns the number of operand bytes following the opcode.
func (i OpcodeInfo) OperandLen() int {
	return i.Operand.Len()
}

// opcodeInfoTable maps opcodes to their metadata.
var opcodeInfoTable = map[Opcode]OpcodeInfo{
	// Stack manipulation
	OpNop: {"NOP", 0, 0, OperandNone},
	OpPop: {"POP", 1, 0, OperandNone},
	OpDup: {"DUP", 1, 2, OperandNone},

	// Constants
	OpLdNull:  {"LDNULL", 0, 1, OperandNone},
	OpLdStr:   {"LDSTR", 0, 1, OperandString},
	OpLdcI4:   {"LDC_I4", 0, 1, OperandInt32},
	OpLdcI4S:  {"LDC_I4_S", 0, 1, OperandInt8},
	OpLdcI4M1: {"LDC_I4_M1", 0, 1, OperandNone},
	OpLdcI40:  {"LDC_I4_0", 0, 1, OperandNone},
	OpLdcI41:  {"LDC_I4_1", 0, 1, OperandNone},

	// Arguments and locals
	OpLdArg:  {"LDARG", 0, 1, OperandVar},
	OpLdArg0: {"LDARG_0", 0, 1, OperandNone},
	OpLdArg1: {"LDARG_1", 0, 1, OperandNone},
	OpLdArg2: {"LDARG_2", 0, 1, OperandNone},
	OpLdArg3: {"LDARG_3", 0, 1, OperandNone},
	OpLdLoc:  {"LDLOC", 0, 1, OperandVar},
	OpLdLoc0: {"LDLOC_0", 0, 1, OperandNone},
	OpLdLoc1: {"LDLOC_1", 0, 1, OperandNone},
	OpLdLoc2: {"LDLOC_2", 0, 1, OperandNone},
	OpLdLoc3: {"LDLOC_3", 0, 1, OperandNone},
	OpStLoc:  {"STLOC", 1, 0, OperandVar},
	OpStLoc0: {"STLOC_0", 1, 0, OperandNone},
	OpStLoc1: {"STLOC_1", 1, 0, OperandNone},
	OpStLoc2: {"STLOC_2", 1, 0, OperandNone},
	OpStLoc3: {"STLOC_3", 1, 0, OperandNone},

	// Static members
	OpLdSFld: {"LDSFLD", 0, 1, OperandField},
	OpStSFld: {"STSFLD", 1, 0, OperandField},
	OpLdFtn:  {"LDFTN", 0, 1, OperandMethod},

	// Arrays
	OpNewArr: {"NEWARR", 1, 1, OperandElem},
	OpLdElem: {"LDELEM", 2, 1, OperandNone},
	OpStElem: {"STELEM", 3, 0, OperandNone},
	OpLdLen:  {"LDLEN", 1, 1, OperandNone},

	// Arithmetic and comparison
	OpAdd:    {"ADD", 2, 1, OperandNone},
	OpSub:    {"SUB", 2, 1, OperandNone},
	OpMul:    {"MUL", 2, 1, OperandNone},
	OpCeq:    {"CEQ", 2, 1, OperandNone},
	OpClt:    {"CLT", 2, 1, OperandNone},
	OpCgt:    {"CGT", 2, 1, OperandNone},
	OpConcat: {"CONCAT", 2, 1, OperandNone},

	// Control flow
	OpBr:         {"BR", 0, 0, OperandBranch32},
	OpBrS:        {"BR_S", 0, 0, OperandBranch8},
	OpBrTrue:     {"BRTRUE", 1, 0, OperandBranch32},
	OpBrTrueS:    {"BRTRUE_S", 1, 0, OperandBranch8},
	OpBrFalse:    {"BRFALSE", 1, 0, OperandBranch32},
	OpBrFalseS:   {"BRFALSE_S", 1, 0, OperandBranch8},
	OpLeave:      {"LEAVE", -1, 0, OperandBranch32}, // Empties the stack
	OpLeaveS:     {"LEAVE_S", -1, 0, OperandBranch8},
	OpEndFinally: {"ENDFINALLY", 0, 0, OperandNone},
	OpThrow:      {"THROW", 1, 0, OperandNone},

	// Calls
	OpCall:     {"CALL", -1, -1, OperandMethod},     // Pops params, pushes result if non-void
	OpCallHost: {"CALLHOST", -1, -1, OperandImport}, // Same, for host routines

	// Return
	OpRet: {"RET", -1, 0, OperandNone}, // Pops 1 if the method returns a value
}

// GetOpcodeInfo returns metadata for an opcode.
// Returns a zero OpcodeInfo with name "UNKNOWN" if the opcode is not recognized.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// IsValid reports whether the opcode is defined.
func (op Opcode) IsValid() bool {
	_, ok := opcodeInfoTable[op]
	return ok
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// OperandKind returns how the opcode's operand is encoded.
func (op Opcode) OperandKind() OperandKind {
	return GetOpcodeInfo(op).Operand
}

// OperandLen returns the number of operand bytes for this opcode.
func (op Opcode) OperandLen() int {
	return GetOpcodeInfo(op).OperandLen()
}

// InstructionLen returns the total length of an instruction (1 + operand bytes).
func (op Opcode) InstructionLen() int {
	return 1 + op.OperandLen()
}

// IsBranch returns true if the opcode's operand is a branch target.
func (op Opcode) IsBranch() bool {
	k := op.OperandKind()
	return k == OperandBranch8 || k == OperandBranch32
}

// IsConditionalBranch returns true for branches that may fall through.
func (op Opcode) IsConditionalBranch() bool {
	switch op {
	case OpBrTrue, OpBrTrueS, OpBrFalse, OpBrFalseS:
		return true
	}
	return false
}

// IsLeave returns true for the protected-region exit instructions.
func (op Opcode) IsLeave() bool {
	return op == OpLeave || op == OpLeaveS
}

// EndsFlow returns true if control never falls through to the next instruction.
func (op Opcode) EndsFlow() bool {
	switch op {
	case OpBr, OpBrS, OpLeave, OpLeaveS, OpEndFinally, OpThrow, OpRet:
		return true
	}
	return false
}

// IsCall returns true if this opcode transfers control to another routine.
func (op Opcode) IsCall() bool {
	return op == OpCall || op == OpCallHost
}

// shortForms maps each long macro form to its compact encoding.
var shortForms = map[Opcode]Opcode{
	OpBr:      OpBrS,
	OpBrTrue:  OpBrTrueS,
	OpBrFalse: OpBrFalseS,
	OpLeave:   OpLeaveS,
	OpLdcI4:   OpLdcI4S,
}

// longForms is the inverse of shortForms.
var longForms = func() map[Opcode]Opcode {
	m := make(map[Opcode]Opcode, len(shortForms))
	for long, short := range shortForms {
		m[short] = long
	}
	return m
}()

// ShortForm returns the compact encoding of a macro opcode, or the opcode
// itself when it has none.
func (op Opcode) ShortForm() Opcode {
	if s, ok := shortForms[op]; ok {
		return s
	}
	return op
}

// LongForm returns the full-width encoding of a compact opcode, or the
// opcode itself when it is already long.
func (op Opcode) LongForm() Opcode {
	if l, ok := longForms[op]; ok {
		return l
	}
	return op
}

// AllOpcodes returns a slice of all defined opcodes.
// Useful for testing that all opcodes have metadata.
func AllOpcodes() []Opcode {
	opcodes := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		opcodes = append(opcodes, op)
	}
	return opcodes
}

// OpcodeCount returns the number of defined opcodes.
func OpcodeCount() int {
	return len(opcodeInfoTable)
}
