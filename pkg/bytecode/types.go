package bytecode

import "fmt"

// Token identifies a method, field or import in a module's flat tables.
// Tokens are assigned once and never renumbered.
type Token uint16

// ValueType is the declared type of a parameter, local, field or result.
type ValueType uint8

const (
	TypeVoid   ValueType = 0
	TypeInt32  ValueType = 1
	TypeString ValueType = 2
	TypeBytes  ValueType = 3 // byte array
	TypeArray  ValueType = 4 // array of references
	TypeObject ValueType = 5 // opaque host object
)

// String returns the assembler spelling of the type.
func (t ValueType) String() string {
	switch t {
	case TypeVoid:
		return "void"
	case TypeInt32:
		return "int32"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeArray:
		return "array"
	case TypeObject:
		return "object"
	default:
		return fmt.Sprintf("ValueType(%d)", t)
	}
}

// ParseValueType parses the assembler spelling of a type.
func ParseValueType(s string) (ValueType, error) {
	switch s {
	case "void":
		return TypeVoid, nil
	case "int32":
		return TypeInt32, nil
	case "string":
		return TypeString, nil
	case "bytes":
		return TypeBytes, nil
	case "array":
		return TypeArray, nil
	case "object":
		return TypeObject, nil
	}
	return 0, fmt.Errorf("unknown type %q", s)
}

// ElemKind is the element kind of an array created by OpNewArr.
type ElemKind uint8

const (
	ElemRef ElemKind = 0 // references (strings, arrays, objects)
	ElemU8  ElemKind = 1 // unsigned bytes
)

// String returns the assembler spelling of the element kind.
func (k ElemKind) String() string {
	switch k {
	case ElemRef:
		return "ref"
	case ElemU8:
		return "u8"
	default:
		return fmt.Sprintf("ElemKind(%d)", k)
	}
}

// ArrayType returns the value type of an array with this element kind.
func (k ElemKind) ArrayType() ValueType {
	if k == ElemU8 {
		return TypeBytes
	}
	return TypeArray
}

// Local declares one local variable slot.
type Local struct {
	Type ValueType
	Name string // optional, for disassembly
}
