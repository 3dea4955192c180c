package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// Value is any value the interpreter can hold: nil, int32, string,
// *Array, *Lazy, *FuncRef, *Exception or an opaque host object.
type Value = any

// FuncRef is a reference to a module method, pushed by LDFTN.
type FuncRef struct {
	Method *module.Method
}

func (f *FuncRef) String() string {
	return "&" + f.Method.FullName()
}

// cell boxes a value so it can sit behind an atomic.Pointer.
type cell struct {
	v Value
}

// Array is a fixed-length array. Byte arrays back binary buffers; reference
// arrays hold strings and objects, and each element store is atomically
// visible to other goroutines.
type Array struct {
	kind  bytecode.ElemKind
	bytes []byte
	refs  []atomic.Pointer[cell]
}

// NewArray allocates an array of n elements of the given kind.
func NewArray(kind bytecode.ElemKind, n int) *Array {
	a := &Array{kind: kind}
	if kind == bytecode.ElemU8 {
		a.bytes = make([]byte, n)
	} else {
		a.refs = make([]atomic.Pointer[cell], n)
	}
	return a
}

// BytesArray wraps b without copying.
func BytesArray(b []byte) *Array {
	return &Array{kind: bytecode.ElemU8, bytes: b}
}

// Kind returns the element kind.
func (a *Array) Kind() bytecode.ElemKind { return a.kind }

// Len returns the number of elements.
func (a *Array) Len() int {
	if a.kind == bytecode.ElemU8 {
		return len(a.bytes)
	}
	return len(a.refs)
}

// Bytes returns the backing slice of a byte array, or nil.
func (a *Array) Bytes() []byte { return a.bytes }

// Load returns element i.
func (a *Array) Load(i int) (Value, error) {
	if i < 0 || i >= a.Len() {
		return nil, throwf(KindIndexOutOfRange, "index %d outside array of length %d", i, a.Len())
	}
	if a.kind == bytecode.ElemU8 {
		return int32(a.bytes[i]), nil
	}
	if c := a.refs[i].Load(); c != nil {
		return c.v, nil
	}
	return nil, nil
}

// Store sets element i.
func (a *Array) Store(i int, v Value) error {
	if i < 0 || i >= a.Len() {
		return throwf(KindIndexOutOfRange, "index %d outside array of length %d", i, a.Len())
	}
	if a.kind == bytecode.ElemU8 {
		n, ok := v.(int32)
		if !ok {
			return throwf(KindInvalidProgram, "cannot store %s in a byte array", typeName(v))
		}
		a.bytes[i] = byte(n)
		return nil
	}
	a.refs[i].Store(&cell{v: v})
	return nil
}

func (a *Array) String() string {
	return fmt.Sprintf("%s[%d]", a.kind, a.Len())
}

// zeroValue returns the initial value of a slot of type t.
func zeroValue(t bytecode.ValueType) Value {
	if t == bytecode.TypeInt32 {
		return int32(0)
	}
	return nil
}

// truthy implements the branch test: nil and zero are false.
func truthy(v Value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case int32:
		return v != 0
	}
	return true
}

func typeName(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case int32:
		return "int32"
	case string:
		return "string"
	case *Array:
		return "array"
	case *Lazy:
		return "lazy"
	case *FuncRef:
		return "function"
	case *Exception:
		return "exception"
	}
	return fmt.Sprintf("%T", v)
}
