package bytecode

import (
	"encoding/binary"
	"fmt"
)

// BytecodeVersion is the current bytecode format version.
// Increment when making incompatible changes to the format.
const BytecodeVersion uint16 = 1

// MaxConstants is the largest string pool a chunk can serialize; the
// count is stored in 16 bits.
const MaxConstants = 0xFFFF

// Magic bytes for bytecode chunks: "LWBC" (LitWeave ByteCode)
var BytecodeMagic = []byte{'L', 'W', 'B', 'C'}

// ChunkFlags contains compilation flags for a chunk.
type ChunkFlags uint16

const (
	// ChunkFlagInitLocals indicates locals are zero-initialized on entry.
	ChunkFlagInitLocals ChunkFlags = 1 << 0

	// ChunkFlagHasHandlers indicates the chunk carries an exception-handler table.
	ChunkFlagHasHandlers ChunkFlags = 1 << 1
)

// HandlerKind distinguishes finally regions from catch regions.
type HandlerKind uint8

const (
	HandlerFinally HandlerKind = 0
	HandlerCatch   HandlerKind = 1
)

// String returns a human-readable name for HandlerKind.
func (k HandlerKind) String() string {
	switch k {
	case HandlerFinally:
		return "finally"
	case HandlerCatch:
		return "catch"
	default:
		return fmt.Sprintf("HandlerKind(%d)", k)
	}
}

// RawHandler is an exception-handler table entry in byte offsets.
// End offsets are exclusive. Entries are ordered innermost first.
type RawHandler struct {
	Kind         HandlerKind
	TryStart     uint32
	TryEnd       uint32
	HandlerStart uint32
	HandlerEnd   uint32
}

// TryContains reports whether offset lies in the protected region.
func (h RawHandler) TryContains(offset int) bool {
	return uint32(offset) >= h.TryStart && uint32(offset) < h.TryEnd
}

// HandlerContains reports whether offset lies in the handler block.
func (h RawHandler) HandlerContains(offset int) bool {
	return uint32(offset) >= h.HandlerStart && uint32(offset) < h.HandlerEnd
}

// Chunk is the encoded form of a method body.
// It is the unit the interpreter executes and the container stores.
type Chunk struct {
	// Header
	Version uint16     // Bytecode format version
	Flags   ChunkFlags // Compilation flags

	// Code section
	Code []byte // Bytecode instructions

	// Constant pool - strings referenced by OpLdStr
	Constants []string

	// Frame layout
	MaxStack uint16  // Deepest evaluation stack the code can reach
	Locals   []Local // Declared local variable slots

	// Exception handling
	Handlers []RawHandler

	constIndex map[string]uint16 // value -> pool index, built by AddConstant
}

// NewChunk creates a new empty chunk with the current version.
func NewChunk() *Chunk {
	return &Chunk{
		Version:   BytecodeVersion,
		Code:      make([]byte, 0, 64),
		Constants: make([]string, 0, 8),
	}
}

// AddConstant adds a string constant to the pool and returns its index.
// If the constant already exists, returns the existing index.
func (c *Chunk) AddConstant(value string) (uint16, error) {
	if len(c.constIndex) != len(c.Constants) {
		c.constIndex = make(map[string]uint16, len(c.Constants))
		for i, s := range c.Constants {
			if _, ok := c.constIndex[s]; !ok {
				c.constIndex[s] = uint16(i)
			}
		}
	}
	if idx, ok := c.constIndex[value]; ok {
		return idx, nil
	}
	if len(c.Constants) >= MaxConstants {
		return 0, fmt.Errorf("string pool overflow: more than %d constants", MaxConstants)
	}
	idx := uint16(len(c.Constants))
	c.Constants = append(c.Constants, value)
	c.constIndex[value] = idx
	return idx, nil
}

// GetConstant returns the constant at the given index.
// Panics if the index is out of bounds.
func (c *Chunk) GetConstant(index uint16) string {
	return c.Constants[index]
}

// Emit appends a single-byte opcode to the code section.
func (c *Chunk) Emit(op Opcode) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	return offset
}

// EmitWithOperand appends an opcode with operand bytes.
func (c *Chunk) EmitWithOperand(op Opcode, operands ...byte) int {
	offset := len(c.Code)
	c.Code = append(c.Code, byte(op))
	c.Code = append(c.Code, operands...)
	return offset
}

// CodeLen returns the length of the code section.
func (c *Chunk) CodeLen() int {
	return len(c.Code)
}

// ConstantCount returns the number of constants in the pool.
func (c *Chunk) ConstantCount() int {
	return len(c.Constants)
}

// InitLocals reports whether locals are zero-initialized.
func (c *Chunk) InitLocals() bool {
	return c.Flags&ChunkFlagInitLocals != 0
}

func (c *Chunk) readUint16(offset int) uint16 {
	return binary.BigEndian.Uint16(c.Code[offset:])
}

func (c *Chunk) readInt32(offset int) int32 {
	return int32(binary.BigEndian.Uint32(c.Code[offset:]))
}

// Serialize encodes the chunk to bytes for storage/transport.
// Format:
//
//	[magic:4] [version:2] [flags:2]
//	[code_len:4] [code:...]
//	[const_count:2] [constants: (len:4, bytes)...]
//	[max_stack:2]
//	[local_count:1] [locals: (type:1, name_len:1, name)...]
//	[handler_count:2] [handlers: (kind:1, try_start:4, try_end:4, handler_start:4, handler_end:4)...]
func (c *Chunk) Serialize() ([]byte, error) {
	if len(c.Locals) > 0xFF {
		return nil, fmt.Errorf("too many locals: %d", len(c.Locals))
	}
	if len(c.Handlers) > 0xFFFF {
		return nil, fmt.Errorf("too many exception handlers: %d", len(c.Handlers))
	}
	if len(c.Constants) > MaxConstants {
		return nil, fmt.Errorf("too many constants: %d", len(c.Constants))
	}

	estimatedSize := 16 + len(c.Code) + len(c.Constants)*32 + len(c.Handlers)*17
	buf := make([]byte, 0, estimatedSize)

	// Magic number: "LWBC"
	buf = append(buf, BytecodeMagic...)

	// Version and flags
	buf = binary.BigEndian.AppendUint16(buf, c.Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(c.Flags))

	// Code section
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Code)))
	buf = append(buf, c.Code...)

	// Constants
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Constants)))
	for _, s := range c.Constants {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}

	// Frame layout
	buf = binary.BigEndian.AppendUint16(buf, c.MaxStack)
	buf = append(buf, byte(len(c.Locals)))
	for _, l := range c.Locals {
		if len(l.Name) > 0xFF {
			return nil, fmt.Errorf("local name too long: %d bytes", len(l.Name))
		}
		buf = append(buf, byte(l.Type), byte(len(l.Name)))
		buf = append(buf, l.Name...)
	}

	// Exception handlers
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Handlers)))
	for _, h := range c.Handlers {
		buf = append(buf, byte(h.Kind))
		buf = binary.BigEndian.AppendUint32(buf, h.TryStart)
		buf = binary.BigEndian.AppendUint32(buf, h.TryEnd)
		buf = binary.BigEndian.AppendUint32(buf, h.HandlerStart)
		buf = binary.BigEndian.AppendUint32(buf, h.HandlerEnd)
	}

	return buf, nil
}

// Deserialize decodes a chunk from bytes.
func Deserialize(data []byte) (*Chunk, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bytecode too short: need at least 8 bytes, got %d", len(data))
	}

	// Check magic
	if string(data[0:4]) != string(BytecodeMagic) {
		return nil, fmt.Errorf("invalid bytecode magic: expected %q, got %q", BytecodeMagic, data[0:4])
	}

	c := &Chunk{
		Version: binary.BigEndian.Uint16(data[4:6]),
		Flags:   ChunkFlags(binary.BigEndian.Uint16(data[6:8])),
	}

	pos := 8

	// Version check
	if c.Version > BytecodeVersion {
		return nil, fmt.Errorf("bytecode version %d is newer than supported version %d", c.Version, BytecodeVersion)
	}

	// Code section
	if pos+4 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code length at pos %d", pos)
	}
	codeLen := binary.BigEndian.Uint32(data[pos:])
	pos += 4

	if uint64(pos)+uint64(codeLen) > uint64(len(data)) {
		return nil, fmt.Errorf("unexpected end of bytecode reading code section: need %d bytes at pos %d", codeLen, pos)
	}
	c.Code = make([]byte, codeLen)
	copy(c.Code, data[pos:pos+int(codeLen)])
	pos += int(codeLen)

	// Constants
	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading constant count")
	}
	constCount := binary.BigEndian.Uint16(data[pos:])
	pos += 2

	c.Constants = make([]string, constCount)
	for i := range c.Constants {
		if pos+4 > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading constant %d length", i)
		}
		strLen := binary.BigEndian.Uint32(data[pos:])
		pos += 4

		if uint64(pos)+uint64(strLen) > uint64(len(data)) {
			return nil, fmt.Errorf("unexpected end of bytecode reading constant %d", i)
		}
		c.Constants[i] = string(data[pos : pos+int(strLen)])
		pos += int(strLen)
	}

	// Frame layout
	if pos+3 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading frame layout")
	}
	c.MaxStack = binary.BigEndian.Uint16(data[pos:])
	pos += 2
	localCount := int(data[pos])
	pos++

	c.Locals = make([]Local, localCount)
	for i := range c.Locals {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading local %d", i)
		}
		c.Locals[i].Type = ValueType(data[pos])
		nameLen := int(data[pos+1])
		pos += 2

		if pos+nameLen > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading local %d name", i)
		}
		c.Locals[i].Name = string(data[pos : pos+nameLen])
		pos += nameLen
	}

	// Exception handlers
	if pos+2 > len(data) {
		return nil, fmt.Errorf("unexpected end of bytecode reading handler count")
	}
	handlerCount := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2

	c.Handlers = make([]RawHandler, handlerCount)
	for i := range c.Handlers {
		if pos+17 > len(data) {
			return nil, fmt.Errorf("unexpected end of bytecode reading handler %d", i)
		}
		c.Handlers[i] = RawHandler{
			Kind:         HandlerKind(data[pos]),
			TryStart:     binary.BigEndian.Uint32(data[pos+1:]),
			TryEnd:       binary.BigEndian.Uint32(data[pos+5:]),
			HandlerStart: binary.BigEndian.Uint32(data[pos+9:]),
			HandlerEnd:   binary.BigEndian.Uint32(data[pos+13:]),
		}
		pos += 17
	}

	if pos != len(data) {
		return nil, fmt.Errorf("trailing data after bytecode: %d bytes", len(data)-pos)
	}

	return c, nil
}
