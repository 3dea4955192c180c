package bytecode

import (
	"bytes"
	"strconv"
	"testing"
)

func TestNewChunk(t *testing.T) {
	c := NewChunk()

	if c.Version != BytecodeVersion {
		t.Errorf("Version = %d, want %d", c.Version, BytecodeVersion)
	}
	if c.Code == nil {
		t.Error("Code is nil")
	}
	if c.Constants == nil {
		t.Error("Constants is nil")
	}
}

func TestChunkAddConstant(t *testing.T) {
	c := NewChunk()

	idx0, err := c.AddConstant("hello")
	if err != nil {
		t.Fatalf("AddConstant: %v", err)
	}
	if idx0 != 0 {
		t.Errorf("First constant index = %d, want 0", idx0)
	}

	idx1, _ := c.AddConstant("world")
	if idx1 != 1 {
		t.Errorf("Second constant index = %d, want 1", idx1)
	}

	// Duplicate - should return existing index
	idx2, _ := c.AddConstant("hello")
	if idx2 != 0 {
		t.Errorf("Duplicate constant index = %d, want 0", idx2)
	}

	if c.ConstantCount() != 2 {
		t.Errorf("ConstantCount() = %d, want 2", c.ConstantCount())
	}
	if c.GetConstant(1) != "world" {
		t.Errorf("GetConstant(1) = %q, want %q", c.GetConstant(1), "world")
	}
}

func TestChunkConstantPoolLimit(t *testing.T) {
	c := NewChunk()
	for i := 0; i < MaxConstants; i++ {
		idx, err := c.AddConstant(strconv.Itoa(i))
		if err != nil {
			t.Fatalf("AddConstant(%d): %v", i, err)
		}
		if int(idx) != i {
			t.Fatalf("AddConstant(%d) = %d", i, idx)
		}
	}

	if _, err := c.AddConstant("one too many"); err == nil {
		t.Error("AddConstant past the limit succeeded")
	}
	if idx, err := c.AddConstant("1234"); err != nil || idx != 1234 {
		t.Errorf("AddConstant(existing) = %d, %v, want 1234", idx, err)
	}

	data, err := c.Serialize()
	if err != nil {
		t.Fatalf("Serialize full pool: %v", err)
	}
	c2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize full pool: %v", err)
	}
	if c2.ConstantCount() != MaxConstants || c2.GetConstant(MaxConstants-1) != strconv.Itoa(MaxConstants-1) {
		t.Errorf("round trip kept %d constants", c2.ConstantCount())
	}

	c.Constants = append(c.Constants, "overflow")
	if _, err := c.Serialize(); err == nil {
		t.Error("Serialize with 65536 constants succeeded")
	}
}

func TestChunkAddConstantAfterDeserialize(t *testing.T) {
	c := NewChunk()
	c.AddConstant("a")
	c.AddConstant("b")
	data, err := c.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	c2, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if idx, _ := c2.AddConstant("b"); idx != 1 {
		t.Errorf("AddConstant(b) = %d, want 1", idx)
	}
	if idx, _ := c2.AddConstant("c"); idx != 2 {
		t.Errorf("AddConstant(c) = %d, want 2", idx)
	}
}

func TestChunkEmit(t *testing.T) {
	c := NewChunk()

	off0 := c.Emit(OpNop)
	if off0 != 0 {
		t.Errorf("First emit offset = %d, want 0", off0)
	}

	off1 := c.EmitWithOperand(OpLdLoc, 5)
	if off1 != 1 {
		t.Errorf("Second emit offset = %d, want 1", off1)
	}

	if c.CodeLen() != 3 {
		t.Errorf("CodeLen() = %d, want 3", c.CodeLen())
	}
	if Opcode(c.Code[1]) != OpLdLoc {
		t.Errorf("Code[1] = 0x%02X, want OpLdLoc", c.Code[1])
	}
	if c.Code[2] != 5 {
		t.Errorf("Code[2] = %d, want 5", c.Code[2])
	}
}

func TestRawHandlerContains(t *testing.T) {
	h := RawHandler{Kind: HandlerFinally, TryStart: 2, TryEnd: 10, HandlerStart: 10, HandlerEnd: 14}

	tests := []struct {
		offset    int
		inTry     bool
		inHandler bool
	}{
		{0, false, false},
		{2, true, false},
		{9, true, false},
		{10, false, true},
		{13, false, true},
		{14, false, false},
	}

	for _, tt := range tests {
		if got := h.TryContains(tt.offset); got != tt.inTry {
			t.Errorf("TryContains(%d) = %v, want %v", tt.offset, got, tt.inTry)
		}
		if got := h.HandlerContains(tt.offset); got != tt.inHandler {
			t.Errorf("HandlerContains(%d) = %v, want %v", tt.offset, got, tt.inHandler)
		}
	}
}

func TestSerializeDeserializeEmpty(t *testing.T) {
	c := NewChunk()

	data, err := c.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}
	if !bytes.HasPrefix(data, BytecodeMagic) {
		t.Errorf("Serialized data missing magic: %v", data[:4])
	}

	c2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}
	if c2.CodeLen() != 0 {
		t.Errorf("CodeLen() = %d, want 0", c2.CodeLen())
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	c := NewChunk()
	c.Flags = ChunkFlagInitLocals | ChunkFlagHasHandlers
	c.MaxStack = 3
	c.Locals = []Local{{Type: TypeObject, Name: "stream"}, {Type: TypeBytes}}
	c.AddConstant("data-1234")
	c.AddConstant("héllo\x00world")
	c.EmitWithOperand(OpLdStr, 0, 0)
	c.Emit(OpStLoc0)
	c.EmitWithOperand(OpLeaveS, 2)
	c.Emit(OpLdLoc0)
	c.Emit(OpEndFinally)
	c.Emit(OpRet)
	c.Handlers = []RawHandler{{Kind: HandlerFinally, TryStart: 0, TryEnd: 6, HandlerStart: 6, HandlerEnd: 8}}

	data, err := c.Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}

	c2, err := Deserialize(data)
	if err != nil {
		t.Fatalf("Deserialize error: %v", err)
	}

	if c2.Flags != c.Flags {
		t.Errorf("Flags: got %v, want %v", c2.Flags, c.Flags)
	}
	if c2.MaxStack != c.MaxStack {
		t.Errorf("MaxStack: got %d, want %d", c2.MaxStack, c.MaxStack)
	}
	if !bytes.Equal(c2.Code, c.Code) {
		t.Errorf("Code mismatch: got %v, want %v", c2.Code, c.Code)
	}
	if len(c2.Constants) != 2 || c2.Constants[1] != "héllo\x00world" {
		t.Errorf("Constants: got %q", c2.Constants)
	}
	if len(c2.Locals) != 2 || c2.Locals[0].Name != "stream" || c2.Locals[1].Type != TypeBytes {
		t.Errorf("Locals: got %+v", c2.Locals)
	}
	if len(c2.Handlers) != 1 || c2.Handlers[0] != c.Handlers[0] {
		t.Errorf("Handlers: got %+v, want %+v", c2.Handlers, c.Handlers)
	}

	data2, err := c2.Serialize()
	if err != nil {
		t.Fatalf("Second serialize error: %v", err)
	}
	if !bytes.Equal(data, data2) {
		t.Error("Second serialization produced different result")
	}
}

func TestDeserializeErrors(t *testing.T) {
	valid, err := NewChunk().Serialize()
	if err != nil {
		t.Fatalf("Serialize error: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"wrong magic", []byte{'X', 'X', 'X', 'X', 0, 1, 0, 0}},
		{"truncated code", append([]byte("LWBC"), 0, 1, 0, 0, 0, 0, 0, 10)},
		{"truncated tail", valid[:len(valid)-1]},
		{"trailing data", append(append([]byte{}, valid...), 0xFF)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Deserialize(tt.data)
			if err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestDeserializeFutureVersion(t *testing.T) {
	data := append([]byte("LWBC"), 3, 231, 0, 0) // Version 999, flags 0
	data = append(data, 0, 0, 0, 0)               // Code length 0
	data = append(data, 0, 0)                     // Constant count 0
	data = append(data, 0, 0)                     // Max stack 0
	data = append(data, 0)                        // Local count 0
	data = append(data, 0, 0)                     // Handler count 0

	_, err := Deserialize(data)
	if err == nil {
		t.Error("Expected version error, got nil")
	}
}
