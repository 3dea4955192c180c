package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleEmpty(t *testing.T) {
	c := NewChunk()

	output := c.Disassemble()

	if !strings.Contains(output, "LWBC v1") {
		t.Error("Disassembly missing header")
	}
}

func TestDisassembleSimple(t *testing.T) {
	c := NewChunk()
	c.Emit(OpLdcI40)
	c.Emit(OpLdcI41)
	c.Emit(OpAdd)
	c.Emit(OpRet)

	output := c.Disassemble()

	for _, want := range []string{"LDC_I4_0", "LDC_I4_1", "ADD", "RET"} {
		if !strings.Contains(output, want) {
			t.Errorf("Missing %s", want)
		}
	}
}

func TestDisassembleWithConstants(t *testing.T) {
	c := NewChunk()
	c.AddConstant("hello world")
	c.EmitWithOperand(OpLdStr, 0, 0)
	c.Emit(OpRet)

	output := c.Disassemble()

	if !strings.Contains(output, "Constants:") {
		t.Error("Missing Constants section")
	}
	if !strings.Contains(output, `LDSTR 0 ; "hello world"`) {
		t.Errorf("Missing LDSTR instruction in:\n%s", output)
	}
}

func TestDisassembleWithLocals(t *testing.T) {
	c := NewChunk()
	c.Locals = []Local{{Type: TypeInt32, Name: "count"}}
	c.EmitWithOperand(OpLdLoc, 0)
	c.Emit(OpRet)

	output := c.Disassemble()

	if !strings.Contains(output, "Locals (1): [0] int32 count") {
		t.Errorf("Missing locals header in:\n%s", output)
	}
	if !strings.Contains(output, "LDLOC 0 ; count") {
		t.Errorf("Missing local name in:\n%s", output)
	}
}

func TestDisassembleBranches(t *testing.T) {
	c := NewChunk()
	c.Emit(OpLdcI41)
	c.EmitWithOperand(OpBrTrueS, 1)
	c.Emit(OpNop)
	c.EmitWithOperand(OpBr, 0xFF, 0xFF, 0xFF, 0xFA)
	c.Emit(OpRet)

	lines := c.DisassembleToLines()

	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5", len(lines))
	}
	if lines[1] != "0001  BRTRUE_S +1 (-> 0004)" {
		t.Errorf("lines[1] = %q", lines[1])
	}
	if lines[3] != "0004  BR -6 (-> 0003)" {
		t.Errorf("lines[3] = %q", lines[3])
	}
}

func TestDisassembleHandlers(t *testing.T) {
	c := NewChunk()
	c.Flags = ChunkFlagHasHandlers
	c.Emit(OpNop)
	c.EmitWithOperand(OpLeaveS, 1)
	c.Emit(OpEndFinally)
	c.Emit(OpRet)
	c.Handlers = []RawHandler{{Kind: HandlerFinally, TryStart: 0, TryEnd: 3, HandlerStart: 3, HandlerEnd: 4}}

	output := c.Disassemble()

	if !strings.Contains(output, "[HANDLERS]") {
		t.Error("Missing HANDLERS flag")
	}
	if !strings.Contains(output, "finally try 0000-0003 handler 0003-0004") {
		t.Errorf("Missing handler entry in:\n%s", output)
	}
}

func TestDisassembleTokens(t *testing.T) {
	c := NewChunk()
	c.EmitWithOperand(OpLdSFld, 0, 3)
	c.EmitWithOperand(OpCallHost, 1, 0)
	c.EmitWithOperand(OpNewArr, byte(ElemU8))
	c.Emit(OpRet)

	output := c.Disassemble()

	for _, want := range []string{"LDSFLD #3", "CALLHOST #256", "NEWARR u8"} {
		if !strings.Contains(output, want) {
			t.Errorf("Missing %q in:\n%s", want, output)
		}
	}
}

func TestDisassembleWithName(t *testing.T) {
	c := NewChunk()
	c.Emit(OpRet)

	output := c.DisassembleWithName("Program::Main")

	if !strings.Contains(output, "=== Program::Main ===") {
		t.Error("Missing name header")
	}
}

func TestInstructionCount(t *testing.T) {
	c := NewChunk()
	c.Emit(OpNop)
	c.EmitWithOperand(OpLdcI4, 0, 0, 1, 0)
	c.EmitWithOperand(OpLdStr, 0, 0)
	c.Emit(OpRet)

	if got := c.InstructionCount(); got != 4 {
		t.Errorf("InstructionCount() = %d, want 4", got)
	}
}

func TestDisassembleUnknownOpcode(t *testing.T) {
	c := NewChunk()
	c.Code = append(c.Code, 0xEE)

	if got := c.DisassembleInstruction(0); got != "UNKNOWN(0xEE)" {
		t.Errorf("DisassembleInstruction(0) = %q", got)
	}
}

func TestDisassembleAllOpcodes(t *testing.T) {
	for _, op := range AllOpcodes() {
		c := NewChunk()
		c.AddConstant("x")
		c.Emit(op)
		for i := 0; i < op.OperandLen(); i++ {
			c.Code = append(c.Code, 0)
		}

		line := c.DisassembleInstruction(0)
		if !strings.HasPrefix(line, op.String()) {
			t.Errorf("DisassembleInstruction(%s) = %q", op, line)
		}
	}
}
