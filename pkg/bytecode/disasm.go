package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable bytecode listing for the chunk.
func (c *Chunk) Disassemble() string {
	return c.DisassembleWithName("")
}

// DisassembleWithName returns a human-readable bytecode listing with a name header.
func (c *Chunk) DisassembleWithName(name string) string {
	var sb strings.Builder

	// Header
	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; LWBC v%d\n", c.Version))
	sb.WriteString(fmt.Sprintf("; Flags: 0x%04X", c.Flags))
	if c.Flags&ChunkFlagInitLocals != 0 {
		sb.WriteString(" [INIT_LOCALS]")
	}
	if c.Flags&ChunkFlagHasHandlers != 0 {
		sb.WriteString(" [HANDLERS]")
	}
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("; MaxStack: %d\n", c.MaxStack))

	// Locals
	if len(c.Locals) > 0 {
		sb.WriteString(fmt.Sprintf("; Locals (%d):", len(c.Locals)))
		for i, l := range c.Locals {
			if l.Name != "" {
				sb.WriteString(fmt.Sprintf(" [%d] %s %s", i, l.Type, l.Name))
			} else {
				sb.WriteString(fmt.Sprintf(" [%d] %s", i, l.Type))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("\n")

	// Constants
	if len(c.Constants) > 0 {
		sb.WriteString("; Constants:\n")
		for i, s := range c.Constants {
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, truncate(s, 40)))
		}
		sb.WriteString("\n")
	}

	// Handlers
	if len(c.Handlers) > 0 {
		sb.WriteString("; Handlers:\n")
		for i, h := range c.Handlers {
			sb.WriteString(fmt.Sprintf(";   [%d] %-7s try %04X-%04X handler %04X-%04X\n",
				i, h.Kind, h.TryStart, h.TryEnd, h.HandlerStart, h.HandlerEnd))
		}
		sb.WriteString("\n")
	}

	// Code section
	sb.WriteString("; Code:\n")
	for _, line := range c.DisassembleToLines() {
		sb.WriteString(line)
		sb.WriteString("\n")
	}

	return sb.String()
}

// disassembleInstruction disassembles a single instruction at the given offset.
// Returns the formatted string and the instruction length.
func (c *Chunk) disassembleInstruction(offset int) (string, int) {
	if offset >= len(c.Code) {
		return "<end of code>", 0
	}

	op := Opcode(c.Code[offset])
	if !op.IsValid() {
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(op)), 1
	}
	size := op.InstructionLen()
	if offset+size > len(c.Code) {
		return fmt.Sprintf("%s <truncated>", op), len(c.Code) - offset
	}
	at := offset + 1

	switch op.OperandKind() {
	case OperandNone:
		return op.String(), size

	case OperandInt8:
		return fmt.Sprintf("%s %d", op, int8(c.Code[at])), size

	case OperandInt32:
		return fmt.Sprintf("%s %d", op, c.readInt32(at)), size

	case OperandVar:
		idx := int(c.Code[at])
		if op != OpLdArg && idx < len(c.Locals) && c.Locals[idx].Name != "" {
			return fmt.Sprintf("%s %d ; %s", op, idx, c.Locals[idx].Name), size
		}
		return fmt.Sprintf("%s %d", op, idx), size

	case OperandElem:
		return fmt.Sprintf("%s %s", op, ElemKind(c.Code[at])), size

	case OperandString:
		idx := c.readUint16(at)
		if int(idx) < len(c.Constants) {
			return fmt.Sprintf("%s %d ; %q", op, idx, truncate(c.Constants[idx], 20)), size
		}
		return fmt.Sprintf("%s %d ; <bad index>", op, idx), size

	case OperandField, OperandMethod, OperandImport:
		return fmt.Sprintf("%s #%d", op, c.readUint16(at)), size

	case OperandBranch8:
		delta := int(int8(c.Code[at]))
		return fmt.Sprintf("%s %+d (-> %04X)", op, delta, offset+size+delta), size

	case OperandBranch32:
		delta := int(c.readInt32(at))
		return fmt.Sprintf("%s %+d (-> %04X)", op, delta, offset+size+delta), size
	}

	return op.String(), size
}

// DisassembleInstruction returns a human-readable representation of a single instruction.
func (c *Chunk) DisassembleInstruction(offset int) string {
	line, _ := c.disassembleInstruction(offset)
	return line
}

// DisassembleToLines returns the disassembly as a slice of lines.
func (c *Chunk) DisassembleToLines() []string {
	var lines []string
	offset := 0
	for offset < len(c.Code) {
		line, instrLen := c.disassembleInstruction(offset)
		lines = append(lines, fmt.Sprintf("%04X  %s", offset, line))
		offset += instrLen
	}
	return lines
}

// InstructionCount returns the number of instructions in the chunk.
// Note: This iterates through all code, so it's O(n).
func (c *Chunk) InstructionCount() int {
	count := 0
	offset := 0
	for offset < len(c.Code) {
		op := Opcode(c.Code[offset])
		offset += op.InstructionLen()
		count++
	}
	return count
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
