// Package bytecode defines LWBC, the stack bytecode that litweave modules
// are compiled to, together with the tools needed to rewrite it safely.
//
// # Architecture Overview
//
//   - Opcodes: stack instructions for constants, locals, statics, arrays,
//     arithmetic, branches, exception regions and calls. Several have a
//     compact "macro" encoding (LDC_I4_S, LDLOC_0, BR_S, ...).
//
//   - Chunk: the encoded form of a method body: code bytes, a string pool,
//     declared locals, max stack depth and an exception-handler table.
//     Chunks serialize to the "LWBC" binary format.
//
//   - Body: the editable form. Every instruction is a node and branch
//     operands and handler boundaries point at nodes, so code can be
//     inserted or replaced without touching offsets. Decode turns a Chunk
//     into a Body; Encode turns it back, recomputing offsets and max stack
//     and rejecting bodies that break the format's structural rules.
//
//   - Macros: SimplifyMacros expands compact forms so edits cannot push a
//     short branch out of range; OptimizeMacros compacts them again.
//
//   - Generator: a label-based builder for synthesizing new bodies,
//     including nested try/finally regions.
//
// # Exception regions
//
// Handlers are listed innermost first. A handler block immediately follows
// its protected region. LEAVE exits a protected region, running every
// finally block it crosses, and empties the evaluation stack. ENDFINALLY
// ends a finally block.
package bytecode
