package weaver

import (
	"fmt"

	"github.com/chazu/litweave/pkg/bytecode"
)

// rewrite replaces every site in one body with a lookup call:
//
//	ldstr "v"   ->   ldc.i4 start
//	                 ldc.i4 len
//	                 ldc.i4 slot
//	                 call CryptGet_<id>
//
// The LDSTR node is mutated into the first load instead of being replaced,
// so branch operands and handler boundaries that pointed at it need no
// change. Macros are expanded before the edit and compacted after it,
// which keeps every short branch in range however much the body grows.
func rewrite(bs BodySites, table *Table, lookup bytecode.Token) error {
	body := bs.Method.Body
	bytecode.SimplifyMacros(body)
	p := body.Processor()

	for _, site := range bs.Sites {
		rec, err := table.Record(site)
		if err != nil {
			return err
		}
		ins := site.Instruction
		if ins.Op != bytecode.OpLdStr {
			return fmt.Errorf("%s: instruction %d is %s, not LDSTR", bs.Method.FullName(), site.Position, ins.Op)
		}
		ins.Op, ins.Operand = bytecode.OpLdcI4, int32(rec.StartOffset)

		after := ins
		for _, next := range []*bytecode.Instruction{
			p.Create(bytecode.OpLdcI4, int32(rec.Length)),
			p.Create(bytecode.OpLdcI4, int32(rec.Slot)),
			p.Create(bytecode.OpCall, lookup),
		} {
			if err := p.InsertAfter(after, next); err != nil {
				return fmt.Errorf("%s: %w", bs.Method.FullName(), err)
			}
			after = next
		}
	}

	bytecode.OptimizeMacros(body)
	return nil
}
