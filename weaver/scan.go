package weaver

import (
	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// LiteralSite is one literal load found by Scan.
type LiteralSite struct {
	Method      *module.Method
	Instruction *bytecode.Instruction
	Value       string
	Position    int // instruction index at scan time
}

// BodySites groups the sites of one method body.
type BodySites struct {
	Method *module.Method
	Sites  []LiteralSite
}

// Scan returns every LDSTR in m whose UTF-8 length is in [minLen, maxLen],
// grouped by method in token order. Methods without a qualifying literal
// are left out, and so are methods generated by an earlier weave. With
// shuffle set, the order of bodies and the order of sites inside each
// body are permuted independently. Scan does not modify m.
func Scan(m *module.Module, minLen, maxLen int, shuffleOrder bool, ctx *Context) []BodySites {
	var out []BodySites
	for _, meth := range m.Bodies() {
		if meth.HasAttribute(module.AttrGeneratedCode) {
			continue
		}
		var sites []LiteralSite
		for i, ins := range meth.Body.Instructions {
			if ins.Op != bytecode.OpLdStr {
				continue
			}
			s, ok := ins.Operand.(string)
			if !ok {
				continue
			}
			if n := len(s); n < minLen || n > maxLen {
				continue
			}
			sites = append(sites, LiteralSite{Method: meth, Instruction: ins, Value: s, Position: i})
		}
		if len(sites) == 0 {
			continue
		}
		if shuffleOrder {
			shuffle(ctx, sites)
		}
		out = append(out, BodySites{Method: meth, Sites: sites})
	}
	if shuffleOrder {
		shuffle(ctx, out)
	}
	return out
}

// countSites returns the total number of sites.
func countSites(bodies []BodySites) int {
	n := 0
	for _, b := range bodies {
		n += len(b.Sites)
	}
	return n
}
