package weaver

import (
	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// emitter wraps a bytecode.Generator with host-import resolution against
// one module. The first failure is kept and reported by finish.
type emitter struct {
	mod *module.Module
	gen *bytecode.Generator
	err error
}

func newEmitter(m *module.Module) *emitter {
	return &emitter{mod: m, gen: bytecode.NewGenerator()}
}

// callHost emits CALLHOST for the named routine, importing it if needed.
func (e *emitter) callHost(name string) {
	imp, err := e.mod.ImportHost(name)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		return
	}
	e.gen.Emit(bytecode.OpCallHost, imp.Token)
}

func (e *emitter) ldc(v int32) {
	e.gen.Emit(bytecode.OpLdcI4, v)
}

// finish resolves labels and compacts the body.
func (e *emitter) finish() (*bytecode.Body, error) {
	if e.err != nil {
		return nil, e.err
	}
	body, err := e.gen.Finish()
	if err != nil {
		return nil, err
	}
	bytecode.OptimizeMacros(body)
	return body, nil
}
