package vm

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

var log = commonlog.GetLogger("litweave.vm")

// maxCallDepth bounds recursion through CALL.
const maxCallDepth = 512

// Runtime holds the loaded state of one module. It is safe for concurrent
// use once Load returns.
type Runtime struct {
	mod     *module.Module
	chunks  []*bytecode.Chunk // by method token, nil for methods without a body
	statics []atomic.Pointer[cell]
	host    []hostFunc // by import token

	stdout    io.Writer
	onDispose func(kind string)
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithStdout directs console output to w.
func WithStdout(w io.Writer) Option {
	return func(rt *Runtime) { rt.stdout = w }
}

// WithDisposeHook registers fn to observe every host object disposal. The
// argument names the object kind: stream, provider, transform or reader.
func WithDisposeHook(fn func(kind string)) Option {
	return func(rt *Runtime) { rt.onDispose = fn }
}

// Load prepares m for execution: every body is encoded and validated,
// host imports are bound, and the module initializer runs.
func Load(m *module.Module, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		mod:     m,
		chunks:  make([]*bytecode.Chunk, len(m.Methods)),
		statics: make([]atomic.Pointer[cell], len(m.Fields)),
		host:    make([]hostFunc, len(m.Imports)),
		stdout:  os.Stdout,
	}
	for _, opt := range opts {
		opt(rt)
	}

	for _, meth := range m.Bodies() {
		c, err := m.EncodeBody(meth)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", m.Name, err)
		}
		rt.chunks[meth.Token] = c
	}

	for _, imp := range m.Imports {
		fn, ok := hostLibrary[imp.Name]
		if !ok {
			return nil, fmt.Errorf("loading %s: %s: %w", m.Name, imp.Name, module.ErrUnknownHostImport)
		}
		rt.host[imp.Token] = fn
	}

	for _, f := range m.Fields {
		rt.statics[f.Token].Store(&cell{v: zeroValue(f.Type)})
	}

	log.Debugf("loaded module %s: %d methods, %d fields, %d imports", m.Name, len(m.Methods), len(m.Fields), len(m.Imports))

	if init, err := m.FindMethod(module.RootTypeName, module.InitializerName); err == nil {
		if _, err := rt.invoke(init, nil); err != nil {
			return nil, fmt.Errorf("initializing %s: %w", m.Name, err)
		}
	}

	return rt, nil
}

// Module returns the loaded module.
func (rt *Runtime) Module() *module.Module {
	return rt.mod
}

// Call runs typeName::method with args. Uncaught exceptions are returned
// as errors wrapping *Exception.
func (rt *Runtime) Call(typeName, method string, args ...Value) (Value, error) {
	meth, err := rt.mod.FindMethod(typeName, method)
	if err != nil {
		return nil, err
	}
	return rt.invoke(meth, args)
}

func (rt *Runtime) invoke(meth *module.Method, args []Value) (Value, error) {
	if len(args) != len(meth.Params) {
		return nil, fmt.Errorf("%s: got %d arguments, want %d", meth.FullName(), len(args), len(meth.Params))
	}
	in := &interpreter{rt: rt}
	v, err := in.call(meth, args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", meth.FullName(), err)
	}
	return v, nil
}

// Static returns the current value of owner::name.
func (rt *Runtime) Static(owner, name string) (Value, error) {
	f, err := rt.mod.FindField(owner, name)
	if err != nil {
		return nil, err
	}
	return rt.loadStatic(f.Token), nil
}

func (rt *Runtime) loadStatic(tok bytecode.Token) Value {
	if c := rt.statics[tok].Load(); c != nil {
		return c.v
	}
	return nil
}

func (rt *Runtime) storeStatic(tok bytecode.Token, v Value) {
	rt.statics[tok].Store(&cell{v: v})
}

func (rt *Runtime) disposed(kind string) {
	if rt.onDispose != nil {
		rt.onDispose(kind)
	}
}
