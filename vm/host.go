package vm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"unique"

	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
)

// ---------------------------------------------------------------------------
// Host library: routines a module reaches through CALLHOST
// ---------------------------------------------------------------------------

type hostFunc func(in *interpreter, args []Value) (Value, error)

var hostLibrary = map[string]hostFunc{
	module.HostResourceOpen:     hostResourceOpen,
	module.HostStreamReadFull:   hostStreamReadFull,
	module.HostAESNew:           hostAESNew,
	module.HostAESCreateDecrypt: hostAESCreateDecryptor,
	module.HostCryptoNewReader:  hostCryptoNewReader,
	module.HostCryptoFinish:     hostCryptoFinish,
	module.HostObjectDispose:    hostObjectDispose,
	module.HostLazyNew:          hostLazyNew,
	module.HostLazyValue:        hostLazyValue,
	module.HostUTF8GetString:    hostUTF8GetString,
	module.HostStringIntern:     hostStringIntern,
	module.HostConsoleWriteLine: hostConsoleWriteLine,
}

// disposable is a host object released by object.Dispose.
type disposable interface {
	// dispose releases the object and returns its kind name.
	dispose() string
}

// resourceStream reads a module resource.
type resourceStream struct {
	name     string
	r        *bytes.Reader
	disposed bool
}

func (s *resourceStream) Read(p []byte) (int, error) {
	if s.disposed {
		return 0, throwf(KindInvalidProgram, "read from disposed stream %q", s.name)
	}
	return s.r.Read(p)
}

func (s *resourceStream) dispose() string {
	s.disposed = true
	return "stream"
}

func hostResourceOpen(in *interpreter, args []Value) (Value, error) {
	name, err := argString(args[0])
	if err != nil {
		return nil, err
	}
	r, err := in.rt.mod.Resource(name)
	if err != nil {
		return nil, &Exception{Kind: KindResourceNotFound, Message: fmt.Sprintf("resource %q", name), Err: err}
	}
	return &resourceStream{name: name, r: bytes.NewReader(r.Data)}, nil
}

// hostStreamReadFull reads exactly count bytes into buf[offset:].
func hostStreamReadFull(in *interpreter, args []Value) (Value, error) {
	src, ok := args[0].(io.Reader)
	if !ok {
		if args[0] == nil {
			return nil, throwf(KindNullReference, "read from null stream")
		}
		return nil, throwf(KindInvalidProgram, "cannot read from %s", typeName(args[0]))
	}
	buf, err := argBytes(args[1])
	if err != nil {
		return nil, err
	}
	off, err := argInt(args[2])
	if err != nil {
		return nil, err
	}
	count, err := argInt(args[3])
	if err != nil {
		return nil, err
	}
	if off < 0 || count < 0 || int(off)+int(count) > len(buf) {
		return nil, throwf(KindIndexOutOfRange, "read of %d bytes at %d outside buffer of %d", count, off, len(buf))
	}

	n, err := io.ReadFull(src, buf[off:off+count])
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, throwf(KindShortRead, "read %d of %d bytes", n, count)
	}
	if err != nil {
		return nil, err
	}
	return int32(n), nil
}

func hostObjectDispose(in *interpreter, args []Value) (Value, error) {
	if args[0] == nil {
		return nil, nil
	}
	d, ok := args[0].(disposable)
	if !ok {
		return nil, throwf(KindInvalidProgram, "cannot dispose %s", typeName(args[0]))
	}
	in.rt.disposed(d.dispose())
	return nil, nil
}

func hostLazyNew(in *interpreter, args []Value) (Value, error) {
	fn, ok := args[0].(*FuncRef)
	if !ok {
		return nil, throwf(KindInvalidProgram, "lazy.New needs a function, got %s", typeName(args[0]))
	}
	if len(fn.Method.Params) != 0 || fn.Method.Returns == bytecode.TypeVoid {
		return nil, throwf(KindInvalidProgram, "lazy.New: %s must take no arguments and return a value", fn.Method.FullName())
	}
	rt := in.rt
	return NewLazy(func() (Value, error) {
		return (&interpreter{rt: rt}).call(fn.Method, nil)
	}), nil
}

func hostLazyValue(in *interpreter, args []Value) (Value, error) {
	switch l := args[0].(type) {
	case *Lazy:
		return l.Value()
	case nil:
		return nil, throwf(KindNullReference, "lazy cell is null")
	}
	return nil, throwf(KindInvalidProgram, "lazy.Value needs a lazy cell, got %s", typeName(args[0]))
}

// hostUTF8GetString decodes count bytes starting at index.
func hostUTF8GetString(in *interpreter, args []Value) (Value, error) {
	b, err := argBytes(args[0])
	if err != nil {
		return nil, err
	}
	index, err := argInt(args[1])
	if err != nil {
		return nil, err
	}
	count, err := argInt(args[2])
	if err != nil {
		return nil, err
	}
	if index < 0 || count < 0 || int(index)+int(count) > len(b) {
		return nil, throwf(KindIndexOutOfRange, "range [%d, %d) outside buffer of %d", index, int(index)+int(count), len(b))
	}
	return string(b[index : index+count]), nil
}

// hostStringIntern returns the canonical instance of s.
func hostStringIntern(in *interpreter, args []Value) (Value, error) {
	if args[0] == nil {
		return nil, throwf(KindNullReference, "intern of null")
	}
	s, err := argString(args[0])
	if err != nil {
		return nil, err
	}
	return unique.Make(s).Value(), nil
}

func hostConsoleWriteLine(in *interpreter, args []Value) (Value, error) {
	s, err := argString(args[0])
	if err != nil {
		return nil, err
	}
	fmt.Fprintln(in.rt.stdout, s)
	return nil, nil
}

// ---------------------------------------------------------------------------
// Argument helpers
// ---------------------------------------------------------------------------

func argString(v Value) (string, error) {
	s, ok := stringOf(v)
	if !ok {
		return "", throwf(KindInvalidProgram, "expected string, got %s", typeName(v))
	}
	return s, nil
}

func argInt(v Value) (int32, error) {
	n, ok := v.(int32)
	if !ok {
		return 0, throwf(KindInvalidProgram, "expected int32, got %s", typeName(v))
	}
	return n, nil
}

func argBytes(v Value) ([]byte, error) {
	switch a := v.(type) {
	case *Array:
		if a.Kind() != bytecode.ElemU8 {
			return nil, throwf(KindInvalidProgram, "expected byte array, got %s", a)
		}
		return a.Bytes(), nil
	case nil:
		return nil, throwf(KindNullReference, "byte array is null")
	}
	return nil, throwf(KindInvalidProgram, "expected byte array, got %s", typeName(v))
}
