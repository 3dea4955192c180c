package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chazu/litweave/compiler"
	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
	"github.com/chazu/litweave/vm"
)

// asmCommand processes `litweave asm in.lwa [-o out.lwm]`.
func asmCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("asm", "<source.lwa>")
	output := fs.String("o", "", "Output module (default: source name with .lwm)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("asm takes exactly one source file")
	}

	in := fs.Arg(0)
	src, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	m, err := compiler.Assemble(string(src))
	if err != nil {
		return fmt.Errorf("%s: %w", in, err)
	}

	out := *output
	if out == "" {
		out = strings.TrimSuffix(in, filepath.Ext(in)) + ".lwm"
	}
	if err := module.WriteFile(out, m); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s (%d methods, %d fields)\n", out, len(m.Methods), len(m.Fields))
	return nil
}

// disCommand processes `litweave dis in.lwm`.
func disCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("dis", "<module.lwm>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("dis takes exactly one module")
	}

	m, err := module.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	text, err := module.Dump(m)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, text)
	return err
}

// runCommand processes `litweave run in.lwm Type.Method [args...]`.
// Arguments are converted to the method's parameter types; a non-void
// result is printed.
func runCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("run", "<module.lwm> <Type.Method> [args...]")
	verbosity := fs.Int("v", 0, "Log verbosity")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		return errors.New("run needs a module and an entry point")
	}
	configureLogging(*verbosity)

	m, err := module.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	typeName, methodName, err := splitEntry(fs.Arg(1))
	if err != nil {
		return err
	}
	meth, err := m.FindMethod(typeName, methodName)
	if err != nil {
		return err
	}
	callArgs, err := convertArgs(meth, fs.Args()[2:])
	if err != nil {
		return err
	}

	rt, err := vm.Load(m, vm.WithStdout(stdout))
	if err != nil {
		return err
	}
	result, err := rt.Call(typeName, methodName, callArgs...)
	if err != nil {
		return err
	}
	if meth.Returns != bytecode.TypeVoid {
		fmt.Fprintln(stdout, result)
	}
	return nil
}

// splitEntry parses "Type.Method" or "Type::Method".
func splitEntry(entry string) (string, string, error) {
	if t, m, ok := strings.Cut(entry, "::"); ok && t != "" && m != "" {
		return t, m, nil
	}
	if i := strings.LastIndex(entry, "."); i > 0 && i < len(entry)-1 {
		return entry[:i], entry[i+1:], nil
	}
	return "", "", fmt.Errorf("entry point %q is not Type.Method", entry)
}

func convertArgs(meth *module.Method, args []string) ([]vm.Value, error) {
	if len(args) != len(meth.Params) {
		return nil, fmt.Errorf("%s takes %d arguments, got %d", meth.FullName(), len(meth.Params), len(args))
	}
	out := make([]vm.Value, len(args))
	for i, p := range meth.Params {
		switch p.Type {
		case bytecode.TypeInt32:
			n, err := strconv.ParseInt(args[i], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i+1, err)
			}
			out[i] = int32(n)
		case bytecode.TypeString:
			out[i] = args[i]
		default:
			return nil, fmt.Errorf("argument %d: cannot pass %s from the command line", i+1, p.Type)
		}
	}
	return out, nil
}
