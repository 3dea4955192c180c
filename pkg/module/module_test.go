package module

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/litweave/pkg/bytecode"
)

// newHello builds a module whose Program::Greet(string) returns "Hello, "
// concatenated with its argument.
func newHello(t *testing.T) *Module {
	t.Helper()
	m := New("hello")
	m.AddType("Program")

	greet, err := m.AddMethod("Program", "Greet", []Param{{Name: "name", Type: bytecode.TypeString}}, bytecode.TypeString, 0)
	if err != nil {
		t.Fatalf("AddMethod: %v", err)
	}
	g := bytecode.NewGenerator()
	g.Emit(bytecode.OpLdStr, "Hello, ")
	g.Emit(bytecode.OpLdArg0, nil)
	g.Emit(bytecode.OpConcat, nil)
	g.Emit(bytecode.OpRet, nil)
	if greet.Body, err = g.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return m
}

func TestNewHasRootType(t *testing.T) {
	m := New("x")
	root, err := m.RootType()
	if err != nil {
		t.Fatalf("RootType: %v", err)
	}
	if root.Name != RootTypeName {
		t.Errorf("root name = %q, want %q", root.Name, RootTypeName)
	}

	bare := &Module{Name: "bare"}
	if _, err := bare.RootType(); !errors.Is(err, ErrNoRootType) {
		t.Errorf("RootType() on bare module error = %v, want ErrNoRootType", err)
	}
}

func TestTokensAreStable(t *testing.T) {
	m := newHello(t)
	greet, _ := m.FindMethod("Program", "Greet")

	extra, err := m.AddMethod(RootTypeName, "Extra", nil, bytecode.TypeVoid, FlagPrivate)
	if err != nil {
		t.Fatalf("AddMethod: %v", err)
	}
	if greet.Token != 0 || extra.Token != 1 {
		t.Errorf("tokens = %d, %d, want 0, 1", greet.Token, extra.Token)
	}
	got, err := m.Method(1)
	if err != nil || got != extra {
		t.Errorf("Method(1) = %v, %v, want Extra", got, err)
	}

	if _, err := m.AddMethod("Program", "Greet", nil, bytecode.TypeVoid, 0); err == nil {
		t.Error("duplicate AddMethod should fail")
	}
	if _, err := m.AddMethod("Missing", "X", nil, bytecode.TypeVoid, 0); !errors.Is(err, ErrTypeNotFound) {
		t.Errorf("AddMethod on missing type error = %v, want ErrTypeNotFound", err)
	}
	if _, err := m.Method(99); !errors.Is(err, ErrBadToken) {
		t.Errorf("Method(99) error = %v, want ErrBadToken", err)
	}
}

func TestImportHostDedupes(t *testing.T) {
	m := New("x")

	a, err := m.ImportHost(HostStringIntern)
	if err != nil {
		t.Fatalf("ImportHost: %v", err)
	}
	b, err := m.ImportHost(HostLazyValue)
	if err != nil {
		t.Fatalf("ImportHost: %v", err)
	}
	again, _ := m.ImportHost(HostStringIntern)

	if a.Token != 0 || b.Token != 1 || again != a {
		t.Errorf("tokens = %d, %d (again %p vs %p)", a.Token, b.Token, again, a)
	}
	if len(m.Imports) != 2 {
		t.Errorf("len(Imports) = %d, want 2", len(m.Imports))
	}

	if _, err := m.ImportHost("os.Exec"); !errors.Is(err, ErrUnknownHostImport) {
		t.Errorf("ImportHost(os.Exec) error = %v, want ErrUnknownHostImport", err)
	}
}

func TestCallEffect(t *testing.T) {
	m := newHello(t)
	getString, _ := m.ImportHost(HostUTF8GetString)
	dispose, _ := m.ImportHost(HostObjectDispose)

	tests := []struct {
		op   bytecode.Opcode
		tok  bytecode.Token
		pop  int
		push int
	}{
		{bytecode.OpCall, 0, 1, 1},
		{bytecode.OpCallHost, getString.Token, 3, 1},
		{bytecode.OpCallHost, dispose.Token, 1, 0},
	}

	for _, tt := range tests {
		pop, push, err := m.CallEffect(tt.op, tt.tok)
		if err != nil {
			t.Fatalf("CallEffect(%s, %d): %v", tt.op, tt.tok, err)
		}
		if pop != tt.pop || push != tt.push {
			t.Errorf("CallEffect(%s, %d) = %d, %d, want %d, %d", tt.op, tt.tok, pop, push, tt.pop, tt.push)
		}
	}

	if _, _, err := m.CallEffect(bytecode.OpCall, 42); err == nil {
		t.Error("CallEffect with bad token should fail")
	}
}

func TestEncodeBodyChecksTokens(t *testing.T) {
	m := New("x")
	meth, _ := m.AddMethod(RootTypeName, "Bad", nil, bytecode.TypeVoid, 0)
	b := bytecode.NewBody()
	b.Processor().Emit(bytecode.OpLdSFld, bytecode.Token(3))
	b.Processor().Emit(bytecode.OpPop, nil)
	b.Processor().Emit(bytecode.OpRet, nil)
	meth.Body = b

	if _, err := m.EncodeBody(meth); !errors.Is(err, ErrBadToken) {
		t.Errorf("EncodeBody error = %v, want ErrBadToken", err)
	}
}

func TestResources(t *testing.T) {
	m := New("x")
	if _, err := m.AddResource("data-1", true, []byte{1, 2}); err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	if _, err := m.AddResource("data-1", true, nil); err == nil {
		t.Error("duplicate AddResource should fail")
	}
	r, err := m.Resource("data-1")
	if err != nil || len(r.Data) != 2 {
		t.Errorf("Resource(data-1) = %v, %v", r, err)
	}
	if _, err := m.Resource("nope"); !errors.Is(err, ErrResourceNotFound) {
		t.Errorf("Resource(nope) error = %v, want ErrResourceNotFound", err)
	}
}

func TestDump(t *testing.T) {
	m := newHello(t)
	m.ImportHost(HostStringIntern)
	m.AddResource("data-7", true, make([]byte, 32))
	f, _ := m.AddField(RootTypeName, "Strings_7", bytecode.TypeArray, FlagPrivate)
	f.Attributes = []Attribute{{Name: AttrGeneratedCode, Args: []string{"litweave", "1.0"}}}

	out, err := Dump(m)
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}

	for _, want := range []string{
		"; module hello",
		"#0 string.Intern(string) string",
		"private data-7 (32 bytes)",
		"private static array Strings_7 [GeneratedCode(litweave, 1.0)]",
		"method #0 static Greet(string name) string",
		"=== Program::Greet ===",
		"CONCAT",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump missing %q in:\n%s", want, out)
		}
	}
}
