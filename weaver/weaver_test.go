package weaver

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/litweave/compiler"
	"github.com/chazu/litweave/pkg/bytecode"
	"github.com/chazu/litweave/pkg/module"
	"github.com/chazu/litweave/vm"
)

func weave(t *testing.T, m *module.Module, cfg Config) *Report {
	t.Helper()
	w, err := New(cfg, WithRand(rand.New(rand.NewPCG(3, 4))))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rep, err := w.Weave(m)
	if err != nil {
		t.Fatalf("Weave: %v", err)
	}
	return rep
}

func load(t *testing.T, m *module.Module, opts ...vm.Option) *vm.Runtime {
	t.Helper()
	rt, err := vm.Load(m, opts...)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return rt
}

func constOf(ins *bytecode.Instruction) (int32, bool) {
	switch ins.Op {
	case bytecode.OpLdcI4, bytecode.OpLdcI4S:
		v, ok := ins.Operand.(int32)
		return v, ok
	case bytecode.OpLdcI4M1:
		return -1, true
	case bytecode.OpLdcI40:
		return 0, true
	case bytecode.OpLdcI41:
		return 1, true
	}
	return 0, false
}

// lookupCalls returns the (offset, length, slot) triple of every
// CryptGet call in owner::name.
func lookupCalls(t *testing.T, m *module.Module, owner, name string) [][3]int32 {
	t.Helper()
	meth, err := m.FindMethod(owner, name)
	if err != nil {
		t.Fatal(err)
	}
	var out [][3]int32
	code := meth.Body.Instructions
	for i, ins := range code {
		if ins.Op != bytecode.OpCall {
			continue
		}
		callee, err := m.Method(ins.Operand.(bytecode.Token))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(callee.Name, "CryptGet_") {
			continue
		}
		if i < 3 {
			t.Fatalf("%s: lookup call at %d has no arguments", name, i)
		}
		var triple [3]int32
		for j := 0; j < 3; j++ {
			v, ok := constOf(code[i-3+j])
			if !ok {
				t.Fatalf("%s: argument %d of lookup call is %s", name, j, code[i-3+j])
			}
			triple[j] = v
		}
		out = append(out, triple)
	}
	return out
}

const scenarioSource = `module scenario

type Program

method static First() string
  ldstr "Hello"
  ret
end

method static Second() string
  ldstr "World"
  ret
end

method static Third() string
  ldstr "Hello"
  ret
end
`

func TestHelloWorldScenario(t *testing.T) {
	m := assemble(t, scenarioSource)
	cfg := DefaultConfig()
	cfg.MaxLen = 100
	cfg.RemoveDuplicates = true
	rep := weave(t, m, cfg)

	want := []LiteralRecord{
		{Value: "Hello", StartOffset: 0, Length: 5, Slot: 0},
		{Value: "World", StartOffset: 5, Length: 5, Slot: 1},
	}
	if len(rep.Records) != len(want) {
		t.Fatalf("records = %+v, want %+v", rep.Records, want)
	}
	for i := range want {
		if rep.Records[i] != want[i] {
			t.Errorf("records[%d] = %+v, want %+v", i, rep.Records[i], want[i])
		}
	}

	calls := map[string][3]int32{
		"First":  {0, 5, 0},
		"Second": {5, 5, 1},
		"Third":  {0, 5, 0},
	}
	for name, triple := range calls {
		got := lookupCalls(t, m, "Program", name)
		if len(got) != 1 || got[0] != triple {
			t.Errorf("%s lookup calls = %v, want [%v]", name, got, triple)
		}
	}

	rt := load(t, m)
	values := map[string]string{"First": "Hello", "Second": "World", "Third": "Hello"}
	results := make(map[string]string)
	for name, wantValue := range values {
		v, err := rt.Call("Program", name)
		if err != nil {
			t.Fatalf("Call(%s): %v", name, err)
		}
		if v != wantValue {
			t.Errorf("%s() = %v, want %q", name, v, wantValue)
		}
		results[name] = v.(string)
	}

	again, err := rt.Call("Program", "First")
	if err != nil {
		t.Fatal(err)
	}
	if unsafe.StringData(again.(string)) != unsafe.StringData(results["Third"]) {
		t.Error("repeated lookups of slot 0 returned different string instances")
	}
}

func TestWeaveRemovesPlaintext(t *testing.T) {
	m := assemble(t, scenarioSource)
	rep := weave(t, m, DefaultConfig())

	for _, meth := range m.Bodies() {
		if meth.HasAttribute(module.AttrGeneratedCode) {
			continue
		}
		for _, ins := range meth.Body.Instructions {
			if ins.Op == bytecode.OpLdStr {
				t.Errorf("%s still loads %q", meth.FullName(), ins.Operand)
			}
		}
	}

	res, err := m.Resource(rep.ResourceName)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Private {
		t.Error("resource is not private")
	}
	for _, s := range []string{"Hello", "World"} {
		if bytes.Contains(res.Data, []byte(s)) {
			t.Errorf("resource contains %q in the clear", s)
		}
	}
	if len(rep.Members) != 4 {
		t.Errorf("members = %v, want 4", rep.Members)
	}
	for _, name := range rep.Members {
		if !strings.HasSuffix(name, "_"+rep.BuildID) {
			t.Errorf("member %s lacks the build id suffix", name)
		}
	}
}

// roundTripSource exercises literals at branch targets, inside protected
// regions, in the module initializer and past a short branch that has to
// grow once the sites are rewritten.
var roundTripSource = `module roundtrip

field static string Seen

method static .cctor() void
  ldstr "from the initializer"
  stsfld Seen
  ret
end

type Program

method static Initial() string
  ldsfld Seen
  ret
end

method static Pick(int32 n) string
  ldarg n
  brtrue other
  ldstr "zero"
  ret
other:
  ldstr "nonzero"
  ret
end

method static Jump() string
  br target
target:
  ldstr "target"
  ret
end

method static Repeat(int32 n) string
  .locals int32 i, string acc
  ldstr ""
  stloc acc
  ldc.i4.0
  stloc i
top:
  ldloc i
  ldarg n
  clt
  brfalse done
  ldloc acc
  ldstr "ab"
  concat
  stloc acc
  ldloc i
  ldc.i4.1
  add
  stloc i
  br top
done:
  ldloc acc
  ret
end

method static Guarded() string
  .locals string s
  .try
    ldstr "guarded"
    stloc s
  .finally
    ldstr "cleanup"
    callhost console.WriteLine
  .end
  ldloc s
  ret
end

method static Unicode() string
  ldstr "héllo, 世界 \x00 tail"
  ret
end

method static Long(int32 n) string
  ldarg n
  brtrue.s skip
` + strings.Repeat("  ldstr \"pad\"\n  pop\n", 20) + `skip:
  ldstr "end"
  ret
end
`

type call struct {
	method string
	args   []vm.Value
}

var roundTripCalls = []call{
	{"Initial", nil},
	{"Pick", []vm.Value{int32(0)}},
	{"Pick", []vm.Value{int32(3)}},
	{"Jump", nil},
	{"Repeat", []vm.Value{int32(3)}},
	{"Guarded", nil},
	{"Unicode", nil},
	{"Long", []vm.Value{int32(0)}},
	{"Long", []vm.Value{int32(1)}},
}

func runCalls(t *testing.T, rt *vm.Runtime) []vm.Value {
	t.Helper()
	var out []vm.Value
	for _, c := range roundTripCalls {
		v, err := rt.Call("Program", c.method, c.args...)
		if err != nil {
			t.Fatalf("Call(%s %v): %v", c.method, c.args, err)
		}
		out = append(out, v)
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	var plainOut bytes.Buffer
	want := runCalls(t, load(t, assemble(t, roundTripSource), vm.WithStdout(&plainOut)))

	configs := map[string]func(*Config){
		"all":          func(c *Config) {},
		"dedup":        func(c *Config) { c.RemoveDuplicates = true },
		"all random":   func(c *Config) { c.RandomOrder = true },
		"dedup random": func(c *Config) { c.RemoveDuplicates, c.RandomOrder = true, true },
		"unencrypted":  func(c *Config) { c.Encrypt = false },
		"inline key":   func(c *Config) { c.EmbedKey = false },
	}

	for name, tweak := range configs {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tweak(&cfg)
			m := assemble(t, roundTripSource)
			rep := weave(t, m, cfg)
			if rep.Empty() {
				t.Fatal("weave found no literals")
			}

			var out bytes.Buffer
			got := runCalls(t, load(t, m, vm.WithStdout(&out)))
			for i := range want {
				if got[i] != want[i] {
					c := roundTripCalls[i]
					t.Errorf("%s%v = %q, want %q", c.method, c.args, got[i], want[i])
				}
			}
			if out.String() != plainOut.String() {
				t.Errorf("output = %q, want %q", out.String(), plainOut.String())
			}
		})
	}
}

func TestRewriteWidensBranches(t *testing.T) {
	m := assemble(t, roundTripSource)
	weave(t, m, DefaultConfig())

	meth, err := m.FindMethod("Program", "Long")
	if err != nil {
		t.Fatal(err)
	}
	for _, ins := range meth.Body.Instructions {
		if ins.Op == bytecode.OpBrTrueS {
			t.Errorf("branch over 20 rewritten sites kept its short form")
		}
	}
	if _, err := m.EncodeBody(meth); err != nil {
		t.Errorf("EncodeBody: %v", err)
	}
}

const rawBytesSource = `module raw

type Program

method static Raw() string
  ldstr "\xff\xfe raw"
  ret
end

method static Text() string
  ldstr "plain text"
  ret
end
`

func TestWeaveKeepsInvalidUTF8Literals(t *testing.T) {
	configs := map[string]func(*Config){
		"encrypted":   func(c *Config) {},
		"dedup":       func(c *Config) { c.RemoveDuplicates = true },
		"unencrypted": func(c *Config) { c.Encrypt = false },
	}

	for name, tweak := range configs {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tweak(&cfg)
			m := assemble(t, rawBytesSource)
			rep := weave(t, m, cfg)
			if len(rep.Records) != 2 {
				t.Fatalf("records = %d, want 2", len(rep.Records))
			}

			rt := load(t, m)
			want := map[string]string{"Raw": "\xff\xfe raw", "Text": "plain text"}
			for _, method := range []string{"Text", "Raw", "Text"} {
				v, err := rt.Call("Program", method)
				if err != nil {
					t.Fatalf("%s: %v", method, err)
				}
				if v != want[method] {
					t.Errorf("%s() = %q, want %q", method, v, want[method])
				}
			}
		})
	}
}

func TestDedupSharesSlots(t *testing.T) {
	m := assemble(t, roundTripSource)
	cfg := DefaultConfig()
	cfg.RemoveDuplicates = true
	weave(t, m, cfg)

	calls := lookupCalls(t, m, "Program", "Long")
	if len(calls) != 21 {
		t.Fatalf("Long has %d lookup calls, want 21", len(calls))
	}
	for i := 1; i < 20; i++ {
		if calls[i] != calls[0] {
			t.Errorf("pad site %d = %v, want %v", i, calls[i], calls[0])
		}
	}
	if calls[20] == calls[0] {
		t.Error("\"end\" shares the slot of \"pad\"")
	}
}

func TestWeaveLengthFilter(t *testing.T) {
	m := assemble(t, roundTripSource)
	cfg := DefaultConfig()
	cfg.MinLen = 3
	cfg.MaxLen = 5
	rep := weave(t, m, cfg)

	for _, rec := range rep.Records {
		if rec.Length < 3 || rec.Length > 5 {
			t.Errorf("record %q has length %d outside [3, 5]", rec.Value, rec.Length)
		}
	}

	// "ab" is too short and stays a plain load.
	meth, _ := m.FindMethod("Program", "Repeat")
	found := false
	for _, ins := range meth.Body.Instructions {
		if ins.Op == bytecode.OpLdStr && ins.Operand == "ab" {
			found = true
		}
	}
	if !found {
		t.Error("literal below min length was rewritten")
	}

	got := runCalls(t, load(t, m, vm.WithStdout(&bytes.Buffer{})))
	if got[4] != "ababab" {
		t.Errorf("Repeat(3) = %q, want \"ababab\"", got[4])
	}
}

func TestWeaveWithoutLiterals(t *testing.T) {
	m := assemble(t, `module none

method static Answer() int32
  ldc.i4.s 42
  ret
end
`)
	rep := weave(t, m, DefaultConfig())
	if !rep.Empty() {
		t.Errorf("report has %d records, want none", len(rep.Records))
	}
	if len(m.Resources) != 0 || len(m.Fields) != 0 || len(m.Methods) != 1 {
		t.Errorf("module changed: %d resources, %d fields, %d methods", len(m.Resources), len(m.Fields), len(m.Methods))
	}
}

func TestReweave(t *testing.T) {
	m := assemble(t, scenarioSource)
	weave(t, m, DefaultConfig())

	second := weave(t, m, DefaultConfig())
	if !second.Empty() {
		t.Errorf("second weave moved %d literals, want none", len(second.Records))
	}

	rt := load(t, m)
	if v, err := rt.Call("Program", "Second"); err != nil || v != "World" {
		t.Errorf("Second() = %v, %v; want \"World\"", v, err)
	}
}

func TestWeaveContainerRoundTrip(t *testing.T) {
	m := assemble(t, scenarioSource)
	weave(t, m, DefaultConfig())

	data, err := module.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	back, err := module.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	rt := load(t, back)
	if v, err := rt.Call("Program", "Third"); err != nil || v != "Hello" {
		t.Errorf("Third() = %v, %v; want \"Hello\"", v, err)
	}
}

func TestDecoderDisposalOrder(t *testing.T) {
	tests := []struct {
		name   string
		tweak  func(*Config)
		tamper func(*module.Resource)
		want   []string
		kind   vm.ExceptionKind
	}{
		{
			name:  "embedded key",
			tweak: func(c *Config) {},
			want:  []string{"reader", "transform", "provider", "stream"},
		},
		{
			name:  "inline key",
			tweak: func(c *Config) { c.EmbedKey = false },
			want:  []string{"reader", "transform", "provider", "stream"},
		},
		{
			name:  "unencrypted",
			tweak: func(c *Config) { c.Encrypt = false },
			want:  []string{"stream"},
		},
		{
			name:   "truncated ciphertext",
			tweak:  func(c *Config) {},
			tamper: func(r *module.Resource) { r.Data = r.Data[:len(r.Data)-1] },
			want:   []string{"reader", "transform", "provider", "stream"},
			kind:   vm.KindCryptoFailure,
		},
		{
			name:   "key only",
			tweak:  func(c *Config) {},
			tamper: func(r *module.Resource) { r.Data = r.Data[:keySize] },
			want:   []string{"reader", "transform", "provider", "stream"},
			kind:   vm.KindShortRead,
		},
		{
			name:   "short key",
			tweak:  func(c *Config) {},
			tamper: func(r *module.Resource) { r.Data = r.Data[:4] },
			want:   []string{"stream"},
			kind:   vm.KindShortRead,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tweak(&cfg)
			m := assemble(t, scenarioSource)
			rep := weave(t, m, cfg)
			if tt.tamper != nil {
				res, err := m.Resource(rep.ResourceName)
				if err != nil {
					t.Fatal(err)
				}
				tt.tamper(res)
			}

			var disposed []string
			rt := load(t, m, vm.WithDisposeHook(func(kind string) { disposed = append(disposed, kind) }))
			_, err := rt.Call("Program", "First")
			if tt.tamper == nil && err != nil {
				t.Fatalf("First: %v", err)
			}
			if tt.tamper != nil && !vm.IsKind(err, tt.kind) {
				t.Fatalf("First error = %v, want %s", err, tt.kind)
			}

			if len(disposed) != len(tt.want) {
				t.Fatalf("disposed = %v, want %v", disposed, tt.want)
			}
			for i := range tt.want {
				if disposed[i] != tt.want[i] {
					t.Errorf("disposed[%d] = %q, want %q", i, disposed[i], tt.want[i])
				}
			}
		})
	}
}

func TestTamperedResourceFailsEveryLookup(t *testing.T) {
	tampers := map[string]struct {
		tamper func(m *module.Module, r *module.Resource)
		kind   vm.ExceptionKind
	}{
		"wrong key": {
			tamper: func(m *module.Module, r *module.Resource) { r.Data[0] ^= 0xFF },
			kind:   vm.KindCryptoFailure,
		},
		"flipped ciphertext": {
			tamper: func(m *module.Module, r *module.Resource) { r.Data[len(r.Data)-1] ^= 0x01 },
			kind:   vm.KindCryptoFailure,
		},
		"missing resource": {
			tamper: func(m *module.Module, r *module.Resource) { r.Name = "elsewhere" },
			kind:   vm.KindResourceNotFound,
		},
	}

	for name, tc := range tampers {
		t.Run(name, func(t *testing.T) {
			// Deduplicated, the buffer is 10 bytes and leaves 6 bytes of
			// zero padding for garbage to fail.
			cfg := DefaultConfig()
			cfg.RemoveDuplicates = true
			m := assemble(t, scenarioSource)
			rep := weave(t, m, cfg)
			res, err := m.Resource(rep.ResourceName)
			if err != nil {
				t.Fatal(err)
			}
			tc.tamper(m, res)

			rt := load(t, m)
			var first string
			for _, method := range []string{"First", "Second", "Third", "First"} {
				v, err := rt.Call("Program", method)
				if err == nil {
					t.Fatalf("%s() = %q, want an error", method, v)
				}
				if !vm.IsKind(err, tc.kind) {
					t.Errorf("%s() error = %v, want %s", method, err, tc.kind)
				}
				var exc *vm.Exception
				if !errors.As(err, &exc) {
					t.Fatalf("%s() error %v is not an exception", method, err)
				}
				if first == "" {
					first = exc.Error()
				} else if exc.Error() != first {
					t.Errorf("%s() failed with %q, first failure was %q", method, exc.Error(), first)
				}
			}
		})
	}
}

func TestConcurrentLookups(t *testing.T) {
	m := assemble(t, roundTripSource)
	cfg := DefaultConfig()
	cfg.RemoveDuplicates = true
	weave(t, m, cfg)

	var mu sync.Mutex
	disposals := 0
	rt := load(t, m,
		vm.WithStdout(&bytes.Buffer{}),
		vm.WithDisposeHook(func(string) {
			mu.Lock()
			disposals++
			mu.Unlock()
		}))

	var g errgroup.Group
	results := make([]vm.Value, 32)
	for i := range results {
		g.Go(func() error {
			v, err := rt.Call("Program", "Long", int32(0))
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Long: %v", err)
	}
	for i, v := range results {
		if v != "end" {
			t.Errorf("results[%d] = %v, want \"end\"", i, v)
		}
	}
	// One decode: reader, transform, provider and stream.
	if disposals != 4 {
		t.Errorf("decoder disposed %d objects, want 4 (one decode)", disposals)
	}
}

func TestWeaveStepErrors(t *testing.T) {
	m := assemble(t, `module bad

method static .cctor(int32 x) void
  ret
end

method static Get() string
  ldstr "value"
  ret
end
`)
	w, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.Weave(m)
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("Weave error = %v, want *StepError", err)
	}
	if se.Step != StepAccessor || se.Module != "bad" {
		t.Errorf("StepError = %+v, want module bad, step accessor", se)
	}
	if !strings.Contains(err.Error(), "weave bad: accessor:") {
		t.Errorf("error text %q does not name module and step", err.Error())
	}

	noRoot := &module.Module{Name: "rootless"}
	_, err = w.Weave(noRoot)
	if !errors.As(err, &se) || se.Step != StepScan || !errors.Is(err, module.ErrNoRootType) {
		t.Errorf("Weave(rootless) error = %v, want scan step ErrNoRootType", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy exhausted")
}

func TestWeaveBuildIDFailure(t *testing.T) {
	m := assemble(t, scenarioSource)
	w, err := New(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	uuid.SetRand(failingReader{})
	defer uuid.SetRand(nil)

	_, err = w.Weave(m)
	var se *StepError
	if !errors.As(err, &se) {
		t.Fatalf("Weave error = %v, want *StepError", err)
	}
	if se.Step != StepContext {
		t.Errorf("Step = %s, want %s", se.Step, StepContext)
	}
	if !strings.Contains(err.Error(), "entropy exhausted") {
		t.Errorf("error %q does not carry the cause", err.Error())
	}
	if len(m.Resources) != 0 {
		t.Error("failed weave added a resource")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		min, max int
		ok       bool
	}{
		{1, 1_000_000, true},
		{0, 0, true},
		{5, 5, true},
		{-1, 10, false},
		{10, 9, false},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.MinLen, cfg.MaxLen = tt.min, tt.max
		_, err := New(cfg)
		if (err == nil) != tt.ok {
			t.Errorf("New(min=%d, max=%d) error = %v, want ok=%v", tt.min, tt.max, err, tt.ok)
		}
	}
}

func ExampleWeaver_Weave() {
	m, err := compiler.Assemble(`module demo

method static Greet() string
  ldstr "Hello, World"
  ret
end
`)
	if err != nil {
		fmt.Println(err)
		return
	}
	w, _ := New(DefaultConfig())
	rep, err := w.Weave(m)
	if err != nil {
		fmt.Println(err)
		return
	}
	rt, _ := vm.Load(m)
	v, _ := rt.Call(module.RootTypeName, "Greet")
	fmt.Println(len(rep.Records), rep.BufferBytes, v)
	// Output: 1 12 Hello, World
}
