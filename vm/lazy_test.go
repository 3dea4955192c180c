package vm

import (
	"errors"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/litweave/pkg/module"
)

func TestLazyStates(t *testing.T) {
	calls := 0
	l := NewLazy(func() (Value, error) {
		calls++
		return "v", nil
	})
	if l.State() != LazyUninitialized {
		t.Errorf("State() = %v, want uninitialized", l.State())
	}

	for i := 0; i < 3; i++ {
		v, err := l.Value()
		if err != nil || v != "v" {
			t.Errorf("Value() = %v, %v, want v", v, err)
		}
	}
	if l.State() != LazyReady {
		t.Errorf("State() = %v, want ready", l.State())
	}
	if calls != 1 {
		t.Errorf("init ran %d times, want 1", calls)
	}
}

func TestLazyFailureIsMemoized(t *testing.T) {
	boom := throwf(KindCryptoFailure, "bad")
	calls := 0
	l := NewLazy(func() (Value, error) {
		calls++
		return nil, boom
	})

	for i := 0; i < 3; i++ {
		if _, err := l.Value(); err != boom {
			t.Errorf("Value() error = %v, want the first failure", err)
		}
	}
	if l.State() != LazyFailed {
		t.Errorf("State() = %v, want failed", l.State())
	}
	if calls != 1 {
		t.Errorf("init ran %d times, want 1", calls)
	}
}

func TestLazyObservesDecoding(t *testing.T) {
	var l *Lazy
	var seen LazyState
	l = NewLazy(func() (Value, error) {
		seen = l.State()
		return int32(1), nil
	})
	if _, err := l.Value(); err != nil {
		t.Fatalf("Value: %v", err)
	}
	if seen != LazyDecoding {
		t.Errorf("state during init = %v, want decoding", seen)
	}
}

func TestLazyConcurrentForce(t *testing.T) {
	var calls atomic.Int32
	l := NewLazy(func() (Value, error) {
		calls.Add(1)
		return "once", nil
	})

	var g errgroup.Group
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			v, err := l.Value()
			if err != nil {
				return err
			}
			if v != "once" {
				return errors.New("wrong value")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("init ran %d times, want 1", n)
	}
}

const lazySource = `module lazy

field private static object Cell
field private static int32 Count

method static .cctor() void
  ldftn Make
  callhost lazy.New
  stsfld Cell
  ret
end

method private static Make() bytes
  ldsfld Count
  ldc.i4.1
  add
  stsfld Count
  ldc.i4.s 5
  newarr u8
  ret
end

method static Force() int32
  ldsfld Cell
  callhost lazy.Value
  ldlen
  ret
end
`

func TestLazyThroughRuntime(t *testing.T) {
	rt := load(t, lazySource)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			v, err := rt.Call(module.RootTypeName, "Force")
			if err != nil {
				return err
			}
			if v != int32(5) {
				return errors.New("wrong length")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	count, _ := rt.Static(module.RootTypeName, "Count")
	if count != int32(1) {
		t.Errorf("Make ran %v times, want 1", count)
	}
}
