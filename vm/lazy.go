package vm

import (
	"sync"
	"sync/atomic"
)

// LazyState is the lifecycle of a Lazy cell.
type LazyState int32

const (
	LazyUninitialized LazyState = iota
	LazyDecoding
	LazyReady
	LazyFailed
)

func (s LazyState) String() string {
	switch s {
	case LazyUninitialized:
		return "uninitialized"
	case LazyDecoding:
		return "decoding"
	case LazyReady:
		return "ready"
	case LazyFailed:
		return "failed"
	}
	return "unknown"
}

// Lazy computes a value at most once. Concurrent callers block until the
// first computation finishes; a failure is kept and returned to every
// later caller without retrying.
type Lazy struct {
	mu    sync.Mutex
	state atomic.Int32
	init  func() (Value, error)
	value Value
	err   error
}

// NewLazy creates an uninitialized cell over init.
func NewLazy(init func() (Value, error)) *Lazy {
	return &Lazy{init: init}
}

// State returns the current state.
func (l *Lazy) State() LazyState {
	return LazyState(l.state.Load())
}

// Value forces the cell.
func (l *Lazy) Value() (Value, error) {
	if l.State() == LazyReady {
		return l.value, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.State() {
	case LazyReady:
		return l.value, nil
	case LazyFailed:
		return nil, l.err
	}

	l.state.Store(int32(LazyDecoding))
	v, err := l.init()
	if err != nil {
		l.err = err
		l.state.Store(int32(LazyFailed))
		return nil, err
	}
	l.value = v
	l.init = nil
	l.state.Store(int32(LazyReady))
	return v, nil
}
