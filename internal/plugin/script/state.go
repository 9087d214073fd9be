// Package script hosts plugins written as Lua files. A script exposes
// global functions named after the hooks it implements (resolve_id,
// load, transform); Load adapts the file into a *plugin.Plugin whose
// handlers call into a sandboxed interpreter.
package script

import (
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Sentinel errors.
var (
	// ErrStateClosed is returned when the interpreter has been closed.
	ErrStateClosed = errors.New("script state closed")

	// ErrBadScript is returned when a script is structurally unusable.
	ErrBadScript = errors.New("bad plugin script")
)

// state wraps a gopher-lua interpreter with only the safe standard
// libraries opened. LState is not goroutine-safe; the mutex serializes
// every entry, which also gives script hooks sequential semantics.
type state struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

func newState() *state {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	// base, table, string, math only. io, os, debug, and package stay
	// closed; scripts get no filesystem or process access.
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	return &state{L: L}
}

// doFile executes the script file, with panic recovery.
func (s *state) doFile(path string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return s.L.DoFile(path)
}

// global returns the named global, or LNil after close.
func (s *state) global(name string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.L.GetGlobal(name)
}

// hasFunction reports whether the script defines the named global
// function.
func (s *state) hasFunction(name string) bool {
	return s.global(name).Type() == lua.LTFunction
}

// call invokes a global function. It returns the first returned value,
// or LNil when the function returns nothing.
func (s *state) call(fn string, args ...lua.LValue) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil, ErrStateClosed
	}

	fnVal := s.L.GetGlobal(fn)
	if fnVal.Type() != lua.LTFunction {
		return lua.LNil, fmt.Errorf("%w: %q is not a function", ErrBadScript, fn)
	}

	top := s.L.GetTop()
	s.L.Push(fnVal)
	for _, arg := range args {
		s.L.Push(arg)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		return lua.LNil, callErr
	}

	nret := s.L.GetTop() - top
	if nret <= 0 {
		return lua.LNil, nil
	}
	ret := s.L.Get(top + 1)
	s.L.Pop(nret)
	return ret, nil
}

// close releases the interpreter. Idempotent.
func (s *state) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
