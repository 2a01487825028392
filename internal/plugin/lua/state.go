// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package lua runs plugin artifacts in sandboxed gopher-lua states and
// composes artifacts into extension chains and merged units.
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// Stack limits for plugin states. Unbounded recursion in a plugin fails with
// a stack overflow instead of growing the host's memory.
const (
	DefaultCallStackSize = 256
	DefaultRegistrySize  = 1024 * 20
)

// sandboxLibs are the only libraries a plugin state opens. os, io, debug,
// package and coroutine are never opened.
var sandboxLibs = map[string]lua.LGFunction{
	lua.BaseLibName:   lua.OpenBase,
	lua.TabLibName:    lua.OpenTable,
	lua.StringLibName: lua.OpenString,
	lua.MathLibName:   lua.OpenMath,
}

// sandboxOrder fixes the opening order; base must come first.
var sandboxOrder = []string{lua.BaseLibName, lua.TabLibName, lua.StringLibName, lua.MathLibName}

// blockedGlobals are base functions that evaluate code the composer did not
// produce.
var blockedGlobals = []string{"dofile", "loadfile", "loadstring", "load"}

// StateFactory creates sandboxed Lua states.
type StateFactory struct {
	callStackSize int
	registrySize  int
}

// StateOption configures a StateFactory.
type StateOption func(*StateFactory)

// WithCallStackSize bounds the Lua call stack depth.
func WithCallStackSize(n int) StateOption {
	return func(f *StateFactory) {
		if n > 0 {
			f.callStackSize = n
		}
	}
}

// NewStateFactory creates a state factory.
func NewStateFactory(opts ...StateOption) *StateFactory {
	f := &StateFactory{
		callStackSize: DefaultCallStackSize,
		registrySize:  DefaultRegistrySize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewState returns a fresh sandboxed state bound to ctx. A cancelled or
// expired ctx aborts code running in the state.
func (f *StateFactory) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:  true,
		CallStackSize: f.callStackSize,
		RegistrySize:  f.registrySize,
	})
	if err := openSandbox(L); err != nil {
		L.Close()
		return nil, err
	}
	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}

func openSandbox(L *lua.LState) error {
	for _, name := range sandboxOrder {
		open := sandboxLibs[name]
		err := L.CallByParam(lua.P{Fn: L.NewFunction(open), Protect: true}, lua.LString(name))
		if err != nil {
			return oops.In("lua").With("library", name).Hint("failed to open library").Wrap(err)
		}
	}
	for _, name := range blockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return nil
}
