// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	plugins "github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/capability"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
)

// Compile-time interface check.
var _ plugins.Runner = (*Runner)(nil)

// Runner executes composed Lua units in a fresh sandboxed state per call.
type Runner struct {
	factory   *StateFactory
	hostFuncs *hostfunc.Functions
}

// NewRunner creates a Lua runner without host functions.
func NewRunner() *Runner {
	return &Runner{factory: NewStateFactory()}
}

// NewRunnerWithFunctions creates a Lua runner that exposes the host table.
// Panics if hf is nil.
func NewRunnerWithFunctions(hf *hostfunc.Functions) *Runner {
	if hf == nil {
		panic("lua.NewRunnerWithFunctions: hostFuncs cannot be nil")
	}
	return &Runner{factory: NewStateFactory(), hostFuncs: hf}
}

// Run executes artifact and returns its result as JSON. Script faults are
// reported as {"error":"script_error"} results; an expired context is
// returned as an error.
func (r *Runner) Run(ctx context.Context, artifact string) (string, error) {
	L, err := r.factory.NewState(ctx)
	if err != nil {
		return "", oops.In("lua").With("operation", "run").Hint("failed to create state").Wrap(err)
	}
	defer L.Close()

	binding := &hostfunc.Binding{Grants: capability.NewEnforcer()}
	if r.hostFuncs != nil {
		r.hostFuncs.Register(L, binding)
	}
	inv := &invoker{binding: binding}
	L.SetGlobal(invokeGlobal, L.NewFunction(inv.invoke))
	L.SetGlobal(invokeAllGlobal, L.NewFunction(inv.invokeAll))

	runErr := L.DoString(artifact)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if runErr != nil {
		return failure(plugins.CodeScriptError, runErr.Error()), nil
	}

	ret := L.Get(-1)
	if s, ok := ret.(lua.LString); ok {
		return string(s), nil
	}
	return encode(ret), nil
}

// invoker implements the globals that envelopes call.
type invoker struct {
	binding *hostfunc.Binding
}

// invoke(chunk, invocation_json) builds the module and calls its handler.
func (v *invoker) invoke(L *lua.LState) int {
	chunk := L.CheckFunction(1)
	var inv plugins.Invocation
	if err := json.Unmarshal([]byte(L.CheckString(2)), &inv); err != nil {
		L.RaiseError("invalid invocation: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(v.call(L, chunk, inv)))
	return 1
}

// invokeAll(members_chunk, invocations_json) calls each member once and
// returns {"results": {id: result}}.
func (v *invoker) invokeAll(L *lua.LState) int {
	chunk := L.CheckFunction(1)
	var invs []plugins.Invocation
	if err := json.Unmarshal([]byte(L.CheckString(2)), &invs); err != nil {
		L.RaiseError("invalid invocations: %s", err.Error())
		return 0
	}

	if err := L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
		L.Push(lua.LString(failure(plugins.CodeScriptError, err.Error())))
		return 1
	}
	members, ok := L.Get(-1).(*lua.LTable)
	L.Pop(1)
	if !ok {
		L.Push(lua.LString(failure(plugins.CodeScriptError, "merged unit did not return a member table")))
		return 1
	}

	results := make(map[string]json.RawMessage, len(invs))
	for _, inv := range invs {
		member, ok := members.RawGetString(inv.PluginID).(*lua.LFunction)
		if !ok {
			results[inv.PluginID] = json.RawMessage(failure(plugins.CodeUndefinedPlugin, "no member for "+inv.PluginID))
			continue
		}
		results[inv.PluginID] = json.RawMessage(v.call(L, member, inv))
	}

	data, err := json.Marshal(map[string]any{"results": results})
	if err != nil {
		L.Push(lua.LString(failure(plugins.CodeServerError, err.Error())))
		return 1
	}
	L.Push(lua.LString(string(data)))
	return 1
}

// call builds chunk's module and runs the handler selected by inv.Event.
func (v *invoker) call(L *lua.LState, chunk *lua.LFunction, inv plugins.Invocation) string {
	v.binding.HandlerID = inv.HandlerID
	v.binding.PluginID = inv.PluginID
	v.binding.Configuration = inv.Configuration
	if len(inv.Capabilities) > 0 {
		if err := v.binding.Grants.SetGrants(inv.PluginID, inv.Capabilities); err != nil {
			return failure(plugins.CodeScriptError, "invalid capabilities: "+err.Error())
		}
	} else {
		v.binding.Grants.RemoveGrants(inv.PluginID)
	}

	if err := L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
		return classify(err)
	}
	module := L.Get(-1)
	L.Pop(1)

	handler := selectHandler(module, inv.Event)
	if handler == nil {
		return "null"
	}

	if err := L.CallByParam(lua.P{Fn: handler, NRet: 1, Protect: true}, contextTable(L, inv)); err != nil {
		return classify(err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return encode(ret)
}

// selectHandler picks module[event], then module.on_event; an empty event
// selects module.run. A module that is itself a function handles everything.
func selectHandler(module lua.LValue, event string) *lua.LFunction {
	switch m := module.(type) {
	case *lua.LFunction:
		return m
	case *lua.LTable:
		if event == "" {
			fn, _ := m.RawGetString("run").(*lua.LFunction)
			return fn
		}
		if fn, ok := m.RawGetString(event).(*lua.LFunction); ok {
			return fn
		}
		fn, _ := m.RawGetString("on_event").(*lua.LFunction)
		return fn
	default:
		return nil
	}
}

// contextTable builds the ctx argument passed to handlers.
func contextTable(L *lua.LState, inv plugins.Invocation) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("handler_id", lua.LString(inv.HandlerID))
	t.RawSetString("plugin_id", lua.LString(inv.PluginID))
	t.RawSetString("event", lua.LString(inv.Event))
	t.RawSetString("params", hostfunc.ToLua(L, map[string]any(inv.Params)))
	t.RawSetString("config", hostfunc.ToLua(L, map[string]any(inv.Configuration)))
	return t
}

// classify turns a Lua call error into a failure result.
func classify(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if msg, ok := hostfunc.AsUndefinedFunction(apiErr.Object); ok {
			return failure(plugins.CodeUndefinedFunction, msg)
		}
	}
	return failure(plugins.CodeScriptError, err.Error())
}

// encode renders a Lua value as JSON. Values that cannot be represented are
// script errors.
func encode(v lua.LValue) string {
	goValue, err := hostfunc.FromLua(v)
	if err != nil {
		return failure(plugins.CodeScriptError, "invalid result: "+err.Error())
	}
	data, err := json.Marshal(goValue)
	if err != nil {
		return failure(plugins.CodeScriptError, "invalid result: "+err.Error())
	}
	return string(data)
}

func failure(code, description string) string {
	data, err := json.Marshal(plugins.ErrorResponse{Error: code, ErrorDescription: description})
	if err != nil {
		return `{"error":"` + code + `"}`
	}
	return string(data)
}
