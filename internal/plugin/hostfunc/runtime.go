// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package hostfunc

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/pluginhost/internal/plugin/capability"
)

const errNoRuntime = "plugin runtime not available"

// configFn implements host.config([key]). Without a key it returns the whole
// configuration object.
func (f *Functions) configFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		config := binding.Configuration
		if config == nil {
			config = map[string]any{}
		}
		if L.GetTop() == 0 || L.Get(1) == lua.LNil {
			L.Push(ToLua(L, config))
			return 1
		}
		L.Push(ToLua(L, config[L.CheckString(1)]))
		return 1
	}
}

// sendMessageFn implements host.send_message(message, [to]). The message is
// sent from the bound plugin; without recipients it is broadcast.
func (f *Functions) sendMessageFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		message, err := FromLua(L.Get(1))
		if err != nil {
			return pushError(L, "invalid message: "+err.Error())
		}
		to, err := idList(L.Get(2))
		if err != nil {
			return pushError(L, err.Error())
		}
		if !binding.allowed(capability.MessagesSend) {
			return pushError(L, denied(capability.MessagesSend))
		}
		rt := f.currentRuntime()
		if rt == nil {
			return pushError(L, errNoRuntime)
		}
		responses, err := rt.SendMessage(stateContext(L), binding.HandlerID, binding.PluginID, to, message)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushResponses(L, responses)
	}
}

// fireFn implements host.fire(event, [params]).
func (f *Functions) fireFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		event := L.CheckString(1)
		params, err := paramsArg(L.Get(2))
		if err != nil {
			return pushError(L, err.Error())
		}
		if !binding.allowed(capability.EventsFire) {
			return pushError(L, denied(capability.EventsFire))
		}
		rt := f.currentRuntime()
		if rt == nil {
			return pushError(L, errNoRuntime)
		}
		responses, err := rt.Fire(stateContext(L), binding.HandlerID, event, params)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushResponses(L, responses)
	}
}

// runFn implements host.run(id, [params], [event]).
func (f *Functions) runFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		params, err := paramsArg(L.Get(2))
		if err != nil {
			return pushError(L, err.Error())
		}
		event := L.OptString(3, "")
		if !binding.allowed(capability.PluginsRun) {
			return pushError(L, denied(capability.PluginsRun))
		}
		rt := f.currentRuntime()
		if rt == nil {
			return pushError(L, errNoRuntime)
		}
		out, err := rt.Run(stateContext(L), binding.HandlerID, id, params, event)
		if err != nil {
			return pushError(L, err.Error())
		}
		value, err := decode(out)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, ToLua(L, value))
	}
}

// removeFn implements host.remove([id]). A plugin may always remove itself;
// removing another plugin needs plugins.remove.
func (f *Functions) removeFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.OptString(1, binding.PluginID)
		if id != binding.PluginID && !binding.allowed(capability.PluginsRemove) {
			return pushError(L, denied(capability.PluginsRemove))
		}
		rt := f.currentRuntime()
		if rt == nil {
			return pushError(L, errNoRuntime)
		}
		if err := rt.Remove(stateContext(L), binding.HandlerID, id); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LTrue)
	}
}

// removeEventsFn implements host.remove_events(), which stops the bound
// plugin from listening to any event.
func (f *Functions) removeEventsFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		rt := f.currentRuntime()
		if rt == nil {
			return pushError(L, errNoRuntime)
		}
		if err := rt.RemoveEvents(stateContext(L), binding.HandlerID, binding.PluginID); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LTrue)
	}
}

// idList reads an optional recipient argument: nil, one id, or a list of ids.
func idList(v lua.LValue) ([]string, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LString:
		return []string{string(val)}, nil
	case *lua.LTable:
		var ids []string
		for i := 1; i <= val.Len(); i++ {
			id, ok := val.RawGetInt(i).(lua.LString)
			if !ok {
				return nil, fmt.Errorf("recipient %d is not a string", i)
			}
			ids = append(ids, string(id))
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("recipients must be a string or a list of strings")
	}
}

// paramsArg reads an optional params table.
func paramsArg(v lua.LValue) (map[string]any, error) {
	if v == lua.LNil {
		return map[string]any{}, nil
	}
	if _, ok := v.(*lua.LTable); !ok {
		return nil, fmt.Errorf("params must be a table")
	}
	converted, err := FromLua(v)
	if err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	params, ok := converted.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("params must be a table with string keys")
	}
	return params, nil
}

func decode(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("invalid result: %w", err)
	}
	return value, nil
}

func pushResponses(L *lua.LState, responses map[string]json.RawMessage) int {
	t := L.CreateTable(0, len(responses))
	for id, raw := range responses {
		value, err := decode(raw)
		if err != nil {
			return pushError(L, err.Error())
		}
		t.RawSetString(id, ToLua(L, value))
	}
	return pushSuccess(L, t)
}
