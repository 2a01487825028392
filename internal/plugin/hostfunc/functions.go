// Package hostfunc provides host functions to Lua plugins.
//
// Host functions expose runtime capabilities to plugins through the global
// "host" table. Value access is scoped to the plugin currently bound to the
// state; arbitrary Go functions are reachable through host.call. A plugin
// whose manifest lists capabilities may only use the functions they match.
package hostfunc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/pluginhost/internal/plugin/capability"
)

// CodeUndefinedFunction is raised when host.call names an unregistered function.
const CodeUndefinedFunction = "undefined_function"

// ValueStore provides plugin-scoped key-value storage.
type ValueStore interface {
	Get(ctx context.Context, handlerID, pluginID, key string) (string, error)
	Set(ctx context.Context, handlerID, pluginID, key, value string) error
	Delete(ctx context.Context, handlerID, pluginID, key string) error
}

// Runtime lets plugins reach back into the handler that runs them. Results
// are the JSON payloads the handler returns to its own callers.
type Runtime interface {
	SendMessage(ctx context.Context, handlerID, from string, to []string, message any) (map[string]json.RawMessage, error)
	Fire(ctx context.Context, handlerID, event string, params map[string]any) (map[string]json.RawMessage, error)
	Run(ctx context.Context, handlerID, pluginID string, params map[string]any, event string) (json.RawMessage, error)
	Remove(ctx context.Context, handlerID, pluginID string) error
	RemoveEvents(ctx context.Context, handlerID, pluginID string) error
}

// Binding identifies the plugin a state is currently executing for.
// The runner updates it as it moves between members of a merged unit.
type Binding struct {
	HandlerID string
	PluginID  string
	// Configuration is the bound plugin's configuration object.
	Configuration map[string]any
	// Grants restricts the bound plugin. Nil allows everything.
	Grants *capability.Enforcer
}

func (b *Binding) allowed(capabilityName string) bool {
	return b.Grants == nil || b.Grants.Allowed(b.PluginID, capabilityName)
}

// Func is a Go function callable from Lua through host.call.
type Func func(ctx context.Context, caller Binding, args []any) (any, error)

func denied(capabilityName string) string {
	return "capability not granted: " + capabilityName
}

// Registry holds the functions reachable through host.call.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any previous function.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered function names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Functions provides host functions to Lua plugins.
type Functions struct {
	values   ValueStore
	registry *Registry
	logger   *slog.Logger

	mu      sync.RWMutex
	runtime Runtime
}

// New creates host functions with dependencies. Either may be nil.
func New(values ValueStore, registry *Registry) *Functions {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Functions{
		values:   values,
		registry: registry,
		logger:   slog.Default(),
	}
}

// SetRuntime binds the runtime reached by host.send_message, host.fire,
// host.run, host.remove and host.remove_events. The runtime is usually built
// after the runner, so it is bound late.
func (f *Functions) SetRuntime(rt Runtime) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runtime = rt
}

func (f *Functions) currentRuntime() Runtime {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.runtime
}

// Register adds the host table to a Lua state. Functions resolve the calling
// plugin through binding at call time.
func (f *Functions) Register(ls *lua.LState, binding *Binding) {
	mod := ls.NewTable()

	ls.SetField(mod, "log", ls.NewFunction(f.logFn(binding)))
	ls.SetField(mod, "new_request_id", ls.NewFunction(f.newRequestIDFn()))
	ls.SetField(mod, "kv_get", ls.NewFunction(f.kvGetFn(binding)))
	ls.SetField(mod, "kv_set", ls.NewFunction(f.kvSetFn(binding)))
	ls.SetField(mod, "kv_delete", ls.NewFunction(f.kvDeleteFn(binding)))
	ls.SetField(mod, "call", ls.NewFunction(f.callFn(binding)))
	ls.SetField(mod, "config", ls.NewFunction(f.configFn(binding)))
	ls.SetField(mod, "send_message", ls.NewFunction(f.sendMessageFn(binding)))
	ls.SetField(mod, "fire", ls.NewFunction(f.fireFn(binding)))
	ls.SetField(mod, "run", ls.NewFunction(f.runFn(binding)))
	ls.SetField(mod, "remove", ls.NewFunction(f.removeFn(binding)))
	ls.SetField(mod, "remove_events", ls.NewFunction(f.removeEventsFn(binding)))

	ls.SetGlobal("host", mod)
}

func (f *Functions) logFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := f.logger.With("handler", binding.HandlerID, "plugin", binding.PluginID)
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			L.RaiseError("invalid log level %q: use debug, info, warn, or error", level)
		}
		return 0
	}
}

func (f *Functions) newRequestIDFn() lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LString(ulid.Make().String()))
		return 1
	}
}

func (f *Functions) kvGetFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if !binding.allowed(capability.ValuesRead) {
			return pushError(L, denied(capability.ValuesRead))
		}
		if f.values == nil {
			return pushError(L, "value store not available")
		}
		value, err := f.values.Get(stateContext(L), binding.HandlerID, binding.PluginID, key)
		if err != nil {
			return pushError(L, err.Error())
		}
		if value == "" {
			return pushSuccess(L, lua.LNil)
		}
		return pushSuccess(L, lua.LString(value))
	}
}

func (f *Functions) kvSetFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		value := L.CheckString(2)
		if !binding.allowed(capability.ValuesWrite) {
			return pushError(L, denied(capability.ValuesWrite))
		}
		if f.values == nil {
			return pushError(L, "value store not available")
		}
		if err := f.values.Set(stateContext(L), binding.HandlerID, binding.PluginID, key, value); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LNil)
	}
}

func (f *Functions) kvDeleteFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		if !binding.allowed(capability.ValuesWrite) {
			return pushError(L, denied(capability.ValuesWrite))
		}
		if f.values == nil {
			return pushError(L, "value store not available")
		}
		if err := f.values.Delete(stateContext(L), binding.HandlerID, binding.PluginID, key); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LNil)
	}
}

// callFn dispatches host.call(name, ...) to the registry. Unknown names raise
// a table error carrying CodeUndefinedFunction so the runner can classify it.
func (f *Functions) callFn(binding *Binding) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		fn, ok := f.registry.Lookup(name)
		if !ok {
			L.Error(UndefinedFunctionError(L, name), 1)
			return 0
		}
		if !binding.allowed(capability.Call(name)) {
			return pushError(L, denied(capability.Call(name)))
		}

		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			v, err := FromLua(L.Get(i))
			if err != nil {
				return pushError(L, err.Error())
			}
			args = append(args, v)
		}

		result, err := fn(stateContext(L), *binding, args)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, ToLua(L, result))
	}
}

// UndefinedFunctionError builds the error value raised for an unknown host.call target.
func UndefinedFunctionError(L *lua.LState, name string) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("code", lua.LString(CodeUndefinedFunction))
	t.RawSetString("message", lua.LString("undefined function: "+name))
	return t
}

// AsUndefinedFunction reports whether a raised Lua value is an
// UndefinedFunctionError and returns its message.
func AsUndefinedFunction(v lua.LValue) (string, bool) {
	t, ok := v.(*lua.LTable)
	if !ok {
		return "", false
	}
	if t.RawGetString("code").String() != CodeUndefinedFunction {
		return "", false
	}
	return t.RawGetString("message").String(), true
}

// stateContext returns the context attached to L, or Background when none is set.
func stateContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// pushError pushes nil followed by an error string and returns 2.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) and returns 2.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}
