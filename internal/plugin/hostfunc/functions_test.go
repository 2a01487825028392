// Package hostfunc_test tests host function implementations.
package hostfunc_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/pluginhost/internal/plugin/capability"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
)

type valueKey struct{ handler, plugin, key string }

// mockValueStore is a map-backed ValueStore.
type mockValueStore struct {
	mu   sync.Mutex
	data map[valueKey]string
	err  error
}

func newMockValueStore() *mockValueStore {
	return &mockValueStore{data: make(map[valueKey]string)}
}

func (m *mockValueStore) Get(_ context.Context, handlerID, pluginID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	return m.data[valueKey{handlerID, pluginID, key}], nil
}

func (m *mockValueStore) Set(_ context.Context, handlerID, pluginID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[valueKey{handlerID, pluginID, key}] = value
	return nil
}

func (m *mockValueStore) Delete(_ context.Context, handlerID, pluginID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.data, valueKey{handlerID, pluginID, key})
	return nil
}

func newState(hf *hostfunc.Functions, binding *hostfunc.Binding) *lua.LState {
	L := lua.NewState()
	hf.Register(L, binding)
	return L
}

func TestHostFunctions_Log_Levels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		t.Run(level, func(t *testing.T) {
			L := newState(hostfunc.New(nil, nil), &hostfunc.Binding{HandlerID: "h1", PluginID: "p1"})
			defer L.Close()

			if err := L.DoString(`host.log("` + level + `", "test message")`); err != nil {
				t.Errorf("log(%q) failed: %v", level, err)
			}
		})
	}
}

func TestHostFunctions_Log_InvalidLevel(t *testing.T) {
	L := newState(hostfunc.New(nil, nil), &hostfunc.Binding{PluginID: "p1"})
	defer L.Close()

	err := L.DoString(`host.log("invalid_level", "test message")`)
	if err == nil {
		t.Fatal("expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid_level") {
		t.Errorf("error should name the bad level, got: %v", err)
	}
}

func TestHostFunctions_NewRequestID(t *testing.T) {
	L := newState(hostfunc.New(nil, nil), &hostfunc.Binding{})
	defer L.Close()

	if err := L.DoString(`a = host.new_request_id(); b = host.new_request_id()`); err != nil {
		t.Fatalf("new_request_id() failed: %v", err)
	}
	a := L.GetGlobal("a").String()
	b := L.GetGlobal("b").String()
	if _, err := ulid.Parse(a); err != nil {
		t.Errorf("request id %q is not a ULID: %v", a, err)
	}
	if a == b {
		t.Errorf("request ids should be unique, both were %q", a)
	}
}

func TestHostFunctions_KV_RoundTrip(t *testing.T) {
	values := newMockValueStore()
	binding := &hostfunc.Binding{HandlerID: "h1", PluginID: "p1"}
	L := newState(hostfunc.New(values, nil), binding)
	defer L.Close()

	err := L.DoString(`
		local _, err = host.kv_set("color", "blue")
		assert(err == nil, err)
		got = host.kv_get("color")
		host.kv_delete("color")
		after = host.kv_get("color")
	`)
	if err != nil {
		t.Fatalf("kv round trip failed: %v", err)
	}
	if got := L.GetGlobal("got").String(); got != "blue" {
		t.Errorf("kv_get = %q, want %q", got, "blue")
	}
	if after := L.GetGlobal("after"); after != lua.LNil {
		t.Errorf("kv_get after delete = %v, want nil", after)
	}
}

func TestHostFunctions_KV_FollowsBinding(t *testing.T) {
	values := newMockValueStore()
	binding := &hostfunc.Binding{HandlerID: "h1", PluginID: "p1"}
	L := newState(hostfunc.New(values, nil), binding)
	defer L.Close()

	if err := L.DoString(`host.kv_set("k", "one")`); err != nil {
		t.Fatal(err)
	}
	binding.PluginID = "p2"
	if err := L.DoString(`host.kv_set("k", "two")`); err != nil {
		t.Fatal(err)
	}

	if got := values.data[valueKey{"h1", "p1", "k"}]; got != "one" {
		t.Errorf("p1 value = %q, want %q", got, "one")
	}
	if got := values.data[valueKey{"h1", "p2", "k"}]; got != "two" {
		t.Errorf("p2 value = %q, want %q", got, "two")
	}
}

func TestHostFunctions_KV_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values hostfunc.ValueStore
		want   string
	}{
		{"no store", nil, "value store not available"},
		{"store failure", &mockValueStore{data: map[valueKey]string{}, err: errors.New("disk full")}, "disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := newState(hostfunc.New(tt.values, nil), &hostfunc.Binding{PluginID: "p1"})
			defer L.Close()

			if err := L.DoString(`v, err = host.kv_get("k")`); err != nil {
				t.Fatal(err)
			}
			if v := L.GetGlobal("v"); v != lua.LNil {
				t.Errorf("value = %v, want nil", v)
			}
			if got := L.GetGlobal("err").String(); !strings.Contains(got, tt.want) {
				t.Errorf("err = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestHostFunctions_Call(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("echo", func(_ context.Context, caller hostfunc.Binding, args []any) (any, error) {
		return map[string]any{"caller": caller.PluginID, "args": args}, nil
	})
	registry.Register("fail", func(context.Context, hostfunc.Binding, []any) (any, error) {
		return nil, errors.New("nope")
	})

	L := newState(hostfunc.New(nil, registry), &hostfunc.Binding{PluginID: "p1"})
	defer L.Close()

	err := L.DoString(`
		local r = host.call("echo", "a", 2)
		caller = r.caller
		first = r.args[1]
		second = r.args[2]
		_, failure = host.call("fail")
	`)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if got := L.GetGlobal("caller").String(); got != "p1" {
		t.Errorf("caller = %q, want p1", got)
	}
	if got := L.GetGlobal("first").String(); got != "a" {
		t.Errorf("first arg = %q, want a", got)
	}
	if got := L.GetGlobal("second").String(); got != "2" {
		t.Errorf("second arg = %q, want 2", got)
	}
	if got := L.GetGlobal("failure").String(); got != "nope" {
		t.Errorf("failure = %q, want nope", got)
	}
}

func TestHostFunctions_Capabilities(t *testing.T) {
	registry := hostfunc.NewRegistry()
	registry.Register("clock", func(context.Context, hostfunc.Binding, []any) (any, error) {
		return "noon", nil
	})
	registry.Register("secret", func(context.Context, hostfunc.Binding, []any) (any, error) {
		return "leaked", nil
	})

	grants := capability.NewEnforcer()
	if err := grants.SetGrants("p1", []string{capability.ValuesRead, "call.clock"}); err != nil {
		t.Fatal(err)
	}
	values := newMockValueStore()
	values.data[valueKey{"h1", "p1", "k"}] = "v"

	binding := &hostfunc.Binding{HandlerID: "h1", PluginID: "p1", Grants: grants}
	L := newState(hostfunc.New(values, registry), binding)
	defer L.Close()

	err := L.DoString(`
		read = host.kv_get("k")
		_, set_err = host.kv_set("k", "x")
		_, delete_err = host.kv_delete("k")
		clock = host.call("clock")
		_, secret_err = host.call("secret")
	`)
	if err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("read").String(); got != "v" {
		t.Errorf("granted kv_get = %q, want v", got)
	}
	if got := L.GetGlobal("clock").String(); got != "noon" {
		t.Errorf("granted call = %q, want noon", got)
	}
	for global, want := range map[string]string{
		"set_err":    capability.ValuesWrite,
		"delete_err": capability.ValuesWrite,
		"secret_err": "call.secret",
	} {
		if got := L.GetGlobal(global).String(); !strings.Contains(got, want) {
			t.Errorf("%s = %q, want it to name %q", global, got, want)
		}
	}
	if got := values.data[valueKey{"h1", "p1", "k"}]; got != "v" {
		t.Errorf("denied writes changed the value to %q", got)
	}

	// Grants are per plugin; another plugin in the same state is unrestricted.
	binding.PluginID = "p2"
	if err := L.DoString(`assert(host.call("secret") == "leaked")`); err != nil {
		t.Errorf("unrestricted plugin was denied: %v", err)
	}
}

func TestHostFunctions_Call_UndefinedFunction(t *testing.T) {
	L := newState(hostfunc.New(nil, nil), &hostfunc.Binding{PluginID: "p1"})
	defer L.Close()

	err := L.DoString(`host.call("missing")`)
	if err == nil {
		t.Fatal("expected error for undefined function")
	}
	var apiErr *lua.ApiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *lua.ApiError, got %T", err)
	}
	msg, ok := hostfunc.AsUndefinedFunction(apiErr.Object)
	if !ok {
		t.Fatalf("raised value %v is not an undefined function error", apiErr.Object)
	}
	if !strings.Contains(msg, "missing") {
		t.Errorf("message = %q, want it to name the function", msg)
	}
}

func TestAsUndefinedFunction_OtherValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	other := L.NewTable()
	other.RawSetString("code", lua.LString("something_else"))

	for _, v := range []lua.LValue{lua.LString("boom"), lua.LNil, other} {
		if _, ok := hostfunc.AsUndefinedFunction(v); ok {
			t.Errorf("AsUndefinedFunction(%v) = true, want false", v)
		}
	}
}

func TestRegistry_Names(t *testing.T) {
	registry := hostfunc.NewRegistry()
	noop := func(context.Context, hostfunc.Binding, []any) (any, error) { return nil, nil }
	registry.Register("zeta", noop)
	registry.Register("alpha", noop)
	registry.Register("alpha", noop)

	names := registry.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Errorf("Names() = %v, want [alpha zeta]", names)
	}
	if _, ok := registry.Lookup("missing"); ok {
		t.Error("Lookup(missing) should fail")
	}
}
