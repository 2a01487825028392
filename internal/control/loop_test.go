// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package control_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/control"
	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
	"github.com/holomush/pluginhost/internal/plugin/lua"
	"github.com/holomush/pluginhost/internal/plugin/source"
	"github.com/holomush/pluginhost/internal/store"
)

const greeterLua = `return {
  run = function(ctx) return { ran = ctx.plugin_id } end,
  greet = function(ctx) return { hello = ctx.params.name } end,
  message = function(ctx) return { got = ctx.params.message } end,
}`

func newFactory(t *testing.T, opts ...plugin.FactoryOption) (*plugin.Factory, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	hf := hostfunc.New(plugin.NewValues(st), nil)
	factory := plugin.NewFactory(st, lua.NewRunnerWithFunctions(hf), lua.Composer{}, opts...)
	hf.SetRuntime(plugin.NewHostRuntime(factory))
	return factory, st
}

// session feeds lines to a loop and decodes one response per line.
func session(t *testing.T, loop *control.Loop, lines ...string) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	err := loop.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)
	require.NoError(t, err)

	var responses []map[string]any
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var resp map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp), scanner.Text())
		responses = append(responses, resp)
	}
	return responses
}

func addLine(id, artifact string, events ...string) string {
	req := control.Request{
		ID:       "add-" + id,
		Op:       control.OpAdd,
		Header:   &plugin.Header{ID: id, Events: events},
		Artifact: artifact,
	}
	data, err := json.Marshal(req)
	if err != nil {
		panic(err)
	}
	return string(data)
}

func TestLoop_Serve(t *testing.T) {
	factory, _ := newFactory(t)
	loop := control.New(factory, control.WithHandler("h1"))

	responses := session(t, loop,
		addLine("greeter", greeterLua, "greet"),
		`{"id":"2","op":"fire","event":"greet","params":{"name":"ada"}}`,
		`{"id":"3","op":"run","plugin":"greeter"}`,
		`{"id":"4","op":"plugins"}`,
		``,
		`{"id":"5","op":"listeners","event":"greet"}`,
		`{"id":"6","op":"plugin","plugin":"greeter"}`,
	)
	require.Len(t, responses, 6, "blank lines produce no response")

	assert.Equal(t, map[string]any{"plugin": "greeter"}, responses[0]["result"])
	assert.Equal(t, map[string]any{"greeter": map[string]any{"hello": "ada"}}, responses[1]["result"])
	assert.Equal(t, map[string]any{"greeter": map[string]any{"ran": "greeter"}}, responses[2]["result"])
	assert.Equal(t, []any{"greeter"}, responses[3]["result"])
	assert.Equal(t, []any{"greeter"}, responses[4]["result"])

	view := responses[5]["result"].(map[string]any)
	assert.Equal(t, "greeter", view["id"])
	assert.Equal(t, []any{"greet"}, view["header"].(map[string]any)["events"])

	for i, resp := range responses {
		assert.NotContains(t, resp, "error", "response %d", i)
	}
}

func TestLoop_Serve_Errors(t *testing.T) {
	factory, _ := newFactory(t)
	loop := control.New(factory)

	responses := session(t, loop,
		`{not json`,
		`{"id":"a"}`,
		`{"id":"b","op":"explode"}`,
		`{"id":"c","op":"run","plugin":"ghost"}`,
		`{"id":"d","op":"fire","event":"bad*event"}`,
		`{"id":"e","op":"add"}`,
		`{"id":"f","op":"run","plugin":"x","handler":"bad:handler"}`,
	)
	require.Len(t, responses, 7)

	want := []string{
		plugin.CodeMalformedParameters,
		plugin.CodeMissingParameter,
		plugin.CodeUnknownCommand,
		plugin.CodeUndefinedPlugin,
		plugin.CodeMalformedParameters,
		plugin.CodeMissingParameter,
		plugin.CodeMalformedParameters,
	}
	for i, code := range want {
		assert.Equal(t, code, responses[i]["error"], "response %d", i)
		assert.NotEmpty(t, responses[i]["error_description"], "response %d", i)
		assert.NotContains(t, responses[i], "result")
	}
	assert.Equal(t, "c", responses[3]["id"])
}

func TestLoop_Permissions(t *testing.T) {
	factory, _ := newFactory(t)
	loop := control.New(factory, control.WithPermissions(control.Permissions{}))

	ops := []control.Request{
		{Op: control.OpFire, Event: "greet"},
		{Op: control.OpRun, Plugin: "greeter"},
		{Op: control.OpSend, From: "a"},
		{Op: control.OpCommand, Command: "stop"},
		{Op: control.OpInit},
		{Op: control.OpAdd, Header: &plugin.Header{}},
		{Op: control.OpRemove, Plugin: "greeter"},
		{Op: control.OpValueSet, Plugin: "greeter", Key: "k", Value: "v"},
	}
	for _, req := range ops {
		resp := loop.Handle(context.Background(), req)
		assert.Equal(t, plugin.CodeForbiddenCommand, resp.Error, req.Op)
	}

	resp := loop.Handle(context.Background(), control.Request{Op: control.OpPlugins})
	assert.Empty(t, resp.Error, "introspection is always allowed")

	resp = loop.Handle(context.Background(), control.Request{Op: "explode"})
	assert.Equal(t, plugin.CodeUnknownCommand, resp.Error, "unknown ops are reported before permissions")
}

func TestLoop_Commands(t *testing.T) {
	ctx := context.Background()
	factory, _ := newFactory(t)
	loop := control.New(factory, control.WithHandler("h1"))

	resp := loop.Handle(ctx, control.Request{Op: control.OpAdd, Header: &plugin.Header{ID: "greeter"}, Artifact: greeterLua})
	require.Empty(t, resp.Error)

	resp = loop.Handle(ctx, control.Request{Op: control.OpCommand})
	assert.Equal(t, plugin.CodeMissingParameter, resp.Error)

	resp = loop.Handle(ctx, control.Request{Op: control.OpCommand, Command: "restart"})
	assert.Equal(t, plugin.CodeUnknownCommand, resp.Error)

	resp = loop.Handle(ctx, control.Request{Op: control.OpCommand, Command: "RESET"})
	require.Empty(t, resp.Error)
	resp = loop.Handle(ctx, control.Request{Op: control.OpPlugins})
	assert.Nil(t, resp.Result, "reset drops plugins added at runtime")

	resp = loop.Handle(ctx, control.Request{Op: control.OpCommand, Command: "stop"})
	require.Empty(t, resp.Error)
	exists, err := factory.Exists(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLoop_InitializesOnFirstUse(t *testing.T) {
	ctx := context.Background()
	factory, _ := newFactory(t)
	loop := control.New(factory)

	resp := loop.Handle(ctx, control.Request{Op: control.OpHandlers})
	require.Empty(t, resp.Error)
	assert.Nil(t, resp.Result)

	resp = loop.Handle(ctx, control.Request{Op: control.OpEvents, Handler: "session-1"})
	require.Empty(t, resp.Error)

	resp = loop.Handle(ctx, control.Request{Op: control.OpHandlers})
	assert.Equal(t, []string{"session-1"}, resp.Result)
}

func TestLoop_InitWithPaths(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, source.ManifestFile),
			[]byte("version: 1.0.0\nentry: main.lua\nevents: [greet]\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(greeterLua), 0o600))
	}

	cfg := plugin.DefaultConfig()
	cfg.MaxPreloadBytes = 0
	factory, _ := newFactory(t, plugin.WithSource(source.NewDirectory()), plugin.WithConfig(cfg))
	loop := control.New(factory, control.WithPaths([]string{root}))

	resp := loop.Handle(ctx, control.Request{Op: control.OpFire, Event: "greet", Params: map[string]any{"name": "bo"}})
	require.Empty(t, resp.Error, resp.ErrorDescription)
	responses := resp.Result.(plugin.Responses)
	require.Len(t, responses, 2)
	assert.JSONEq(t, `{"hello":"bo"}`, string(responses["alpha"]))
	assert.JSONEq(t, `{"hello":"bo"}`, string(responses["beta"]))

	resp = loop.Handle(ctx, control.Request{Op: control.OpInit})
	require.Empty(t, resp.Error)
	assert.True(t, resp.Result.(plugin.InitResult).Existing)
}

func TestLoop_InitTruncationWarning(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, name := range []string{"alpha", "beta"} {
		dir := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, source.ManifestFile),
			[]byte("version: 1.0.0\nentry: main.lua\nevents: [greet]\n"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(greeterLua), 0o600))
	}

	cfg := plugin.DefaultConfig()
	cfg.MaxPreloadBytes = int64(len(greeterLua)) + 64
	factory, _ := newFactory(t, plugin.WithSource(source.NewDirectory()), plugin.WithConfig(cfg))
	loop := control.New(factory)

	resp := loop.Handle(ctx, control.Request{Op: control.OpInit, Paths: []string{root}})
	require.Empty(t, resp.Error)
	require.NotNil(t, resp.Warning)
	assert.Equal(t, plugin.CodeBytesLimitExceeded, resp.Warning.Error)

	result := resp.Result.(plugin.InitResult)
	assert.True(t, result.Truncated)
	assert.Equal(t, 1, result.Queued)
}

func TestLoop_Values(t *testing.T) {
	ctx := context.Background()
	factory, _ := newFactory(t)
	loop := control.New(factory)

	resp := loop.Handle(ctx, control.Request{Op: control.OpValueSet, Plugin: "p", Key: "color", Value: "teal"})
	require.Empty(t, resp.Error)

	resp = loop.Handle(ctx, control.Request{Op: control.OpValueGet, Plugin: "p", Key: "color"})
	assert.Equal(t, map[string]string{"value": "teal"}, resp.Result)

	resp = loop.Handle(ctx, control.Request{Op: control.OpValueDelete, Plugin: "p", Key: "color"})
	require.Empty(t, resp.Error)
	resp = loop.Handle(ctx, control.Request{Op: control.OpValueGet, Plugin: "p", Key: "color"})
	assert.Equal(t, map[string]string{"value": ""}, resp.Result)

	loop.Handle(ctx, control.Request{Op: control.OpValueSet, Plugin: "p", Key: "a", Value: "1"})
	resp = loop.Handle(ctx, control.Request{Op: control.OpValueClear, Plugin: "p"})
	require.Empty(t, resp.Error)
	resp = loop.Handle(ctx, control.Request{Op: control.OpValueGet, Plugin: "p", Key: "a"})
	assert.Equal(t, map[string]string{"value": ""}, resp.Result)

	resp = loop.Handle(ctx, control.Request{Op: control.OpValueGet, Plugin: "p"})
	assert.Equal(t, plugin.CodeMissingParameter, resp.Error)
}

func TestLoop_SendMessage(t *testing.T) {
	ctx := context.Background()
	factory, _ := newFactory(t)
	loop := control.New(factory)

	for _, id := range []string{"a", "b", "c"} {
		resp := loop.Handle(ctx, control.Request{Op: control.OpAdd, Header: &plugin.Header{ID: id}, Artifact: greeterLua})
		require.Empty(t, resp.Error)
	}

	resp := loop.Handle(ctx, control.Request{Op: control.OpSend, From: "a", Message: "hi"})
	require.Empty(t, resp.Error)
	responses := resp.Result.(plugin.Responses)
	assert.Len(t, responses, 2)
	assert.NotContains(t, responses, "a")
	assert.JSONEq(t, `{"got":"hi"}`, string(responses["b"]))

	resp = loop.Handle(ctx, control.Request{Op: control.OpSend, From: "a", To: []string{"c"}, Message: "direct"})
	require.Empty(t, resp.Error)
	assert.Len(t, resp.Result.(plugin.Responses), 1)
}

type recorded struct {
	op, status string
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen []recorded
}

func (r *fakeRecorder) RecordRequest(op, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, recorded{op, status})
}

func TestLoop_Recorder(t *testing.T) {
	factory, _ := newFactory(t)
	rec := &fakeRecorder{}
	loop := control.New(factory, control.WithRecorder(rec))

	loop.Handle(context.Background(), control.Request{Op: control.OpPlugins})
	loop.Handle(context.Background(), control.Request{Op: control.OpRun, Plugin: "ghost"})

	assert.Equal(t, []recorded{
		{control.OpPlugins, "ok"},
		{control.OpRun, plugin.CodeUndefinedPlugin},
	}, rec.seen)
}

func TestLoop_Serve_ContextCancelled(t *testing.T) {
	factory, _ := newFactory(t)
	loop := control.New(factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := loop.Serve(ctx, strings.NewReader(`{"op":"plugins"}`+"\n"), &out)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.String())
}

func TestNew_NilFactoryPanics(t *testing.T) {
	assert.Panics(t, func() { control.New(nil) })
}

func TestLoop_CapabilitiesRestrictHostFunctions(t *testing.T) {
	ctx := context.Background()
	factory, _ := newFactory(t)
	loop := control.New(factory)

	const writer = `return { run = function()
  local _, err = host.kv_set("k", "v")
  return { err = err }
end }`
	resp := loop.Handle(ctx, control.Request{
		Op:       control.OpAdd,
		Header:   &plugin.Header{ID: "locked", Capabilities: []string{"values.read"}},
		Artifact: writer,
	})
	require.Empty(t, resp.Error)
	resp = loop.Handle(ctx, control.Request{Op: control.OpAdd, Header: &plugin.Header{ID: "open"}, Artifact: writer})
	require.Empty(t, resp.Error)

	resp = loop.Handle(ctx, control.Request{Op: control.OpRun, Plugin: "locked"})
	require.Empty(t, resp.Error)
	assert.Contains(t, string(resp.Result.(plugin.Responses)["locked"]), "values.write")

	resp = loop.Handle(ctx, control.Request{Op: control.OpRun, Plugin: "open"})
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{}`, string(resp.Result.(plugin.Responses)["open"]))

	resp = loop.Handle(ctx, control.Request{Op: control.OpValueGet, Plugin: "open", Key: "k"})
	assert.Equal(t, map[string]string{"value": "v"}, resp.Result)
}

func TestLoop_AddDefaultsConfiguration(t *testing.T) {
	ctx := context.Background()
	factory, _ := newFactory(t)
	loop := control.New(factory, control.WithHandler("h1"))

	responses := session(t, loop,
		`{"id":"1","op":"add","header":{"id":"bare","events":["greet"]},"artifact":"return {}"}`,
		`{"id":"2","op":"add","header":{"id":"tuned","events":["greet"]},"configuration":{"greeting":"hi"},"artifact":"return {}"}`,
	)
	require.Len(t, responses, 2)
	for i, resp := range responses {
		assert.NotContains(t, resp, "error", "response %d", i)
	}

	h, err := factory.Handler("h1")
	require.NoError(t, err)
	rec, err := h.Plugin(ctx, "bare")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Empty(t, rec.Configuration)

	rec, err = h.Plugin(ctx, "tuned")
	require.NoError(t, err)
	assert.Equal(t, "hi", rec.Configuration["greeting"])

	_, err = h.Add(ctx, &plugin.Header{ID: "direct"}, nil, "return {}")
	assert.Equal(t, plugin.CodeMissingParameter, plugin.Code(err), "the runtime itself still requires a configuration")
}
