// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/pluginhost/internal/plugin/lua"
	"github.com/holomush/pluginhost/internal/store"
)

// countingRunner records the start and end of every Runner call and the
// number of plugins each call carried.
type countingRunner struct {
	inner plugin.Runner

	mu      sync.Mutex
	starts  []time.Time
	ends    []time.Time
	members []int
}

func (r *countingRunner) Run(ctx context.Context, artifact string) (string, error) {
	n := strings.Count(artifact, "__members[")
	if n == 0 {
		n = 1
	}
	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	r.members = append(r.members, n)
	r.mu.Unlock()

	out, err := r.inner.Run(ctx, artifact)

	r.mu.Lock()
	r.ends = append(r.ends, time.Now())
	r.mu.Unlock()
	return out, err
}

func (r *countingRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

// Members returns the plugin count of each call in call order.
func (r *countingRunner) Members() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.members...)
}

func (r *countingRunner) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts, r.ends, r.members = nil, nil, nil
}

// sourceEntry is one plugin served by fakeSource.
type sourceEntry struct {
	header   *plugin.Header
	config   plugin.Configuration
	artifact string
	loadErr  error
}

// fakeSource discovers a fixed list of plugins in order.
type fakeSource struct {
	entries []sourceEntry

	mu    sync.Mutex
	loads []string
}

func (s *fakeSource) Discover(_ context.Context, _ []string, budget int64) ([]plugin.Loader, bool, error) {
	var (
		loaders []plugin.Loader
		total   int64
	)
	for _, e := range s.entries {
		size := int64(len(e.artifact))
		if budget > 0 && total+size > budget {
			return loaders, true, nil
		}
		total += size
		loaders = append(loaders, plugin.Loader{
			PluginID:    e.header.ID,
			Header:      e.header,
			ArtifactRef: e.header.ID,
			Size:        size,
		})
	}
	return loaders, false, nil
}

func (s *fakeSource) Load(_ context.Context, loader plugin.Loader) (*plugin.Header, plugin.Configuration, string, error) {
	s.mu.Lock()
	s.loads = append(s.loads, loader.PluginID)
	s.mu.Unlock()

	for _, e := range s.entries {
		if e.header.ID != loader.ArtifactRef {
			continue
		}
		if e.loadErr != nil {
			return nil, nil, "", e.loadErr
		}
		return e.header, e.config, e.artifact, nil
	}
	return nil, nil, "", errors.New("artifact not found: " + loader.ArtifactRef)
}

func (s *fakeSource) Loads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.loads...)
}

// fixture bundles a handler with the collaborators tests inspect.
type fixture struct {
	handler *plugin.Handler
	factory *plugin.Factory
	runner  *countingRunner
	store   store.Store
}

func testConfig() plugin.Config {
	cfg := plugin.DefaultConfig()
	cfg.RunTimeout = 2 * time.Second
	return cfg
}

// newFixture builds a handler over a memory store and the Lua runtime with
// host functions bound to the handler's value store.
func newFixture(t *testing.T, cfg plugin.Config, src plugin.Source) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewMemoryStore(), cfg, src)
}

// newFixtureOn is newFixture over a caller-supplied store.
func newFixtureOn(t *testing.T, st store.Store, cfg plugin.Config, src plugin.Source) *fixture {
	t.Helper()

	registry := hostfunc.NewRegistry()
	registry.Register("echo", func(_ context.Context, _ hostfunc.Binding, args []any) (any, error) {
		return args, nil
	})
	hf := hostfunc.New(plugin.NewValues(st), registry)
	runner := &countingRunner{inner: pluginlua.NewRunnerWithFunctions(hf)}

	opts := []plugin.FactoryOption{plugin.WithConfig(cfg)}
	if src != nil {
		opts = append(opts, plugin.WithSource(src))
	}
	factory := plugin.NewFactory(st, runner, pluginlua.Composer{}, opts...)
	hf.SetRuntime(plugin.NewHostRuntime(factory))
	h, err := factory.Handler("h1")
	require.NoError(t, err)

	return &fixture{handler: h, factory: factory, runner: runner, store: st}
}

func header(id string, events ...string) *plugin.Header {
	return &plugin.Header{ID: id, Events: events}
}

// add adds a plugin with an empty configuration and fails the test on error.
func (f *fixture) add(t *testing.T, hdr *plugin.Header, artifact string) string {
	t.Helper()
	id, err := f.handler.Add(context.Background(), hdr, plugin.Configuration{}, artifact)
	require.NoError(t, err)
	return id
}

// echoArtifact answers every event with the plugin id, event and params.
const echoArtifact = `return {
  run = function(ctx) return "ran " .. ctx.plugin_id end,
  on_event = function(ctx)
    return { plugin = ctx.plugin_id, event = ctx.event, params = ctx.params }
  end,
  message = function(ctx)
    return { to = ctx.plugin_id, from = ctx.params.from, message = ctx.params.message }
  end,
}`

// failingArtifact raises a script error from every handler.
const failingArtifact = `return function() error("boom") end`

// counterArtifact counts its own runs in its value store.
const counterArtifact = `return {
  run = function(ctx)
    local n = tonumber(host.kv_get("runs") or "0") + 1
    host.kv_set("runs", tostring(n))
    return n
  end,
}`
