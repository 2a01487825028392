// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/holomush/pluginhost/pkg/errutil"
)

// MaxCallDepth bounds how deeply Run, Fire and SendMessage may nest when
// plugins call back into the runtime.
const MaxCallDepth = 32

type callDepthKey struct{}

// enter records one more level of nesting on ctx.
func enter(ctx context.Context) (context.Context, error) {
	depth, _ := ctx.Value(callDepthKey{}).(int)
	if depth >= MaxCallDepth {
		return ctx, ErrCallDepthExceeded(MaxCallDepth)
	}
	return context.WithValue(ctx, callDepthKey{}, depth+1), nil
}

// Run hook suffixes. Listeners of "<id>-before" may replace the params of a
// run of <id>, listeners of "<id>-after" may replace its result, and
// "<id>-in-process" is a notification.
const (
	HookBefore    = "-before"
	HookInProcess = "-in-process"
	HookAfter     = "-after"
)

// beforeRun fires id's before and in-process hooks and returns the params
// the run should use.
func (h *Handler) beforeRun(ctx context.Context, id string, params map[string]any) map[string]any {
	if out, ok := h.hook(ctx, id+HookBefore, params); ok {
		var replaced map[string]any
		if gjson.ParseBytes(out).IsObject() && json.Unmarshal(out, &replaced) == nil {
			params = replaced
		}
	}
	h.hook(ctx, id+HookInProcess, params)
	return params
}

// afterRun fires id's after hook and returns the result the caller sees.
func (h *Handler) afterRun(ctx context.Context, id string, params map[string]any, result json.RawMessage) json.RawMessage {
	out, ok := h.hook(ctx, id+HookAfter, map[string]any{
		"params": params,
		"result": result,
	})
	if !ok {
		return result
	}
	return out
}

// hook fires event and returns the first usable response in listener
// order. Errors and null results are skipped. Hook failures never fail the
// run they wrap.
func (h *Handler) hook(ctx context.Context, event string, params map[string]any) (json.RawMessage, bool) {
	listeners, responses, err := h.fire(ctx, event, params)
	if err != nil {
		errutil.LogError(h.logger.With("event", event), "run hook failed", err)
		return nil, false
	}
	for _, id := range listeners {
		out, ok := responses[id]
		if !ok {
			continue
		}
		if _, _, failed := resultFailure(string(out)); failed {
			continue
		}
		if r := gjson.ParseBytes(out); r.Type == gjson.Null {
			continue
		}
		return out, true
	}
	return nil, false
}

// HostRuntime exposes Factory handlers to plugin code. Each call resolves the
// handler by id.
type HostRuntime struct {
	factory *Factory
}

// NewHostRuntime creates a HostRuntime over f.
func NewHostRuntime(f *Factory) *HostRuntime {
	return &HostRuntime{factory: f}
}

// SendMessage delivers message from the calling plugin.
func (r *HostRuntime) SendMessage(ctx context.Context, handlerID, from string, to []string, message any) (map[string]json.RawMessage, error) {
	h, err := r.factory.Handler(handlerID)
	if err != nil {
		return nil, err
	}
	return h.SendMessage(ctx, from, to, message)
}

// Fire fires event on the handler.
func (r *HostRuntime) Fire(ctx context.Context, handlerID, event string, params map[string]any) (map[string]json.RawMessage, error) {
	h, err := r.factory.Handler(handlerID)
	if err != nil {
		return nil, err
	}
	return h.Fire(ctx, event, params)
}

// Run runs one plugin of the handler.
func (r *HostRuntime) Run(ctx context.Context, handlerID, pluginID string, params map[string]any, event string) (json.RawMessage, error) {
	h, err := r.factory.Handler(handlerID)
	if err != nil {
		return nil, err
	}
	return h.Run(ctx, pluginID, params, event)
}

// Remove removes one plugin of the handler.
func (r *HostRuntime) Remove(ctx context.Context, handlerID, pluginID string) error {
	h, err := r.factory.Handler(handlerID)
	if err != nil {
		return err
	}
	return h.Remove(ctx, pluginID)
}

// RemoveEvents deregisters a plugin from every event it listens to.
func (r *HostRuntime) RemoveEvents(ctx context.Context, handlerID, pluginID string) error {
	h, err := r.factory.Handler(handlerID)
	if err != nil {
		return err
	}
	return h.RemoveEvents(ctx, pluginID)
}
