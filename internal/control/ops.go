// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package control

import (
	"context"
	"strings"

	"github.com/holomush/pluginhost/internal/plugin"
)

// Operation names.
const (
	OpInit        = "init"
	OpCommand     = "command"
	OpFire        = "fire"
	OpRun         = "run"
	OpSend        = "send"
	OpAdd         = "add"
	OpRemove      = "remove"
	OpValueGet    = "value.get"
	OpValueSet    = "value.set"
	OpValueDelete = "value.delete"
	OpValueClear  = "value.clear"
	OpPlugins     = "plugins"
	OpPlugin      = "plugin"
	OpLoaders     = "loaders"
	OpListeners   = "listeners"
	OpEvents      = "events"
	OpHandlers    = "handlers"
)

// Commands accepted by OpCommand.
const (
	CommandReset = "reset"
	CommandStop  = "stop"
)

// PluginView is the caller-facing rendering of a live plugin.
type PluginView struct {
	ID            string               `json:"id"`
	Header        *plugin.Header       `json:"header"`
	Configuration plugin.Configuration `json:"configuration,omitempty"`
	Extends       []string             `json:"extends,omitempty"`
	Composed      []string             `json:"composed,omitempty"`
	Runnable      bool                 `json:"runnable,omitempty"`
	Extended      bool                 `json:"extended,omitempty"`
}

// allowed reports whether op passes the permission gate.
func (l *Loop) allowed(op string) bool {
	switch op {
	case OpFire:
		return l.perms.Fire
	case OpRun:
		return l.perms.Run
	case OpSend:
		return l.perms.Send
	case OpInit, OpCommand:
		return l.perms.Commands
	case OpAdd, OpRemove, OpValueGet, OpValueSet, OpValueDelete, OpValueClear:
		return l.perms.Manage
	default:
		return true
	}
}

// dispatch runs req and returns its result and an optional warning.
func (l *Loop) dispatch(ctx context.Context, req Request) (result any, warning, err error) {
	if req.Op == "" {
		return nil, nil, plugin.ErrMissingParameter("op")
	}
	if !knownOp(req.Op) {
		return nil, nil, plugin.ErrUnknownCommand(req.Op)
	}
	if !l.allowed(req.Op) {
		return nil, nil, plugin.ErrForbiddenCommand(req.Op)
	}

	if req.Op == OpHandlers {
		ids, err := l.factory.Handlers(ctx)
		return ids, nil, err
	}

	h, err := l.factory.Handler(l.handlerFor(req))
	if err != nil {
		return nil, nil, err
	}

	if req.Op == OpInit {
		paths := req.Paths
		if paths == nil {
			paths = l.paths
		}
		res, err := h.Init(ctx, paths)
		return res, res.Warning, err
	}

	// Handlers are initialized on first use.
	exists, err := h.Exists(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		res, err := h.Init(ctx, l.paths)
		if err != nil {
			return nil, nil, err
		}
		warning = res.Warning
	}

	result, err = l.execute(ctx, h, req)
	return result, warning, err
}

func (l *Loop) execute(ctx context.Context, h *plugin.Handler, req Request) (any, error) {
	switch req.Op {
	case OpCommand:
		switch strings.ToLower(req.Command) {
		case "":
			return nil, plugin.ErrMissingParameter("command")
		case CommandReset:
			return h.Reset(ctx)
		case CommandStop:
			return nil, h.Stop(ctx)
		default:
			return nil, plugin.ErrUnknownCommand(req.Command)
		}

	case OpFire:
		if err := h.PluginHandlerLock(ctx); err != nil {
			return nil, err
		}
		return h.Fire(ctx, req.Event, req.Params)

	case OpRun:
		if err := h.PluginHandlerLock(ctx); err != nil {
			return nil, err
		}
		out, err := h.Run(ctx, req.Plugin, req.Params, req.Event)
		if err != nil {
			return nil, err
		}
		return plugin.Responses{req.Plugin: out}, nil

	case OpSend:
		if err := h.PluginHandlerLock(ctx); err != nil {
			return nil, err
		}
		return h.SendMessage(ctx, req.From, req.To, req.Message)

	case OpAdd:
		if req.Header == nil {
			return nil, plugin.ErrMissingParameter("header")
		}
		// An empty configuration object is dropped by omitempty on the
		// wire, so an absent one is read as empty.
		config := req.Configuration
		if config == nil {
			config = plugin.Configuration{}
		}
		id, err := h.Add(ctx, req.Header, config, req.Artifact)
		if err != nil {
			return nil, err
		}
		return map[string]string{"plugin": id}, nil

	case OpRemove:
		return nil, h.Remove(ctx, req.Plugin)

	case OpValueGet:
		value, err := h.GetValue(ctx, req.Plugin, req.Key)
		if err != nil {
			return nil, err
		}
		return map[string]string{"value": value}, nil
	case OpValueSet:
		return nil, h.SetValue(ctx, req.Plugin, req.Key, req.Value)
	case OpValueDelete:
		return nil, h.DestroyValue(ctx, req.Plugin, req.Key)
	case OpValueClear:
		return nil, h.ClearValues(ctx, req.Plugin)

	case OpPlugins:
		return h.Plugins(ctx)
	case OpPlugin:
		rec, err := h.Plugin(ctx, req.Plugin)
		if err != nil {
			return nil, err
		}
		return PluginView{
			ID:            rec.ID,
			Header:        rec.Header,
			Configuration: rec.Configuration,
			Extends:       rec.Extends,
			Composed:      rec.Composed,
			Runnable:      rec.Runnable,
			Extended:      rec.Extended,
		}, nil
	case OpLoaders:
		return h.Loaders(ctx)
	case OpListeners:
		return h.Listeners(ctx, req.Event)
	case OpEvents:
		return h.Events(ctx)
	}
	return nil, plugin.ErrUnknownCommand(req.Op)
}

func knownOp(op string) bool {
	switch op {
	case OpInit, OpCommand, OpFire, OpRun, OpSend, OpAdd, OpRemove,
		OpValueGet, OpValueSet, OpValueDelete, OpValueClear,
		OpPlugins, OpPlugin, OpLoaders, OpListeners, OpEvents, OpHandlers:
		return true
	}
	return false
}
