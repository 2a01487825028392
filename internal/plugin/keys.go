// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import "strings"

// Store layout. Every key is scoped by handler id:
//
//	handler:{hid}              created, paths, runner_last_use, handler_last_use
//	plugin:{hid}:{pid}         header, configuration, artifact, extends, composed, runnable, extended
//	loader:{hid}:{pid}         loader, events
//	load-event:{hid}:{event}   plugins
//	event:{hid}:{event}        plugins, composite
//	pending:{hid}:{base}       extenders
//	value:{hid}:{pid}          one field per key
const (
	fieldCreated        = "created"
	fieldPaths          = "paths"
	fieldRunnerLastUse  = "runner_last_use"
	fieldHandlerLastUse = "handler_last_use"

	fieldHeader        = "header"
	fieldConfiguration = "configuration"
	fieldArtifact      = "artifact"
	fieldExtends       = "extends"
	fieldComposed      = "composed"
	fieldRunnable      = "runnable"
	fieldExtended      = "extended"

	fieldLoader    = "loader"
	fieldEvents    = "events"
	fieldPlugins   = "plugins"
	fieldComposite = "composite"
	fieldExtenders = "extenders"
)

type keys struct {
	hid string
}

func (k keys) handler() string { return "handler:" + k.hid }

func (k keys) plugin(id string) string { return "plugin:" + k.hid + ":" + id }

func (k keys) loader(id string) string { return "loader:" + k.hid + ":" + id }

func (k keys) loadEvent(event string) string { return "load-event:" + k.hid + ":" + event }

func (k keys) event(event string) string { return "event:" + k.hid + ":" + event }

func (k keys) pending(base string) string { return "pending:" + k.hid + ":" + base }

func (k keys) values(id string) string { return "value:" + k.hid + ":" + id }

// scoped matches every plugin-level key owned by the handler, one pattern
// per namespace. The handler hash itself is not included.
func (k keys) scoped() []string {
	return []string{
		"plugin:" + k.hid + ":*",
		"loader:" + k.hid + ":*",
		"load-event:" + k.hid + ":*",
		"event:" + k.hid + ":*",
		"pending:" + k.hid + ":*",
		"value:" + k.hid + ":*",
	}
}

// suffix strips the namespace and handler id from a key.
func (k keys) suffix(namespace, key string) string {
	return strings.TrimPrefix(key, namespace+":"+k.hid+":")
}
