// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"slices"
)

// LoadEager materializes a loader during Init instead of on its trigger event.
const LoadEager = "eager"

// LoaderHints control when a discovered plugin is materialized.
type LoaderHints struct {
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
	Load   string   `json:"load,omitempty" yaml:"load,omitempty"`
}

// Header describes a plugin's identity and wiring.
type Header struct {
	ID      string      `json:"id,omitempty" yaml:"id,omitempty"`
	Name    string      `json:"name,omitempty" yaml:"name,omitempty"`
	Version string      `json:"version,omitempty" yaml:"version,omitempty"`
	Events  []string    `json:"events,omitempty" yaml:"events,omitempty"`
	Extends []string    `json:"extends,omitempty" yaml:"extends,omitempty"`
	Active  *bool       `json:"active,omitempty" yaml:"active,omitempty"`
	Loader  LoaderHints `json:"loader,omitzero" yaml:"loader,omitempty"`

	// Capabilities restricts the host functions the plugin may use. An
	// empty list leaves the plugin unrestricted.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// IsActive reports whether the plugin should be activated when added.
// Plugins are active unless the header says otherwise.
func (h *Header) IsActive() bool {
	return h.Active == nil || *h.Active
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	c := *h
	c.Events = slices.Clone(h.Events)
	c.Extends = slices.Clone(h.Extends)
	c.Loader.Events = slices.Clone(h.Loader.Events)
	c.Capabilities = slices.Clone(h.Capabilities)
	if h.Active != nil {
		active := *h.Active
		c.Active = &active
	}
	return &c
}

// Configuration is a plugin's opaque structured configuration.
type Configuration map[string]any

// Record is one live plugin.
type Record struct {
	ID            string
	Header        *Header
	Configuration Configuration
	// Artifact is the composed executable unit.
	Artifact string
	// Extends is the effective extends list: the header's own targets plus
	// every ancestor inherited through composition.
	Extends IDSet
	// Composed lists the ids already folded into Artifact.
	Composed IDSet
	Runnable bool
	Extended bool
}

// Loader points at a discovered plugin that has not been materialized.
type Loader struct {
	PluginID string  `json:"plugin_id"`
	Header   *Header `json:"header"`
	// Refs are opaque references resolved by the Source that produced the loader.
	HeaderRef        string `json:"header_ref,omitempty"`
	ConfigurationRef string `json:"configuration_ref,omitempty"`
	ArtifactRef      string `json:"artifact_ref,omitempty"`
	// Size is the number of bytes the loader counted against the preload budget.
	Size int64 `json:"size,omitempty"`
}

// Invocation is the envelope passed to a plugin's artifact.
type Invocation struct {
	HandlerID     string         `json:"handler_id"`
	PluginID      string         `json:"plugin_id"`
	Event         string         `json:"event"`
	Params        map[string]any `json:"params"`
	Configuration Configuration  `json:"config"`
	Capabilities  []string       `json:"capabilities,omitempty"`
}

// Member is one plugin's artifact inside a merged execution unit.
type Member struct {
	ID       string
	Artifact string
}

// Responses maps plugin ids to their result payloads. Failed recipients carry
// an inline ErrorResponse.
type Responses map[string]json.RawMessage
