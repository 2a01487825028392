// Package source discovers plugins stored as directories on disk.
//
// Each plugin lives in its own directory holding a plugin.yaml manifest and
// a Lua entry file:
//
//	plugins/
//	  greeter/
//	    plugin.yaml
//	    main.lua
package source

import (
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/capability"
)

// ManifestFile is the manifest name looked up in each plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	ID            string         `json:"id,omitempty" yaml:"id,omitempty" jsonschema:"pattern=^[A-Za-z0-9][A-Za-z0-9._-]*$"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	Version       string         `json:"version" yaml:"version"`
	Entry         string         `json:"entry" yaml:"entry"`
	Events        []string       `json:"events,omitempty" yaml:"events,omitempty"`
	Extends       []string       `json:"extends,omitempty" yaml:"extends,omitempty"`
	Active        *bool          `json:"active,omitempty" yaml:"active,omitempty"`
	Loader        *LoaderConfig  `json:"loader,omitempty" yaml:"loader,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty" yaml:"capabilities,omitempty" jsonschema:"description=Host function capability patterns; omit for unrestricted access"`
}

// LoaderConfig controls when a discovered plugin is materialized.
type LoaderConfig struct {
	Events []string `json:"events,omitempty" yaml:"events,omitempty"`
	Load   string   `json:"load,omitempty" yaml:"load,omitempty" jsonschema:"enum=eager,enum=lazy"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.In("source").Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.In("source").Hint("manifest is not valid YAML").Wrap(err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints the schema cannot express.
func (m *Manifest) Validate() error {
	if m.ID != "" && !idPattern.MatchString(m.ID) {
		return oops.In("source").With("id", m.ID).Errorf("id %q must match %s", m.ID, idPattern)
	}

	if m.Version == "" {
		return oops.In("source").Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return oops.In("source").With("version", m.Version).Hint("version must be a semantic version").Wrap(err)
	}

	if m.Entry == "" {
		return oops.In("source").Errorf("entry is required")
	}
	if !filepath.IsLocal(m.Entry) {
		return oops.In("source").With("entry", m.Entry).Errorf("entry must be a path inside the plugin directory")
	}

	for _, id := range m.Extends {
		if !idPattern.MatchString(id) {
			return oops.In("source").With("extends", id).Errorf("extends entry %q must match %s", id, idPattern)
		}
	}

	if err := capability.Compile(m.Capabilities); err != nil {
		return oops.In("source").With("capabilities", m.Capabilities).Hint("capabilities must be glob patterns such as values.* or call.**").Wrap(err)
	}

	if m.Loader != nil && m.Loader.Load != "" && m.Loader.Load != plugin.LoadEager && m.Loader.Load != "lazy" {
		return oops.In("source").With("load", m.Loader.Load).Errorf("loader.load must be 'eager' or 'lazy', got %q", m.Loader.Load)
	}

	return nil
}

// Header converts the manifest to a plugin header. fallbackID is used when
// the manifest does not name an id.
func (m *Manifest) Header(fallbackID string) *plugin.Header {
	h := &plugin.Header{
		ID:      m.ID,
		Name:    m.Name,
		Version: m.Version,
		Events:  m.Events,
		Extends: m.Extends,
		Active:  m.Active,

		Capabilities: m.Capabilities,
	}
	if h.ID == "" {
		h.ID = fallbackID
	}
	if h.Name == "" {
		h.Name = h.ID
	}
	if m.Loader != nil {
		h.Loader = plugin.LoaderHints{Events: m.Loader.Events, Load: m.Loader.Load}
	}
	return h.Clone()
}

// Config returns the manifest's configuration, never nil.
func (m *Manifest) Config() plugin.Configuration {
	if m.Configuration == nil {
		return plugin.Configuration{}
	}
	return plugin.Configuration(convertToJSONTypes(m.Configuration).(map[string]any))
}
