// Package capability checks host function access against the capability
// patterns a plugin manifest grants.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "values.*" matches "values.read" and "values.write"
//   - "call.*" matches "call.time" but NOT "call.time.now"
//   - "**" matches any capability
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// Capabilities checked by host functions.
const (
	ValuesRead    = "values.read"
	ValuesWrite   = "values.write"
	MessagesSend  = "messages.send"
	EventsFire    = "events.fire"
	PluginsRun    = "plugins.run"
	PluginsRemove = "plugins.remove"
	// CallPrefix prefixes the name of a function reached through host.call.
	CallPrefix = "call."
)

// Call returns the capability required to call the named host function.
func Call(name string) string {
	return CallPrefix + name
}

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer holds the grants of the plugins running in one execution unit.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// Compile validates patterns without registering them.
func Compile(patterns []string) error {
	_, err := compile(patterns)
	return err
}

func compile(patterns []string) ([]compiledGrant, error) {
	compiled := make([]compiledGrant, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, fmt.Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}
	return compiled, nil
}

// SetGrants restricts plugin to capabilities, replacing previous grants.
// If any pattern is invalid no changes are made.
func (e *Enforcer) SetGrants(plugin string, capabilities []string) error {
	if plugin == "" {
		return errors.New("plugin id cannot be empty")
	}
	compiled, err := compile(capabilities)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}
	e.grants[plugin] = compiled
	return nil
}

// RemoveGrants lifts every restriction on plugin.
// Safe to call for unknown plugins or on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plugin)
}

// IsRestricted reports whether plugin has grants registered.
func (e *Enforcer) IsRestricted(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[plugin]
	return ok
}

// Allowed reports whether plugin may use capability. Plugins without
// registered grants are unrestricted; restricted plugins are denied
// anything their grants do not match.
func (e *Enforcer) Allowed(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[plugin]
	if !ok {
		return true
	}
	for _, grant := range grants {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}
