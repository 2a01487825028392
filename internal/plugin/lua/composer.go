// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/samber/oops"

	plugins "github.com/holomush/pluginhost/internal/plugin"
)

// Globals installed by the Runner for envelopes to call.
const (
	invokeGlobal    = "__pluginhost_invoke"
	invokeAllGlobal = "__pluginhost_invoke_all"
)

// Compile-time interface check.
var _ plugins.Composer = Composer{}

// Composer builds Lua execution units. An artifact is a chunk that returns
// a module table of handlers (or a single handler function).
type Composer struct{}

// Extend returns a chunk whose module is extender's module with every member
// of base's module that extender does not define.
func (Composer) Extend(base, extender string) string {
	var b strings.Builder
	b.WriteString("local __base = (function()\n")
	b.WriteString(base)
	b.WriteString("\nend)()\nlocal __self = (function()\n")
	b.WriteString(extender)
	b.WriteString(`
end)()
if __self == nil then
  return __base
end
if type(__self) == "table" and type(__base) == "table" then
  for k, v in pairs(__base) do
    if __self[k] == nil then
      __self[k] = v
    end
  end
end
return __self
`)
	return b.String()
}

// Merge returns a chunk whose value maps plugin ids to functions that build
// each member's module. Members are built lazily so one member's load error
// does not affect the others.
func (Composer) Merge(members []plugins.Member) string {
	var b strings.Builder
	b.WriteString("local __members = {}\n")
	for _, m := range members {
		b.WriteString("__members[")
		b.WriteString(quote(m.ID))
		b.WriteString("] = function()\n")
		b.WriteString(m.Artifact)
		b.WriteString("\nend\n")
	}
	b.WriteString("return __members\n")
	return b.String()
}

// Envelope wraps artifact so running it invokes the handler for inv.
func (Composer) Envelope(artifact string, inv plugins.Invocation) (string, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return "", oops.In("lua").With("plugin_id", inv.PluginID).With("operation", "envelope").Wrap(err)
	}
	var b strings.Builder
	b.WriteString("return ")
	b.WriteString(invokeGlobal)
	b.WriteString("(function()\n")
	b.WriteString(artifact)
	b.WriteString("\nend, ")
	b.WriteString(quote(string(data)))
	b.WriteString(")\n")
	return b.String(), nil
}

// MergedEnvelope wraps a merged unit so running it invokes each member once.
func (Composer) MergedEnvelope(merged string, invs []plugins.Invocation) (string, error) {
	data, err := json.Marshal(invs)
	if err != nil {
		return "", oops.In("lua").With("operation", "merged_envelope").Wrap(err)
	}
	var b strings.Builder
	b.WriteString("return ")
	b.WriteString(invokeAllGlobal)
	b.WriteString("(function()\n")
	b.WriteString(merged)
	b.WriteString("\nend, ")
	b.WriteString(quote(string(data)))
	b.WriteString(")\n")
	return b.String(), nil
}

// quote renders s as a Lua 5.1 string literal. Control bytes use three-digit
// decimal escapes; other bytes pass through unchanged.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c == '\n':
			b.WriteString(`\n`)
		case c < 0x20 || c == 0x7f:
			digits := strconv.Itoa(int(c))
			b.WriteByte('\\')
			b.WriteString(strings.Repeat("0", 3-len(digits)))
			b.WriteString(digits)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
