// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"

	"github.com/tidwall/gjson"
)

// Runner executes one artifact and returns its result.
//
// A result that is a JSON object whose "error" member names a known error
// code is a failure. Runners return a Go error only for faults of the runner
// itself; script faults are reported in the result.
type Runner interface {
	Run(ctx context.Context, artifact string) (string, error)
}

// Composer builds executable units for a Runner.
type Composer interface {
	// Extend returns extender's artifact with base's members folded in.
	// Members defined by extender win.
	Extend(base, extender string) string

	// Merge combines several artifacts into one unit addressed by plugin id.
	Merge(members []Member) string

	// Envelope wraps a single artifact with its invocation.
	Envelope(artifact string, inv Invocation) (string, error)

	// MergedEnvelope wraps a merged unit with one invocation per member.
	// Its result is {"results": {id: result}}.
	MergedEnvelope(merged string, invs []Invocation) (string, error)
}

// Source discovers and materializes plugins from artifact paths.
type Source interface {
	// Discover returns loaders for the plugins under paths. Sizes accumulate
	// against budget (zero means unlimited); once the next unit would exceed
	// it, discovery stops and truncated is true.
	Discover(ctx context.Context, paths []string, budget int64) (loaders []Loader, truncated bool, err error)

	// Load resolves a loader's references.
	Load(ctx context.Context, loader Loader) (*Header, Configuration, string, error)
}

// resultFailure reports whether raw carries a recognized error marker.
func resultFailure(raw string) (code, description string, failed bool) {
	if !gjson.Valid(raw) {
		return "", "", false
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return "", "", false
	}
	marker := parsed.Get("error")
	if marker.Type != gjson.String || !IsKnownCode(marker.Str) {
		return "", "", false
	}
	return marker.Str, parsed.Get("error_description").String(), true
}
