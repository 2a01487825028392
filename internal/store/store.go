// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package store provides the namespaced key-value persistence used by the
// plugin runtime.
//
// Keys are addressed as (hash, field). Hash arguments to Destroy and Iterate
// are shell-glob patterns:
//   - '*' matches any sequence of characters, including the ':' namespace delimiter
//   - '?' matches a single character
//   - a trailing '*' therefore performs a prefix match
//
// Use Quote to embed caller-supplied text in a pattern literally.
package store

import (
	"context"
	"iter"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Store is the persistence contract consumed by the plugin runtime.
// Implementations must be safe for concurrent use. Each call is atomic on its
// own; no transactional guarantee spans multiple calls.
type Store interface {
	// Write sets field of hash to value, creating the hash if needed.
	Write(ctx context.Context, hash, field, value string) error

	// Read returns the value of field in hash, or "" when absent.
	Read(ctx context.Context, hash, field string) (string, error)

	// Exists reports whether hash exists. A non-empty field narrows the check
	// to that field.
	Exists(ctx context.Context, hash, field string) (bool, error)

	// Destroy removes every hash matching pattern. A non-empty field removes
	// only that field from each matching hash.
	Destroy(ctx context.Context, pattern, field string) error

	// Iterate lazily yields the hashes matching pattern. The sequence is
	// finite and is not restartable: iterating it again re-runs the lookup.
	Iterate(ctx context.Context, pattern string) iter.Seq2[string, error]
}

// Quote escapes glob metacharacters so s matches only itself.
func Quote(s string) string {
	return glob.QuoteMeta(s)
}

// Collect drains an Iterate sequence into a slice.
func Collect(seq iter.Seq2[string, error]) ([]string, error) {
	var hashes []string
	for hash, err := range seq {
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

// compilePattern compiles a store pattern. No separators are passed, so '*'
// crosses the ':' namespace delimiter.
func compilePattern(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, oops.Code("INVALID_PATTERN").With("pattern", pattern).Wrap(err)
	}
	return g, nil
}

// literalPrefix returns the portion of pattern before its first
// metacharacter, unescaping quoted characters along the way. literal reports
// whether the whole pattern was consumed, i.e. it matches exactly one hash.
func literalPrefix(pattern string) (prefix string, literal bool) {
	buf := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '\\':
			if i+1 < len(pattern) {
				i++
				buf = append(buf, pattern[i])
			}
		case '*', '?', '[', '{':
			return string(buf), false
		default:
			buf = append(buf, c)
		}
	}
	return string(buf), true
}
