// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"crypto/rand"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// AutoIDPrefix prefixes ids assigned to plugins whose header omits one.
const AutoIDPrefix = "auto-"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// newAutoID returns a fresh plugin id. The monotonic source is the only
// process-wide mutable state in the runtime.
func newAutoID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return AutoIDPrefix + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// ValidateID checks that id can be used as a handler or plugin id. Ids are
// embedded in store keys, so the namespace delimiter and glob metacharacters
// are rejected.
func ValidateID(name, id string) error {
	if id == "" {
		return ErrMissingParameter(name)
	}
	if !idPattern.MatchString(id) {
		return ErrMalformedParameters(name, "must match "+idPattern.String())
	}
	return nil
}

// ValidateEvent checks an event name. Event names may contain ':' but not
// glob metacharacters or the list separator.
func ValidateEvent(event string) error {
	if event == "" {
		return ErrMissingParameter("event")
	}
	if strings.ContainsAny(event, `*?[]{}\,`) {
		return ErrMalformedParameters("event", "contains a reserved character")
	}
	return nil
}

// IDSet is an ordered, duplicate-free list of plugin ids. It is stored as a
// comma-joined string.
type IDSet []string

// ParseIDSet decodes the stored form of an IDSet.
func ParseIDSet(s string) IDSet {
	if s == "" {
		return nil
	}
	var set IDSet
	for _, id := range strings.Split(s, ",") {
		set = set.Add(strings.TrimSpace(id))
	}
	return set
}

// String encodes the set for storage.
func (s IDSet) String() string {
	return strings.Join(s, ",")
}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id string) bool {
	return slices.Contains(s, id)
}

// Add appends ids not already present, preserving order.
func (s IDSet) Add(ids ...string) IDSet {
	for _, id := range ids {
		if id == "" || s.Contains(id) {
			continue
		}
		s = append(s, id)
	}
	return s
}

// Remove returns the set without id.
func (s IDSet) Remove(id string) IDSet {
	return slices.DeleteFunc(slices.Clone(s), func(v string) bool { return v == id })
}

// Union returns s with every member of other appended in order.
func (s IDSet) Union(other IDSet) IDSet {
	return slices.Clone(s).Add(other...)
}
