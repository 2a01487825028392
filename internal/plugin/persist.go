// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/store"
)

func (h *Handler) readList(ctx context.Context, hash, field string) (IDSet, error) {
	raw, err := h.store.Read(ctx, hash, field)
	if err != nil {
		return nil, ErrServerError(err)
	}
	return ParseIDSet(raw), nil
}

func (h *Handler) writeList(ctx context.Context, hash, field string, set IDSet) error {
	var err error
	if len(set) == 0 {
		err = h.store.Destroy(ctx, store.Quote(hash), field)
	} else {
		err = h.store.Write(ctx, hash, field, set.String())
	}
	if err != nil {
		return ErrServerError(err)
	}
	return nil
}

// addToList appends id to a stored list and reports whether it was absent.
func (h *Handler) addToList(ctx context.Context, hash, field, id string) (bool, error) {
	set, err := h.readList(ctx, hash, field)
	if err != nil {
		return false, err
	}
	if set.Contains(id) {
		return false, nil
	}
	return true, h.writeList(ctx, hash, field, set.Add(id))
}

// removeFromList drops id from a stored list and reports whether it was present.
func (h *Handler) removeFromList(ctx context.Context, hash, field, id string) (bool, error) {
	set, err := h.readList(ctx, hash, field)
	if err != nil {
		return false, err
	}
	if !set.Contains(id) {
		return false, nil
	}
	return true, h.writeList(ctx, hash, field, set.Remove(id))
}

// loadRecord reads a live record, or returns nil when id has none.
func (h *Handler) loadRecord(ctx context.Context, id string) (*Record, error) {
	key := h.keys.plugin(id)
	rawHeader, err := h.store.Read(ctx, key, fieldHeader)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if rawHeader == "" {
		return nil, nil
	}

	rec := &Record{ID: id}
	if err := json.Unmarshal([]byte(rawHeader), &rec.Header); err != nil {
		return nil, ErrServerError(oops.With("plugin_id", id).With("field", fieldHeader).Wrap(err))
	}

	fields := map[string]*string{}
	var rawConfig, extends, composed, runnable, extended string
	fields[fieldConfiguration] = &rawConfig
	fields[fieldArtifact] = &rec.Artifact
	fields[fieldExtends] = &extends
	fields[fieldComposed] = &composed
	fields[fieldRunnable] = &runnable
	fields[fieldExtended] = &extended
	for field, dst := range fields {
		v, err := h.store.Read(ctx, key, field)
		if err != nil {
			return nil, ErrServerError(err)
		}
		*dst = v
	}

	if rawConfig != "" {
		if err := json.Unmarshal([]byte(rawConfig), &rec.Configuration); err != nil {
			return nil, ErrServerError(oops.With("plugin_id", id).With("field", fieldConfiguration).Wrap(err))
		}
	}
	rec.Extends = ParseIDSet(extends)
	rec.Composed = ParseIDSet(composed)
	rec.Runnable, _ = strconv.ParseBool(runnable)
	rec.Extended, _ = strconv.ParseBool(extended)
	return rec, nil
}

// saveRecord persists every field of rec. The header is written last because
// its presence marks the record as live.
func (h *Handler) saveRecord(ctx context.Context, rec *Record) error {
	header, err := json.Marshal(rec.Header)
	if err != nil {
		return ErrServerError(err)
	}
	config, err := json.Marshal(rec.Configuration)
	if err != nil {
		return ErrMalformedParameters("configuration", err.Error())
	}

	key := h.keys.plugin(rec.ID)
	writes := []struct{ field, value string }{
		{fieldConfiguration, string(config)},
		{fieldArtifact, rec.Artifact},
		{fieldExtends, rec.Extends.String()},
		{fieldComposed, rec.Composed.String()},
		{fieldRunnable, strconv.FormatBool(rec.Runnable)},
		{fieldExtended, strconv.FormatBool(rec.Extended)},
		{fieldHeader, string(header)},
	}
	for _, w := range writes {
		if err := h.store.Write(ctx, key, w.field, w.value); err != nil {
			return ErrServerError(oops.With("plugin_id", rec.ID).With("field", w.field).Wrap(err))
		}
	}
	return nil
}

func (h *Handler) loadLoader(ctx context.Context, id string) (*Loader, error) {
	raw, err := h.store.Read(ctx, h.keys.loader(id), fieldLoader)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if raw == "" {
		return nil, nil
	}
	var loader Loader
	if err := json.Unmarshal([]byte(raw), &loader); err != nil {
		return nil, ErrServerError(oops.With("plugin_id", id).With("field", fieldLoader).Wrap(err))
	}
	if loader.Header == nil {
		loader.Header = &Header{ID: id}
	}
	return &loader, nil
}
