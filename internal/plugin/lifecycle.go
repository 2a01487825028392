// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"

	"github.com/holomush/pluginhost/internal/store"
	"github.com/holomush/pluginhost/pkg/errutil"
)

type removingKey struct{ id string }

// withRemoving marks id as being removed so script errors raised by its own
// remove handlers do not trigger a nested removal.
func withRemoving(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, removingKey{id}, true)
}

func isRemoving(ctx context.Context, id string) bool {
	v, _ := ctx.Value(removingKey{id}).(bool)
	return v
}

// Add creates a live plugin and returns its id. Adding an id that is already
// live does nothing.
func (h *Handler) Add(ctx context.Context, header *Header, config Configuration, artifact string) (string, error) {
	switch {
	case header == nil:
		return "", ErrMissingParameter("header")
	case config == nil:
		return "", ErrMissingParameter("configuration")
	case artifact == "":
		return "", ErrMissingParameter("artifact")
	}

	hdr := header.Clone()
	generated := false
	if hdr.ID == "" {
		hdr.ID = newAutoID()
		generated = true
	} else if err := ValidateID("id", hdr.ID); err != nil {
		return "", err
	}
	for _, event := range hdr.Events {
		if err := ValidateEvent(event); err != nil {
			return "", err
		}
	}
	for _, target := range hdr.Extends {
		if err := ValidateID("extends", target); err != nil {
			return "", err
		}
	}
	id := hdr.ID

	existing, err := h.loadRecord(ctx, id)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return id, nil
	}

	rec := &Record{
		ID:            id,
		Header:        hdr,
		Configuration: config,
		Artifact:      artifact,
		Extends:       IDSet(nil).Add(hdr.Extends...).Remove(id),
	}
	if err := h.saveRecord(ctx, rec); err != nil {
		return "", err
	}

	absorbed, err := h.resolveExtensions(ctx, rec, generated)
	if err != nil {
		return "", err
	}

	// Composition may have rewritten the record through another copy.
	rec, err = h.loadRecord(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrUndefinedPlugin(id)
	}
	if absorbed {
		rec.Extended = true
	}

	activated := !rec.Extended && rec.Header.IsActive()
	if activated {
		if len(rec.Header.Events) == 0 {
			rec.Runnable = true
		}
		for _, event := range rec.Header.Events {
			if err := h.AddEventListener(ctx, event, id); err != nil {
				return "", err
			}
		}
	}
	if err := h.saveRecord(ctx, rec); err != nil {
		return "", err
	}

	// A loader for a plugin added directly is no longer needed.
	if err := h.RemovePluginLoader(ctx, id); err != nil {
		return "", err
	}

	Lifecycle.WithLabelValues("add").Inc()
	h.logger.InfoContext(ctx, "plugin added",
		"plugin", id,
		"extended", rec.Extended,
		"runnable", rec.Runnable)

	if rec.Extended {
		return id, nil
	}
	if err := h.fireDual(ctx, EventPluginAddAfter, id); err != nil {
		return "", err
	}
	if rec.Runnable {
		if _, err := h.Run(ctx, id, nil, ""); err != nil {
			errutil.LogError(h.logger.With("plugin", id), "initial run failed", err)
		}
	}
	return id, nil
}

// Remove deletes a plugin and everything scoped to it. Removing an id that is
// not live does nothing.
func (h *Handler) Remove(ctx context.Context, id string) error {
	if err := ValidateID("plugin_id", id); err != nil {
		return err
	}
	if isRemoving(ctx, id) {
		return nil
	}
	rec, err := h.loadRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	ctx = withRemoving(ctx, id)

	if err := h.fireDual(ctx, EventPluginRemoveBefore, id); err != nil {
		errutil.LogError(h.logger.With("plugin", id), "remove-before dispatch failed", err)
	}

	if err := h.RemovePluginLoader(ctx, id); err != nil {
		return err
	}
	if err := h.RemoveEvents(ctx, id); err != nil {
		return err
	}
	if err := h.removePending(ctx, id); err != nil {
		return err
	}
	if err := h.ClearValues(ctx, id); err != nil {
		return err
	}
	if err := h.store.Destroy(ctx, store.Quote(h.keys.plugin(id)), ""); err != nil {
		return ErrServerError(err)
	}

	Lifecycle.WithLabelValues("remove").Inc()
	h.logger.InfoContext(ctx, "plugin removed", "plugin", id)

	return h.fireDual(ctx, EventPluginRemoveAfter, id)
}

// removePending clears forward references to and from id.
func (h *Handler) removePending(ctx context.Context, id string) error {
	if err := h.store.Destroy(ctx, store.Quote(h.keys.pending(id)), ""); err != nil {
		return ErrServerError(err)
	}
	var keys []string
	for key, err := range h.store.Iterate(ctx, "pending:"+h.id+":*") {
		if err != nil {
			return ErrServerError(err)
		}
		keys = append(keys, key)
	}
	for _, key := range keys {
		if _, err := h.removeFromList(ctx, key, fieldExtenders, id); err != nil {
			return err
		}
	}
	return nil
}

// fireDual fires event handler-wide and scoped to id.
func (h *Handler) fireDual(ctx context.Context, event, id string) error {
	params := map[string]any{"plugin_id": id}
	if _, err := h.Fire(ctx, event, params); err != nil {
		return err
	}
	if _, err := h.Fire(ctx, id+"-"+event, params); err != nil {
		return err
	}
	return nil
}
