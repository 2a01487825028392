// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
)

// resolveExtensions links rec to the plugins it extends and to the plugins
// already waiting to extend it. rec must already be persisted. It reports
// whether rec was absorbed by at least one waiting extender.
func (h *Handler) resolveExtensions(ctx context.Context, rec *Record, generated bool) (bool, error) {
	for _, target := range rec.Header.Extends {
		if target == rec.ID {
			continue
		}
		base, err := h.loadRecord(ctx, target)
		if err != nil {
			return false, err
		}
		if base == nil {
			if _, err := h.addToList(ctx, h.keys.pending(target), fieldExtenders, rec.ID); err != nil {
				return false, err
			}
			continue
		}
		if err := h.compose(ctx, base, rec); err != nil {
			return false, err
		}
	}

	// Nothing can be waiting on an id that did not exist until now.
	if generated {
		return false, nil
	}

	waiting, err := h.readList(ctx, h.keys.pending(rec.ID), fieldExtenders)
	if err != nil {
		return false, err
	}
	absorbed := false
	for _, extenderID := range waiting {
		extender, err := h.loadRecord(ctx, extenderID)
		if err != nil {
			return false, err
		}
		if extender == nil {
			continue
		}
		// An extends cycle: rec already absorbed this extender.
		if rec.Composed.Contains(extender.ID) {
			continue
		}
		if err := h.compose(ctx, rec, extender); err != nil {
			return false, err
		}
		absorbed = true
	}
	if err := h.writeList(ctx, h.keys.pending(rec.ID), fieldExtenders, nil); err != nil {
		return false, err
	}
	return absorbed, nil
}

// compose folds base into extender. The base is deactivated but keeps its
// artifact for further chained extension. Ancestors extender inherits from
// base that are not live yet are registered as pending so they reach
// extender when they arrive. A base that already absorbed extender is left
// alone, so the plugin that closes a cycle stays active.
func (h *Handler) compose(ctx context.Context, base, extender *Record) error {
	if base.ID == extender.ID || extender.Composed.Contains(base.ID) || base.Composed.Contains(extender.ID) {
		return nil
	}

	extender.Artifact = h.composer.Extend(base.Artifact, extender.Artifact)
	extender.Composed = extender.Composed.Union(base.Composed).Add(base.ID)

	inherited := extender.Extends.Union(IDSet{base.ID}).Union(base.Extends).Remove(extender.ID)
	var newAncestors IDSet
	for _, id := range inherited {
		if !extender.Extends.Contains(id) && id != base.ID {
			newAncestors = newAncestors.Add(id)
		}
	}
	extender.Extends = inherited

	base.Extended = true
	base.Runnable = false
	if err := h.RemoveEvents(ctx, base.ID); err != nil {
		return err
	}
	if err := h.saveRecord(ctx, base); err != nil {
		return err
	}
	if err := h.saveRecord(ctx, extender); err != nil {
		return err
	}
	if err := h.invalidateComposites(ctx, extender.ID); err != nil {
		return err
	}

	Lifecycle.WithLabelValues("extend").Inc()
	h.logger.DebugContext(ctx, "plugin extended",
		"base", base.ID,
		"extender", extender.ID)

	for _, ancestorID := range newAncestors {
		if extender.Composed.Contains(ancestorID) {
			continue
		}
		ancestor, err := h.loadRecord(ctx, ancestorID)
		if err != nil {
			return err
		}
		if ancestor == nil {
			if _, err := h.addToList(ctx, h.keys.pending(ancestorID), fieldExtenders, extender.ID); err != nil {
				return err
			}
			continue
		}
		if err := h.compose(ctx, ancestor, extender); err != nil {
			return err
		}
	}
	return nil
}
