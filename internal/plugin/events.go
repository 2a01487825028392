// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"

	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/store"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// AddEventListener registers id as a listener of event.
func (h *Handler) AddEventListener(ctx context.Context, event, id string) error {
	if err := ValidateEvent(event); err != nil {
		return err
	}
	if err := ValidateID("plugin_id", id); err != nil {
		return err
	}
	changed, err := h.addToList(ctx, h.keys.event(event), fieldPlugins, id)
	if err != nil || !changed {
		return err
	}
	return h.clearComposite(ctx, event)
}

// RemoveEventListener drops id from event's listeners.
func (h *Handler) RemoveEventListener(ctx context.Context, event, id string) error {
	if err := ValidateEvent(event); err != nil {
		return err
	}
	changed, err := h.removeFromList(ctx, h.keys.event(event), fieldPlugins, id)
	if err != nil || !changed {
		return err
	}
	return h.clearComposite(ctx, event)
}

// Listeners returns the ids listening to event in registration order.
func (h *Handler) Listeners(ctx context.Context, event string) (IDSet, error) {
	if err := ValidateEvent(event); err != nil {
		return nil, err
	}
	return h.readList(ctx, h.keys.event(event), fieldPlugins)
}

// Events lists every event with at least one listener.
func (h *Handler) Events(ctx context.Context) ([]string, error) {
	var events []string
	for key, err := range h.store.Iterate(ctx, "event:"+h.id+":*") {
		if err != nil {
			return nil, ErrServerError(err)
		}
		events = append(events, h.keys.suffix("event", key))
	}
	return events, nil
}

func (h *Handler) clearComposite(ctx context.Context, event string) error {
	if err := h.store.Destroy(ctx, store.Quote(h.keys.event(event)), fieldComposite); err != nil {
		return ErrServerError(err)
	}
	return nil
}

// RemoveEvents deregisters id from every event it listens to. The plugin
// stays live and can still be run directly.
func (h *Handler) RemoveEvents(ctx context.Context, id string) error {
	events, err := h.Events(ctx)
	if err != nil {
		return err
	}
	for _, event := range events {
		if err := h.RemoveEventListener(ctx, event, id); err != nil {
			return err
		}
	}
	return nil
}

// invalidateComposites clears the cached composite of every event id listens to.
func (h *Handler) invalidateComposites(ctx context.Context, id string) error {
	events, err := h.Events(ctx)
	if err != nil {
		return err
	}
	for _, event := range events {
		listeners, err := h.readList(ctx, h.keys.event(event), fieldPlugins)
		if err != nil {
			return err
		}
		if listeners.Contains(id) {
			if err := h.clearComposite(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddPluginLoader records a loader for a plugin that is not live yet.
func (h *Handler) AddPluginLoader(ctx context.Context, loader Loader) error {
	if err := ValidateID("plugin_id", loader.PluginID); err != nil {
		return err
	}
	if loader.Header == nil {
		return ErrMissingParameter("header")
	}
	data, err := json.Marshal(loader)
	if err != nil {
		return ErrServerError(err)
	}
	if err := h.store.Write(ctx, h.keys.loader(loader.PluginID), fieldLoader, string(data)); err != nil {
		return ErrServerError(err)
	}
	return nil
}

// RemovePluginLoader drops a loader and every load event it was queued under.
func (h *Handler) RemovePluginLoader(ctx context.Context, id string) error {
	events, err := h.readList(ctx, h.keys.loader(id), fieldEvents)
	if err != nil {
		return err
	}
	for _, event := range events {
		if _, err := h.removeFromList(ctx, h.keys.loadEvent(event), fieldPlugins, id); err != nil {
			return err
		}
	}
	if err := h.store.Destroy(ctx, store.Quote(h.keys.loader(id)), ""); err != nil {
		return ErrServerError(err)
	}
	return nil
}

// loadEvents picks the events that materialize a loader: explicit loader
// events, else the header's events, else the after-init event.
func loadEvents(header *Header) []string {
	switch {
	case len(header.Loader.Events) > 0:
		return header.Loader.Events
	case len(header.Events) > 0:
		return header.Events
	default:
		return []string{EventHandlerAfterInit}
	}
}

// AddLoadEvent queues the loader for id under its trigger events.
func (h *Handler) AddLoadEvent(ctx context.Context, id string, header *Header) error {
	if header == nil {
		return ErrMissingParameter("header")
	}
	events := loadEvents(header)
	for _, event := range events {
		if err := ValidateEvent(event); err != nil {
			return err
		}
	}
	var queued IDSet
	for _, event := range events {
		if _, err := h.addToList(ctx, h.keys.loadEvent(event), fieldPlugins, id); err != nil {
			return err
		}
		queued = queued.Add(event)
	}
	return h.writeList(ctx, h.keys.loader(id), fieldEvents, queued)
}

// FireLoadEvent materializes every loader queued under event. Each loader is
// consumed before it is materialized, so a failing loader is never retried.
func (h *Handler) FireLoadEvent(ctx context.Context, event string) error {
	ids, err := h.readList(ctx, h.keys.loadEvent(event), fieldPlugins)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := h.consumeLoader(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// consumeLoader removes the loader for id and adds the plugin it describes.
// Materialization failures are logged; only store failures are returned.
func (h *Handler) consumeLoader(ctx context.Context, id string) error {
	loader, err := h.loadLoader(ctx, id)
	if err != nil {
		return err
	}
	if err := h.RemovePluginLoader(ctx, id); err != nil {
		return err
	}
	if loader == nil {
		return nil
	}
	if err := h.materialize(ctx, *loader); err != nil {
		errutil.LogError(h.logger, "failed to materialize plugin", err)
	}
	return nil
}

func (h *Handler) materialize(ctx context.Context, loader Loader) error {
	if h.source == nil {
		return oops.With("plugin_id", loader.PluginID).Errorf("no artifact source is configured")
	}
	header, config, artifact, err := h.source.Load(ctx, loader)
	if err != nil {
		return oops.With("plugin_id", loader.PluginID).Wrap(err)
	}
	if header == nil {
		header = loader.Header
	}
	header = header.Clone()
	header.ID = loader.PluginID
	if config == nil {
		config = Configuration{}
	}
	if _, err := h.Add(ctx, header, config, artifact); err != nil {
		return err
	}
	Lifecycle.WithLabelValues("load").Inc()
	return nil
}

// Loaders returns every loader that has not been materialized, ordered by
// plugin id.
func (h *Handler) Loaders(ctx context.Context) ([]Loader, error) {
	keys, err := store.Collect(h.store.Iterate(ctx, "loader:"+h.id+":*"))
	if err != nil {
		return nil, ErrServerError(err)
	}
	var loaders []Loader
	for _, key := range keys {
		loader, err := h.loadLoader(ctx, h.keys.suffix("loader", key))
		if err != nil {
			return nil, err
		}
		if loader != nil {
			loaders = append(loaders, *loader)
		}
	}
	return loaders, nil
}
