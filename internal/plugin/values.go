// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"

	"github.com/holomush/pluginhost/internal/store"
)

// Values is the plugin-scoped key-value store. It is shared by Handler and
// by host functions that run inside a Runner.
type Values struct {
	store store.Store
}

// NewValues creates a Values backed by st.
func NewValues(st store.Store) *Values {
	return &Values{store: st}
}

func valuesKey(handlerID, pluginID string) string {
	return keys{hid: handlerID}.values(pluginID)
}

// Get returns the value of key, or "" when it is not set.
func (v *Values) Get(ctx context.Context, handlerID, pluginID, key string) (string, error) {
	if key == "" {
		return "", ErrMissingParameter("key")
	}
	value, err := v.store.Read(ctx, valuesKey(handlerID, pluginID), key)
	if err != nil {
		return "", ErrServerError(err)
	}
	return value, nil
}

// Set stores value under key.
func (v *Values) Set(ctx context.Context, handlerID, pluginID, key, value string) error {
	if key == "" {
		return ErrMissingParameter("key")
	}
	if err := v.store.Write(ctx, valuesKey(handlerID, pluginID), key, value); err != nil {
		return ErrServerError(err)
	}
	return nil
}

// Delete removes key.
func (v *Values) Delete(ctx context.Context, handlerID, pluginID, key string) error {
	if key == "" {
		return ErrMissingParameter("key")
	}
	if err := v.store.Destroy(ctx, store.Quote(valuesKey(handlerID, pluginID)), key); err != nil {
		return ErrServerError(err)
	}
	return nil
}

// Clear removes every key of the plugin.
func (v *Values) Clear(ctx context.Context, handlerID, pluginID string) error {
	if err := v.store.Destroy(ctx, store.Quote(valuesKey(handlerID, pluginID)), ""); err != nil {
		return ErrServerError(err)
	}
	return nil
}

// SetValue stores a value scoped to pluginID.
func (h *Handler) SetValue(ctx context.Context, pluginID, key, value string) error {
	if err := ValidateID("plugin_id", pluginID); err != nil {
		return err
	}
	return h.values.Set(ctx, h.id, pluginID, key, value)
}

// GetValue reads a value scoped to pluginID. Missing keys read as "".
func (h *Handler) GetValue(ctx context.Context, pluginID, key string) (string, error) {
	if err := ValidateID("plugin_id", pluginID); err != nil {
		return "", err
	}
	return h.values.Get(ctx, h.id, pluginID, key)
}

// DestroyValue removes one value scoped to pluginID.
func (h *Handler) DestroyValue(ctx context.Context, pluginID, key string) error {
	if err := ValidateID("plugin_id", pluginID); err != nil {
		return err
	}
	return h.values.Delete(ctx, h.id, pluginID, key)
}

// ClearValues removes every value scoped to pluginID.
func (h *Handler) ClearValues(ctx context.Context, pluginID string) error {
	if err := ValidateID("plugin_id", pluginID); err != nil {
		return err
	}
	return h.values.Clear(ctx, h.id, pluginID)
}
