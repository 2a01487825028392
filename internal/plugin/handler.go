// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"

	"github.com/holomush/pluginhost/internal/store"
)

var tracer = otel.Tracer("pluginhost/plugin")

// Lifecycle events fired by the runtime.
const (
	EventHandlerAfterInit   = "handler-after-init"
	EventPluginAddAfter     = "plugin-add-after"
	EventPluginRemoveBefore = "plugin-remove-before"
	EventPluginRemoveAfter  = "plugin-remove-after"
	// EventMessage is the event name under which SendMessage delivers.
	EventMessage = "message"
)

// Defaults for Config.
const (
	DefaultMaxPreloadBytes    int64 = 8 << 20
	DefaultBroadcastBatchSize       = 100
	DefaultRunTimeout               = 5 * time.Second
)

// Config tunes a Factory's handlers.
type Config struct {
	// MaxPreloadBytes bounds discovery during Init. Zero disables the budget.
	MaxPreloadBytes int64
	// RunnerMinInterval is the minimum spacing between Runner calls per handler.
	RunnerMinInterval time.Duration
	// HandlerMinInterval is the minimum spacing between Init, Stop and Reset.
	HandlerMinInterval time.Duration
	// BroadcastBatchSize caps the recipients of one merged SendMessage call.
	BroadcastBatchSize int
	// RunTimeout bounds each Runner call. Zero disables the deadline.
	RunTimeout time.Duration
	// CompositeDispatch merges all listeners of an event into one Runner call.
	CompositeDispatch bool
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		MaxPreloadBytes:    DefaultMaxPreloadBytes,
		BroadcastBatchSize: DefaultBroadcastBatchSize,
		RunTimeout:         DefaultRunTimeout,
	}
}

// Factory creates Handlers that share a store, runner, and composer.
type Factory struct {
	store    store.Store
	runner   Runner
	composer Composer
	source   Source
	cfg      Config
	logger   *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithSource sets the artifact source used by Init.
func WithSource(src Source) FactoryOption {
	return func(f *Factory) {
		f.source = src
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) FactoryOption {
	return func(f *Factory) {
		f.cfg = cfg
	}
}

// WithLogger sets the logger handlers derive from.
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory creates a handler factory.
func NewFactory(st store.Store, runner Runner, composer Composer, opts ...FactoryOption) *Factory {
	f := &Factory{
		store:    st,
		runner:   runner,
		composer: composer,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.cfg.BroadcastBatchSize <= 0 {
		f.cfg.BroadcastBatchSize = DefaultBroadcastBatchSize
	}
	return f
}

// Handler returns the handler bound to id. The handler's state lives in the
// store, so handlers for the same id are interchangeable.
func (f *Factory) Handler(id string) (*Handler, error) {
	if err := ValidateID("handler_id", id); err != nil {
		return nil, err
	}
	return &Handler{
		id:       id,
		keys:     keys{hid: id},
		store:    f.store,
		runner:   f.runner,
		composer: f.composer,
		source:   f.source,
		values:   NewValues(f.store),
		cfg:      f.cfg,
		logger:   f.logger.With("handler", id),
	}, nil
}

// Exists reports whether a handler with id has been initialized.
func (f *Factory) Exists(ctx context.Context, id string) (bool, error) {
	h, err := f.Handler(id)
	if err != nil {
		return false, err
	}
	return h.Exists(ctx)
}

// Handlers lists the ids of initialized handlers.
func (f *Factory) Handlers(ctx context.Context) ([]string, error) {
	keys, err := store.Collect(f.store.Iterate(ctx, "handler:*"))
	if err != nil {
		return nil, ErrServerError(err)
	}
	var ids []string
	for _, key := range keys {
		id := strings.TrimPrefix(key, "handler:")
		ok, err := f.store.Exists(ctx, key, fieldCreated)
		if err != nil {
			return nil, ErrServerError(err)
		}
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Handler owns one namespace of plugins.
type Handler struct {
	id       string
	keys     keys
	store    store.Store
	runner   Runner
	composer Composer
	source   Source
	values   *Values
	cfg      Config
	logger   *slog.Logger
}

// ID returns the handler id.
func (h *Handler) ID() string {
	return h.id
}

// InitResult summarizes discovery during Init.
type InitResult struct {
	// Existing is true when the handler was already initialized and Init did nothing.
	Existing bool `json:"existing,omitempty"`
	// Queued counts loaders registered against trigger events.
	Queued int `json:"queued"`
	// Eager counts loaders materialized during Init.
	Eager int `json:"eager"`
	// Truncated is true when discovery stopped at the preload budget.
	Truncated bool `json:"truncated,omitempty"`
	// Warning is a bytes_limit_exceeded error when Truncated is set.
	Warning error `json:"-"`
}

// Exists reports whether the handler has been initialized.
func (h *Handler) Exists(ctx context.Context) (bool, error) {
	ok, err := h.store.Exists(ctx, h.keys.handler(), fieldCreated)
	if err != nil {
		return false, ErrServerError(err)
	}
	return ok, nil
}

// Init discovers plugins under paths and queues their loaders. Calling Init
// on an existing handler is a no-op.
func (h *Handler) Init(ctx context.Context, paths []string) (InitResult, error) {
	if err := h.PluginHandlerLock(ctx); err != nil {
		return InitResult{}, err
	}
	return h.init(ctx, paths)
}

func (h *Handler) init(ctx context.Context, paths []string) (InitResult, error) {
	exists, err := h.Exists(ctx)
	if err != nil {
		return InitResult{}, err
	}
	if exists {
		return InitResult{Existing: true}, nil
	}
	if len(paths) > 0 && h.source == nil {
		return InitResult{}, ErrMalformedParameters("paths", "no artifact source is configured")
	}

	encoded, err := json.Marshal(paths)
	if err != nil {
		return InitResult{}, ErrServerError(err)
	}
	if err := h.store.Write(ctx, h.keys.handler(), fieldPaths, string(encoded)); err != nil {
		return InitResult{}, ErrServerError(err)
	}
	created := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := h.store.Write(ctx, h.keys.handler(), fieldCreated, created); err != nil {
		return InitResult{}, ErrServerError(err)
	}

	var result InitResult
	if len(paths) > 0 {
		loaders, truncated, err := h.source.Discover(ctx, paths, h.cfg.MaxPreloadBytes)
		if err != nil {
			return InitResult{}, ErrServerError(err)
		}
		for _, loader := range loaders {
			if err := h.AddPluginLoader(ctx, loader); err != nil {
				return result, err
			}
			if loader.Header.Loader.Load == LoadEager {
				if err := h.consumeLoader(ctx, loader.PluginID); err != nil {
					return result, err
				}
				result.Eager++
				continue
			}
			if err := h.AddLoadEvent(ctx, loader.PluginID, loader.Header); err != nil {
				return result, err
			}
			result.Queued++
		}
		if truncated {
			result.Truncated = true
			result.Warning = ErrBytesLimitExceeded(h.cfg.MaxPreloadBytes)
			h.logger.WarnContext(ctx, "plugin discovery truncated",
				"limit_bytes", h.cfg.MaxPreloadBytes,
				"queued", result.Queued)
		}
	}

	if _, err := h.Fire(ctx, EventHandlerAfterInit, nil); err != nil {
		return result, err
	}

	h.logger.InfoContext(ctx, "handler initialized",
		"paths", paths,
		"queued", result.Queued,
		"eager", result.Eager)
	return result, nil
}

// Stop destroys every key the handler owns except its rate limit stamps, so
// a stopped handler keeps its spacing. It cannot be undone.
func (h *Handler) Stop(ctx context.Context) error {
	if err := h.PluginHandlerLock(ctx); err != nil {
		return err
	}
	return h.stop(ctx)
}

func (h *Handler) stop(ctx context.Context) error {
	for _, pattern := range h.keys.scoped() {
		if err := h.store.Destroy(ctx, pattern, ""); err != nil {
			return ErrServerError(oops.With("pattern", pattern).Wrap(err))
		}
	}
	for _, field := range []string{fieldCreated, fieldPaths} {
		if err := h.store.Destroy(ctx, store.Quote(h.keys.handler()), field); err != nil {
			return ErrServerError(oops.With("field", field).Wrap(err))
		}
	}
	h.logger.InfoContext(ctx, "handler stopped")
	return nil
}

// Reset stops the handler and initializes it again with its recorded paths.
func (h *Handler) Reset(ctx context.Context) (InitResult, error) {
	if err := h.PluginHandlerLock(ctx); err != nil {
		return InitResult{}, err
	}
	paths, err := h.Paths(ctx)
	if err != nil {
		return InitResult{}, err
	}
	if err := h.stop(ctx); err != nil {
		return InitResult{}, err
	}
	return h.init(ctx, paths)
}

// Paths returns the artifact paths recorded by Init.
func (h *Handler) Paths(ctx context.Context) ([]string, error) {
	raw, err := h.store.Read(ctx, h.keys.handler(), fieldPaths)
	if err != nil {
		return nil, ErrServerError(err)
	}
	if raw == "" {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, ErrServerError(oops.With("field", fieldPaths).Wrap(err))
	}
	return paths, nil
}

// Plugin returns the live record for id.
func (h *Handler) Plugin(ctx context.Context, id string) (*Record, error) {
	if err := ValidateID("plugin_id", id); err != nil {
		return nil, err
	}
	rec, err := h.loadRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrUndefinedPlugin(id)
	}
	return rec, nil
}

// Plugins lists live plugin ids in lexical order.
func (h *Handler) Plugins(ctx context.Context) ([]string, error) {
	var ids []string
	for key, err := range h.store.Iterate(ctx, "plugin:"+h.id+":*") {
		if err != nil {
			return nil, ErrServerError(err)
		}
		ids = append(ids, h.keys.suffix("plugin", key))
	}
	return ids, nil
}
