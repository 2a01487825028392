// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/config"
	"github.com/holomush/pluginhost/internal/control"
	"github.com/holomush/pluginhost/internal/logging"
	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/goplugin"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
	"github.com/holomush/pluginhost/internal/plugin/lua"
	"github.com/holomush/pluginhost/internal/plugin/source"
	"github.com/holomush/pluginhost/internal/store"
	"github.com/holomush/pluginhost/internal/xdg"
)

// RuntimeDeps contains injectable dependencies for commands that run plugins.
// All fields with nil values will use their default implementations.
type RuntimeDeps struct {
	// StoreFactory opens the configured store and returns a close function.
	// Default: openStore
	StoreFactory func(ctx context.Context, cfg *config.Config) (store.Store, func(), error)

	// ExecutableGetter returns the runner executable used in process mode
	// when runner.path is empty.
	// Default: os.Executable
	ExecutableGetter func() (string, error)

	// PluginsDirGetter returns the default plugin search path.
	// Default: xdg.PluginsDir
	PluginsDirGetter func() (string, error)
}

func (d *RuntimeDeps) withDefaults() *RuntimeDeps {
	out := RuntimeDeps{}
	if d != nil {
		out = *d
	}
	if out.StoreFactory == nil {
		out.StoreFactory = openStore
	}
	if out.ExecutableGetter == nil {
		out.ExecutableGetter = os.Executable
	}
	if out.PluginsDirGetter == nil {
		out.PluginsDirGetter = xdg.PluginsDir
	}
	return &out
}

// runtime is a handler factory wired to its store and runner.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	factory   *plugin.Factory
	hostFuncs *hostfunc.Functions
	closers   []func()
}

// loadConfig loads configuration for cmd. Without --config the XDG config
// file is used when it exists.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, optional := configFile, false
	if path == "" {
		var err error
		path, err = xdg.ConfigFile()
		if err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("operation", "locate config file").Wrap(err)
		}
		optional = true
	}
	return config.Load(path, optional, cmd.Flags())
}

// setupLogging configures the default slog logger from cfg. Logs go to w so
// command output on stdout stays machine readable.
func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err == nil {
		logging.Level.Set(level)
	}
	logger := logging.Setup("pluginhost", version, cfg.Log.Format, w)
	slog.SetDefault(logger)
	return logger
}

// openStore opens the store selected by cfg.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, nil, oops.Code("DB_CONNECT_FAILED").With("operation", "connect to database").Wrap(err)
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemoryStore(), func() {}, nil
	}
}

// openRuntime builds a handler factory from cfg.
func openRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps *RuntimeDeps) (*runtime, error) {
	deps = deps.withDefaults()

	st, closeStore, err := deps.StoreFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, store: st, closers: []func(){closeStore}}

	runner, err := rt.newRunner(deps)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.factory = plugin.NewFactory(st, runner, lua.Composer{},
		plugin.WithSource(source.NewDirectory(source.WithLogger(logger))),
		plugin.WithConfig(cfg.Plugin()),
		plugin.WithLogger(logger),
	)
	if rt.hostFuncs != nil {
		rt.hostFuncs.SetRuntime(plugin.NewHostRuntime(rt.factory))
	}

	if len(cfg.Handler.Paths) == 0 {
		cfg.Handler.Paths = defaultPaths(deps)
	}
	return rt, nil
}

// newRunner creates the runner selected by runner.mode.
func (rt *runtime) newRunner(deps *RuntimeDeps) (plugin.Runner, error) {
	if rt.cfg.Runner.Mode != config.RunnerProcess {
		rt.hostFuncs = hostfunc.New(plugin.NewValues(rt.store), nil)
		return lua.NewRunnerWithFunctions(rt.hostFuncs), nil
	}

	path := rt.cfg.Runner.Path
	if path == "" {
		exe, err := deps.ExecutableGetter()
		if err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("operation", "locate runner executable").Wrap(err)
		}
		path = exe
	}

	runner := goplugin.NewRunnerWithFactory(
		&goplugin.DefaultClientFactory{Logger: logging.HCLog("runner", rt.logger)},
		path, runnerArgs(rt.cfg)...,
	)
	rt.closers = append(rt.closers, func() {
		if err := runner.Close(); err != nil {
			rt.logger.Warn("failed to stop runner process", "error", err)
		}
	})
	rt.logger.Debug("using process runner", "path", path)
	return runner, nil
}

// runnerArgs are the arguments a runner process is started with. The runner
// opens the same store so host value functions see the handler's values.
func runnerArgs(cfg *config.Config) []string {
	args := []string{"runner",
		"--store", cfg.Store.Driver,
		"--log-level", cfg.Log.Level,
	}
	if configFile != "" {
		args = append(args, "--config", configFile)
	}
	if cfg.Store.Driver == config.StorePostgres && os.Getenv("DATABASE_URL") != cfg.Store.DatabaseURL {
		args = append(args, "--database-url", cfg.Store.DatabaseURL)
	}
	return args
}

// defaultPaths returns the XDG plugins directory when it exists.
func defaultPaths(deps *RuntimeDeps) []string {
	dir, err := deps.PluginsDirGetter()
	if err != nil {
		return nil
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	return []string{dir}
}

// Loop returns a control loop over the runtime's factory.
func (rt *runtime) Loop(opts ...control.Option) *control.Loop {
	base := []control.Option{
		control.WithHandler(rt.cfg.Handler.ID),
		control.WithPaths(rt.cfg.Handler.Paths),
		control.WithLogger(rt.logger),
	}
	return control.New(rt.factory, append(base, opts...)...)
}

// Close releases the runner and the store, in reverse order of creation.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// runRequest executes one control request for a one-shot command and prints
// the response as JSON. A failed request is returned as an error carrying
// the runtime error code.
func runRequest(cmd *cobra.Command, req control.Request, deps *RuntimeDeps) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rt, err := openRuntime(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	resp := rt.Loop().Handle(ctx, req)
	if err := writeResponse(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return oops.Code(resp.Error).Errorf("%s", resp.ErrorDescription)
	}
	return nil
}

func writeResponse(w io.Writer, resp control.Response) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return oops.With("operation", "write response").Wrap(err)
	}
	return nil
}
