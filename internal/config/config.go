// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads pluginhost configuration from defaults, an optional
// YAML file, and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/pluginhost/internal/logging"
	"github.com/holomush/pluginhost/internal/plugin"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Runner modes.
const (
	RunnerLua     = "lua"
	RunnerProcess = "process"
)

// Config is the complete pluginhost configuration.
type Config struct {
	Log     LogConfig     `koanf:"log"`
	Handler HandlerConfig `koanf:"handler"`
	Store   StoreConfig   `koanf:"store"`
	Runner  RunnerConfig  `koanf:"runner"`
	Runtime RuntimeConfig `koanf:"runtime"`
	Metrics MetricsConfig `koanf:"metrics"`
}

// LogConfig selects log output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// HandlerConfig names the handler CLI commands act on and where Init looks
// for plugins.
type HandlerConfig struct {
	ID    string   `koanf:"id"`
	Paths []string `koanf:"paths"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	Driver      string `koanf:"driver"`
	DatabaseURL string `koanf:"database_url"`
}

// RunnerConfig selects where artifacts execute. In process mode Path is the
// executable started with the "runner" subcommand; empty means this binary.
type RunnerConfig struct {
	Mode string `koanf:"mode"`
	Path string `koanf:"path"`
}

// RuntimeConfig mirrors plugin.Config.
type RuntimeConfig struct {
	MaxPreloadBytes    int64         `koanf:"max_preload_bytes"`
	RunnerMinInterval  time.Duration `koanf:"runner_min_interval"`
	HandlerMinInterval time.Duration `koanf:"handler_min_interval"`
	BroadcastBatchSize int           `koanf:"broadcast_batch_size"`
	RunTimeout         time.Duration `koanf:"run_timeout"`
	CompositeDispatch  bool          `koanf:"composite_dispatch"`
}

// MetricsConfig configures the observability server. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	rt := plugin.DefaultConfig()
	return Config{
		Log:     LogConfig{Format: logging.FormatJSON, Level: "info"},
		Handler: HandlerConfig{ID: "default"},
		Store:   StoreConfig{Driver: StoreMemory, DatabaseURL: os.Getenv("DATABASE_URL")},
		Runner:  RunnerConfig{Mode: RunnerLua},
		Runtime: RuntimeConfig{
			MaxPreloadBytes:    rt.MaxPreloadBytes,
			RunnerMinInterval:  rt.RunnerMinInterval,
			HandlerMinInterval: rt.HandlerMinInterval,
			BroadcastBatchSize: rt.BroadcastBatchSize,
			RunTimeout:         rt.RunTimeout,
			CompositeDispatch:  rt.CompositeDispatch,
		},
		Metrics: MetricsConfig{Addr: ""},
	}
}

// defaultValues flattens Defaults into koanf keys.
func defaultValues() map[string]any {
	d := Defaults()
	return map[string]any{
		"log.format":                   d.Log.Format,
		"log.level":                    d.Log.Level,
		"handler.id":                   d.Handler.ID,
		"handler.paths":                []string{},
		"store.driver":                 d.Store.Driver,
		"store.database_url":           d.Store.DatabaseURL,
		"runner.mode":                  d.Runner.Mode,
		"runner.path":                  d.Runner.Path,
		"runtime.max_preload_bytes":    d.Runtime.MaxPreloadBytes,
		"runtime.runner_min_interval":  d.Runtime.RunnerMinInterval,
		"runtime.handler_min_interval": d.Runtime.HandlerMinInterval,
		"runtime.broadcast_batch_size": d.Runtime.BroadcastBatchSize,
		"runtime.run_timeout":          d.Runtime.RunTimeout,
		"runtime.composite_dispatch":   d.Runtime.CompositeDispatch,
		"metrics.addr":                 d.Metrics.Addr,
	}
}

// Load builds the configuration. path is a YAML file; when optional is true
// a missing file is ignored. flags may be nil.
func Load(path string, optional bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	for key, value := range defaultValues() {
		if err := k.Set(key, value); err != nil {
			return nil, oops.Code("CONFIG_INVALID").With("key", key).Wrap(err)
		}
	}

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		switch {
		case err == nil:
		case optional && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, oops.Code("CONFIG_INVALID").
				With("path", path).
				Hint("check the --config file").
				Wrapf(err, "failed to load config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_INVALID").Wrapf(err, "failed to load flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrapf(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if err := logging.ValidateFormat(c.Log.Format); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := plugin.ValidateID("handler.id", c.Handler.ID); err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").
				Hint("set store.database_url, --database-url or DATABASE_URL").
				Errorf("store.database_url is required for the postgres driver")
		}
	default:
		return oops.Code("CONFIG_INVALID").
			With("driver", c.Store.Driver).
			Errorf("store.driver must be %q or %q", StoreMemory, StorePostgres)
	}

	switch c.Runner.Mode {
	case RunnerLua, RunnerProcess:
	default:
		return oops.Code("CONFIG_INVALID").
			With("mode", c.Runner.Mode).
			Errorf("runner.mode must be %q or %q", RunnerLua, RunnerProcess)
	}

	rt := c.Runtime
	switch {
	case rt.MaxPreloadBytes < 0:
		return oops.Code("CONFIG_INVALID").Errorf("runtime.max_preload_bytes must not be negative")
	case rt.RunnerMinInterval < 0, rt.HandlerMinInterval < 0, rt.RunTimeout < 0:
		return oops.Code("CONFIG_INVALID").Errorf("runtime intervals and timeouts must not be negative")
	case rt.BroadcastBatchSize <= 0:
		return oops.Code("CONFIG_INVALID").Errorf("runtime.broadcast_batch_size must be positive")
	}
	return nil
}

// Plugin returns the runtime settings for plugin.NewFactory.
func (c *Config) Plugin() plugin.Config {
	return plugin.Config{
		MaxPreloadBytes:    c.Runtime.MaxPreloadBytes,
		RunnerMinInterval:  c.Runtime.RunnerMinInterval,
		HandlerMinInterval: c.Runtime.HandlerMinInterval,
		BroadcastBatchSize: c.Runtime.BroadcastBatchSize,
		RunTimeout:         c.Runtime.RunTimeout,
		CompositeDispatch:  c.Runtime.CompositeDispatch,
	}
}
