// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"github.com/spf13/pflag"
)

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-format":           "log.format",
	"log-level":            "log.level",
	"handler":              "handler.id",
	"path":                 "handler.paths",
	"store":                "store.driver",
	"database-url":         "store.database_url",
	"runner":               "runner.mode",
	"runner-path":          "runner.path",
	"max-preload-bytes":    "runtime.max_preload_bytes",
	"runner-min-interval":  "runtime.runner_min_interval",
	"handler-min-interval": "runtime.handler_min_interval",
	"broadcast-batch-size": "runtime.broadcast_batch_size",
	"run-timeout":          "runtime.run_timeout",
	"composite-dispatch":   "runtime.composite_dispatch",
	"metrics-addr":         "metrics.addr",
}

// BindFlags registers the configuration flags on fs. Flag defaults are the
// built-in defaults; only flags set on the command line override the file.
func BindFlags(fs *pflag.FlagSet) {
	d := Defaults()

	fs.String("log-format", d.Log.Format, "log format (json or text)")
	fs.String("log-level", d.Log.Level, "log level (debug, info, warn, error)")
	fs.String("handler", d.Handler.ID, "handler id")
	fs.StringSlice("path", nil, "plugin search path (repeatable; default: XDG_DATA_HOME/pluginhost/plugins)")
	fs.String("store", d.Store.Driver, "store driver (memory or postgres)")
	fs.String("database-url", "", "PostgreSQL connection URL (default: $DATABASE_URL)")
	fs.String("runner", d.Runner.Mode, "runner mode (lua or process)")
	fs.String("runner-path", d.Runner.Path, "runner executable for process mode (default: this binary)")
	fs.Int64("max-preload-bytes", d.Runtime.MaxPreloadBytes, "discovery byte budget for Init (0 = unlimited)")
	fs.Duration("runner-min-interval", d.Runtime.RunnerMinInterval, "minimum spacing between runner calls")
	fs.Duration("handler-min-interval", d.Runtime.HandlerMinInterval, "minimum spacing between init, stop and reset")
	fs.Int("broadcast-batch-size", d.Runtime.BroadcastBatchSize, "recipients per merged broadcast call")
	fs.Duration("run-timeout", d.Runtime.RunTimeout, "deadline for each runner call (0 = none)")
	fs.Bool("composite-dispatch", d.Runtime.CompositeDispatch, "merge event listeners into one runner call")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics/health HTTP address (empty = disabled)")
}
