// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status values for run metrics.
const (
	StatusSuccess     = "success"
	StatusScriptError = "script_error"
	StatusTimeout     = "timeout"
	StatusError       = "error"
)

// PluginRuns counts Runner invocations by dispatch mode and outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var PluginRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginhost_plugin_runs_total",
		Help: "Total number of plugin runs",
	},
	[]string{"mode", "status"},
)

// RunnerDuration observes time spent inside the Runner.
var RunnerDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pluginhost_runner_duration_seconds",
		Help:    "Runner call duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"mode"},
)

// Lifecycle counts plugin lifecycle transitions.
var Lifecycle = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pluginhost_plugin_lifecycle_total",
		Help: "Total number of plugin lifecycle transitions",
	},
	[]string{"transition"},
)

// ThrottleWait observes time callers spent waiting on a rate limit.
var ThrottleWait = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pluginhost_throttle_wait_seconds",
		Help:    "Time spent waiting for a rate limit slot",
		Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
	},
	[]string{"lock"},
)

// RegisterMetrics registers plugin runtime metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(PluginRuns)
	reg.MustRegister(RunnerDuration)
	reg.MustRegister(Lifecycle)
	reg.MustRegister(ThrottleWait)
}
