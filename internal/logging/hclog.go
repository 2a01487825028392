// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package logging

import (
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// HCLog returns an hclog.Logger that writes through logger, for libraries
// such as go-plugin that log with hclog.
func HCLog(name string, logger *slog.Logger) hclog.Logger {
	return hclog.FromStandardLogger(
		slog.NewLogLogger(logger.Handler(), slog.LevelInfo),
		&hclog.LoggerOptions{
			Name:  name,
			Level: hclogLevel(Level.Level()),
		},
	)
}

// RunnerLogger returns the hclog.Logger a go-plugin runner process writes to
// its stderr. go-plugin on the host side parses the JSON lines and relays them.
func RunnerLogger(w io.Writer) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:       "runner",
		Output:     w,
		Level:      hclogLevel(Level.Level()),
		JSONFormat: true,
	})
}

func hclogLevel(level slog.Level) hclog.Level {
	switch {
	case level <= slog.LevelDebug:
		return hclog.Debug
	case level <= slog.LevelInfo:
		return hclog.Info
	case level <= slog.LevelWarn:
		return hclog.Warn
	default:
		return hclog.Error
	}
}
