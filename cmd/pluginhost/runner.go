// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/logging"
	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/goplugin"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
	"github.com/holomush/pluginhost/internal/plugin/lua"
)

// NewRunnerCmd creates the runner subcommand. It is started by pluginhost
// itself in process runner mode and is not meant to be run by hand.
func NewRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "runner",
		Short:  "Serve the Lua runner to a parent pluginhost process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRunner(cmd, nil)
		},
	}
}

func runRunner(cmd *cobra.Command, deps *RuntimeDeps) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	setupLogging(cfg, cmd.ErrOrStderr())
	deps = deps.withDefaults()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, closeStore, err := deps.StoreFactory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runner := lua.NewRunnerWithFunctions(hostfunc.New(plugin.NewValues(st), nil))
	goplugin.Serve(runner, logging.RunnerLogger(cmd.ErrOrStderr()))
	return nil
}
