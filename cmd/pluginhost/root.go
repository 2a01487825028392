// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the pluginhost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "pluginhost - a sandboxed plugin runtime",
		Long: `pluginhost discovers, composes and runs sandboxed Lua plugins.
Plugin state lives in a key-value store, in memory or in PostgreSQL, so
every command acts on a named handler whose plugins, listeners and
loaders survive between calls when the store does.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/pluginhost/config.yaml)")
	config.BindFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewFireCmd())
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewSendCmd())
	cmd.AddCommand(NewStopCmd())
	cmd.AddCommand(NewResetCmd())
	cmd.AddCommand(NewValueCmd())
	cmd.AddCommand(NewPluginsCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewRunnerCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewSchemaCmd())

	return cmd
}
