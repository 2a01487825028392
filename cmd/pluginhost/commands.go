// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/control"
	"github.com/holomush/pluginhost/internal/plugin"
)

// parseParams decodes a --params value. An empty value is no params.
func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, plugin.ErrMalformedParameters("params", err.Error())
	}
	return params, nil
}

// NewInitCmd creates the init subcommand.
func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the handler and discover plugins",
		Long: `Initialize the handler with the configured plugin paths. Discovered
plugins are queued against their trigger events, or loaded immediately
when their manifest asks for eager loading. Initializing an existing
handler does nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd, control.Request{Op: control.OpInit}, nil)
		},
	}
}

// NewFireCmd creates the fire subcommand.
func NewFireCmd() *cobra.Command {
	var params string
	cmd := &cobra.Command{
		Use:   "fire <event>",
		Short: "Fire an event at its listeners",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return runRequest(cmd, control.Request{Op: control.OpFire, Event: args[0], Params: p}, nil)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "event parameters as a JSON object")
	return cmd
}

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	var params, event string
	cmd := &cobra.Command{
		Use:   "run <plugin>",
		Short: "Run one plugin",
		Long: `Run one plugin. Without --event the plugin's run entry point is
invoked; with --event the handler for that event is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return runRequest(cmd, control.Request{Op: control.OpRun, Plugin: args[0], Event: event, Params: p}, nil)
		},
	}
	cmd.Flags().StringVar(&params, "params", "", "parameters as a JSON object")
	cmd.Flags().StringVar(&event, "event", "", "event handler to invoke")
	return cmd
}

// NewSendCmd creates the send subcommand.
func NewSendCmd() *cobra.Command {
	var to []string
	var raw bool
	cmd := &cobra.Command{
		Use:   "send <from> <message>",
		Short: "Send a message between plugins",
		Long: `Send a message from one plugin to the plugins named with --to, or to
every plugin that does not extend another when --to is omitted. The
message is parsed as JSON unless --raw is set or it is not valid JSON.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var message any = args[1]
			if !raw {
				var decoded any
				if err := json.Unmarshal([]byte(args[1]), &decoded); err == nil {
					message = decoded
				}
			}
			return runRequest(cmd, control.Request{Op: control.OpSend, From: args[0], To: to, Message: message}, nil)
		},
	}
	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient plugin ids (default: broadcast)")
	cmd.Flags().BoolVar(&raw, "raw", false, "send the message as a plain string")
	return cmd
}

// NewStopCmd creates the stop subcommand.
func NewStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the handler and destroy its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd, control.Request{Op: control.OpCommand, Command: control.CommandStop}, nil)
		},
	}
}

// NewResetCmd creates the reset subcommand.
func NewResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Stop the handler and initialize it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRequest(cmd, control.Request{Op: control.OpCommand, Command: control.CommandReset}, nil)
		},
	}
}

// NewPluginsCmd creates the plugins subcommand.
func NewPluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins [plugin]",
		Short: "List live plugins, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runRequest(cmd, control.Request{Op: control.OpPlugin, Plugin: args[0]}, nil)
			}
			return runRequest(cmd, control.Request{Op: control.OpPlugins}, nil)
		},
	}
}

// NewValueCmd creates the value subcommand and its children.
func NewValueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "value",
		Short: "Manage plugin-scoped values",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <plugin> <key>",
		Short: "Read a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, control.Request{Op: control.OpValueGet, Plugin: args[0], Key: args[1]}, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <plugin> <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, control.Request{Op: control.OpValueSet, Plugin: args[0], Key: args[1], Value: args[2]}, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <plugin> <key>",
		Short: "Remove a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, control.Request{Op: control.OpValueDelete, Plugin: args[0], Key: args[1]}, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear <plugin>",
		Short: "Remove every value of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRequest(cmd, control.Request{Op: control.OpValueClear, Plugin: args[0]}, nil)
		},
	})
	return cmd
}
