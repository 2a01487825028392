// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/plugin/source"
)

// NewValidateCmd creates the validate subcommand.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plugin-dir>...",
		Short: "Validate plugin manifests without running them",
		Long: `Validates the plugin.yaml manifest of each plugin directory against the
manifest schema and checks that its entry file exists.
Does NOT load plugins or require a store.
Exits with code 0 on success, non-zero on failure.

Useful in CI pipelines to catch manifest errors early:
  pluginhost validate plugins/*`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.OutOrStdout(), args)
		},
	}
}

func runValidate(w io.Writer, dirs []string) error {
	failed := 0
	for _, dir := range dirs {
		if err := validatePluginDir(dir); err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %s\n", dir, source.FormatSchemaError(err))
			continue
		}
		fmt.Fprintf(w, "ok   %s\n", dir)
	}
	if failed > 0 {
		return fmt.Errorf("validation failed: %d of %d plugins invalid", failed, len(dirs))
	}
	return nil
}

func validatePluginDir(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, source.ManifestFile)) // #nosec G304 -- operator-supplied plugin path
	if err != nil {
		return err
	}
	if err := source.ValidateSchema(data); err != nil {
		return err
	}
	m, err := source.ParseManifest(data)
	if err != nil {
		return err
	}
	info, err := os.Stat(filepath.Join(dir, m.Entry))
	if err != nil {
		return fmt.Errorf("entry %s: %w", m.Entry, err)
	}
	if info.IsDir() {
		return fmt.Errorf("entry %s is a directory", m.Entry)
	}
	return nil
}
