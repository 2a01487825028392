// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package source

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/pkg/errutil"
)

// Compile-time interface check.
var _ plugin.Source = (*Directory)(nil)

// Directory discovers plugins in directories on the local filesystem. A path
// passed to Discover is either a plugin directory itself or a directory of
// plugin directories.
type Directory struct {
	logger *slog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger used to report skipped plugins.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// NewDirectory creates a directory source.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover returns a loader for each valid plugin under paths, in path order
// and then lexical directory order. Invalid plugins are logged and skipped.
// A plugin's size is its manifest plus its entry file; discovery stops before
// the first plugin that would take the total past budget.
func (d *Directory) Discover(ctx context.Context, paths []string, budget int64) ([]plugin.Loader, bool, error) {
	var (
		loaders []plugin.Loader
		total   int64
		seen    = map[string]string{}
	)

	for _, root := range paths {
		dirs, err := pluginDirs(root)
		if err != nil {
			return nil, false, err
		}

		for _, dir := range dirs {
			if err := ctx.Err(); err != nil {
				return nil, false, oops.In("source").Wrap(err)
			}

			loader, err := d.inspect(dir)
			if err != nil {
				errutil.LogError(d.logger.With("dir", dir), "skipping invalid plugin", err)
				continue
			}
			if prev, ok := seen[loader.PluginID]; ok {
				d.logger.WarnContext(ctx, "skipping duplicate plugin id",
					"plugin", loader.PluginID,
					"dir", dir,
					"first", prev)
				continue
			}

			if budget > 0 && total+loader.Size > budget {
				d.logger.WarnContext(ctx, "preload budget reached",
					"limit_bytes", budget,
					"used_bytes", total,
					"next", loader.PluginID)
				return loaders, true, nil
			}
			total += loader.Size
			seen[loader.PluginID] = dir
			loaders = append(loaders, loader)
		}
	}
	return loaders, false, nil
}

// Load reads the manifest and entry file a loader points at.
func (d *Directory) Load(_ context.Context, loader plugin.Loader) (*plugin.Header, plugin.Configuration, string, error) {
	m, err := readManifest(loader.HeaderRef)
	if err != nil {
		return nil, nil, "", err
	}
	artifact, err := os.ReadFile(loader.ArtifactRef)
	if err != nil {
		return nil, nil, "", oops.In("source").With("plugin_id", loader.PluginID).With("entry", loader.ArtifactRef).Wrap(err)
	}
	return m.Header(loader.PluginID), m.Config(), string(artifact), nil
}

// inspect builds the loader for one plugin directory.
func (d *Directory) inspect(dir string) (plugin.Loader, error) {
	manifestPath := filepath.Join(dir, ManifestFile)
	m, err := readManifest(manifestPath)
	if err != nil {
		return plugin.Loader{}, err
	}
	manifestInfo, err := os.Stat(manifestPath)
	if err != nil {
		return plugin.Loader{}, oops.In("source").With("path", manifestPath).Wrap(err)
	}

	entryPath := filepath.Join(dir, m.Entry)
	entryInfo, err := os.Stat(entryPath)
	if err != nil {
		return plugin.Loader{}, oops.In("source").With("entry", entryPath).Hint("entry file is missing").Wrap(err)
	}
	if entryInfo.IsDir() {
		return plugin.Loader{}, oops.In("source").With("entry", entryPath).Errorf("entry is a directory")
	}

	header := m.Header(filepath.Base(dir))
	return plugin.Loader{
		PluginID:         header.ID,
		Header:           header,
		HeaderRef:        manifestPath,
		ConfigurationRef: manifestPath,
		ArtifactRef:      entryPath,
		Size:             manifestInfo.Size() + entryInfo.Size(),
	}, nil
}

// readManifest reads, schema-validates and parses a manifest file.
func readManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.In("source").With("path", path).Wrap(err)
	}
	if err := ValidateSchema(data); err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return m, nil
}

// pluginDirs lists the plugin directories under root. root itself is the
// only result when it holds a manifest.
func pluginDirs(root string) ([]string, error) {
	if _, err := os.Stat(filepath.Join(root, ManifestFile)); err == nil {
		return []string{root}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, oops.In("source").With("path", root).Hint("plugin path does not exist").Wrap(err)
		}
		return nil, oops.In("source").With("path", root).Wrap(err)
	}

	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs, nil
}
