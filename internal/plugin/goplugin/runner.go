// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package goplugin runs plugin artifacts in a separate runner process using
// HashiCorp's go-plugin system over gRPC.
package goplugin

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/holomush/pluginhost/internal/plugin"
)

// ErrRunnerClosed is returned when Run is called after Close.
var ErrRunnerClosed = errors.New("runner is closed")

// Compile-time interface check.
var _ plugin.Runner = (*Runner)(nil)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the client protocol, starting the process if needed.
	Client() (hashiplug.ClientProtocol, error)
	// Exited reports whether the process has exited.
	Exited() bool
	// Kill terminates the runner process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the given executable and arguments.
	NewClient(execPath string, args ...string) PluginClient
}

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	Logger hclog.Logger
}

// NewClient creates a real go-plugin client.
func (f *DefaultClientFactory) NewClient(execPath string, args ...string) PluginClient {
	logger := f.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(execPath, args...), // #nosec G204 -- execPath comes from operator configuration
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolGRPC},
		Logger:           logger,
	})
}

// Runner is a plugin.Runner that forwards every call to a runner process.
// The process is started on first use and restarted if it has exited.
type Runner struct {
	factory  ClientFactory
	execPath string
	args     []string

	mu     sync.Mutex
	client PluginClient
	remote plugin.Runner
	closed bool
}

// NewRunner creates a process runner that launches execPath with args.
func NewRunner(execPath string, args ...string) *Runner {
	return NewRunnerWithFactory(&DefaultClientFactory{}, execPath, args...)
}

// NewRunnerWithFactory creates a runner with a custom client factory.
// Panics if factory is nil.
func NewRunnerWithFactory(factory ClientFactory, execPath string, args ...string) *Runner {
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return &Runner{factory: factory, execPath: execPath, args: args}
}

// Run executes artifact in the runner process.
func (r *Runner) Run(ctx context.Context, artifact string) (string, error) {
	remote, err := r.connect()
	if err != nil {
		return "", err
	}
	return remote.Run(ctx, artifact)
}

// connect returns the remote runner, launching the process when there is
// none or the previous one exited.
func (r *Runner) connect() (plugin.Runner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRunnerClosed
	}
	if r.client != nil && !r.client.Exited() {
		return r.remote, nil
	}
	if r.client != nil {
		r.client.Kill()
		r.client, r.remote = nil, nil
	}

	client := r.factory.NewClient(r.execPath, r.args...)

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to runner %s: %w", r.execPath, err)
	}

	raw, err := rpcClient.Dispense(runnerPluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense runner %s: %w", r.execPath, err)
	}

	remote, ok := raw.(plugin.Runner)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("runner %s does not implement Runner", r.execPath)
	}

	r.client = client
	r.remote = remote
	return remote, nil
}

// Close terminates the runner process. Run fails with ErrRunnerClosed afterward.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	if r.client != nil {
		r.client.Kill()
		r.client, r.remote = nil, nil
	}
	return nil
}
