// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/holomush/pluginhost/internal/xdg"
)

// SocketPath returns the default Unix socket path for the named server.
// Returns an error if the runtime directory cannot be determined.
func SocketPath(name string) (string, error) {
	runtimeDir, err := xdg.RuntimeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get runtime directory: %w", err)
	}
	return filepath.Join(runtimeDir, fmt.Sprintf("pluginhost-%s.sock", name)), nil
}

// SocketServer serves a Loop on a Unix socket. Each connection is an
// independent JSON-lines session.
type SocketServer struct {
	loop       *Loop
	socketPath string
	logger     *slog.Logger

	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewSocketServer creates a socket server for loop at socketPath.
func NewSocketServer(loop *Loop, socketPath string) *SocketServer {
	return &SocketServer{
		loop:       loop,
		socketPath: socketPath,
		logger:     loop.logger,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start begins listening on the Unix socket.
func (s *SocketServer) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("control socket already running")
	}

	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.running.Store(false)
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Set socket permissions to owner-only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		s.running.Store(false)
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.accept(ctx)

	s.logger.Info("control socket listening", "path", s.socketPath)
	return nil
}

func (s *SocketServer) accept(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("control socket accept failed", "error", err)
			}
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			if err := s.loop.Serve(ctx, conn, conn); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("control session ended with error", "error", err)
			}
		}()
	}
}

func (s *SocketServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *SocketServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Addr returns the socket path.
func (s *SocketServer) Addr() string {
	return s.socketPath
}

// Stop closes the listener and every open session, waits for in-flight
// requests to finish or ctx to expire, and removes the socket file.
func (s *SocketServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return nil
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("failed to close control socket listener", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("failed to stop control socket: %w", ctx.Err())
	}

	// Clean up socket file
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove control socket file",
			"path", s.socketPath,
			"error", err,
		)
	}
	return nil
}
