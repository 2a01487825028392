// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/pluginhost/internal/control"
	"github.com/holomush/pluginhost/internal/observability"
	"github.com/holomush/pluginhost/internal/plugin"
)

// socketAuto selects the default socket path for the handler.
const socketAuto = "auto"

// serveConfig holds flags for the serve command.
type serveConfig struct {
	socket string
	stdio  bool
}

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	scfg := &serveConfig{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the JSON-lines control loop",
		Long: `Serve handler operations as a JSON-lines request loop: one JSON request
per input line, one JSON response per output line. The loop reads standard
input and, with --socket, also accepts sessions on a Unix socket. When
metrics.addr is set, Prometheus metrics and health checks are served too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, scfg, nil)
		},
	}

	cmd.Flags().StringVar(&scfg.socket, "socket", "", `Unix socket path ("auto" = XDG_RUNTIME_DIR/pluginhost/pluginhost-<handler>.sock)`)
	cmd.Flags().BoolVar(&scfg.stdio, "stdio", true, "serve requests from standard input")

	return cmd
}

func runServe(cmd *cobra.Command, scfg *serveConfig, deps *RuntimeDeps) error {
	if !scfg.stdio && scfg.socket == "" {
		return fmt.Errorf("nothing to serve: enable --stdio or set --socket")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger, deps)
	if err != nil {
		return err
	}
	defer rt.Close()

	var loopOpts []control.Option
	var obsServer *observability.Server
	if cfg.Metrics.Addr != "" {
		obsServer = observability.NewServer(cfg.Metrics.Addr, func() bool { return true }, plugin.RegisterMetrics)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		loopOpts = append(loopOpts, control.WithRecorder(obsServer.Metrics()))
		logger.Info("observability server started", "addr", obsServer.Addr())
	}
	defer stopObservability(obsServer)

	loop := rt.Loop(loopOpts...)

	if scfg.socket != "" {
		path := scfg.socket
		if path == socketAuto {
			path, err = control.SocketPath(cfg.Handler.ID)
			if err != nil {
				return err
			}
		}
		srv := control.NewSocketServer(loop, path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("error stopping control socket", "error", err)
			}
		}()
	}

	logger.Info("control loop ready",
		"handler", cfg.Handler.ID,
		"paths", cfg.Handler.Paths,
		"stdio", scfg.stdio,
		"socket", scfg.socket,
	)

	if scfg.stdio {
		done := make(chan error, 1)
		go func() {
			done <- loop.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if scfg.socket == "" {
				logger.Info("standard input closed, shutting down")
				return nil
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func stopObservability(srv *observability.Server) {
	if srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping observability server", "error", err)
	}
}

// monitorServerErrors cancels ctx when a server reports an error. It exits
// when an error is received, the channel is closed, or ctx is done.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
