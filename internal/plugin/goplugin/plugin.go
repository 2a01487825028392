// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/holomush/pluginhost/internal/plugin"
)

// HandshakeConfig is shared by the host and the runner process. A mismatch
// makes go-plugin refuse the connection.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINHOST_RUNNER",
	MagicCookieValue: "b7d5a4a0-runner",
}

// runnerPluginName is the name the runner is dispensed under.
const runnerPluginName = "runner"

// PluginMap is the map of plugins the host can dispense.
var PluginMap = map[string]hashiplug.Plugin{
	runnerPluginName: &GRPCPlugin{},
}

// Runner service identifiers. The service is described by hand: a single
// unary method carrying the artifact in and the result out as string
// wrappers.
const (
	runnerServiceName = "pluginhost.runner.v1.Runner"
	runnerRunMethod   = "/" + runnerServiceName + "/Run"
)

// runnerServer is the server side of the runner service.
type runnerServer interface {
	Run(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

var runnerServiceDesc = grpc.ServiceDesc{
	ServiceName: runnerServiceName,
	HandlerType: (*runnerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runnerRunHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pluginhost/runner/v1/runner.proto",
}

func runnerRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(runnerServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runnerRunMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(runnerServer).Run(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCPlugin implements go-plugin's GRPCPlugin interface.
type GRPCPlugin struct {
	hashiplug.NetRPCUnsupportedPlugin
	// Impl is used by the runner process (not used by host).
	Impl plugin.Runner
}

// GRPCServer registers the runner service (called by runner process).
func (p *GRPCPlugin) GRPCServer(_ *hashiplug.GRPCBroker, s *grpc.Server) error {
	if p.Impl == nil {
		return errors.New("goplugin: runner implementation is nil")
	}
	s.RegisterService(&runnerServiceDesc, &grpcServer{impl: p.Impl})
	return nil
}

// GRPCClient returns a plugin.Runner backed by the connection (called by host).
func (p *GRPCPlugin) GRPCClient(_ context.Context, _ *hashiplug.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return &grpcClient{conn: c}, nil
}

// grpcServer adapts a plugin.Runner to the runner service. The caller's
// deadline arrives on ctx.
type grpcServer struct {
	impl plugin.Runner
}

func (s *grpcServer) Run(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	out, err := s.impl.Run(ctx, in.GetValue())
	switch {
	case err == nil:
		return wrapperspb.String(out), nil
	case errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	default:
		return nil, status.Error(codes.Unknown, err.Error())
	}
}

// grpcClient implements plugin.Runner over the runner service.
type grpcClient struct {
	conn grpc.ClientConnInterface
}

// Compile-time interface check.
var _ plugin.Runner = (*grpcClient)(nil)

// ErrRemoteRunner wraps failures reported by the runner process.
var ErrRemoteRunner = errors.New("remote runner failed")

func (c *grpcClient) Run(ctx context.Context, artifact string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return "", context.DeadlineExceeded
	}

	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, runnerRunMethod, wrapperspb.String(artifact), out); err != nil {
		st, ok := status.FromError(err)
		if !ok {
			return "", err
		}
		switch st.Code() {
		case codes.DeadlineExceeded:
			return "", context.DeadlineExceeded
		case codes.Canceled:
			return "", context.Canceled
		case codes.Unknown:
			return "", errors.Join(ErrRemoteRunner, errors.New(st.Message()))
		default:
			return "", err
		}
	}
	return out.GetValue(), nil
}

// Serve runs impl as a go-plugin runner process. It blocks until the host
// disconnects.
func Serve(impl plugin.Runner, logger hclog.Logger) {
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hashiplug.Plugin{
			runnerPluginName: &GRPCPlugin{Impl: impl},
		},
		GRPCServer: hashiplug.DefaultGRPCServer,
		Logger:     logger,
	})
}
