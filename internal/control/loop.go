// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package control exposes plugin handler operations as a JSON-lines request
// loop, over standard streams or a Unix socket.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/pkg/errutil"
)

var tracer = otel.Tracer("pluginhost/control")

// maxLineBytes bounds a single request line.
const maxLineBytes = 16 << 20

// Request is one line of input.
type Request struct {
	ID      string `json:"id,omitempty"`
	Op      string `json:"op"`
	Handler string `json:"handler,omitempty"`

	Plugin  string         `json:"plugin,omitempty"`
	Event   string         `json:"event,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Command string         `json:"command,omitempty"`
	Paths   []string       `json:"paths,omitempty"`

	From    string   `json:"from,omitempty"`
	To      []string `json:"to,omitempty"`
	Message any      `json:"message,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	Header        *plugin.Header       `json:"header,omitempty"`
	Configuration plugin.Configuration `json:"configuration,omitempty"`
	Artifact      string               `json:"artifact,omitempty"`
}

// Response is one line of output. Failures carry the runtime error code in
// Error; Warning reports a non-fatal condition such as truncated discovery.
type Response struct {
	ID               string                `json:"id,omitempty"`
	Result           any                   `json:"result,omitempty"`
	Error            string                `json:"error,omitempty"`
	ErrorDescription string                `json:"error_description,omitempty"`
	Warning          *plugin.ErrorResponse `json:"warning,omitempty"`
}

// Permissions gate caller-facing operations. A denied operation fails with
// forbidden_command. Introspection is always allowed.
type Permissions struct {
	Fire     bool
	Run      bool
	Send     bool
	Commands bool
	Manage   bool
}

// AllowAll permits every operation.
func AllowAll() Permissions {
	return Permissions{Fire: true, Run: true, Send: true, Commands: true, Manage: true}
}

// Recorder receives one observation per request.
type Recorder interface {
	RecordRequest(op, status string, d time.Duration)
}

// Loop executes requests against handlers from one factory.
type Loop struct {
	factory   *plugin.Factory
	handlerID string
	paths     []string
	perms     Permissions
	recorder  Recorder
	logger    *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithHandler sets the handler used by requests that do not name one.
func WithHandler(id string) Option {
	return func(l *Loop) { l.handlerID = id }
}

// WithPaths sets the paths a handler is initialized with on first use.
func WithPaths(paths []string) Option {
	return func(l *Loop) { l.paths = paths }
}

// WithPermissions restricts the operations callers may invoke.
func WithPermissions(p Permissions) Option {
	return func(l *Loop) { l.perms = p }
}

// WithRecorder sets the request metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New creates a request loop. Panics if factory is nil.
func New(factory *plugin.Factory, opts ...Option) *Loop {
	if factory == nil {
		panic("control.New: factory cannot be nil")
	}
	l := &Loop{
		factory:   factory,
		handlerID: "default",
		perms:     AllowAll(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Serve reads one JSON request per line from r and writes one JSON response
// per line to w. It returns nil when r is exhausted and the context error
// when ctx is done between requests.
func (l *Loop) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp = failure("", plugin.ErrMalformedParameters("request", err.Error()))
		} else {
			resp = l.Handle(ctx, req)
		}
		if err := enc.Encode(resp); err != nil {
			return oops.In("control").With("operation", "write_response").Wrap(err)
		}
	}
	if err := scanner.Err(); err != nil {
		return oops.In("control").With("operation", "read_request").Wrap(err)
	}
	return nil
}

// Handle executes one request.
func (l *Loop) Handle(ctx context.Context, req Request) Response {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "control."+req.Op)
	span.SetAttributes(attribute.String("handler", l.handlerFor(req)))
	defer span.End()

	result, warning, err := l.dispatch(ctx, req)

	status := "ok"
	resp := Response{ID: req.ID, Result: result}
	if err != nil {
		status = plugin.Code(err)
		resp = failure(req.ID, err)
		if status == plugin.CodeServerError {
			errutil.LogErrorContext(ctx, l.logger, "control request failed", err)
		}
		span.RecordError(err)
	}
	if warning != nil {
		body := plugin.ErrorBody(warning)
		resp.Warning = &body
	}
	if l.recorder != nil {
		l.recorder.RecordRequest(req.Op, status, time.Since(start))
	}
	return resp
}

func (l *Loop) handlerFor(req Request) string {
	if req.Handler != "" {
		return req.Handler
	}
	return l.handlerID
}

func failure(id string, err error) Response {
	body := plugin.ErrorBody(err)
	return Response{ID: id, Error: body.Error, ErrorDescription: body.ErrorDescription}
}
