// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"encoding/json"
	"time"

	"github.com/samber/oops"
)

// Error codes surfaced to callers of the runtime.
const (
	CodeMissingParameter    = "missing_parameter"
	CodeMalformedParameters = "malformed_parameters"
	CodeUndefinedPlugin     = "undefined_plugin"
	CodeUndefinedFunction   = "undefined_function"
	CodeBytesLimitExceeded  = "bytes_limit_exceeded"
	CodeScriptError         = "script_error"
	CodeRunnerTimeout       = "runner_timeout"
	CodeServerError         = "server_error"
	CodeForbiddenCommand    = "forbidden_command"
	CodeUnknownCommand      = "unknown_command"
	CodeCallDepthExceeded   = "call_depth_exceeded"
)

var knownCodes = map[string]bool{
	CodeMissingParameter:    true,
	CodeMalformedParameters: true,
	CodeUndefinedPlugin:     true,
	CodeUndefinedFunction:   true,
	CodeBytesLimitExceeded:  true,
	CodeScriptError:         true,
	CodeRunnerTimeout:       true,
	CodeServerError:         true,
	CodeForbiddenCommand:    true,
	CodeUnknownCommand:      true,
	CodeCallDepthExceeded:   true,
}

// IsKnownCode reports whether code is one of the runtime error codes.
func IsKnownCode(code string) bool {
	return knownCodes[code]
}

// ErrMissingParameter creates an error for a required argument that was not supplied.
func ErrMissingParameter(name string) error {
	return oops.Code(CodeMissingParameter).
		With("parameter", name).
		Errorf("missing required parameter: %s", name)
}

// ErrMalformedParameters creates an error for an argument with an invalid shape.
func ErrMalformedParameters(name, reason string) error {
	return oops.Code(CodeMalformedParameters).
		With("parameter", name).
		Errorf("malformed parameter %s: %s", name, reason)
}

// ErrUndefinedPlugin creates an error for a plugin id with no live record.
func ErrUndefinedPlugin(id string) error {
	return oops.Code(CodeUndefinedPlugin).
		With("plugin_id", id).
		Errorf("undefined plugin: %s", id)
}

// ErrUndefinedFunction creates an error for a call to an unregistered host function.
func ErrUndefinedFunction(id, description string) error {
	return oops.Code(CodeUndefinedFunction).
		With("plugin_id", id).
		Errorf("%s", description)
}

// ErrBytesLimitExceeded creates the warning returned when discovery is truncated.
func ErrBytesLimitExceeded(limit int64) error {
	return oops.Code(CodeBytesLimitExceeded).
		With("limit_bytes", limit).
		Errorf("preload budget of %d bytes exceeded, discovery truncated", limit)
}

// ErrScriptError creates an error for a plugin whose script faulted.
func ErrScriptError(id, description string) error {
	return oops.Code(CodeScriptError).
		With("plugin_id", id).
		Errorf("%s", description)
}

// ErrRunnerTimeout creates an error for a Runner call that exceeded its deadline.
func ErrRunnerTimeout(timeout time.Duration) error {
	return oops.Code(CodeRunnerTimeout).
		With("timeout", timeout.String()).
		Errorf("runner did not complete within %s", timeout)
}

// ErrServerError wraps an unexpected failure.
func ErrServerError(cause error) error {
	return oops.Code(CodeServerError).Wrap(cause)
}

// ErrForbiddenCommand creates an error for an operation the caller may not invoke.
func ErrForbiddenCommand(op string) error {
	return oops.Code(CodeForbiddenCommand).
		With("operation", op).
		Errorf("forbidden command: %s", op)
}

// ErrUnknownCommand creates an error for an operation name that does not exist.
func ErrUnknownCommand(op string) error {
	return oops.Code(CodeUnknownCommand).
		With("operation", op).
		Errorf("unknown command: %s", op)
}

// ErrCallDepthExceeded creates an error for plugin calls nested deeper than limit.
func ErrCallDepthExceeded(limit int) error {
	return oops.Code(CodeCallDepthExceeded).
		With("limit", limit).
		Errorf("plugin calls nested deeper than %d levels", limit)
}

// Code returns the runtime error code carried by err. Errors without a
// recognized code report server_error.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok && knownCodes[code] {
			return code
		}
	}
	return CodeServerError
}

// ErrorResponse is the structured failure result returned to callers.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ErrorBody renders err as an ErrorResponse.
func ErrorBody(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{}
	}
	return ErrorResponse{Error: Code(err), ErrorDescription: err.Error()}
}

// errorJSON renders err as the inline payload used in aggregate responses.
func errorJSON(err error) json.RawMessage {
	data, marshalErr := json.Marshal(ErrorBody(err))
	if marshalErr != nil {
		return json.RawMessage(`{"error":"server_error"}`)
	}
	return data
}
