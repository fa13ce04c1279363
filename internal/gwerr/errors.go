// Package gwerr defines the error kinds shared across the gateway.
//
// Every recoverable failure is tagged with one of these kinds so that
// callers (and ultimately the inbound MCP client) can react without
// string-matching messages. Errors wrap their cause and work with
// errors.Is / errors.As.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway error.
type Kind string

const (
	// KindValidation indicates malformed arguments or a malformed config entry.
	KindValidation Kind = "validation"
	// KindNotFound indicates an unknown server, tool, resource, or session.
	KindNotFound Kind = "not_found"
	// KindNotPermitted indicates the session's filter excludes the target server.
	KindNotPermitted Kind = "not_permitted"
	// KindNotReady indicates the outbound client is not in Ready state.
	KindNotReady Kind = "not_ready"
	// KindAuthRequired indicates the upstream demands OAuth authorization.
	KindAuthRequired Kind = "auth_required"
	// KindTimeout indicates a deadline elapsed on an outbound call.
	KindTimeout Kind = "timeout"
	// KindTransport indicates an underlying I/O failure.
	KindTransport Kind = "transport"
	// KindUpstream indicates a well-formed MCP error forwarded from upstream.
	KindUpstream Kind = "upstream"
)

// Error is a tagged gateway error. Server and Item are optional context.
type Error struct {
	Kind   Kind
	Server string
	Item   string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Server != "" {
		s += " server=" + e.Server
	}
	if e.Item != "" {
		s += " item=" + e.Item
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports an unknown server or item.
func NotFound(server, item string) *Error {
	return &Error{Kind: KindNotFound, Server: server, Item: item}
}

// NotPermitted reports a server filtered out for the current session.
func NotPermitted(server string) *Error {
	return &Error{Kind: KindNotPermitted, Server: server}
}

// NotReady reports an outbound client that cannot take requests yet.
func NotReady(server string) *Error {
	return &Error{Kind: KindNotReady, Server: server}
}

// KindOf extracts the kind from err, or "" when err carries no kind.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
