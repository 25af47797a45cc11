// Package backend implements the connection kinds the proxy can hold to its
// single backend.
package backend

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// Headers the proxy adds to every forwarded request.
const (
	TraceHeader     = "X-Amzn-Trace-Id"
	RequestIDHeader = "X-Amzn-Request-Id"
)

// Conn is one leased backend connection.
type Conn interface {
	// RoundTrip sends req and waits for the response until ctx is done.
	RoundTrip(ctx context.Context, req *canonical.Request) (*canonical.Response, error)
	// Reusable reports whether the connection may go back to the pool.
	Reusable() bool
	Close() error
}

// prober is implemented by connections that can check their liveness.
type prober interface {
	probe() error
}

// Probe checks that an idle connection is still usable. Connections without
// a liveness check are assumed alive.
func Probe(c Conn) error {
	if p, ok := c.(prober); ok {
		return p.probe()
	}

	return nil
}

// ConnError is a transport failure on a backend connection.
type ConnError struct {
	Op  string
	Err error
	// ResponseStarted is set once any response byte was read.
	ResponseStarted bool
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// FunctionError is returned when the backend function reports a failure
// instead of a response.
type FunctionError struct {
	StatusCode int
	Type       string
	Body       []byte
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("backend function error %d %s: %s", e.StatusCode, e.Type, strings.TrimSpace(string(e.Body)))
}

// DecodeError is returned when the backend answer cannot be decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "unable to decode backend response: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Retryable reports whether err happened before the backend produced any
// response, so the request can be sent again on a fresh connection.
func Retryable(err error) bool {
	if err == nil || IsTimeout(err) || errors.Is(err, context.Canceled) {
		return false
	}

	var ce *ConnError
	return errors.As(err, &ce) && !ce.ResponseStarted
}
