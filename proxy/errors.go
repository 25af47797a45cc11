package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/backend"
	"github.com/prognoshealth/lambdaproxy/pool"
	"github.com/prognoshealth/lambdaproxy/translate"
)

// ErrorKind classifies a failed invocation.
type ErrorKind int

const (
	// KindTransport is a failure talking to the Runtime API. It is fatal.
	KindTransport ErrorKind = iota
	KindBackendUnreachable
	KindTimeout
	KindPoolExhausted
	KindProtocolDecode
	KindBackendRejected
	KindPanic
)

var errorTypes = map[ErrorKind]string{
	KindTransport:          "Runtime.Transport",
	KindBackendUnreachable: "Proxy.BackendUnreachable",
	KindTimeout:            "Proxy.Timeout",
	KindPoolExhausted:      "Proxy.PoolExhausted",
	KindProtocolDecode:     "Proxy.ProtocolDecode",
	KindBackendRejected:    "Proxy.BackendRejected",
	KindPanic:              "Proxy.Panic",
}

// Type returns the errorType reported to the Runtime API.
func (k ErrorKind) Type() string {
	if t, ok := errorTypes[k]; ok {
		return t
	}

	return fmt.Sprintf("Proxy.Unknown%d", int(k))
}

func (k ErrorKind) String() string {
	return k.Type()
}

// Error is a classified invocation failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError returns an error of kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: errors.WithStack(err)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind.Type(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the process must exit.
func (e *Error) Fatal() bool {
	return e.Kind == KindTransport
}

// StatusCode returns the HTTP status the local listener answers with.
func (e *Error) StatusCode() int {
	if e.Kind == KindTimeout {
		return http.StatusGatewayTimeout
	}

	return http.StatusBadGateway
}

// InvokeError returns the structured error body of the Runtime API.
func (e *Error) InvokeError() *messages.InvokeResponse_Error {
	return &messages.InvokeResponse_Error{
		Type:       e.Kind.Type(),
		Message:    e.Err.Error(),
		StackTrace: stackFrames(e.Err),
	}
}

// Body returns the json body written by the local listener.
func (e *Error) Body() []byte {
	b, _ := json.Marshal(struct {
		Type    string `json:"errorType"`
		Message string `json:"errorMessage"`
	}{e.Kind.Type(), e.Err.Error()})

	return b
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackFrames returns the deepest stack recorded in the error chain.
func stackFrames(err error) []*messages.InvokeResponse_Error_StackFrame {
	var trace errors.StackTrace

	for ; err != nil; err = errors.Unwrap(err) {
		if st, ok := err.(stackTracer); ok {
			trace = st.StackTrace()
		}
	}

	frames := make([]*messages.InvokeResponse_Error_StackFrame, 0, len(trace))
	for _, f := range trace {
		line, _ := strconv.Atoi(fmt.Sprintf("%d", f))

		frames = append(frames, &messages.InvokeResponse_Error_StackFrame{
			Path:  fmt.Sprintf("%s", f),
			Line:  int32(line),
			Label: fmt.Sprintf("%n", f),
		})
	}

	return frames
}

// Classify maps any processing failure onto the error taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}

	var fe *backend.FunctionError
	var re *translate.RejectedError
	var de *backend.DecodeError

	switch {
	case errors.Is(err, pool.ErrExhausted):
		return NewError(KindPoolExhausted, err)
	case backend.IsTimeout(err), errors.Is(err, context.Canceled):
		return NewError(KindTimeout, err)
	case errors.As(err, &fe), errors.As(err, &re):
		return NewError(KindBackendRejected, err)
	case errors.As(err, &de):
		return NewError(KindProtocolDecode, err)
	}

	return NewError(KindBackendUnreachable, err)
}
