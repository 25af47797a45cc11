package proxy

import (
	"time"

	"github.com/prognoshealth/lambdaproxy/backend"
	"github.com/prognoshealth/lambdaproxy/canonical"
)

// Invocation is one unit of work: a request with its identity and deadline.
// Invocations from the poller carry the Runtime API deadline; local ones get
// the configured timeout.
type Invocation struct {
	ID          string
	Deadline    time.Time
	TraceID     string
	FunctionARN string
	Request     *canonical.Request
}

// backendRequest returns the request forwarded to the backend, annotated with
// the invocation id and trace context.
func (inv *Invocation) backendRequest() *canonical.Request {
	req := inv.Request.Clone()

	if inv.ID != "" {
		req.Header.Set(backend.RequestIDHeader, inv.ID)
	}

	if inv.TraceID != "" {
		req.Header.Set(backend.TraceHeader, inv.TraceID)
	}

	return req
}
