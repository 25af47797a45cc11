package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/prognoshealth/lambdaproxy/backend"
	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/pool"
)

// Processor carries invocations to the backend over pooled connections.
type Processor struct {
	pool    *pool.Pool[backend.Conn]
	timeout time.Duration
	log     *logrus.Entry

	nowFunc func() time.Time
}

// NewProcessor returns a processor using p. timeout bounds every request in
// addition to the invocation deadline.
func NewProcessor(p *pool.Pool[backend.Conn], timeout time.Duration, log *logrus.Entry) *Processor {
	return &Processor{pool: p, timeout: timeout, log: log}
}

func (p *Processor) now() time.Time {
	if p.nowFunc != nil {
		return p.nowFunc()
	}

	return time.Now()
}

// deadline is the earlier of the invocation deadline and now + timeout.
func (p *Processor) deadline(inv *Invocation) time.Time {
	d := p.now().Add(p.timeout)

	if !inv.Deadline.IsZero() && inv.Deadline.Before(d) {
		return inv.Deadline
	}

	return d
}

// Process sends the invocation request to the backend and returns its
// response. A transport failure before any response byte is retried once on a
// freshly dialed connection. Every failure is returned as an *Error.
func (p *Processor) Process(ctx context.Context, inv *Invocation) (resp *canonical.Response, perr *Error) {
	log := p.log.WithField("request_id", inv.ID)

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered from panic while processing invocation")
			resp, perr = nil, NewError(KindPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	ctx, cancel := context.WithDeadline(ctx, p.deadline(inv))
	defer cancel()

	req := inv.backendRequest()
	start := p.now()

	resp, err := p.attempt(ctx, req, false)
	if err != nil && backend.Retryable(err) {
		log.WithError(err).Warn("backend transport error, retrying on a fresh connection")

		resp, err = p.attempt(ctx, req, true)
		if err != nil && backend.Retryable(err) {
			err = NewError(KindBackendUnreachable, errors.Wrap(err, "retry failed"))
		}
	}

	if err != nil {
		perr = Classify(err)
		log.WithError(perr).WithField("error_type", perr.Kind.Type()).Error("invocation failed")
		return nil, perr
	}

	log.WithFields(logrus.Fields{
		"method":   req.Method,
		"path":     req.Path,
		"status":   resp.StatusCode,
		"duration": p.now().Sub(start).String(),
	}).Debug("invocation processed")

	return resp, nil
}

// attempt runs one request on one connection. The connection goes back to
// the pool only when it is still usable.
func (p *Processor) attempt(ctx context.Context, req *canonical.Request, fresh bool) (*canonical.Response, error) {
	acquire := p.pool.Acquire
	if fresh {
		acquire = p.pool.AcquireFresh
	}

	lease, err := acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := lease.Conn.RoundTrip(ctx, req)

	healthy := lease.Conn.Reusable()
	var ce *backend.ConnError
	if errors.As(err, &ce) || backend.IsTimeout(err) {
		healthy = false
	}
	lease.Release(healthy)

	return resp, err
}
