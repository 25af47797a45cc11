// Package poller runs the invocation loop against the Lambda Runtime API.
package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/lock"
	"github.com/prognoshealth/lambdaproxy/logging"
	"github.com/prognoshealth/lambdaproxy/proxy"
	"github.com/prognoshealth/lambdaproxy/runtimeapi"
	"github.com/prognoshealth/lambdaproxy/translate"
)

// emptyResponse answers events that were not dispatched.
var emptyResponse = []byte(`{}`)

// releaseTimeout bounds giving back a lock, also after ctx is done.
const releaseTimeout = 5 * time.Second

// RuntimeAPI is the part of the Runtime API the poller uses.
type RuntimeAPI interface {
	Next(ctx context.Context) (*runtimeapi.Event, error)
	Respond(ctx context.Context, id string, payload []byte) error
	Fail(ctx context.Context, id string, ierr *messages.InvokeResponse_Error) error
}

// Processor runs one invocation against the backend.
type Processor interface {
	Process(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error)
}

// Poller handles invocations one at a time.
type Poller struct {
	api     RuntimeAPI
	proc    Processor
	decoder *translate.Decoder
	locker  lock.Locker
	log     *logrus.Entry
}

// New returns a poller. locker may be nil to dispatch every event.
func New(api RuntimeAPI, proc Processor, decoder *translate.Decoder, locker lock.Locker, log *logrus.Entry) *Poller {
	if decoder == nil {
		decoder = &translate.Decoder{}
	}

	return &Poller{api: api, proc: proc, decoder: decoder, locker: locker, log: log}
}

// Run handles invocations until ctx is done, returning nil, or until the
// Runtime API fails, returning a fatal *proxy.Error.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("polling runtime api")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := p.Once(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Once fetches, processes and answers a single invocation. Only Runtime API
// failures are returned.
func (p *Poller) Once(ctx context.Context) error {
	ev, err := p.api.Next(ctx)
	if err != nil {
		return p.fatal("next", err)
	}

	log := p.log.WithFields(logrus.Fields{
		"request_id": ev.ID,
		"trace_id":   ev.TraceID,
	})

	payload, held, perr := p.handle(ctx, ev, log)
	if perr != nil {
		p.release(ctx, held, log)
		return p.fail(ctx, ev.ID, perr, log)
	}

	err = p.api.Respond(ctx, ev.ID, payload)

	var se *runtimeapi.StatusError
	if errors.As(err, &se) && se.ClientError() {
		log.WithError(err).Warn("runtime api rejected response")
		p.release(ctx, held, log)
		return p.fail(ctx, ev.ID, proxy.NewError(proxy.KindProtocolDecode, err), log)
	}

	if err != nil {
		p.release(ctx, held, log)
		return p.fatal("response", err)
	}

	return nil
}

// handle turns an event into the payload of its response. held names the
// lock taken for the event, if any.
func (p *Poller) handle(ctx context.Context, ev *runtimeapi.Event, log *logrus.Entry) (payload []byte, held string, perr *proxy.Error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("recovered from panic while handling event")
			payload, perr = nil, proxy.NewError(proxy.KindPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	env, err := p.decoder.Decode(ev.Payload)
	if err != nil {
		return nil, "", proxy.NewError(proxy.KindProtocolDecode, err)
	}

	log = log.WithFields(logrus.Fields{"trigger": env.Kind().String(), "source": env.Source()})

	if env.Acknowledge() {
		log.Info("acknowledged event without dispatch")
		return emptyResponse, "", nil
	}

	held, duplicate := p.lock(ctx, env, ev, log)
	if duplicate {
		log.Info("skipped duplicate event")
		return emptyResponse, "", nil
	}

	ctx = lambdacontext.NewContext(ctx, invocationContext(ev))
	log.WithFields(logging.FromContext(ctx).Fields()).Debug("dispatching invocation")

	inv := &proxy.Invocation{
		ID:          ev.ID,
		Deadline:    ev.Deadline,
		TraceID:     ev.TraceID,
		FunctionARN: ev.FunctionARN,
		Request:     env.Request(),
	}

	resp, perr := p.proc.Process(ctx, inv)
	if perr != nil {
		return nil, held, perr
	}

	payload, perr = proxy.EncodeResponse(env, resp)
	return payload, held, perr
}

// lock takes the lock of a passthrough event, returning its id, or reports
// that the event was already delivered. A failing lock lets the event
// through.
func (p *Poller) lock(ctx context.Context, env translate.Envelope, ev *runtimeapi.Event, log *logrus.Entry) (string, bool) {
	if p.locker == nil || env.Kind() != translate.Passthrough {
		return "", false
	}

	id := lock.Hash(ev.Payload)

	available, err := p.locker.Acquire(ctx, id)
	if err != nil {
		log.WithError(err).Warn("invocation lock unavailable")
		return "", false
	}

	if !available {
		return "", true
	}

	return id, false
}

// release gives back the lock of an event that was not answered, so that
// the event source can deliver it again.
func (p *Poller) release(ctx context.Context, id string, log *logrus.Entry) {
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := p.locker.Release(ctx, id); err != nil {
		log.WithError(err).Warn("failed releasing invocation lock")
	}
}

func (p *Poller) fail(ctx context.Context, id string, perr *proxy.Error, log *logrus.Entry) error {
	err := p.api.Fail(ctx, id, perr.InvokeError())

	var se *runtimeapi.StatusError
	if errors.As(err, &se) {
		log.WithError(err).Error("runtime api rejected invocation error")
		return nil
	}

	if err != nil {
		return p.fatal("error", err)
	}

	return nil
}

func (p *Poller) fatal(op string, err error) error {
	return proxy.NewError(proxy.KindTransport, errors.Wrapf(err, "runtime api %s failed", op))
}

func invocationContext(ev *runtimeapi.Event) *lambdacontext.LambdaContext {
	lc := &lambdacontext.LambdaContext{
		AwsRequestID:       ev.ID,
		InvokedFunctionArn: ev.FunctionARN,
	}

	if ev.ClientContext != "" {
		_ = json.Unmarshal([]byte(ev.ClientContext), &lc.ClientContext)
	}

	if ev.CognitoIdentity != "" {
		_ = json.Unmarshal([]byte(ev.CognitoIdentity), &lc.Identity)
	}

	return lc
}
