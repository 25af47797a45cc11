// Package runtimeapi is a client for the Lambda Runtime API used by custom
// runtimes to fetch invocations and post their results.
package runtimeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/lestrrat-go/backoff/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Version is the Runtime API version prefix.
const Version = "2018-06-01"

const (
	HeaderRequestID         = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs        = "Lambda-Runtime-Deadline-Ms"
	HeaderTraceID           = "Lambda-Runtime-Trace-Id"
	HeaderFunctionARN       = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderClientContext     = "Lambda-Runtime-Client-Context"
	HeaderCognitoIdentity   = "Lambda-Runtime-Cognito-Identity"
	HeaderFunctionErrorType = "Lambda-Runtime-Function-Error-Type"

	contentTypeJSON = "application/json"
)

// Event is one invocation handed out by the Runtime API.
type Event struct {
	ID              string
	Deadline        time.Time
	TraceID         string
	FunctionARN     string
	ClientContext   string
	CognitoIdentity string
	Payload         []byte
}

// StatusError is a non-2xx answer from the Runtime API.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("runtime api %s returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// ClientError reports whether the Runtime API refused the request itself,
// for example a response payload over the size limit.
func (e *StatusError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// TransportError is returned once the retries for a request are exhausted.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("runtime api %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Client talks to the Runtime API at a host:port address.
type Client struct {
	baseURL string
	http    *http.Client
	policy  backoff.Policy
	log     *logrus.Entry
}

// Option customizes a Client.
type Option func(*Client)

// WithBackoff replaces the retry policy for transport errors.
func WithBackoff(policy backoff.Policy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

// WithHTTPClient replaces the http client. It must not set a timeout since
// the next invocation call blocks until an event arrives.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// DefaultBackoff retries a failed request a handful of times within about a
// second.
func DefaultBackoff() backoff.Policy {
	return backoff.Exponential(
		backoff.WithMinInterval(20*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithJitterFactor(0.05),
		backoff.WithMaxRetries(5),
	)
}

// New returns a client for address, the value of AWS_LAMBDA_RUNTIME_API.
func New(address string, log *logrus.Entry, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("http://%s/%s/runtime", address, Version),
		http:    &http.Client{},
		policy:  DefaultBackoff(),
		log:     log,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Next blocks until the next invocation is available.
func (c *Client) Next(ctx context.Context) (*Event, error) {
	resp, body, err := c.do(ctx, "next", http.MethodGet, c.baseURL+"/invocation/next", nil, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "next", StatusCode: resp.StatusCode, Body: string(body)}
	}

	ev := &Event{
		ID:              resp.Header.Get(HeaderRequestID),
		TraceID:         resp.Header.Get(HeaderTraceID),
		FunctionARN:     resp.Header.Get(HeaderFunctionARN),
		ClientContext:   resp.Header.Get(HeaderClientContext),
		CognitoIdentity: resp.Header.Get(HeaderCognitoIdentity),
		Payload:         body,
	}

	if ev.ID == "" {
		return nil, errors.Errorf("runtime api next: missing %s header", HeaderRequestID)
	}

	if ms := resp.Header.Get(HeaderDeadlineMs); ms != "" {
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "failed parsing %s", HeaderDeadlineMs)
		}
		ev.Deadline = time.UnixMilli(n)
	}

	return ev, nil
}

// Respond posts the result payload of invocation id.
func (c *Client) Respond(ctx context.Context, id string, payload []byte) error {
	url := fmt.Sprintf("%s/invocation/%s/response", c.baseURL, id)
	return c.post(ctx, "response", url, payload, nil)
}

// Fail posts a structured error for invocation id.
func (c *Client) Fail(ctx context.Context, id string, ierr *messages.InvokeResponse_Error) error {
	url := fmt.Sprintf("%s/invocation/%s/error", c.baseURL, id)
	return c.postError(ctx, "error", url, ierr)
}

// InitError reports a failure to start before the first invocation.
func (c *Client) InitError(ctx context.Context, ierr *messages.InvokeResponse_Error) error {
	return c.postError(ctx, "init error", c.baseURL+"/init/error", ierr)
}

func (c *Client) postError(ctx context.Context, op, url string, ierr *messages.InvokeResponse_Error) error {
	payload, err := json.Marshal(ierr)
	if err != nil {
		return errors.Wrap(err, "failed encoding invocation error")
	}

	header := http.Header{}
	header.Set(HeaderFunctionErrorType, ierr.Type)

	return c.post(ctx, op, url, payload, header)
}

func (c *Client) post(ctx context.Context, op, url string, payload []byte, header http.Header) error {
	resp, body, err := c.do(ctx, op, http.MethodPost, url, payload, header)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil
}

// do sends one request, retrying transport errors under the backoff policy.
// A canceled context is returned as is.
func (c *Client) do(ctx context.Context, op, method, url string, payload []byte, header http.Header) (*http.Response, []byte, error) {
	var lastErr error

	b := c.policy.Start(ctx)
	for backoff.Continue(b) {
		var r io.Reader = http.NoBody
		if payload != nil {
			r = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, r)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed building runtime api %s request", op)
		}

		for name, values := range header {
			req.Header[name] = values
		}
		if payload != nil {
			req.Header.Set("Content-Type", contentTypeJSON)
		}

		resp, err := c.http.Do(req)
		if err == nil {
			var body []byte
			body, err = io.ReadAll(resp.Body)
			resp.Body.Close()

			if err == nil {
				return resp, body, nil
			}
		}

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}

		lastErr = err
		c.log.WithError(err).WithField("op", op).Warn("runtime api request failed")
	}

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	return nil, nil, &TransportError{Op: op, Err: lastErr}
}
