package poller

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prognoshealth/lambdaproxy/backend"
	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/lock"
	"github.com/prognoshealth/lambdaproxy/pool"
	"github.com/prognoshealth/lambdaproxy/proxy"
	"github.com/prognoshealth/lambdaproxy/runtimeapi"
	"github.com/prognoshealth/lambdaproxy/translate"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

type fakeAPI struct {
	events     []*runtimeapi.Event
	responses  map[string]string
	failures   map[string]*messages.InvokeResponse_Error
	respondErr error
	failErr    error
}

func newFakeAPI(events ...*runtimeapi.Event) *fakeAPI {
	return &fakeAPI{
		events:    events,
		responses: map[string]string{},
		failures:  map[string]*messages.InvokeResponse_Error{},
	}
}

func (f *fakeAPI) Next(ctx context.Context) (*runtimeapi.Event, error) {
	if len(f.events) == 0 {
		return nil, &runtimeapi.TransportError{Op: "next", Err: errors.New("connection refused")}
	}

	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeAPI) Respond(ctx context.Context, id string, payload []byte) error {
	if f.respondErr != nil {
		return f.respondErr
	}

	f.responses[id] = string(payload)
	return nil
}

func (f *fakeAPI) Fail(ctx context.Context, id string, ierr *messages.InvokeResponse_Error) error {
	if f.failErr != nil {
		return f.failErr
	}

	f.failures[id] = ierr
	return nil
}

type processorFunc func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error)

func (f processorFunc) Process(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
	return f(ctx, inv)
}

func okProcessor(calls *int) processorFunc {
	return func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		*calls++
		return canonical.NewResponse(200, []byte(`{"ok":true}`)), nil
	}
}

type fakeLocker struct {
	seen     map[string]bool
	released []string
	err      error
}

func (l *fakeLocker) Acquire(ctx context.Context, id string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}

	if l.seen[id] {
		return false, nil
	}

	l.seen[id] = true
	return true, nil
}

func (l *fakeLocker) Release(ctx context.Context, id string) error {
	delete(l.seen, id)
	l.released = append(l.released, id)
	return nil
}

func (l *fakeLocker) Close() error { return nil }

func event(id, payload string) *runtimeapi.Event {
	return &runtimeapi.Event{
		ID:          id,
		Deadline:    time.Now().Add(5 * time.Second),
		TraceID:     "Root=1-5759e988-bd862e3fe1be46a994272793",
		FunctionARN: "arn:aws:lambda:us-east-1:123456789012:function:fn",
		Payload:     []byte(payload),
	}
}

func fixture(t *testing.T, name string) string {
	t.Helper()

	b, err := os.ReadFile(filepath.Join("..", "translate", "testdata", name))
	require.NoError(t, err)
	return string(b)
}

func TestPoller_Once_restEvent(t *testing.T) {
	var got *proxy.Invocation
	var lc *lambdacontext.LambdaContext

	proc := processorFunc(func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		got = inv
		lc, _ = lambdacontext.FromContext(ctx)

		resp := canonical.NewResponse(200, []byte("ok"))
		resp.Header.Set("Content-Type", "text/plain")
		return resp, nil
	})

	ev := event("req-1", `{"httpMethod":"GET","path":"/health","headers":{},"body":null}`)
	ev.CognitoIdentity = `{"cognitoIdentityId":"id-1","cognitoIdentityPoolId":"pool-1"}`
	api := newFakeAPI(ev)

	err := New(api, proc, nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "req-1", got.ID)
	assert.Equal(t, ev.Deadline, got.Deadline)
	assert.Equal(t, ev.TraceID, got.TraceID)
	assert.Equal(t, "GET", got.Request.Method)
	assert.Equal(t, "/health", got.Request.Path)

	require.NotNil(t, lc)
	assert.Equal(t, "req-1", lc.AwsRequestID)
	assert.Equal(t, ev.FunctionARN, lc.InvokedFunctionArn)
	assert.Equal(t, "id-1", lc.Identity.CognitoIdentityID)
	assert.Equal(t, "pool-1", lc.Identity.CognitoIdentityPoolID)

	assert.JSONEq(t, `{"statusCode":200,"headers":{"Content-Type":"text/plain"},"body":"ok"}`, api.responses["req-1"])
}

func TestPoller_Once_decodeError(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", `{not json`))

	err := New(api, okProcessor(&calls), nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, calls)
	require.Contains(t, api.failures, "req-1")
	assert.Equal(t, "Proxy.ProtocolDecode", api.failures["req-1"].Type)
}

func TestPoller_Once_processError(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		return nil, proxy.NewError(proxy.KindTimeout, context.DeadlineExceeded)
	})
	api := newFakeAPI(event("req-1", `{"httpMethod":"GET","path":"/"}`))

	err := New(api, proc, nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	require.Contains(t, api.failures, "req-1")
	assert.Equal(t, "Proxy.Timeout", api.failures["req-1"].Type)
	assert.Contains(t, api.failures["req-1"].Message, "deadline exceeded")
}

func TestPoller_Once_panic(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		panic("boom")
	})
	api := newFakeAPI(event("req-1", `{"httpMethod":"GET","path":"/"}`))

	err := New(api, proc, nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	require.Contains(t, api.failures, "req-1")
	assert.Equal(t, "Proxy.Panic", api.failures["req-1"].Type)
}

func TestPoller_Once_passthrough(t *testing.T) {
	var got *proxy.Invocation

	proc := processorFunc(func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		got = inv
		return canonical.NewResponse(200, []byte(`{"batchItemFailures":[]}`)), nil
	})
	api := newFakeAPI(event("req-1", fixture(t, "sqs.json")))

	decoder := &translate.Decoder{PassthroughPath: "/events"}
	err := New(api, proc, decoder, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "POST", got.Request.Method)
	assert.Equal(t, "/events", got.Request.Path)
	assert.Equal(t, "aws:sqs", got.Request.Header.Get(translate.TriggerHeader))
	assert.Equal(t, `{"batchItemFailures":[]}`, api.responses["req-1"])
}

func TestPoller_Once_passthroughRejected(t *testing.T) {
	proc := processorFunc(func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		return canonical.NewResponse(500, []byte("nope")), nil
	})
	api := newFakeAPI(event("req-1", fixture(t, "sqs.json")))

	err := New(api, proc, nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	require.Contains(t, api.failures, "req-1")
	assert.Equal(t, "Proxy.BackendRejected", api.failures["req-1"].Type)
}

func TestPoller_Once_acknowledge(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", fixture(t, "sns_s3_test.json")))

	err := New(api, okProcessor(&calls), nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, calls)
	assert.Equal(t, `{}`, api.responses["req-1"])
}

func TestPoller_Once_duplicate(t *testing.T) {
	calls := 0
	payload := fixture(t, "sqs.json")
	api := newFakeAPI(event("req-1", payload), event("req-2", payload))
	locker := &fakeLocker{seen: map[string]bool{}}

	p := New(api, okProcessor(&calls), nil, locker, testLogger())
	require.NoError(t, p.Once(context.Background()))
	require.NoError(t, p.Once(context.Background()))

	assert.Equal(t, 1, calls)
	assert.Equal(t, `{"ok":true}`, api.responses["req-1"])
	assert.Equal(t, `{}`, api.responses["req-2"])
}

func TestPoller_Once_rejectedEventRedelivered(t *testing.T) {
	calls := 0
	proc := processorFunc(func(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error) {
		calls++
		if calls == 1 {
			return canonical.NewResponse(500, []byte("nope")), nil
		}
		return canonical.NewResponse(200, []byte(`{"ok":true}`)), nil
	})

	payload := fixture(t, "sqs.json")
	api := newFakeAPI(event("req-1", payload), event("req-2", payload))
	locker := &fakeLocker{seen: map[string]bool{}}

	p := New(api, proc, nil, locker, testLogger())
	require.NoError(t, p.Once(context.Background()))
	require.NoError(t, p.Once(context.Background()))

	assert.Equal(t, 2, calls)
	require.Contains(t, api.failures, "req-1")
	assert.Equal(t, "Proxy.BackendRejected", api.failures["req-1"].Type)
	assert.Equal(t, `{"ok":true}`, api.responses["req-2"])
	assert.Equal(t, []string{lock.Hash([]byte(payload))}, locker.released)
	assert.True(t, locker.seen[lock.Hash([]byte(payload))])
}

func TestPoller_Once_lockReleasedWhenResponseRejected(t *testing.T) {
	calls := 0
	payload := fixture(t, "sqs.json")
	api := newFakeAPI(event("req-1", payload))
	api.respondErr = &runtimeapi.StatusError{Op: "response", StatusCode: http.StatusRequestEntityTooLarge}
	locker := &fakeLocker{seen: map[string]bool{}}

	err := New(api, okProcessor(&calls), nil, locker, testLogger()).Once(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Contains(t, api.failures, "req-1")
	assert.Empty(t, locker.seen)
}

func TestPoller_Once_lockKeptAfterSuccess(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", fixture(t, "sqs.json")))
	locker := &fakeLocker{seen: map[string]bool{}}

	err := New(api, okProcessor(&calls), nil, locker, testLogger()).Once(context.Background())
	require.NoError(t, err)

	assert.Len(t, locker.seen, 1)
	assert.Empty(t, locker.released)
}

func TestPoller_Once_lockErrorDispatches(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", fixture(t, "sqs.json")))
	locker := &fakeLocker{err: errors.New("throttled")}

	err := New(api, okProcessor(&calls), nil, locker, testLogger()).Once(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPoller_Once_httpEventsSkipLock(t *testing.T) {
	calls := 0
	payload := `{"httpMethod":"GET","path":"/"}`
	api := newFakeAPI(event("req-1", payload), event("req-2", payload))
	locker := &fakeLocker{seen: map[string]bool{}}

	p := New(api, okProcessor(&calls), nil, locker, testLogger())
	require.NoError(t, p.Once(context.Background()))
	require.NoError(t, p.Once(context.Background()))

	assert.Equal(t, 2, calls)
	assert.Empty(t, locker.seen)
}

func TestPoller_Once_responseRejected(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", `{"httpMethod":"GET","path":"/"}`))
	api.respondErr = &runtimeapi.StatusError{Op: "response", StatusCode: http.StatusRequestEntityTooLarge}

	err := New(api, okProcessor(&calls), nil, nil, testLogger()).Once(context.Background())
	require.NoError(t, err)

	require.Contains(t, api.failures, "req-1")
	assert.Equal(t, "Proxy.ProtocolDecode", api.failures["req-1"].Type)
}

func TestPoller_Once_responseTransportFatal(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", `{"httpMethod":"GET","path":"/"}`))
	api.respondErr = &runtimeapi.TransportError{Op: "response", Err: errors.New("connection refused")}

	err := New(api, okProcessor(&calls), nil, nil, testLogger()).Once(context.Background())

	var perr *proxy.Error
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Fatal())
}

func TestPoller_Once_failStatusIgnored(t *testing.T) {
	api := newFakeAPI(event("req-1", `{not json`))
	api.failErr = &runtimeapi.StatusError{Op: "error", StatusCode: http.StatusBadRequest}

	err := New(api, okProcessor(new(int)), nil, nil, testLogger()).Once(context.Background())
	assert.NoError(t, err)
}

func TestPoller_Run_transportFatal(t *testing.T) {
	calls := 0
	api := newFakeAPI(event("req-1", `{"httpMethod":"GET","path":"/"}`))

	err := New(api, okProcessor(&calls), nil, nil, testLogger()).Run(context.Background())

	var perr *proxy.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, proxy.KindTransport, perr.Kind)
	assert.Equal(t, 1, calls)
}

func TestPoller_Run_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(newFakeAPI(), okProcessor(new(int)), nil, nil, testLogger()).Run(ctx)
	assert.NoError(t, err)
}

// fakeRuntime serves the Runtime API for a fixed list of payloads and records
// what the runtime posts back.
type fakeRuntime struct {
	mu       sync.Mutex
	payloads []string
	posted   map[string]string
	done     chan struct{}
}

func (f *fakeRuntime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/2018-06-01/runtime/invocation/"

	switch {
	case r.Method == http.MethodGet && r.URL.Path == prefix+"next":
		f.mu.Lock()
		n := len(f.posted)
		if n >= len(f.payloads) {
			f.mu.Unlock()
			<-r.Context().Done()
			return
		}
		payload := f.payloads[n]
		f.mu.Unlock()

		w.Header().Set(runtimeapi.HeaderRequestID, "req-"+strconv.Itoa(n))
		w.Header().Set(runtimeapi.HeaderDeadlineMs, strconv.FormatInt(time.Now().Add(5000*time.Millisecond).UnixMilli(), 10))
		w.Header().Set(runtimeapi.HeaderTraceID, "Root=1-5759e988-bd862e3fe1be46a994272793")
		_, _ = w.Write([]byte(payload))
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, prefix):
		b, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.posted[strings.TrimPrefix(r.URL.Path, prefix)] = string(b)
		if len(f.posted) == len(f.payloads) {
			close(f.done)
		}
		f.mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
	default:
		http.NotFound(w, r)
	}
}

func TestPoller_Run_endToEnd(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793", r.Header.Get(backend.TraceHeader))

		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Date", "Tue, 10 Nov 2009 23:00:00 GMT")
		_, _ = w.Write([]byte("ok"))
	}))
	defer backendSrv.Close()

	target, err := url.Parse(backendSrv.URL)
	require.NoError(t, err)

	d := &backend.Dialer{Kind: backend.KindHTTP, Target: target, DialTimeout: time.Second}
	p := pool.New[backend.Conn](d.Dial, backend.Probe, pool.Options{MaxSize: 2, WaitTimeout: time.Second})
	defer p.Close(context.Background())

	health := `{"httpMethod":"GET","path":"/health","headers":{},"body":null}`
	runtime := &fakeRuntime{payloads: []string{health, health}, posted: map[string]string{}, done: make(chan struct{})}
	runtimeSrv := httptest.NewServer(runtime)
	defer runtimeSrv.Close()

	api := runtimeapi.New(strings.TrimPrefix(runtimeSrv.URL, "http://"), testLogger())
	poller := New(api, proxy.NewProcessor(p, 30*time.Second, testLogger()), nil, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- poller.Run(ctx) }()

	select {
	case <-runtime.done:
	case <-time.After(5 * time.Second):
		t.Fatal("invocations were not answered")
	}

	cancel()
	assert.NoError(t, <-result)

	runtime.mu.Lock()
	defer runtime.mu.Unlock()

	first := runtime.posted["req-0/response"]
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(first), &resp))
	assert.Equal(t, float64(200), resp["statusCode"])
	assert.Equal(t, "ok", resp["body"])
	assert.Equal(t, "text/plain", resp["headers"].(map[string]any)["Content-Type"])

	assert.Equal(t, first, runtime.posted["req-1/response"])
}
