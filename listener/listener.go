// Package listener serves the processing path on a local HTTP socket for
// local invocation, tests and health probes.
package listener

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/prognoshealth/lambdaproxy/backend"
	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/proxy"
	"github.com/prognoshealth/lambdaproxy/translate"
)

// FunctionErrorHeader flags an invocation error on the invoke route.
const FunctionErrorHeader = "X-Amz-Function-Error"

// invokeRoute mirrors the Lambda invoke endpoint of the runtime interface
// emulator.
const invokeRoute = `/2015-03-31/functions/(?P<function>[^/]+)/invocations`

// Processor runs one invocation against the backend.
type Processor interface {
	Process(ctx context.Context, inv *proxy.Invocation) (*canonical.Response, *proxy.Error)
}

// Options configure a Listener.
type Options struct {
	Addr         string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Listener is the local HTTP server.
type Listener struct {
	opts    Options
	proc    Processor
	decoder *translate.Decoder
	router  *proxy.Router
	server  *http.Server
	log     *logrus.Entry

	nowFunc func() time.Time
}

// New returns a listener processing requests with proc.
func New(opts Options, proc Processor, decoder *translate.Decoder, log *logrus.Entry) (*Listener, error) {
	if decoder == nil {
		decoder = &translate.Decoder{}
	}

	l := &Listener{opts: opts, proc: proc, decoder: decoder, log: log}

	router := &proxy.Router{}
	router.POST(invokeRoute, l.invoke)
	router.AddCatchAllHandler(l.forward)
	router.AddErrorHandler(l.catchError)

	if !router.Valid() {
		return nil, router.BuildErrors()
	}

	l.router = router
	l.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return l, nil
}

func (l *Listener) now() time.Time {
	if l.nowFunc != nil {
		return l.nowFunc()
	}

	return time.Now()
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (l *Listener) ListenAndServe() error {
	ln, err := net.Listen("tcp", l.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed listening on %s", l.opts.Addr)
	}

	return l.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (l *Listener) Serve(ln net.Listener) error {
	l.log.WithField("addr", ln.Addr().String()).Info("listening")

	err := l.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req, err := l.request(w, r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "RequestEntityTooLarge", err)
			return
		}

		writeError(w, http.StatusBadRequest, "InvalidRequest", err)
		return
	}

	resp, err := l.router.Route(r.Context(), req)
	if err != nil {
		resp, _ = l.catchError(r.Context(), req, err)
	}

	writeResponse(w, resp)
}

// request reads r into a canonical request.
func (l *Listener) request(w http.ResponseWriter, r *http.Request) (*canonical.Request, error) {
	body := r.Body
	if l.opts.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, l.opts.MaxBodyBytes)
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	req := canonical.NewRequest(r.Method, r.URL.Path)
	req.RawPath = r.URL.RawPath
	req.Query = r.URL.Query()
	req.Header = r.Header.Clone()
	req.Body = b
	canonical.StripHopHeaders(req.Header)

	return req, nil
}

func (l *Listener) invocation(req *canonical.Request) *proxy.Invocation {
	return &proxy.Invocation{
		ID:       uuid.NewString(),
		Deadline: l.now().Add(l.opts.Timeout),
		TraceID:  req.Header.Get(backend.TraceHeader),
		Request:  req,
	}
}

// forward sends the request to the backend unchanged, or as an event of the
// source named by the trigger header.
func (l *Listener) forward(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	if hint := req.Header.Get(translate.TriggerHeader); hint != "" {
		kind, source := translate.ParseTrigger(hint)

		env, err := l.decoder.DecodeAs(kind, source, req.Body)
		if err != nil {
			return nil, proxy.NewError(proxy.KindProtocolDecode, err)
		}

		payload, perr := l.dispatch(ctx, env)
		if perr != nil {
			return nil, perr
		}

		return jsonResponse(payload), nil
	}

	resp, perr := l.proc.Process(ctx, l.invocation(req))
	if perr != nil {
		return nil, perr
	}

	return resp, nil
}

// invoke answers a Lambda invoke call with the encoded envelope, or with the
// structured error flagged by the function error header.
func (l *Listener) invoke(rc *proxy.RouteContext) (*canonical.Response, error) {
	log := l.log.WithField("function", rc.Params["function"])

	env, err := l.decoder.Decode(rc.Request.Body)
	if err != nil {
		return functionError(proxy.NewError(proxy.KindProtocolDecode, err)), nil
	}

	payload, perr := l.dispatch(rc.Context, env)
	if perr != nil {
		log.WithError(perr).Warn("invocation failed")
		return functionError(perr), nil
	}

	return jsonResponse(payload), nil
}

// dispatch processes env and encodes the result.
func (l *Listener) dispatch(ctx context.Context, env translate.Envelope) ([]byte, *proxy.Error) {
	if env.Acknowledge() {
		return []byte(`{}`), nil
	}

	resp, perr := l.proc.Process(ctx, l.invocation(env.Request()))
	if perr != nil {
		return nil, perr
	}

	return proxy.EncodeResponse(env, resp)
}

func (l *Listener) catchError(ctx context.Context, req *canonical.Request, err error) (*canonical.Response, error) {
	perr := proxy.Classify(err)

	l.log.WithError(perr).WithFields(logrus.Fields{
		"method": req.Method,
		"path":   req.Path,
	}).Warn("request failed")

	resp := canonical.NewResponse(perr.StatusCode(), perr.Body())
	resp.Header.Set("Content-Type", "application/json")

	return resp, nil
}

func jsonResponse(payload []byte) *canonical.Response {
	resp := canonical.NewResponse(http.StatusOK, payload)
	resp.Header.Set("Content-Type", "application/json")
	return resp
}

func functionError(perr *proxy.Error) *canonical.Response {
	resp := jsonResponse(perr.Body())
	resp.Header.Set(FunctionErrorHeader, "Unhandled")
	return resp
}

func writeResponse(w http.ResponseWriter, resp *canonical.Response) {
	h := w.Header()
	for name, values := range resp.Header {
		h[name] = append([]string(nil), values...)
	}
	canonical.StripHopHeaders(h)
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))

	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, status int, errorType string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(errorBody(errorType, err))
}

func errorBody(errorType string, err error) []byte {
	b, _ := json.Marshal(struct {
		Type    string `json:"errorType"`
		Message string `json:"errorMessage"`
	}{errorType, err.Error()})

	return b
}
