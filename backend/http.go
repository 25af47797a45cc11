package backend

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

var errBroken = errors.New("connection marked for close")

// countingReader counts the bytes read from the socket since the last reset.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// HTTPConn is a keep-alive HTTP/1.1 connection to the backend.
type HTTPConn struct {
	conn     net.Conn
	counter  *countingReader
	br       *bufio.Reader
	host     string
	basePath string
	broken   bool
}

// NewHTTPConn wraps an established socket. host is sent as the Host header
// and basePath is prefixed to every request path.
func NewHTTPConn(conn net.Conn, host, basePath string) *HTTPConn {
	counter := &countingReader{r: conn}

	return &HTTPConn{
		conn:     conn,
		counter:  counter,
		br:       bufio.NewReader(counter),
		host:     host,
		basePath: strings.TrimSuffix(basePath, "/"),
	}
}

// RoundTrip writes req and reads the complete response.
func (c *HTTPConn) RoundTrip(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	if c.broken {
		return nil, &ConnError{Op: "write", Err: errBroken}
	}

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetDeadline(deadline); err != nil {
		c.broken = true
		return nil, &ConnError{Op: "set deadline", Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	hr := c.httpRequest(req)
	c.counter.n = 0

	if err := hr.Write(c.conn); err != nil {
		c.broken = true
		return nil, &ConnError{Op: "write", Err: c.cause(ctx, err)}
	}

	hresp, err := http.ReadResponse(c.br, hr)
	if err != nil {
		c.broken = true
		return nil, &ConnError{Op: "read", Err: c.cause(ctx, err), ResponseStarted: c.counter.n > 0}
	}

	body, err := io.ReadAll(hresp.Body)
	hresp.Body.Close()
	if err != nil {
		c.broken = true
		return nil, &ConnError{Op: "read body", Err: c.cause(ctx, err), ResponseStarted: true}
	}

	if hresp.Close {
		c.broken = true
	}

	resp := &canonical.Response{
		StatusCode: hresp.StatusCode,
		Header:     hresp.Header,
		Body:       body,
	}
	canonical.StripHopHeaders(resp.Header)

	return resp, nil
}

func (c *HTTPConn) httpRequest(req *canonical.Request) *http.Request {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	canonical.StripHopHeaders(header)

	if _, ok := header["User-Agent"]; !ok {
		// an empty value keeps net/http from adding its own
		header["User-Agent"] = []string{""}
	}

	hr := &http.Request{
		Method:        req.Method,
		URL:           c.requestURL(req),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Host:          c.host,
		ContentLength: int64(len(req.Body)),
	}

	if len(req.Body) > 0 {
		hr.Body = io.NopCloser(bytes.NewReader(req.Body))
	}

	return hr
}

// requestURL joins the base path with the request path, keeping the
// request's own encoding.
func (c *HTTPConn) requestURL(req *canonical.Request) *url.URL {
	u := &url.URL{Path: c.basePath + req.Path, RawQuery: req.RawQuery()}

	if req.RawPath != "" {
		u.RawPath = (&url.URL{Path: c.basePath}).EscapedPath() + req.RawPath
	}

	return u
}

// cause prefers the context error once the context is done.
func (c *HTTPConn) cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), err.Error())
	}

	return err
}

// Reusable is false once the connection failed or the server asked to close.
func (c *HTTPConn) Reusable() bool {
	return !c.broken
}

// probe performs a zero byte read. A timeout means the peer is still there
// and silent; EOF or a reset means it went away.
func (c *HTTPConn) probe() error {
	if c.broken {
		return errBroken
	}

	if c.br.Buffered() > 0 {
		return errors.New("unexpected data on idle connection")
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	_, err := c.br.Peek(1)
	if err == nil {
		return errors.New("unexpected data on idle connection")
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}

	return err
}

func (c *HTTPConn) Close() error {
	return c.conn.Close()
}
