// Package canonical holds the trigger independent request and response types
// that flow between the event translator, the listeners and the backend.
package canonical

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
)

// hopHeaders are stripped whenever a message crosses the proxy.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an HTTP request independent of the way it arrived. Header names
// are case-insensitive and the order of values for a repeated name is
// preserved.
//
// A Request is treated as immutable once constructed. Use Clone or WithHeader
// to derive a modified copy.
type Request struct {
	Method string
	Path   string
	// RawPath is the encoded form of Path when it differs from the default
	// encoding, as in url.URL.
	RawPath string
	Query   url.Values
	Header  http.Header
	Body    []byte
}

// Response is the backend's answer to a Request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewRequest returns a request with initialised header and query maps.
func NewRequest(method, path string) *Request {
	if path == "" {
		path = "/"
	}

	return &Request{
		Method: strings.ToUpper(method),
		Path:   path,
		Query:  url.Values{},
		Header: http.Header{},
	}
}

// NewResponse returns a response with an initialised header map.
func NewResponse(status int, body []byte) *Response {
	return &Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       body,
	}
}

// RawQuery returns the encoded query string (without the leading '?').
func (req *Request) RawQuery() string {
	if len(req.Query) == 0 {
		return ""
	}

	return req.Query.Encode()
}

// EscapedPath returns the encoded path, preferring RawPath when it is a
// valid encoding of Path.
func (req *Request) EscapedPath() string {
	u := url.URL{Path: req.Path, RawPath: req.RawPath}
	return u.EscapedPath()
}

// SetEscapedPath sets Path from an encoded path, keeping the encoding in
// RawPath when it is not the default one. An invalid encoding is kept as is.
func (req *Request) SetEscapedPath(escaped string) {
	if escaped == "" {
		escaped = "/"
	}

	path, err := url.PathUnescape(escaped)
	if err != nil {
		req.Path, req.RawPath = escaped, ""
		return
	}

	req.Path, req.RawPath = path, ""
	if req.EscapedPath() != escaped {
		req.RawPath = escaped
	}
}

// URI returns the encoded path and query of the request.
func (req *Request) URI() string {
	if q := req.RawQuery(); q != "" {
		return req.EscapedPath() + "?" + q
	}

	return req.EscapedPath()
}

// Clone returns a deep copy of the request.
func (req *Request) Clone() *Request {
	c := &Request{
		Method:  req.Method,
		Path:    req.Path,
		RawPath: req.RawPath,
		Query:   url.Values{},
		Header:  req.Header.Clone(),
		Body:    bytes.Clone(req.Body),
	}

	for k, v := range req.Query {
		c.Query[k] = append([]string(nil), v...)
	}

	if c.Header == nil {
		c.Header = http.Header{}
	}

	return c
}

// WithHeader returns a copy of the request with name set to value.
func (req *Request) WithHeader(name, value string) *Request {
	c := req.Clone()
	c.Header.Set(name, value)
	return c
}

// Clone returns a deep copy of the response.
func (resp *Response) Clone() *Response {
	c := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       bytes.Clone(resp.Body),
	}

	if c.Header == nil {
		c.Header = http.Header{}
	}

	return c
}

// StripHopHeaders removes connection scoped headers, including the ones named
// by the Connection header itself.
func StripHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// AddValues appends values to name preserving their order.
func AddValues(h http.Header, name string, values ...string) {
	for _, v := range values {
		h.Add(name, v)
	}
}
