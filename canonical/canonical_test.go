package canonical

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRequest(t *testing.T) {
	req := NewRequest("get", "")

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/", req.Path)
	assert.NotNil(t, req.Header)
	assert.NotNil(t, req.Query)
}

func TestRequest_URI(t *testing.T) {
	req := NewRequest("GET", "/items")
	assert.Equal(t, "/items", req.URI())

	req.Query.Add("b", "2")
	req.Query.Add("a", "1")
	req.Query.Add("a", "0")
	assert.Equal(t, "/items?a=1&a=0&b=2", req.URI())
}

func TestRequest_URI_escapedPath(t *testing.T) {
	req := NewRequest("GET", "/a/b")
	req.RawPath = "/a%2Fb"
	req.Query.Add("q", "1")

	assert.Equal(t, "/a%2Fb", req.EscapedPath())
	assert.Equal(t, "/a%2Fb?q=1", req.URI())
	assert.Equal(t, "/a%2Fb", req.Clone().EscapedPath())
}

func TestRequest_SetEscapedPath(t *testing.T) {
	cases := []struct {
		escaped string
		path    string
		rawPath string
	}{
		{"/items/7", "/items/7", ""},
		{"/a%2Fb", "/a/b", "/a%2Fb"},
		{"/with%20space", "/with space", ""},
		{"", "/", ""},
		{"/bad%zz", "/bad%zz", ""},
	}

	for _, c := range cases {
		req := NewRequest("GET", "")
		req.SetEscapedPath(c.escaped)

		assert.Equal(t, c.path, req.Path, c.escaped)
		assert.Equal(t, c.rawPath, req.RawPath, c.escaped)
	}
}

func TestRequest_Clone(t *testing.T) {
	req := NewRequest("POST", "/x")
	req.Header.Add("X-Multi", "1")
	req.Header.Add("X-Multi", "2")
	req.Query.Add("q", "v")
	req.Body = []byte("body")

	c := req.Clone()
	c.Header.Add("X-Multi", "3")
	c.Query.Add("q", "w")
	c.Body[0] = 'B'

	assert.Equal(t, []string{"1", "2"}, req.Header.Values("x-multi"))
	assert.Equal(t, []string{"v"}, req.Query["q"])
	assert.Equal(t, "body", string(req.Body))
	assert.Equal(t, []string{"1", "2", "3"}, c.Header.Values("X-Multi"))
}

func TestRequest_WithHeader(t *testing.T) {
	req := NewRequest("GET", "/")
	c := req.WithHeader("X-Amzn-Trace-Id", "Root=1")

	assert.Empty(t, req.Header.Get("X-Amzn-Trace-Id"))
	assert.Equal(t, "Root=1", c.Header.Get("x-amzn-trace-id"))
}

func TestResponse_Clone(t *testing.T) {
	resp := NewResponse(201, []byte("ok"))
	resp.Header.Set("Content-Type", "text/plain")

	c := resp.Clone()
	c.Header.Set("Content-Type", "application/json")

	assert.Equal(t, 201, c.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ok", string(c.Body))
}

func TestStripHopHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Private")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Private", "secret")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "text/plain")

	StripHopHeaders(h)

	assert.Equal(t, http.Header{"Content-Type": {"text/plain"}}, h)
}

func TestAddValues(t *testing.T) {
	h := http.Header{}
	AddValues(h, "set-cookie", "a=1", "b=2")

	assert.Equal(t, []string{"a=1", "b=2"}, h["Set-Cookie"])
}
