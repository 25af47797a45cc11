package runtimeapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda/messages"
	"github.com/lestrrat-go/backoff/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return testClientAt(strings.TrimPrefix(srv.URL, "http://"))
}

func testClientAt(address string) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)

	policy := backoff.Constant(backoff.WithInterval(time.Millisecond), backoff.WithMaxRetries(2))

	return New(address, logrus.NewEntry(log), WithBackoff(policy))
}

func TestClient_Next(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/2018-06-01/runtime/invocation/next", r.URL.Path)

		w.Header().Set(HeaderRequestID, "req-1")
		w.Header().Set(HeaderDeadlineMs, "1257894000000")
		w.Header().Set(HeaderTraceID, "Root=1-5759e988-bd862e3fe1be46a994272793")
		w.Header().Set(HeaderFunctionARN, "arn:aws:lambda:us-east-1:123456789012:function:fn")
		w.Header().Set(HeaderClientContext, `{"custom":{"a":"b"}}`)
		w.Header().Set(HeaderCognitoIdentity, `{"cognitoIdentityId":"id"}`)
		_, _ = w.Write([]byte(`{"httpMethod":"GET"}`))
	}))

	ev, err := c.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "req-1", ev.ID)
	assert.Equal(t, time.Date(2009, 11, 10, 23, 0, 0, 0, time.UTC), ev.Deadline.UTC())
	assert.Equal(t, "Root=1-5759e988-bd862e3fe1be46a994272793", ev.TraceID)
	assert.Equal(t, "arn:aws:lambda:us-east-1:123456789012:function:fn", ev.FunctionARN)
	assert.Equal(t, `{"custom":{"a":"b"}}`, ev.ClientContext)
	assert.Equal(t, `{"cognitoIdentityId":"id"}`, ev.CognitoIdentity)
	assert.Equal(t, `{"httpMethod":"GET"}`, string(ev.Payload))
}

func TestClient_Next_noDeadline(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRequestID, "req-1")
		_, _ = w.Write([]byte(`{}`))
	}))

	ev, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.Deadline.IsZero())
}

func TestClient_Next_missingRequestID(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))

	_, err := c.Next(context.Background())
	assert.Error(t, err)
}

func TestClient_Next_badDeadline(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderRequestID, "req-1")
		w.Header().Set(HeaderDeadlineMs, "soon")
	}))

	_, err := c.Next(context.Background())
	assert.Error(t, err)
}

func TestClient_Next_status(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	_, err := c.Next(context.Background())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.False(t, se.ClientError())
}

func TestClient_Respond(t *testing.T) {
	var body string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/2018-06-01/runtime/invocation/req-1/response", r.URL.Path)

		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusAccepted)
	}))

	err := c.Respond(context.Background(), "req-1", []byte(`{"statusCode":200}`))
	assert.NoError(t, err)
	assert.Equal(t, `{"statusCode":200}`, body)
}

func TestClient_Respond_tooLarge(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errorType":"RequestEntityTooLarge"}`, http.StatusRequestEntityTooLarge)
	}))

	err := c.Respond(context.Background(), "req-1", []byte(`{}`))

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.ClientError())
	assert.Equal(t, "response", se.Op)
}

func TestClient_Fail(t *testing.T) {
	var (
		errorType string
		got       messages.InvokeResponse_Error
	)

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2018-06-01/runtime/invocation/req-1/error", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		errorType = r.Header.Get(HeaderFunctionErrorType)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))

	ierr := &messages.InvokeResponse_Error{Type: "Proxy.Timeout", Message: "deadline exceeded"}

	err := c.Fail(context.Background(), "req-1", ierr)
	assert.NoError(t, err)
	assert.Equal(t, "Proxy.Timeout", errorType)
	assert.Equal(t, "Proxy.Timeout", got.Type)
	assert.Equal(t, "deadline exceeded", got.Message)
}

func TestClient_InitError(t *testing.T) {
	var path, errorType string

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		errorType = r.Header.Get(HeaderFunctionErrorType)
		w.WriteHeader(http.StatusAccepted)
	}))

	err := c.InitError(context.Background(), &messages.InvokeResponse_Error{Type: "Runtime.Transport", Message: "x"})
	assert.NoError(t, err)
	assert.Equal(t, "/2018-06-01/runtime/init/error", path)
	assert.Equal(t, "Runtime.Transport", errorType)
}

func TestClient_retry(t *testing.T) {
	var calls int32

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if assert.NoError(t, err) {
				conn.Close()
			}
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}))

	err := c.Respond(context.Background(), "req-1", []byte(`{}`))
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestClient_transportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	address := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := testClientAt(address)

	_, err := c.Next(context.Background())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "next", te.Op)
}

func TestClient_canceled(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
