package backend

import (
	"context"
	"net/http"
	"time"

	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/translate"
)

// FunctionErrorHeader is set by Lambda invoke endpoints when the function
// failed.
const FunctionErrorHeader = "X-Amz-Function-Error"

// InvokeConn talks to a Lambda invoke endpoint such as the runtime interface
// emulator. Requests are sent as Function URL events over a pooled HTTP
// connection.
type InvokeConn struct {
	*HTTPConn
	path string

	nowFunc func() time.Time
}

// NewInvokeConn returns an invoke connection posting events to path.
func NewInvokeConn(conn *HTTPConn, path string) *InvokeConn {
	return &InvokeConn{HTTPConn: conn, path: path}
}

func (c *InvokeConn) now() time.Time {
	if c.nowFunc != nil {
		return c.nowFunc()
	}

	return time.Now()
}

// RoundTrip invokes the function with req encoded as a Function URL event
// and decodes its proxy response.
func (c *InvokeConn) RoundTrip(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	payload, err := translate.HTTPAPIRequest(req, translate.RequestMeta{
		RequestID: req.Header.Get(RequestIDHeader),
		SourceIP:  "127.0.0.1",
		Time:      c.now(),
	})
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	ireq := canonical.NewRequest(http.MethodPost, c.path)
	ireq.Header.Set("Content-Type", "application/json")
	ireq.Body = payload

	resp, err := c.HTTPConn.RoundTrip(ctx, ireq)
	if err != nil {
		return nil, err
	}

	// the endpoint status belongs to the invoke call, the function's own
	// status is inside the payload
	if resp.StatusCode >= 300 || resp.Header.Get(FunctionErrorHeader) != "" {
		return nil, &FunctionError{
			StatusCode: resp.StatusCode,
			Type:       resp.Header.Get(FunctionErrorHeader),
			Body:       resp.Body,
		}
	}

	out, err := translate.DecodeResponse(translate.APIGatewayV2, resp.Body)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	return out, nil
}
