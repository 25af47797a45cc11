package translate

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// TimeLayout is the requestContext.time format of payload 2.0 events.
const TimeLayout = "02/Jan/2006:15:04:05 -0700"

// httpAPIEnvelope is an API Gateway HTTP API (payload 2.0) or Lambda Function
// URL event.
type httpAPIEnvelope struct {
	event events.APIGatewayV2HTTPRequest
	req   *canonical.Request
}

func decodeHTTPAPI(payload []byte) (*httpAPIEnvelope, error) {
	env := &httpAPIEnvelope{}
	if err := json.Unmarshal(payload, &env.event); err != nil {
		return nil, errors.Wrap(err, "unable to decode http api event")
	}

	req, err := httpAPIRequest(env.event)
	if err != nil {
		return nil, err
	}

	env.req = req
	return env, nil
}

func httpAPIRequest(event events.APIGatewayV2HTTPRequest) (*canonical.Request, error) {
	body, err := decodeBody(event.Body, event.IsBase64Encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to decode request body for request %v", event.RequestContext.RequestID)
	}

	path := event.RawPath
	if path == "" {
		path = event.RequestContext.HTTP.Path
	}

	req := canonical.NewRequest(event.RequestContext.HTTP.Method, "")
	req.SetEscapedPath(path)
	req.Body = body

	for name, value := range event.Headers {
		req.Header.Add(name, value)
	}

	if len(event.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(event.Cookies, "; "))
	}

	if q, err := url.ParseQuery(event.RawQueryString); err == nil {
		req.Query = q
	} else {
		for name, value := range event.QueryStringParameters {
			req.Query.Add(name, value)
		}
	}

	return req, nil
}

func (env *httpAPIEnvelope) Kind() Kind                  { return APIGatewayV2 }
func (env *httpAPIEnvelope) Source() string              { return "aws:apigateway" }
func (env *httpAPIEnvelope) Request() *canonical.Request { return env.req }
func (env *httpAPIEnvelope) Acknowledge() bool           { return false }

// Encode returns the payload 2.0 response. Repeated values are comma folded,
// except Set-Cookie which goes to cookies.
func (env *httpAPIEnvelope) Encode(resp *canonical.Response) ([]byte, error) {
	return encodeHTTPAPI(resp)
}

func encodeHTTPAPI(resp *canonical.Response) ([]byte, error) {
	headers, cookies := joinHeaders(resp.Header)
	body, b64 := encodeBody(resp.Header, resp.Body)

	return json.Marshal(proxyResponse{
		StatusCode:      resp.StatusCode,
		Headers:         headers,
		Cookies:         cookies,
		Body:            body,
		IsBase64Encoded: b64,
	})
}

// RequestMeta carries the request context values of a synthesised event.
type RequestMeta struct {
	RequestID string
	SourceIP  string
	Time      time.Time
}

// HTTPAPIRequest builds the Function URL event a Lambda function would receive
// for req. The body is always base64 encoded.
func HTTPAPIRequest(req *canonical.Request, meta RequestMeta) ([]byte, error) {
	headers := map[string]string{}
	for name, values := range req.Header {
		if name == "Cookie" {
			continue
		}
		headers[strings.ToLower(name)] = strings.Join(values, ",")
	}

	var cookies []string
	for _, v := range req.Header.Values("Cookie") {
		for _, c := range strings.Split(v, ";") {
			if c = strings.TrimSpace(c); c != "" {
				cookies = append(cookies, c)
			}
		}
	}

	var query map[string]string
	if len(req.Query) > 0 {
		query = map[string]string{}
		for name, values := range req.Query {
			query[name] = strings.Join(values, ",")
		}
	}

	now := meta.Time
	if now.IsZero() {
		now = time.Now()
	}

	event := events.APIGatewayV2HTTPRequest{
		Version:               "2.0",
		RouteKey:              "$default",
		RawPath:               req.EscapedPath(),
		RawQueryString:        req.RawQuery(),
		Cookies:               cookies,
		Headers:               headers,
		QueryStringParameters: query,
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			RouteKey:  "$default",
			AccountID: "anonymous",
			Stage:     "$default",
			RequestID: meta.RequestID,
			Time:      now.Format(TimeLayout),
			TimeEpoch: now.UnixMilli(),
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:    req.Method,
				Path:      req.Path,
				Protocol:  "HTTP/1.1",
				SourceIP:  meta.SourceIP,
				UserAgent: req.Header.Get("User-Agent"),
			},
		},
		Body:            base64.StdEncoding.EncodeToString(req.Body),
		IsBase64Encoded: true,
	}

	return json.Marshal(event)
}
