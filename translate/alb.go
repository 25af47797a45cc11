package translate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// albEnvelope is an Application Load Balancer target group event. When the
// target group has multi value headers enabled the request carries
// multiValueHeaders and the response must use them too.
type albEnvelope struct {
	event      events.ALBTargetGroupRequest
	multiValue bool
	req        *canonical.Request
}

func decodeALB(payload []byte) (*albEnvelope, error) {
	env := &albEnvelope{}
	if err := json.Unmarshal(payload, &env.event); err != nil {
		return nil, errors.Wrap(err, "unable to decode alb event")
	}

	body, err := decodeBody(env.event.Body, env.event.IsBase64Encoded)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode alb body")
	}

	env.multiValue = env.event.MultiValueHeaders != nil || env.event.MultiValueQueryStringParameters != nil

	req := canonical.NewRequest(env.event.HTTPMethod, env.event.Path)
	req.Body = body
	addHeaders(req, env.event.Headers, env.event.MultiValueHeaders)

	// ALB passes query parameters through still percent encoded.
	query := env.event.QueryStringParameters
	if env.multiValue {
		query = nil
	}
	for name, value := range query {
		req.Query.Add(unescape(name), unescape(value))
	}
	for name, values := range env.event.MultiValueQueryStringParameters {
		for _, v := range values {
			req.Query.Add(unescape(name), unescape(v))
		}
	}

	env.req = req
	return env, nil
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}

	return s
}

func (env *albEnvelope) Kind() Kind                  { return ALB }
func (env *albEnvelope) Source() string              { return "aws:elasticloadbalancing" }
func (env *albEnvelope) Request() *canonical.Request { return env.req }
func (env *albEnvelope) Acknowledge() bool           { return false }

func (env *albEnvelope) Encode(resp *canonical.Response) ([]byte, error) {
	return encodeALB(resp, env.multiValue)
}

func encodeALB(resp *canonical.Response, multiValue bool) ([]byte, error) {
	body, b64 := encodeBody(resp.Header, resp.Body)

	out := proxyResponse{
		StatusCode:        resp.StatusCode,
		StatusDescription: strings.TrimSpace(fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode))),
		Body:              body,
		IsBase64Encoded:   b64,
	}

	if multiValue {
		out.Headers = map[string]string{}
		out.MultiValueHeaders = map[string][]string{}
		for name, values := range resp.Header {
			out.MultiValueHeaders[name] = append([]string(nil), values...)
		}
	} else {
		out.Headers, _ = joinHeaders(resp.Header)
		if cookies := resp.Header.Values("Set-Cookie"); len(cookies) > 0 {
			out.Headers["Set-Cookie"] = cookies[len(cookies)-1]
		}
	}

	return json.Marshal(out)
}
