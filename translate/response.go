package translate

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// proxyResponse is the union of the Lambda proxy response shapes used by API
// Gateway, ALB and Function URLs.
type proxyResponse struct {
	StatusCode        int                 `json:"statusCode"`
	StatusDescription string              `json:"statusDescription,omitempty"`
	Headers           map[string]string   `json:"headers"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders,omitempty"`
	Cookies           []string            `json:"cookies,omitempty"`
	Body              string              `json:"body"`
	IsBase64Encoded   bool                `json:"isBase64Encoded,omitempty"`
}

// splitHeaders places names with one value in single and repeated names in
// multi.
func splitHeaders(h http.Header) (map[string]string, map[string][]string) {
	single := map[string]string{}
	var multi map[string][]string

	for name, values := range h {
		switch len(values) {
		case 0:
		case 1:
			single[name] = values[0]
		default:
			if multi == nil {
				multi = map[string][]string{}
			}
			multi[name] = append([]string(nil), values...)
		}
	}

	return single, multi
}

// joinHeaders folds repeated values into one comma separated value. Set-Cookie
// values are returned separately since they cannot be folded.
func joinHeaders(h http.Header) (map[string]string, []string) {
	joined := map[string]string{}
	var cookies []string

	for name, values := range h {
		if len(values) == 0 {
			continue
		}

		if name == "Set-Cookie" {
			cookies = append(cookies, values...)
			continue
		}

		joined[name] = strings.Join(values, ",")
	}

	return joined, cookies
}

// decodeProxyResponse parses a Lambda proxy response. A payload that is not a
// proxy response object is treated the way Function URLs treat it: a 200 with
// the payload as json body.
func decodeProxyResponse(payload []byte) (*canonical.Response, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil || fields["statusCode"] == nil {
		resp := canonical.NewResponse(http.StatusOK, payload)
		resp.Header.Set("Content-Type", "application/json")
		return resp, nil
	}

	pr := proxyResponse{}
	if err := json.Unmarshal(payload, &pr); err != nil {
		return nil, errors.Wrap(err, "unable to decode proxy response")
	}

	body, err := decodeBody(pr.Body, pr.IsBase64Encoded)
	if err != nil {
		return nil, err
	}

	resp := canonical.NewResponse(pr.StatusCode, body)

	for name, values := range pr.MultiValueHeaders {
		canonical.AddValues(resp.Header, name, values...)
	}

	for name, value := range pr.Headers {
		if _, ok := resp.Header[http.CanonicalHeaderKey(name)]; ok {
			continue
		}
		resp.Header.Add(name, value)
	}

	canonical.AddValues(resp.Header, "Set-Cookie", pr.Cookies...)

	return resp, nil
}
