package translate

import (
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// restEnvelope is an API Gateway REST proxy integration event.
type restEnvelope struct {
	event events.APIGatewayProxyRequest
	req   *canonical.Request
}

func decodeREST(payload []byte) (*restEnvelope, error) {
	env := &restEnvelope{}
	if err := json.Unmarshal(payload, &env.event); err != nil {
		return nil, errors.Wrap(err, "unable to decode api gateway rest event")
	}

	body, err := decodeBody(env.event.Body, env.event.IsBase64Encoded)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to decode body for request %v", env.event.RequestContext.RequestID)
	}

	req := canonical.NewRequest(env.event.HTTPMethod, env.event.Path)
	req.Body = body
	addHeaders(req, env.event.Headers, env.event.MultiValueHeaders)
	addQuery(req, env.event.QueryStringParameters, env.event.MultiValueQueryStringParameters)

	env.req = req
	return env, nil
}

// addHeaders prefers the multi value form when the event carries one.
func addHeaders(req *canonical.Request, single map[string]string, multi map[string][]string) {
	if len(multi) > 0 {
		for name, values := range multi {
			canonical.AddValues(req.Header, name, values...)
		}
		return
	}

	for name, value := range single {
		req.Header.Add(name, value)
	}
}

func addQuery(req *canonical.Request, single map[string]string, multi map[string][]string) {
	if len(multi) > 0 {
		for name, values := range multi {
			req.Query[name] = append(req.Query[name], values...)
		}
		return
	}

	for name, value := range single {
		req.Query.Add(name, value)
	}
}

func (env *restEnvelope) Kind() Kind                  { return APIGatewayV1 }
func (env *restEnvelope) Source() string              { return "aws:apigateway" }
func (env *restEnvelope) Request() *canonical.Request { return env.req }
func (env *restEnvelope) Acknowledge() bool           { return false }

// Encode returns the REST proxy response. Repeated headers are carried in
// multiValueHeaders so their order survives.
func (env *restEnvelope) Encode(resp *canonical.Response) ([]byte, error) {
	return encodeREST(resp)
}

func encodeREST(resp *canonical.Response) ([]byte, error) {
	single, multi := splitHeaders(resp.Header)
	body, b64 := encodeBody(resp.Header, resp.Body)

	return json.Marshal(proxyResponse{
		StatusCode:        resp.StatusCode,
		Headers:           single,
		MultiValueHeaders: multi,
		Body:              body,
		IsBase64Encoded:   b64,
	})
}
