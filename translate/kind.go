package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// Kind is an enum of the supported trigger shapes.
type Kind int

const (
	Passthrough Kind = iota
	APIGatewayV1
	APIGatewayV2
	ALB
)

var kindNames = map[Kind]string{
	Passthrough:  "passthrough",
	APIGatewayV1: "apigateway-v1",
	APIGatewayV2: "apigateway-v2",
	ALB:          "alb",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// SourceUnknown marks passthrough events whose origin could not be detected.
const SourceUnknown = "unknown"

// Envelope is a decoded trigger payload.
type Envelope interface {
	// Kind returns the trigger shape.
	Kind() Kind
	// Source returns the event source, e.g. "aws:sqs" or "aws:apigateway".
	Source() string
	// Request returns the canonical request carried by the payload.
	Request() *canonical.Request
	// Acknowledge reports whether the event must be answered without being
	// dispatched to the backend.
	Acknowledge() bool
	// Encode converts the backend response into the payload shape expected by
	// the trigger.
	Encode(*canonical.Response) ([]byte, error)
}

// probe holds the fields that tell the trigger shapes apart.
type probe struct {
	Version        string `json:"version"`
	HTTPMethod     string `json:"httpMethod"`
	RequestContext struct {
		ELB  json.RawMessage `json:"elb"`
		HTTP json.RawMessage `json:"http"`
	} `json:"requestContext"`
	Records []struct {
		EventSource string `json:"eventSource"`
	} `json:"Records"`
	Source     string `json:"source"`
	DetailType string `json:"detail-type"`
}

// Detect returns the trigger kind and the event source of payload.
func Detect(payload []byte) (Kind, string) {
	p := probe{}
	if err := json.Unmarshal(payload, &p); err != nil {
		return Passthrough, SourceUnknown
	}

	switch {
	case len(p.RequestContext.ELB) > 0:
		return ALB, "aws:elasticloadbalancing"
	case p.Version == "2.0" || len(p.RequestContext.HTTP) > 0:
		return APIGatewayV2, "aws:apigateway"
	case p.HTTPMethod != "":
		return APIGatewayV1, "aws:apigateway"
	case len(p.Records) > 0 && p.Records[0].EventSource != "":
		return Passthrough, p.Records[0].EventSource
	case p.Source != "" && p.DetailType != "":
		return Passthrough, "aws:events"
	}

	return Passthrough, SourceUnknown
}

// ParseTrigger interprets a trigger hint such as "sqs", "aws:sns", "alb" or
// "apigateway-v2".
func ParseTrigger(hint string) (Kind, string) {
	hint = strings.ToLower(strings.TrimSpace(hint))

	switch hint {
	case "apigateway", "apigateway-v1", "rest":
		return APIGatewayV1, "aws:apigateway"
	case "apigateway-v2", "http", "function-url", "url":
		return APIGatewayV2, "aws:apigateway"
	case "alb", "elb":
		return ALB, "aws:elasticloadbalancing"
	case "":
		return Passthrough, SourceUnknown
	}

	if !strings.HasPrefix(hint, "aws:") {
		hint = "aws:" + hint
	}

	return Passthrough, hint
}

// Decoder converts trigger payloads into envelopes.
type Decoder struct {
	// PassthroughPath is the backend path non-HTTP events are posted to.
	PassthroughPath string
}

// Decode detects the trigger kind of payload and decodes it.
func (d *Decoder) Decode(payload []byte) (Envelope, error) {
	kind, source := Detect(payload)
	return d.DecodeAs(kind, source, payload)
}

// DecodeAs decodes payload as the given trigger kind.
func (d *Decoder) DecodeAs(kind Kind, source string, payload []byte) (Envelope, error) {
	if !json.Valid(payload) {
		return nil, errors.New("payload is not valid json")
	}

	switch kind {
	case APIGatewayV1:
		return decodeREST(payload)
	case APIGatewayV2:
		return decodeHTTPAPI(payload)
	case ALB:
		return decodeALB(payload)
	case Passthrough:
		return decodePassthrough(d.passthroughPath(), source, payload)
	}

	return nil, fmt.Errorf("unsupported trigger kind %v", kind)
}

func (d *Decoder) passthroughPath() string {
	if d == nil || d.PassthroughPath == "" {
		return "/"
	}

	return d.PassthroughPath
}

// Decode detects and decodes payload with the default decoder.
func Decode(payload []byte) (Envelope, error) {
	return (&Decoder{}).Decode(payload)
}

// DecodeResponse parses a payload produced by an Envelope of the given kind
// back into a canonical response.
func DecodeResponse(kind Kind, payload []byte) (*canonical.Response, error) {
	if kind == Passthrough {
		resp := canonical.NewResponse(200, payload)
		resp.Header.Set("Content-Type", "application/json")
		return resp, nil
	}

	return decodeProxyResponse(payload)
}
