package backend

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/translate"
)

// Invoker is the part of the Lambda API client the proxy uses.
type Invoker interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaConn invokes a Lambda function through the AWS API. All handles share
// one SDK client; the pool bounds how many invocations are in flight.
type LambdaConn struct {
	client    Invoker
	function  string
	qualifier string
}

// NewLambdaConn returns a handle invoking function (optionally at qualifier).
func NewLambdaConn(client Invoker, function, qualifier string) *LambdaConn {
	return &LambdaConn{client: client, function: function, qualifier: qualifier}
}

// RoundTrip invokes the function synchronously with req as a Function URL
// event.
func (c *LambdaConn) RoundTrip(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	payload, err := translate.HTTPAPIRequest(req, translate.RequestMeta{
		RequestID: req.Header.Get(RequestIDHeader),
		Time:      time.Now(),
	})
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	input := &lambda.InvokeInput{
		FunctionName: aws.String(c.function),
		Payload:      payload,
	}
	if c.qualifier != "" {
		input.Qualifier = aws.String(c.qualifier)
	}

	out, err := c.client.Invoke(ctx, input)
	if err != nil {
		// an http response means the invoke reached lambda and may have run
		var rerr *smithyhttp.ResponseError
		return nil, &ConnError{Op: "invoke " + c.function, Err: err, ResponseStarted: errors.As(err, &rerr)}
	}

	if out.FunctionError != nil {
		return nil, &FunctionError{
			StatusCode: int(out.StatusCode),
			Type:       aws.ToString(out.FunctionError),
			Body:       out.Payload,
		}
	}

	resp, err := translate.DecodeResponse(translate.APIGatewayV2, out.Payload)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	return resp, nil
}

func (c *LambdaConn) Reusable() bool { return true }

func (c *LambdaConn) Close() error { return nil }
