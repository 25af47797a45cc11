package logging

import (
	"context"

	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/sirupsen/logrus"
)

// Metadata holds details about the function and the current invocation.
type Metadata struct {
	FunctionName    string
	FunctionVersion string
	LogGroupName    string
	LogStreamName   string
	MemoryLimitInMB int
	Context         *lambdacontext.LambdaContext
}

// FromContext returns the Metadata of the environment and of the invocation
// attached to ctx, if any.
func FromContext(ctx context.Context) Metadata {
	m := Metadata{
		FunctionName:    lambdacontext.FunctionName,
		FunctionVersion: lambdacontext.FunctionVersion,
		LogGroupName:    lambdacontext.LogGroupName,
		LogStreamName:   lambdacontext.LogStreamName,
		MemoryLimitInMB: lambdacontext.MemoryLimitInMB,
	}

	m.Context, _ = lambdacontext.FromContext(ctx)
	return m
}

// Fields returns the non-empty metadata as log fields.
func (m Metadata) Fields() logrus.Fields {
	fields := logrus.Fields{}

	if m.FunctionName != "" {
		fields["function_name"] = m.FunctionName
	}

	if m.FunctionVersion != "" {
		fields["function_version"] = m.FunctionVersion
	}

	if m.MemoryLimitInMB != 0 {
		fields["memory_mb"] = m.MemoryLimitInMB
	}

	if m.Context != nil {
		fields["request_id"] = m.Context.AwsRequestID
		fields["function_arn"] = m.Context.InvokedFunctionArn
	}

	return fields
}
