// Package translate converts Lambda trigger payloads into canonical requests
// and canonical responses back into the payload shape the trigger expects.
//
// Every trigger kind is a variant of Envelope with its own decode and encode
// pair:
//
//	APIGatewayV1  API Gateway REST proxy integration (httpMethod, path, ...)
//	APIGatewayV2  API Gateway HTTP API payload 2.0 and Lambda Function URLs
//	ALB           Application Load Balancer target group
//	Passthrough   SNS, SQS, S3, EventBridge and anything else, forwarded as an
//	              opaque JSON body with an X-Lambda-Trigger marker header
//
// A Decoder detects the kind from the payload, or takes it from a hint when
// the event is replayed locally.
package translate
