package translate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

const (
	// TriggerHeader carries the event source of a passthrough event.
	TriggerHeader = "X-Lambda-Trigger"
	// SourceURIHeader carries the s3 uri of an s3 event delivered through sns.
	SourceURIHeader = "X-Lambda-Source-Uri"
)

// RejectedError is returned when the backend refuses a passthrough event. The
// event source retries the invocation.
type RejectedError struct {
	StatusCode int
	Body       []byte
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend rejected event with status %d: %s", e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// passthroughEnvelope forwards a non-HTTP event as the body of a POST.
type passthroughEnvelope struct {
	source string
	ack    bool
	req    *canonical.Request
}

func decodePassthrough(target, source string, payload []byte) (*passthroughEnvelope, error) {
	if source == "" {
		source = SourceUnknown
	}

	req := canonical.NewRequest(http.MethodPost, target)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TriggerHeader, source)
	req.Body = append([]byte(nil), payload...)

	env := &passthroughEnvelope{source: source, req: req}

	if source == "aws:sns" {
		sns := events.SNSEvent{}
		if err := json.Unmarshal(payload, &sns); err != nil {
			return nil, errors.Wrap(err, "unable to decode sns event")
		}

		if len(sns.Records) == 1 {
			message := sns.Records[0].SNS.Message
			env.ack = IsS3TestEvent(message)

			if uri, err := S3URIFromMessage(message); err == nil {
				req.Header.Set(SourceURIHeader, uri)
			}
		}
	}

	return env, nil
}

func (env *passthroughEnvelope) Kind() Kind                  { return Passthrough }
func (env *passthroughEnvelope) Source() string              { return env.source }
func (env *passthroughEnvelope) Request() *canonical.Request { return env.req }
func (env *passthroughEnvelope) Acknowledge() bool           { return env.ack }

// Encode returns the backend body for a 2xx response, wrapped as a json
// string when it is not json itself. Any other status is a RejectedError.
func (env *passthroughEnvelope) Encode(resp *canonical.Response) ([]byte, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Body: resp.Body}
	}

	if len(resp.Body) == 0 {
		return []byte("{}"), nil
	}

	if json.Valid(resp.Body) {
		return resp.Body, nil
	}

	return json.Marshal(string(resp.Body))
}

// S3RecordFromMessage extracts the single s3 event record carried in an sns
// message.
func S3RecordFromMessage(message string) (*events.S3EventRecord, error) {
	s3Event := events.S3Event{}
	if err := json.Unmarshal([]byte(message), &s3Event); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal s3 event")
	}

	if len(s3Event.Records) != 1 {
		return nil, fmt.Errorf("expect only 1 S3 event, received: %v", len(s3Event.Records))
	}

	return &s3Event.Records[0], nil
}

// S3URIFromMessage returns the s3://bucket/key uri of the object referenced by
// an s3 event wrapped in an sns message. A trailing "/" on the key is kept.
func S3URIFromMessage(message string) (string, error) {
	record, err := S3RecordFromMessage(message)
	if err != nil {
		return "", errors.Wrap(err, "failed unwrapping s3 event record from sns")
	}

	b, k := record.S3.Bucket.Name, record.S3.Object.Key
	if b == "" {
		return "", errors.New("s3 event record has no bucket")
	}

	uri := "s3://" + path.Join(b, k)
	if strings.HasSuffix(k, "/") {
		uri = uri + "/"
	}

	return uri, nil
}

// s3TestEvent is sent by s3 when a notification configuration is created.
type s3TestEvent struct {
	Service string
	Event   string
	Bucket  string
}

// IsS3TestEvent reports whether message is an s3:TestEvent.
func IsS3TestEvent(message string) bool {
	event := s3TestEvent{}
	if err := json.Unmarshal([]byte(message), &event); err != nil {
		return false
	}

	return event.Event == "s3:TestEvent"
}
