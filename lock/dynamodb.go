package lock

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
)

const maxAttempts = 12

// DynamoDB locks ids with a conditional put into a table keyed by "id" with a
// numeric "expire" attribute in epoch seconds.
type DynamoDB struct {
	Region    string
	Table     string
	TTL       time.Duration
	RetryWait time.Duration

	svc dynamodbiface.DynamoDBAPI

	nowFunc   func() time.Time
	svcFunc   func(client.ConfigProvider) dynamodbiface.DynamoDBAPI
	sleepFunc func(time.Duration)
}

// NewDynamoDB returns a locker on table. Zero ttl and retry use the defaults.
func NewDynamoDB(region, table string, ttl, retry time.Duration) (*DynamoDB, error) {
	if table == "" {
		return nil, errors.New("table is required")
	}

	lock := &DynamoDB{Region: region, Table: table, TTL: ttl, RetryWait: retry}

	if lock.TTL == 0 {
		lock.TTL = DefaultTTL
	}

	if lock.RetryWait == 0 {
		lock.RetryWait = DefaultRetryWait
	}

	return lock, nil
}

// now is used internally to assist stubs on time.Now() for testing
func (lock *DynamoDB) now() time.Time {
	if lock.nowFunc != nil {
		return lock.nowFunc()
	}

	return time.Now()
}

func (lock *DynamoDB) sleep(d time.Duration) {
	if lock.sleepFunc != nil {
		lock.sleepFunc(d)
		return
	}

	time.Sleep(d)
}

// client returns the dynamodb client, opening a session on first use.
func (lock *DynamoDB) client() (dynamodbiface.DynamoDBAPI, error) {
	if lock.svc != nil {
		return lock.svc, nil
	}

	s, err := session.NewSession(&aws.Config{
		Region: aws.String(lock.Region),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed getting session")
	}

	if lock.svcFunc != nil {
		lock.svc = lock.svcFunc(s)
	} else {
		lock.svc = dynamodb.New(s)
	}

	return lock.svc, nil
}

// expires returns the current time + ttl in Epoch format as a string
func (lock *DynamoDB) expires() string {
	return strconv.FormatInt(lock.now().Add(lock.TTL).Unix(), 10)
}

// current returns the current time in Epoch format as a string
func (lock *DynamoDB) current() string {
	return strconv.FormatInt(lock.now().Unix(), 10)
}

// putItemInput fails the insertion when id is present and not yet expired.
func (lock *DynamoDB) putItemInput(id string) *dynamodb.PutItemInput {
	condition := "attribute_not_exists(id) OR :cur > expire"

	return &dynamodb.PutItemInput{
		Item: map[string]*dynamodb.AttributeValue{
			"id": {
				S: aws.String(id),
			},
			"expire": {
				N: aws.String(lock.expires()),
			},
		},
		TableName:           aws.String(lock.Table),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":cur": {
				N: aws.String(lock.current()),
			},
		},
	}
}

// retry calls fn until it succeeds or fails with anything other than a reset
// connection, at most maxAttempts times.
func (lock *DynamoDB) retry(fn func() error) error {
	var err error

	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = fn()
		if err == nil || !strings.Contains(err.Error(), "connection reset by peer") {
			return err
		}

		if attempts < maxAttempts {
			lock.sleep(lock.RetryWait)
		}
	}

	return err
}

// Acquire returns true if id was not locked and locks it.
func (lock *DynamoDB) Acquire(ctx context.Context, id string) (bool, error) {
	svc, err := lock.client()
	if err != nil {
		return false, err
	}

	input := lock.putItemInput(id)

	err = lock.retry(func() error {
		_, err := svc.PutItemWithContext(ctx, input)
		return err
	})
	if err == nil {
		return true, nil
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return false, nil
	}

	return false, errors.Wrapf(err, "failed put %v to %v", id, lock.Table)
}

// Release deletes the lock on id so the next delivery is dispatched.
func (lock *DynamoDB) Release(ctx context.Context, id string) error {
	svc, err := lock.client()
	if err != nil {
		return err
	}

	input := &dynamodb.DeleteItemInput{
		Key: map[string]*dynamodb.AttributeValue{
			"id": {
				S: aws.String(id),
			},
		},
		TableName: aws.String(lock.Table),
	}

	err = lock.retry(func() error {
		_, err := svc.DeleteItemWithContext(ctx, input)
		return err
	})

	return errors.Wrapf(err, "failed delete %v from %v", id, lock.Table)
}

// Close is a no-op, the sdk client holds no connections of its own.
func (lock *DynamoDB) Close() error {
	return nil
}
