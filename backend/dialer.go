package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/pkg/errors"
)

// Kind selects the backend connection kind.
type Kind string

const (
	KindHTTP   Kind = "http"
	KindInvoke Kind = "invoke"
	KindLambda Kind = "lambda"
)

// invokePath is the path prefix of Lambda invoke endpoints.
const invokePath = "/2015-03-31/functions/"

// InferKind derives the connection kind from the backend url.
func InferKind(target *url.URL) Kind {
	switch {
	case target.Scheme == "lambda":
		return KindLambda
	case strings.HasPrefix(target.Path, invokePath):
		return KindInvoke
	}

	return KindHTTP
}

// ParseKind validates a configured kind. An empty kind is inferred from the
// backend url.
func ParseKind(s string, target *url.URL) (Kind, error) {
	switch Kind(strings.ToLower(s)) {
	case "":
		return InferKind(target), nil
	case KindHTTP:
		return KindHTTP, nil
	case KindInvoke:
		return KindInvoke, nil
	case KindLambda:
		return KindLambda, nil
	}

	return "", fmt.Errorf("unknown backend kind '%s'", s)
}

// Dialer opens backend connections of one kind.
type Dialer struct {
	Kind        Kind
	Target      *url.URL
	DialTimeout time.Duration

	invoker Invoker
}

// NewDialer returns a dialer for target. For the lambda kind the AWS SDK
// configuration is loaded from the environment.
func NewDialer(ctx context.Context, kind Kind, target *url.URL, dialTimeout time.Duration) (*Dialer, error) {
	d := &Dialer{Kind: kind, Target: target, DialTimeout: dialTimeout}

	if kind == KindLambda {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed loading aws config")
		}
		d.invoker = lambda.NewFromConfig(cfg)
	}

	return d, nil
}

// NewLambdaDialer returns a lambda kind dialer using client.
func NewLambdaDialer(client Invoker, target *url.URL) *Dialer {
	return &Dialer{Kind: KindLambda, Target: target, invoker: client}
}

// Dial opens a connection.
func (d *Dialer) Dial(ctx context.Context) (Conn, error) {
	switch d.Kind {
	case KindLambda:
		function, qualifier := lambdaTarget(d.Target)
		return NewLambdaConn(d.invoker, function, qualifier), nil
	case KindInvoke:
		hc, err := d.dialHTTP(ctx)
		if err != nil {
			return nil, err
		}
		return NewInvokeConn(hc, d.Target.Path), nil
	case KindHTTP:
		return d.dialHTTP(ctx)
	}

	return nil, fmt.Errorf("unknown backend kind '%s'", d.Kind)
}

func (d *Dialer) dialHTTP(ctx context.Context) (*HTTPConn, error) {
	address := d.Target.Host
	if d.Target.Port() == "" {
		port := "80"
		if d.Target.Scheme == "https" {
			port = "443"
		}
		address = net.JoinHostPort(d.Target.Hostname(), port)
	}

	nd := &net.Dialer{Timeout: d.DialTimeout, KeepAlive: 30 * time.Second}

	var conn net.Conn
	var err error
	if d.Target.Scheme == "https" {
		td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: d.Target.Hostname()}}
		conn, err = td.DialContext(ctx, "tcp", address)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", address)
	}

	if err != nil {
		return nil, &ConnError{Op: "dial " + address, Err: err}
	}

	basePath := ""
	if d.Kind == KindHTTP {
		basePath = d.Target.Path
	}

	return NewHTTPConn(conn, d.Target.Host, basePath), nil
}

// lambdaTarget returns the function name and qualifier of
// lambda://function?qualifier=alias or lambda:arn:aws:lambda:...
func lambdaTarget(target *url.URL) (string, string) {
	name := target.Host
	if name == "" {
		name = target.Opaque
	}

	return name, target.Query().Get("qualifier")
}
