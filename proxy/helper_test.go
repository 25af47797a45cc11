package proxy

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

func testHandler(ctx *RouteContext) (*canonical.Response, error) {
	return canonical.NewResponse(200, nil), nil
}

func testRequest(method HttpMethod, path string) *canonical.Request {
	return canonical.NewRequest(method.String(), path)
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
