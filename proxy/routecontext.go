package proxy

import (
	"context"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// RouteContext contains all the request information for a route when matched.
type RouteContext struct {
	Context context.Context
	Request *canonical.Request
	Params  map[string]string
}
