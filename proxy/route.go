package proxy

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// RouteHandler defines the function interface the route uses to execute a
// request when the route is matched.
type RouteHandler func(*RouteContext) (*canonical.Response, error)

// Route defines a HttpMethod and Regex that are used in combination for
// matching against an incoming request. When a match occurs the configured
// handler is called.
type Route struct {
	Method  HttpMethod
	Regex   *regexp.Regexp
	Handler RouteHandler
}

// NewRoute returns a Route for the specified method, pattern and handler.
func NewRoute(method HttpMethod, pattern string, handler RouteHandler) (*Route, error) {
	rx, err := regexp.Compile("^" + pattern + "/?$")
	if err != nil {
		return nil, errors.Wrapf(err, "failed compiling regex pattern '%s'", pattern)
	}

	return &Route{Method: method, Regex: rx, Handler: handler}, nil
}

func (route *Route) String() string {
	return fmt.Sprintf("%s %s", route.Method, route.Regex)
}

// IsMatch return true if there is a match otherwise false. The match groups are
// also returned.
func (route *Route) IsMatch(req *canonical.Request) (bool, []string) {
	if !route.Method.Matches(req.Method) {
		return false, nil
	}

	groups := route.Regex.FindStringSubmatch(req.Path)
	if len(groups) == 0 {
		return false, nil
	}

	return true, groups
}

// Context constructs a RouteContext for the route for passing to the handler.
func (route *Route) Context(ctx context.Context, req *canonical.Request, groups []string) (*RouteContext, error) {
	if len(groups) == 0 {
		return nil, fmt.Errorf("no matches available, unable to generate context for route %v", route)
	}

	params := make(map[string]string)
	for i, name := range route.Regex.SubexpNames() {
		if i != 0 && name != "" && groups[i] != "" {
			params[name] = groups[i]
		}
	}

	return &RouteContext{Context: ctx, Request: req, Params: params}, nil
}

// Follow builds the route context for req and executes the route's handler.
func (route *Route) Follow(ctx context.Context, req *canonical.Request, groups []string) (*canonical.Response, error) {
	rctx, err := route.Context(ctx, req, groups)
	if err != nil {
		return nil, errors.Wrapf(err, "failed getting context for route %v", route.Regex)
	}

	return route.Handler(rctx)
}
