package proxy

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
)

// ErrorHandler defines the function interface the router uses to handle any
// error that occurs while processing routes.
type ErrorHandler func(context.Context, *canonical.Request, error) (*canonical.Response, error)

// CatchAllHandler defines the function interface the router uses to handle any
// request that doesn't match a route.
type CatchAllHandler func(context.Context, *canonical.Request) (*canonical.Response, error)

// Router dispatches canonical requests to the first matching route, in the
// order routes were added. Unmatched requests go to CatchAll when it is set.
// When CatchError is set every route error is passed through it.
//
// Example:
//
//	router := &proxy.Router{}
//	router.POST(`/2015-03-31/functions/(?P<function>[^/]+)/invocations`, invokeHandler)
//	router.AddCatchAllHandler(forward)
//
//	if !router.Valid() {
//		return router.BuildErrors()
//	}
//
//	resp, err := router.Route(ctx, req)
type Router struct {
	Routes     []*Route
	CatchAll   CatchAllHandler
	CatchError ErrorHandler

	errors []error
}

// Valid returns true if the routers' routes have all been built successfully.
func (router *Router) Valid() bool {
	return len(router.errors) == 0
}

// AddRoute appends route to the list of routes used for request matching.
func (router *Router) AddRoute(route *Route) {
	router.Routes = append(router.Routes, route)
}

// AddBuildError appends an error to the list of router errors.
func (router *Router) AddBuildError(err error) {
	router.errors = append(router.errors, err)
}

// BuildErrors returns a single error that encapsulates all the route errors
// found during router construction.
func (router *Router) BuildErrors() error {
	topError := errors.New("failed building router")

	for _, err := range router.errors {
		topError = errors.Wrap(topError, err.Error())
	}

	return topError
}

// AddRouteIfNoError appends the provided route if no error is present.
// Otherwise it adds the error to the build errors.
func (router *Router) AddRouteIfNoError(route *Route, err error) {
	if err != nil {
		router.AddBuildError(err)
		return
	}

	router.AddRoute(route)
}

// Handle adds a route for method with the specified pattern and handler.
func (router *Router) Handle(method HttpMethod, pattern string, handler RouteHandler) {
	router.AddRouteIfNoError(NewRoute(method, pattern, handler))
}

// GET adds a new GET route with the specified pattern match and handler.
func (router *Router) GET(pattern string, handler RouteHandler) {
	router.Handle(GET, pattern, handler)
}

// POST adds a new POST route with the specified pattern match and handler.
func (router *Router) POST(pattern string, handler RouteHandler) {
	router.Handle(POST, pattern, handler)
}

// AddCatchAllHandler attaches a catchall handler to the router.
func (router *Router) AddCatchAllHandler(handler CatchAllHandler) {
	router.CatchAll = handler
}

// AddErrorHandler attaches a error handler to the router.
func (router *Router) AddErrorHandler(handler ErrorHandler) {
	router.CatchError = handler
}

func (router *Router) routeInternal(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	for _, route := range router.Routes {
		matched, groups := route.IsMatch(req)
		if !matched {
			continue
		}

		return route.Follow(ctx, req, groups)
	}

	if router.CatchAll != nil {
		return router.CatchAll(ctx, req)
	}

	return nil, fmt.Errorf("'%s %s' not found", req.Method, req.Path)
}

// Route dispatches req. If an error handler is set and an error occurs, the
// error handler's result is returned instead.
func (router *Router) Route(ctx context.Context, req *canonical.Request) (*canonical.Response, error) {
	resp, err := router.routeInternal(ctx, req)

	if err != nil && router.CatchError != nil {
		return router.CatchError(ctx, req, err)
	}

	return resp, err
}
