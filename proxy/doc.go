// Package proxy provides the shared processing path that carries an
// invocation to the backend and back, the error taxonomy reported to callers,
// and a small regex router used by the local listener to dispatch requests.
//
// The processing path is used by both the runtime poller and the local
// listener so that a request behaves the same whichever way it arrived.
package proxy
