package proxy

import "strings"

// HttpMethod is an enum of the standard Http Methods.
type HttpMethod int

const (
	GET HttpMethod = iota
	HEAD
	POST
	PUT
	DELETE
	CONNECT
	OPTIONS
	TRACE
	PATCH
)

var methodNames = []string{"GET", "HEAD", "POST", "PUT", "DELETE", "CONNECT", "OPTIONS", "TRACE", "PATCH"}

func (m HttpMethod) String() string {
	if m < 0 || int(m) >= len(methodNames) {
		return "UNKNOWN"
	}

	return methodNames[m]
}

// Matches reports whether method names m, ignoring case.
func (m HttpMethod) Matches(method string) bool {
	return strings.EqualFold(m.String(), method)
}
