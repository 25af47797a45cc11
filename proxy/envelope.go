package proxy

import (
	"github.com/pkg/errors"

	"github.com/prognoshealth/lambdaproxy/canonical"
	"github.com/prognoshealth/lambdaproxy/translate"
)

// EncodeResponse encodes resp as the answer to env. A response the event
// source must not see as a success is a BackendRejected error.
func EncodeResponse(env translate.Envelope, resp *canonical.Response) ([]byte, *Error) {
	payload, err := env.Encode(resp)
	if err == nil {
		return payload, nil
	}

	var re *translate.RejectedError
	if errors.As(err, &re) {
		return nil, NewError(KindBackendRejected, err)
	}

	return nil, NewError(KindProtocolDecode, err)
}
