package translate

import (
	"encoding/base64"
	"net/http"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// encodeBody returns body as text when it is valid utf-8 and not content
// encoded, otherwise base64.
func encodeBody(h http.Header, body []byte) (string, bool) {
	if len(body) == 0 {
		return "", false
	}

	if utf8.Valid(body) && h.Get("Content-Encoding") == "" {
		return string(body), false
	}

	return base64.StdEncoding.EncodeToString(body), true
}

func decodeBody(body string, isBase64 bool) ([]byte, error) {
	if body == "" {
		return nil, nil
	}

	if !isBase64 {
		return []byte(body), nil
	}

	b, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode base64 body")
	}

	return b, nil
}
