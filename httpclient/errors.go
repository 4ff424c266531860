package httpclient

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Stable error codes for programmatic handling.
const (
	CodeTimeout      = "TIMEOUT"
	CodeNetworkError = "NETWORK_ERROR"
	CodeTokenInvalid = "TOKEN_INVALID"
)

// TokenInvalidErr fails an authenticated convenience call fast when the
// current token could not be verified.
var TokenInvalidErr = errors.New(CodeTokenInvalid + ": token is invalid or expired")

// HTTPError is a non-2xx response. AuthError marks a 401, which the
// authenticated client may transparently retry.
type HTTPError struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
	AuthError  bool
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d (%s)", e.StatusCode, e.Status)
}

// TimeoutError covers deadline expiry and caller cancellation; the two are
// distinguishable only by the wrapped cause.
type TimeoutError struct {
	Code string
	Err  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError is a transport-level connectivity failure.
type NetworkError struct {
	Code string
	Err  error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is an HTTP 401.
func IsAuthError(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.AuthError
}
