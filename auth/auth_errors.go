package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/jrsteele09/go-auth-client/httpclient"
	"github.com/jrsteele09/go-auth-client/internal/utils"
)

// ErrorCode is the stable machine-readable classification of an AuthError.
type ErrorCode string

const (
	CodeValidationError    ErrorCode = "VALIDATION_ERROR"
	CodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	CodeAccountDisabled    ErrorCode = "ACCOUNT_DISABLED"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeServerError        ErrorCode = "SERVER_ERROR"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeStorageError       ErrorCode = "STORAGE_ERROR"
	CodeInvalidResponse    ErrorCode = "INVALID_RESPONSE"
	CodeRequestFailed      ErrorCode = "REQUEST_FAILED"
)

// AuthError carries a stable code for programmatic handling alongside a
// human-readable message. RequiresAuth marks errors the caller can only
// resolve by re-authenticating. RetryAfter carries the server's 429 hint.
type AuthError struct {
	Code         ErrorCode
	Message      string
	RequiresAuth bool
	RetryAfter   *time.Duration
	Err          error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AsAuthError extracts an *AuthError from err's chain.
func AsAuthError(err error) (*AuthError, bool) {
	var authErr *AuthError
	ok := errors.As(err, &authErr)
	return authErr, ok
}

// classifyRequestError maps a failed login/logout call into the AuthError
// taxonomy.
func classifyRequestError(err error, action string) *AuthError {
	var httpErr *httpclient.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized:
			return &AuthError{Code: CodeInvalidCredentials, Message: "invalid username or password", RequiresAuth: true, Err: err}
		case httpErr.StatusCode == http.StatusForbidden:
			return &AuthError{Code: CodeAccountDisabled, Message: "account is disabled or access denied", Err: err}
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return &AuthError{Code: CodeRateLimited, Message: "too many attempts, slow down", RetryAfter: retryAfterHint(httpErr), Err: err}
		case httpErr.StatusCode >= 500:
			return &AuthError{Code: CodeServerError, Message: "server error, try again later", Err: err}
		default:
			return &AuthError{Code: CodeRequestFailed, Message: action + " request failed", Err: err}
		}
	}

	var timeoutErr *httpclient.TimeoutError
	var netErr *httpclient.NetworkError
	if errors.As(err, &timeoutErr) || errors.As(err, &netErr) {
		return &AuthError{Code: CodeNetworkError, Message: "could not reach the authentication server", Err: err}
	}

	return &AuthError{Code: CodeRequestFailed, Message: action + " failed", Err: err}
}

func retryAfterHint(httpErr *httpclient.HTTPError) *time.Duration {
	if httpErr.Header == nil {
		return nil
	}
	raw := httpErr.Header.Get("Retry-After")
	if raw == "" {
		return nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return nil
	}
	return utils.Ptr(time.Duration(seconds) * time.Second)
}
