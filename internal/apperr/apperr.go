// Package apperr holds the error taxonomy shared by the sync, token and
// mutation layers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth matches every authentication failure (401/403 on fetch).
	ErrAuth = errors.New("authentication failed")
	// ErrTransient matches failures worth retrying.
	ErrTransient = errors.New("transient failure")
)

// ConfigurationError reports that the credential-issuance side is not set
// up. It is fatal and never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Message
}

// TokenExchangeError is returned when an authorization code could not be
// exchanged.
type TokenExchangeError struct {
	Status      int
	Description string
	Err         error
}

func (e *TokenExchangeError) Error() string {
	return tokenErrorString("token exchange failed", e.Status, e.Description, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

// TokenRefreshError is terminal for the refresh token that produced it.
type TokenRefreshError struct {
	Status      int
	Description string
	Err         error
}

func (e *TokenRefreshError) Error() string {
	return tokenErrorString("token refresh failed", e.Status, e.Description, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

func tokenErrorString(prefix string, status int, desc string, err error) string {
	switch {
	case status != 0 && desc != "":
		return fmt.Sprintf("%s: http %d: %s", prefix, status, desc)
	case status != 0:
		return fmt.Sprintf("%s: http %d", prefix, status)
	case err != nil:
		return fmt.Sprintf("%s: %v", prefix, err)
	case desc != "":
		return prefix + ": " + desc
	default:
		return prefix
	}
}

// AuthError is a 401/403 from the provider.
type AuthError struct {
	Status int
	Op     string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: http %d: not authorized", opOr(e.Op), e.Status)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network: %v", opOr(e.Op), e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrTransient }

// ServerError is any other non-success response. Retryable is set for 5xx
// and 429.
type ServerError struct {
	Op        string
	Status    int
	Message   string
	Retryable bool
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: http %d: %s", opOr(e.Op), e.Status, e.Message)
	}
	return fmt.Sprintf("%s: http %d", opOr(e.Op), e.Status)
}

func (e *ServerError) Is(target error) bool {
	return target == ErrTransient && e.Retryable
}

// TaskCompletionError is returned when the remote completion call (or the
// list lookup that precedes it) did not succeed.
type TaskCompletionError struct {
	TaskID string
	Status int
	Err    error
}

func (e *TaskCompletionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("complete task %s: http %d: %v", e.TaskID, e.Status, e.Err)
	}
	return fmt.Sprintf("complete task %s: http %d", e.TaskID, e.Status)
}

func (e *TaskCompletionError) Unwrap() error { return e.Err }

func opOr(op string) string {
	if op == "" {
		return "request"
	}
	return op
}

// Classify maps an HTTP status (and optional message) to the taxonomy.
// It returns nil for 2xx.
func Classify(op string, status int, message string) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &AuthError{Op: op, Status: status}
	case status == http.StatusTooManyRequests || status >= 500:
		return &ServerError{Op: op, Status: status, Message: message, Retryable: true}
	default:
		return &ServerError{Op: op, Status: status, Message: message}
	}
}

// IsAuth reports whether err is (or wraps) an authentication failure.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRetryable reports whether the sync layer may retry err.
func IsRetryable(err error) bool {
	if err == nil || IsAuth(err) {
		return false
	}
	return errors.Is(err, ErrTransient)
}

// StatusOf extracts the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var (
		ae *AuthError
		se *ServerError
		te *TaskCompletionError
	)
	switch {
	case errors.As(err, &ae):
		return ae.Status
	case errors.As(err, &se):
		return se.Status
	case errors.As(err, &te):
		return te.Status
	}
	return 0
}

// Join combines per-collection failures. The result matches ErrAuth if any
// part does, and IsAuth is checked before IsRetryable, so auth wins.
func Join(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}
