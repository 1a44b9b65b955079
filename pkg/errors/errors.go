// Package errors holds the sentinels shared by the indexer, searcher and
// ingestion services, and maps them onto HTTP status codes. Callers wrap
// with fmt.Errorf("...: %w", err) and test with errors.Is.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidInput marks caller mistakes: bad queries, unreadable or
	// oversized documents, a missing directory.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict means an optimistic merge lost every compare-and-swap
	// round for a token.
	ErrConflict         = errors.New("concurrent update conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrTimeout          = errors.New("operation timed out")
)

// AppError pairs a sentinel with a message and the status an HTTP handler
// should answer with.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return e.Err.Error() + ": " + e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{Err: sentinel, Message: fmt.Sprintf(format, args...), StatusCode: statusCode}
}

// Invalidf wraps ErrInvalidInput with a 400.
func Invalidf(format string, args ...any) *AppError {
	return Newf(ErrInvalidInput, http.StatusBadRequest, format, args...)
}

// Conflictf wraps ErrConflict with a 409.
func Conflictf(format string, args ...any) *AppError {
	return Newf(ErrConflict, http.StatusConflict, format, args...)
}

// HTTPStatusCode picks the response status for err. An AppError's own
// status wins over the sentinel it wraps.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &appErr):
		return appErr.StatusCode
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
