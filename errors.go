// errors.go: error taxonomy for the aggregation node
//
// Every component returns an *Error carrying a Kind so that the HTTP layer
// (and client tooling) can branch on it without parsing messages.

package main

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure. The string value is what crosses the wire.
type Kind string

const (
	KindParameterDecode        Kind = "ParameterDecodeError"
	KindInvalidParameters      Kind = "InvalidParametersError"
	KindConfigMismatch         Kind = "ConfigMismatchError"
	KindNotConfigured          Kind = "NotConfiguredError"
	KindObjectDecode           Kind = "ObjectDecodeError"
	KindDecompression          Kind = "DecompressionError"
	KindMissingRotationKey     Kind = "MissingRotationKeyError"
	KindMissingRelinearization Kind = "MissingRelinearizationKeyError"
	KindLevelExhausted         Kind = "LevelExhaustedError"
	KindBlobStoreUnavailable   Kind = "BlobStoreUnavailableError"
	KindInvalidRequest         Kind = "InvalidRequestError"
	KindCancelled              Kind = "CancelledError"
	KindInternal               Kind = "InternalError"
)

// Error is the typed error returned at component boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// Step is set for KindMissingRotationKey.
	Step int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Kind, so errors.Is(err, &Error{Kind: KindLevelExhausted}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func errMissingRotationKey(step int, err error) *Error {
	return &Error{
		Kind: KindMissingRotationKey,
		Msg:  fmt.Sprintf("no rotation key for step %d", step),
		Err:  err,
		Step: step,
	}
}

// KindOf returns the Kind of err, or KindInternal for uncategorized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to the status code reported to clients.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindParameterDecode, KindObjectDecode, KindDecompression, KindInvalidRequest:
		return http.StatusBadRequest
	case KindNotConfigured:
		return http.StatusConflict
	case KindInvalidParameters, KindConfigMismatch, KindMissingRotationKey,
		KindMissingRelinearization, KindLevelExhausted:
		return http.StatusUnprocessableEntity
	case KindBlobStoreUnavailable, KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
