package mux

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outbound path. HTTP status mapping happens in
// shapeSendError and in the http package.
var (
	ErrRouteNotBound       = errors.New("route not bound")
	ErrIdempotencyMismatch = errors.New("idempotency key reused with different payload")
	ErrUnsupportedChannel  = errors.New("unsupported channel")
)

// ValidationError is a client request problem, surfaced as 400 with the
// message as the response error text.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Invalidf builds a ValidationError.
func Invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ForbiddenError rejects a destination the tenant's binding does not
// cover, surfaced as 403.
type ForbiddenError struct {
	Msg string
}

func (e *ForbiddenError) Error() string { return e.Msg }

// Forbiddenf builds a ForbiddenError.
func Forbiddenf(format string, args ...any) error {
	return &ForbiddenError{Msg: fmt.Sprintf(format, args...)}
}

// ProviderError is an upstream provider failure, surfaced as 502 with
// the provider's own response text in details.
type ProviderError struct {
	Provider string
	Op       string
	Detail   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Op, e.Detail)
}
