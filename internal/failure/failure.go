// Package failure defines the closed set of error kinds produced by the price
// pipeline. Callers branch on Kind instead of matching error strings.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind string

const (
	Network      Kind = "NETWORK"
	Timeout      Kind = "TIMEOUT"
	RateLimit    Kind = "RATE_LIMIT"
	InvalidPrice Kind = "INVALID_PRICE"
	NotFound     Kind = "NOT_FOUND"
	Inactive     Kind = "INACTIVE"
)

// Retryable reports whether an error of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case Network, Timeout, RateLimit:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind     Kind
	Symbol   string
	Attempts int
	Status   int // HTTP status from the upstream source, 0 if none
	// Value is the rejected price for InvalidPrice errors, nil when the
	// source returned nothing that parsed as a number.
	Value *float64
	Err   error
}

func New(kind Kind, symbol string, err error) *Error {
	return &Error{Kind: kind, Symbol: symbol, Err: err}
}

func Newf(kind Kind, symbol, format string, args ...any) *Error {
	return &Error{Kind: kind, Symbol: symbol, Err: fmt.Errorf(format, args...)}
}

// Rejected reports a price that parsed but is zero or negative.
func Rejected(symbol string, value float64) *Error {
	return &Error{Kind: InvalidPrice, Symbol: symbol, Value: &value, Err: fmt.Errorf("invalid price received: %v", value)}
}

// RejectedValue returns the price carried by an InvalidPrice error in err's chain.
func RejectedValue(err error) (float64, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == InvalidPrice && fe.Value != nil {
		return *fe.Value, true
	}
	return 0, false
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// KindOf returns the kind of the first *Error in err's chain. Context deadline
// errors and network timeouts that were never wrapped are reported as Timeout.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout, true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return Timeout, true
		}
		return Network, true
	}
	return "", false
}

func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable()
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// FromStatus maps a non-2xx upstream HTTP status to a failure kind.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return RateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return Timeout
	case status >= 500:
		return Network
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return NotFound
	default:
		return Network
	}
}

// FromTransport classifies an error returned by http.Client.Do.
func FromTransport(symbol string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Symbol == "" {
			fe.Symbol = symbol
		}
		return fe
	}
	kind := Network
	if k, ok := KindOf(err); ok && k == Timeout {
		kind = Timeout
	}
	return New(kind, symbol, err)
}
