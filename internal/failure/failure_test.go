package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{Network, true},
		{Timeout, true},
		{RateLimit, true},
		{InvalidPrice, false},
		{NotFound, false},
		{Inactive, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Retryable(); got != tt.want {
			t.Errorf("%s.Retryable() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusTooManyRequests, RateLimit},
		{http.StatusInternalServerError, Network},
		{http.StatusBadGateway, Network},
		{http.StatusServiceUnavailable, Network},
		{http.StatusGatewayTimeout, Timeout},
		{http.StatusBadRequest, NotFound},
		{http.StatusNotFound, NotFound},
	}
	for _, tt := range tests {
		if got := FromStatus(tt.status); got != tt.want {
			t.Errorf("FromStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("fetch: %w", New(RateLimit, "AAPL", errors.New("slow down")))
	k, ok := KindOf(err)
	if !ok || k != RateLimit {
		t.Fatalf("expected RATE_LIMIT, got %q (ok=%v)", k, ok)
	}
	if !IsRetryable(err) {
		t.Error("expected wrapped rate limit error to be retryable")
	}
}

func TestKindOf_DeadlineExceeded(t *testing.T) {
	err := fmt.Errorf("do request: %w", context.DeadlineExceeded)
	if !Is(err, Timeout) {
		t.Errorf("expected deadline exceeded to classify as timeout")
	}
}

func TestKindOf_Unknown(t *testing.T) {
	if _, ok := KindOf(errors.New("boom")); ok {
		t.Error("expected plain error to have no kind")
	}
	if IsRetryable(nil) {
		t.Error("nil error must not be retryable")
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: Network, Symbol: "120503", Attempts: 3, Err: errors.New("connection reset")}
	want := "NETWORK 120503 after 3 attempts: connection reset"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}
}

func TestRejectedValue(t *testing.T) {
	err := fmt.Errorf("lookup: %w", Rejected("120503", -2.5))
	v, ok := RejectedValue(err)
	if !ok || v != -2.5 {
		t.Errorf("RejectedValue = %v, %v", v, ok)
	}
	if k, ok := KindOf(err); !ok || k != InvalidPrice {
		t.Errorf("kind = %v, %v", k, ok)
	}

	if _, ok := RejectedValue(&Error{Kind: InvalidPrice, Symbol: "X", Err: errors.New("not a number")}); ok {
		t.Error("unparsed price reported a value")
	}
	if _, ok := RejectedValue(errors.New("boom")); ok {
		t.Error("plain error reported a value")
	}
}
