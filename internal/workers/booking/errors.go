package booking

import (
	"errors"
	"strings"

	"github.com/spediresicuro/anne/internal/retry"
)

// ErrorCode classifies a failed booking.
type ErrorCode string

const (
	CodePreflightFailed    ErrorCode = "PREFLIGHT_FAILED"
	CodeInsufficientCredit ErrorCode = "INSUFFICIENT_CREDIT"
	CodeCarrierError       ErrorCode = "CARRIER_ERROR"
	CodeNetworkError       ErrorCode = "NETWORK_ERROR"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInvalidData        ErrorCode = "INVALID_DATA"
	CodeDuplicateBooking   ErrorCode = "DUPLICATE_BOOKING"
	CodePolicyDenied       ErrorCode = "POLICY_DENIED"
	CodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

var (
	ErrDuplicateInFlight = errors.New("booking already in flight")
	ErrNoTracking        = errors.New("carrier returned no tracking number")
)

// ClassifyError maps a courier error to a code. Credit problems win over
// carrier ones since carriers report them too.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoTracking) {
		return CodeCarrierError
	}
	if errors.Is(err, ErrDuplicateInFlight) {
		return CodeDuplicateBooking
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "credit", "saldo", "wallet"):
		return CodeInsufficientCredit
	case containsAny(msg, "rate limit", "rate_limit", "ratelimit", "too many requests", "429"):
		return CodeRateLimited
	case containsAny(msg, "network", "timeout", "connection", "deadline"):
		return CodeNetworkError
	case containsAny(msg, "duplicate", "already", "idempotent"):
		return CodeDuplicateBooking
	case containsAny(msg, "invalid", "validation"):
		return CodeInvalidData
	case containsAny(msg, "carrier", "corriere"):
		return CodeCarrierError
	}
	return CodeUnknownError
}

// Retryable reports whether a failed booking may be attempted again with
// the same idempotency key.
func Retryable(err error) bool {
	if err == nil || retry.IsPermanent(err) {
		return false
	}
	if retry.IsRetryableError(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return containsAny(msg, "network", "connection", "temporarily", "too many requests")
}

func containsAny(s string, fragments ...string) bool {
	for _, f := range fragments {
		if strings.Contains(s, f) {
			return true
		}
	}
	return false
}
