package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrCongestion          = errors.New("congestion")
	ErrTimeout             = errors.New("timeout")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrCredentialExhausted = errors.New("credential exhausted")
	ErrQualityRejected     = errors.New("quality rejected")
	ErrValidation          = errors.New("validation error")
	ErrConfiguration       = errors.New("configuration error")
)

// Kind is the engine-level classification of a backend failure.
type Kind string

const (
	KindNone                    Kind = ""
	KindCongestion              Kind = "congestion"
	KindTimeout                 Kind = "timeout"
	KindPermanentInvalidRequest Kind = "permanent_invalid_request"
	KindCredentialExhausted     Kind = "credential_exhausted"
	KindQualityRejected         Kind = "quality_rejected"
	KindCanceled                Kind = "canceled"
	KindUnknown                 Kind = "unknown"
)

// Retryable reports whether a failure of this kind may be attempted again
// within the attempt budget. KindCanceled is retryable because callers check
// their own context first; a cancellation that reaches classification came
// from the backend side of the call.
func (k Kind) Retryable() bool {
	switch k {
	case KindCongestion, KindTimeout, KindQualityRejected, KindUnknown, KindCredentialExhausted, KindCanceled:
		return true
	default:
		return false
	}
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		if err == nil {
			return errors.New(detail)
		}
		return fmt.Errorf("%s: %w", detail, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error chain onto the failure taxonomy. A deadline on the
// per-call context is a timeout; a canceled run context is reported as
// KindCanceled so callers can stop without recording a failure.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrValidation), errors.Is(err, ErrConfiguration):
		return KindPermanentInvalidRequest
	case errors.Is(err, ErrCredentialExhausted):
		return KindCredentialExhausted
	case errors.Is(err, ErrCongestion):
		return KindCongestion
	case errors.Is(err, ErrQualityRejected):
		return KindQualityRejected
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnknown
	}
}

// RetryAfterHint is implemented by errors that carry a server-provided
// Retry-After duration.
type RetryAfterHint interface {
	RetryAfter() time.Duration
}

// RetryAfter extracts a Retry-After hint from the error chain, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var hint RetryAfterHint
	if errors.As(err, &hint) {
		if d := hint.RetryAfter(); d > 0 {
			return d, true
		}
	}
	return 0, false
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
