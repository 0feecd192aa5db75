package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error classes returned (wrapped) by tier implementations.
var (
	// ErrUnavailable means the tier cannot serve requests at all, e.g. because
	// credentials are missing or the health probe failed.
	ErrUnavailable = errors.New("tts: provider unavailable")

	// ErrQuotaExceeded means the upstream service refused the request behind a
	// payment or quota gate. The tier stays disabled for the session.
	ErrQuotaExceeded = errors.New("tts: provider quota exceeded")

	// ErrTransient covers network failures and retryable upstream statuses.
	ErrTransient = errors.New("tts: transient provider failure")

	// ErrFatal covers everything else.
	ErrFatal = errors.New("tts: provider failure")
)

// ProviderError describes a failed tier call.
type ProviderError struct {
	// Provider is the tier name.
	Provider string

	// StatusCode is the HTTP status returned by the upstream, or 0.
	StatusCode int

	// Class is one of the package sentinels.
	Class error

	// Err is the underlying cause, if any.
	Err error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrQuotaExceeded) and friends work.
func (e *ProviderError) Is(target error) bool {
	return target == e.Class
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status code returned by a remote tier to an
// error class. 2xx codes return nil.
func ClassifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusPaymentRequired:
		return ErrQuotaExceeded
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrUnavailable
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return ErrTransient
	default:
		return ErrFatal
	}
}

// Kind returns a short label for err suitable for metric attributes.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "fatal"
	}
}
