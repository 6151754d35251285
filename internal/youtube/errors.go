package youtube

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/googleapi"

	"ytsubs/internal/retry"
)

// Sentinel errors for remote calls. Every *APIError wraps exactly one of them.
var (
	ErrNotFound      = errors.New("youtube: not found")
	ErrDuplicate     = errors.New("youtube: subscription already exists")
	ErrRateLimited   = errors.New("youtube: rate limited")
	ErrQuotaExceeded = errors.New("youtube: daily quota exceeded")
	ErrUnavailable   = errors.New("youtube: service unavailable")
	ErrBadRequest    = errors.New("youtube: bad request")
	ErrRejected      = errors.New("youtube: request rejected")
	ErrNetwork       = errors.New("youtube: network failure")
)

// APIError describes a failed remote call.
type APIError struct {
	Op         string // "subscriptions.list", "channels.list", ...
	StatusCode int    // 0 for transport failures
	Reason     string // first reason reported by the service, if any
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("youtube: %s: %v", e.Op, e.Err)
	}
	if e.Reason != "" {
		return fmt.Sprintf("youtube: %s: status %d (%s): %v", e.Op, e.StatusCode, e.Reason, e.Err)
	}
	return fmt.Sprintf("youtube: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// translate maps a client library error onto the package sentinels.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if retry.IsContextError(err) {
		return fmt.Errorf("youtube: %s: %w", op, err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &APIError{Op: op, Err: fmt.Errorf("%w: %v", ErrNetwork, err)}
	}

	reason := ""
	if len(gerr.Errors) > 0 {
		reason = gerr.Errors[0].Reason
	}
	msg := gerr.Message
	if msg == "" {
		msg = http.StatusText(gerr.Code)
	}
	return &APIError{
		Op:         op,
		StatusCode: gerr.Code,
		Reason:     reason,
		Err:        fmt.Errorf("%w: %s", sentinelFor(gerr.Code, reason), msg),
	}
}

func sentinelFor(code int, reason string) error {
	switch reason {
	case "subscriptionDuplicate":
		return ErrDuplicate
	case "quotaExceeded", "dailyLimitExceeded":
		return ErrQuotaExceeded
	case "rateLimitExceeded", "userRateLimitExceeded":
		return ErrRateLimited
	case "channelNotFound", "publisherNotFound", "subscriberNotFound", "playlistNotFound":
		return ErrNotFound
	}
	switch {
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusNotFound:
		return ErrNotFound
	case code >= 500:
		return ErrUnavailable
	case code == http.StatusBadRequest:
		return ErrBadRequest
	default:
		return ErrRejected
	}
}

// Classify decides whether a remote failure is worth retrying.
// Rate limiting, server-side failures and transport failures are transient;
// everything else, including an exhausted daily quota, is permanent.
func Classify(err error) retry.Class {
	if retry.IsContextError(err) {
		return retry.Permanent
	}
	switch {
	case errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrNetwork):
		return retry.Transient
	}
	return retry.Permanent
}
