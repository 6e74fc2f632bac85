package drive

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrPermanent marks a failure that retrying cannot fix. Every sentinel
// below except ErrAuthExpired wraps it, so errors.Is(err, ErrPermanent)
// matches them all.
var ErrPermanent = errors.New("drive: permanent failure")

// Sentinel errors carried by *APIError. Use errors.Is(err, drive.ErrNotFound).
var (
	ErrPrecondition = fmt.Errorf("%w: precondition failed", ErrPermanent)
	ErrNotFound     = fmt.Errorf("%w: not found", ErrPermanent)
	ErrForbidden    = fmt.Errorf("%w: forbidden", ErrPermanent)
	ErrServer       = errors.New("drive: server error")

	// ErrAuthExpired is returned with the original 401 response when the
	// token refresh that followed it failed.
	ErrAuthExpired = errors.New("drive: access token expired and refresh failed")
)

// Transfer and domain-level errors.
var (
	ErrNoResumableURL  = errors.New("drive: no resumable session url in response")
	ErrContentConsumed = fmt.Errorf("%w: stream content already consumed", ErrPermanent)
	ErrInvalidAccount  = errors.New("drive: invalid account for permission")
	ErrNotDownloadable = fmt.Errorf("%w: file has no download url", ErrPermanent)
)

// APIError carries a non-2xx response: its status, the code, reason and
// message from the JSON error envelope, and the raw body.
type APIError struct {
	StatusCode int
	Code       int
	Reason     string
	Message    string
	Body       []byte
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("drive: HTTP %d (%s): %s", e.StatusCode, e.Reason, e.Message)
	}

	return fmt.Sprintf("drive: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// errorEnvelope is the JSON error body returned by the Drive API:
// {"error": {"code": 403, "message": "...", "errors": [{"reason": "..."}]}}.
type errorEnvelope struct {
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
			Domain  string `json:"domain"`
		} `json:"errors"`
	} `json:"error"`
}

// newAPIError builds an *APIError for a failed response. The message comes
// from the error envelope when present and falls back to the raw body.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{
		StatusCode: status,
		Message:    strings.TrimSpace(string(body)),
		Body:       body,
		Err:        sentinelFor(status),
	}

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return e
	}

	e.Code = env.Error.Code
	if env.Error.Message != "" {
		e.Message = env.Error.Message
	}

	if len(env.Error.Errors) > 0 {
		e.Reason = env.Error.Errors[0].Reason
	}

	return e
}

func sentinelFor(status int) error {
	switch {
	case status == http.StatusPreconditionFailed:
		return ErrPrecondition
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status >= http.StatusInternalServerError:
		return ErrServer
	default:
		return ErrPermanent
	}
}

// Rate limiting on Drive v2 is reported as 403 with one of these reasons.
var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

// IsFailure reports whether status is outside the 2xx range.
func IsFailure(status int) bool {
	return status < http.StatusOK || status >= http.StatusMultipleChoices
}

// IsServerError reports whether status is in [500, 510].
func IsServerError(status int) bool {
	return status >= http.StatusInternalServerError && status <= http.StatusNotExtended
}

// ErrorState mirrors the status of the most recent exchange. Reason is the
// HTTP status text, or a diagnostic message when Code is -1.
type ErrorState struct {
	Code   int
	Reason string
}
