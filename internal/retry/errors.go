// Package retry re-invokes an operation while it fails with a transient
// error, sleeping with capped exponential backoff between attempts.
//
// Operations signal "try again" by returning an error built with Transient.
// Any other error ends the loop immediately and is returned unchanged.
package retry

import (
	"errors"
	"fmt"
	"net"
)

// ErrGaveUp is returned (wrapping the last transient error) when a policy
// runs out of attempts. It is distinguishable from a successful empty result.
var ErrGaveUp = errors.New("retry: gave up")

// Kind classifies a transient failure.
type Kind int

// Transient failure kinds.
const (
	KindNetwork             Kind = iota + 1 // connect/read failure
	KindNetworkAbsent                       // name resolution failed: no network reachable
	KindServer                              // 5xx
	KindRateLimit                           // 403 rateLimitExceeded / userRateLimitExceeded
	KindEventualConsistency                 // 404 on a freshly negotiated upload session
	KindAuthRefreshed                       // 401 followed by a successful token refresh
	KindDeadline                            // per-call deadline exceeded
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindNetworkAbsent:
		return "network-absent"
	case KindServer:
		return "server"
	case KindRateLimit:
		return "rate-limit"
	case KindEventualConsistency:
		return "eventual-consistency"
	case KindAuthRefreshed:
		return "auth-refreshed"
	case KindDeadline:
		return "deadline"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransientError tags an error as retryable.
type TransientError struct {
	Kind Kind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("retry: transient %s failure: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure of the given kind. A network
// error that wraps a *net.DNSError is promoted to KindNetworkAbsent.
func Transient(kind Kind, err error) error {
	if err == nil {
		err = errors.New(kind.String())
	}

	if kind == KindNetwork && isDNSFailure(err) {
		kind = KindNetworkAbsent
	}

	return &TransientError{Kind: kind, Err: err}
}

// IsTransient reports whether err carries a transient tag, and its kind.
func IsTransient(err error) (Kind, bool) {
	var te *TransientError
	if errors.As(err, &te) {
		return te.Kind, true
	}

	return 0, false
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// ConfigError reports an invalid policy. It is returned at setup time, never
// from an attempt.
type ConfigError struct {
	Policy string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("retry: policy %q: %s %s", e.Policy, e.Field, e.Reason)
}
