package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// DefaultMaxDelay caps the backoff delay (10 minutes).
const DefaultMaxDelay = 600 * time.Second

// Wait applied while the network is absent. A uniform jitter in
// [0, networkJitter] is added so parallel callers do not wake in lockstep.
const (
	networkWaitBase = 9500 * time.Millisecond
	networkJitter   = 1000 * time.Millisecond
)

// Attempt budgets and initial delays per call site.
const (
	RefreshTries  = 10
	TransferTries = 5
	RequestTries  = 20
	BaseDelay     = 1 * time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes one retry budget. The zero value is invalid; build one
// with NewPolicy or the presets.
type Policy struct {
	Name     string
	Tries    int
	Delay    time.Duration
	MaxDelay time.Duration // zero means DefaultMaxDelay

	// OnExhausted, when set, maps the last transient error to the error
	// returned after the budget is spent. Without it Do returns an error
	// wrapping ErrGaveUp.
	OnExhausted func(last error) error

	Logger *slog.Logger

	sleep  SleepFunc
	jitter func() time.Duration
}

// NewPolicy validates the parameters and returns a Policy. tries must be at
// least 0 and delay greater than 0.
func NewPolicy(name string, tries int, delay time.Duration) (Policy, error) {
	p := Policy{Name: name, Tries: tries, Delay: delay}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}

	return p, nil
}

// RefreshPolicy is the budget for token refresh calls.
func RefreshPolicy() Policy {
	return Policy{Name: "refresh", Tries: RefreshTries, Delay: BaseDelay}
}

// TransferPolicy is the budget for each phase of a resumable transfer.
func TransferPolicy() Policy {
	return Policy{Name: "transfer", Tries: TransferTries, Delay: BaseDelay}
}

// RequestPolicy is the budget for generic metadata calls.
func RequestPolicy() Policy {
	return Policy{Name: "request", Tries: RequestTries, Delay: BaseDelay}
}

// Validate reports a *ConfigError for an unusable policy.
func (p Policy) Validate() error {
	if p.Tries < 0 {
		return &ConfigError{Policy: p.Name, Field: "tries", Reason: "must be 0 or greater"}
	}

	if p.Delay <= 0 {
		return &ConfigError{Policy: p.Name, Field: "delay", Reason: "must be greater than 0"}
	}

	if p.MaxDelay < 0 {
		return &ConfigError{Policy: p.Name, Field: "max_delay", Reason: "must not be negative"}
	}

	return nil
}

// WithSleep returns a copy of p that waits with fn. Tests use it to avoid
// real delays and to observe the backoff sequence.
func (p Policy) WithSleep(fn SleepFunc) Policy {
	p.sleep = fn
	return p
}

// WithJitter returns a copy of p whose network-absent wait uses fn as the
// jitter source instead of math/rand.
func (p Policy) WithJitter(fn func() time.Duration) Policy {
	p.jitter = fn
	return p
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay == 0 {
		return DefaultMaxDelay
	}

	return p.MaxDelay
}

// backoff returns a fresh delay sequence: Delay, 2*Delay, 4*Delay, ...
// capped at MaxDelay.
func (p Policy) backoff() goretry.Backoff {
	return goretry.WithCappedDuration(p.maxDelay(), goretry.NewExponential(p.Delay))
}

// networkWait returns the jittered pause used while the network is absent.
func (p Policy) networkWait() time.Duration {
	if p.jitter != nil {
		return networkWaitBase + p.jitter()
	}

	return networkWaitBase + rand.N(networkJitter+1) //nolint:gosec // jitter does not need crypto rand
}

func (p Policy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}

	return slog.Default()
}

// Do calls op until it succeeds, fails permanently, or the policy's attempt
// budget is spent.
//
// A transient error consumes one attempt and is followed by a backoff sleep.
// A network-absent error (name resolution failure) does not consume an
// attempt: Do waits about ten seconds and tries again, indefinitely, until
// ctx is canceled. A non-transient error is returned at once together with
// whatever value op returned alongside it.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := p.Validate(); err != nil {
		return zero, err
	}

	sleep := p.sleep
	if sleep == nil {
		sleep = timeSleep
	}

	logger := p.logger()
	delays := p.backoff()
	remaining := p.Tries

	var (
		last  error
		delay time.Duration
	)

	for remaining >= 1 {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		kind, ok := IsTransient(err)
		if !ok {
			return v, err
		}

		last = err

		if kind == KindNetworkAbsent {
			wait := p.networkWait()
			logger.Debug("no network, waiting before retry",
				slog.String("policy", p.Name),
				slog.Duration("wait", wait),
			)

			if sleepErr := sleep(ctx, wait); sleepErr != nil {
				return zero, fmt.Errorf("retry: %s canceled: %w", p.Name, sleepErr)
			}

			continue
		}

		remaining--
		if remaining == 0 {
			break
		}

		// Stop advancing once capped: the shift inside the exponential
		// sequence can overflow long after the cap is reached.
		if delay < p.maxDelay() {
			delay, _ = delays.Next()
		}

		logger.Warn("retrying after transient failure",
			slog.String("policy", p.Name),
			slog.String("kind", kind.String()),
			slog.Int("remaining", remaining),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("retry: %s canceled: %w", p.Name, sleepErr)
		}
	}

	if p.OnExhausted != nil {
		return zero, p.OnExhausted(last)
	}

	logger.Error("retry budget exhausted",
		slog.String("policy", p.Name),
		slog.Int("tries", p.Tries),
	)

	if last == nil {
		return zero, fmt.Errorf("%w: %s: no attempts allowed", ErrGaveUp, p.Name)
	}

	return zero, fmt.Errorf("%w: %s after %d attempts: %w", ErrGaveUp, p.Name, p.Tries, last)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
