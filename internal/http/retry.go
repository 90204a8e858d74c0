package http

import (
	"context"
	"time"

	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
)

// Op is a retryable operation. It reports success with true, a plain
// failure with false, and an unhandled failure with a non-nil error.
type Op func(ctx context.Context) (bool, error)

// Policy retries one class of errors.
//
// Errors outside the class pass through untouched so the next policy in a
// chain can handle them. When attempts are exhausted the policy returns
// Fallback with a nil error, unless Propagate is set, in which case the
// error itself is returned.
type Policy struct {
	// Name labels logs and the retry metric
	Name string
	// Retryable selects the errors this policy handles
	Retryable func(error) bool
	// MaxAttempts counts the first call; 1 means no retry
	MaxAttempts int
	// Delay is the fixed wait between attempts
	Delay time.Duration
	// Fallback is returned once attempts are exhausted
	Fallback bool
	// Propagate returns the error instead of Fallback
	Propagate bool
	// OnRetry is an optional callback invoked before each retry attempt
	OnRetry func(attempt int, err error)
}

// AuthPolicy never retries and returns authentication failures to the caller.
func AuthPolicy() Policy {
	return Policy{
		Name:        "auth",
		Retryable:   IsAuthError,
		MaxAttempts: constants.AuthMaxAttempts,
		Propagate:   true,
	}
}

// NetworkPolicy retries timeouts, connection failures and HTTP status errors.
func NetworkPolicy() Policy {
	return Policy{
		Name:        "network",
		Retryable:   IsNetworkError,
		MaxAttempts: constants.NetworkMaxAttempts,
		Delay:       constants.NetworkRetryDelay,
		Fallback:    false,
	}
}

// FilePolicy retries local file failures once.
func FilePolicy() Policy {
	return Policy{
		Name:        "file",
		Retryable:   IsLocalFileError,
		MaxAttempts: constants.FileMaxAttempts,
		Delay:       constants.FileRetryDelay,
		Fallback:    false,
	}
}

// DefaultPolicies is the auth, network, file ordering used for single-file downloads.
func DefaultPolicies() []Policy {
	return []Policy{AuthPolicy(), NetworkPolicy(), FilePolicy()}
}

// Wrap returns op guarded by this policy alone.
func (p Policy) Wrap(op Op) Op {
	return func(ctx context.Context) (bool, error) {
		return Chain(ctx, op, p)
	}
}

// Chain calls op once and hands each failure to the first remaining policy
// whose class matches it. A policy that doesn't match stays inert. Success
// or a plain false result ends the chain immediately.
func Chain(ctx context.Context, op Op, policies ...Policy) (bool, error) {
	ok, err := op(ctx)
	for _, p := range policies {
		if err == nil {
			return ok, nil
		}
		if !p.matches(err) {
			continue
		}
		ok, err = p.handle(ctx, op, err)
	}
	return ok, err
}

func (p Policy) matches(err error) bool {
	return p.Retryable != nil && p.Retryable(err)
}

// handle continues after a first failed attempt that returned err.
func (p Policy) handle(ctx context.Context, op Op, err error) (bool, error) {
	if p.Propagate {
		return false, err
	}

	for attempt := 1; attempt < p.MaxAttempts; attempt++ {
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		metrics.RetryAttempts.WithLabelValues(p.Name).Inc()

		if waitErr := sleep(ctx, p.Delay); waitErr != nil {
			return false, Wrap("retry", "", waitErr)
		}

		ok, nextErr := op(ctx)
		if nextErr == nil {
			return ok, nil
		}
		if !p.matches(nextErr) {
			return false, nextErr
		}
		err = nextErr
	}

	return p.Fallback, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
