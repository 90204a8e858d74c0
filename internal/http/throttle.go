package http

import (
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/modelkeeper/modelkeeper/internal/logging"
)

var (
	ErrInvalidRate   = errors.New("rate and burst must be greater than zero")
	ErrWaitingFailed = errors.New("limiter waiting failed")
)

// throttle is a RoundTripper that limits outbound requests with a token bucket.
type throttle struct {
	limiter *rate.Limiter
	next    nethttp.RoundTripper
	logger  *logging.Logger
}

// NewThrottle wraps next so that at most rps requests per second start,
// with bursts of up to burst requests.
func NewThrottle(rps float64, burst int, logger *logging.Logger, next nethttp.RoundTripper) (nethttp.RoundTripper, error) {
	if rps <= 0 || burst <= 0 {
		return nil, fmt.Errorf("rps[%g] burst[%d]: %w", rps, burst, ErrInvalidRate)
	}
	if next == nil {
		next = nethttp.DefaultTransport
	}

	return &throttle{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		next:    next,
		logger:  logging.OrNop(logger),
	}, nil
}

func (t *throttle) RoundTrip(r *nethttp.Request) (*nethttp.Response, error) {
	ctx := r.Context()

	start := time.Now()
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWaitingFailed, err)
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		t.logger.Debug().
			Dur("waited", waited).
			Str("host", r.URL.Host).
			Msg("Request throttled")
	}

	return t.next.RoundTrip(r)
}
