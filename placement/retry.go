package placement

import (
	"context"
	"time"

	"github.com/maxpert/shardkeeper/cfg"
	"github.com/maxpert/shardkeeper/errs"
	"github.com/rs/zerolog/log"
)

// RetryPolicy is the exponential backoff applied when a placement operation
// meets LockBusy.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int // 0 = unlimited
}

// DefaultRetryPolicy reads the policy from cfg.Config.Placement.LockRetry.
func DefaultRetryPolicy() RetryPolicy {
	r := cfg.Config.Placement.LockRetry
	return RetryPolicy{
		Initial:    cfg.Duration(r.InitialBackoffMS),
		Max:        cfg.Duration(r.MaxBackoffMS),
		Multiplier: r.Multiplier,
		MaxRetries: r.MaxRetries,
	}
}

// NoRetry fails on the first LockBusy.
var NoRetry = RetryPolicy{MaxRetries: 1}

// Backoff returns the delay before retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Initial
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Do runs fn, retrying while it returns LockBusy.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := 0
	for {
		err := fn()
		if err == nil || !errs.Is(err, errs.LockBusy) {
			return err
		}

		attempts++
		if p.MaxRetries > 0 && attempts >= p.MaxRetries {
			return err
		}

		delay := p.Backoff(attempts - 1)
		log.Debug().
			Err(err).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Placement lock busy, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errs.FromContext(ctx, "placement lock retry")
		case <-timer.C:
		}
	}
}
