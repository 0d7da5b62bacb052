package poller

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/esocialgw/internal/config"
)

// PollDelay is the wait before the poll following attempt (zero based).
func PollDelay(policy config.PollPolicy, attempt int) time.Duration {
	return nthInterval(policy.InitialInterval, policy.MaxInterval, policy.Multiplier, attempt)
}

// RetryDelay is the wait before automatic resubmission number attempt.
func RetryDelay(policy config.RetryPolicy, attempt int) time.Duration {
	return nthInterval(policy.InitialInterval, policy.MaxInterval, policy.Multiplier, attempt)
}

func nthInterval(initial, max time.Duration, multiplier float64, attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         max,
	}
	b.Reset()

	next := b.NextBackOff()
	for i := 0; i < attempt && next < max; i++ {
		next = b.NextBackOff()
	}
	if next > max {
		next = max
	}
	return next
}
