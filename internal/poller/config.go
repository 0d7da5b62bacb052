package poller

import (
	"time"

	"github.com/smallbiznis/esocialgw/internal/config"
)

// Config controls poller intervals and batch sizes. Backoff and timeout
// windows come from the hot-reloaded pipeline policy instead.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
	JobTimeout  time.Duration
	// ClaimLease pushes next_poll_at forward while an event is being queried.
	ClaimLease time.Duration
	LockTTL    time.Duration
	// TransmissionTimeout is the longest a single submission may take. The
	// retry job only starts a submission when that much time is left.
	TransmissionTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: 15 * time.Second,
		BatchSize:   50,
		JobTimeout:  30 * time.Second,
		ClaimLease:  2 * time.Minute,
		LockTTL:     time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = defaults.ClaimLease
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Poller.RunInterval,
		BatchSize:   cfg.Poller.BatchSize,
		EnabledJobs: cfg.Poller.EnabledJobs,
		LockTTL:     cfg.Poller.LockTTL,

		TransmissionTimeout: cfg.ESocial.RequestTimeout,
	}.withDefaults()
}

// retryJobTimeout leaves room for one full submission after the listing.
func (c Config) retryJobTimeout() time.Duration {
	return c.JobTimeout + c.TransmissionTimeout
}
