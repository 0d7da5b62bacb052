package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/esocialgw/internal/config"
)

const keySubmissionCompany = "esocialgw:submit:company:%s"

// SubmissionLimiter throttles manual submissions per company so a burst of
// retries cannot exhaust the remote service quota.
type SubmissionLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewSubmissionLimiter(cfg config.Config, client RedisClient) *SubmissionLimiter {
	limit := cfg.RateLimit
	if client.Client == nil || limit.SubmitRate <= 0 || limit.SubmitBurst <= 0 {
		return nil
	}
	return &SubmissionLimiter{
		bucket: NewTokenBucket(client.Client),
		rate:   limit.SubmitRate,
		burst:  limit.SubmitBurst,
	}
}

func (l *SubmissionLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *SubmissionLimiter) AllowCompany(ctx context.Context, companyID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keySubmissionCompany, strings.TrimSpace(companyID))
	return l.bucket.Allow(ctx, key, l.rate, l.burst)
}
