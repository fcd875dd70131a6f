package common

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// RetryPolicy configures exponential backoff for Retry. Zero fields fall back
// to the backoff package defaults.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	// MaxRetries caps the number of retries after the first attempt. Zero
	// means the elapsed time alone bounds the loop.
	MaxRetries uint64
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	if p.MaxElapsedTime > 0 {
		exp.MaxElapsedTime = p.MaxElapsedTime
	}

	var b backoff.BackOff = exp
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Retry runs op until it succeeds, the policy is exhausted, or ctx ends.
// Errors for which retryable returns false stop the loop immediately; a nil
// retryable retries every error. The last error from op is returned.
func Retry(ctx context.Context, policy RetryPolicy, op func() error, retryable func(error) bool) error {
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, policy.backOff(ctx))
}
