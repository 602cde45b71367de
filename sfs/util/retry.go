package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
)

// RetryPermanent marks an error that must not be retried.
func RetryPermanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs job with exponential backoff until it succeeds, returns a
// permanent error, maxAttempts is used up, or ctx is done.
func Retry(ctx context.Context, name string, maxAttempts int, initialInterval time.Duration, job func() error) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = initialInterval
	exponentialBackoff.MaxElapsedTime = 0

	var b backoff.BackOff = exponentialBackoff
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	}

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := job()
		if err != nil {
			glog.V(1).Infof("retry %s attempt %d: %v", name, attempt, err)
		} else if attempt > 1 {
			glog.V(0).Infof("retry %s successfully after %d attempts", name, attempt)
		}
		return err
	}, backoff.WithContext(b, ctx))
	return err
}
