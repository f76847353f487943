package storage

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	busyRetryLimit   = 12
	busyRetryInitial = 5 * time.Millisecond
	busyRetryCeiling = 250 * time.Millisecond
	busyRetryGrowth  = 2.0
)

// RetryBusy reruns fn while SQLite reports lock contention. Other errors,
// and contention past the retry limit, are returned as-is.
func RetryBusy(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = busyRetryInitial
	policy.MaxInterval = busyRetryCeiling
	policy.Multiplier = busyRetryGrowth
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	schedule := backoff.WithContext(backoff.WithMaxRetries(policy, busyRetryLimit), contextOrBackground(ctx))
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !busy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, schedule)
}

func busy(err error) bool {
	if err == nil {
		return false
	}
	return isContentionString(strings.ToLower(err.Error()))
}
