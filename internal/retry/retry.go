// Quorate - Digital Board Governance and Voting
// Copyright 2026 Quorate contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quoratehq/quorate

// Package retry provides the single retry-with-backoff utility shared by the
// notification listener, the email dispatch service, and store access code.
// It wraps cenkalti/backoff with a small fixed-policy configuration so every
// caller retries the same way.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config parameterizes a retry policy.
type Config struct {
	// MaxAttempts is the total number of attempts (first try included).
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier scales the delay after each attempt.
	Multiplier float64

	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
}

// DefaultConfig returns the policy used for transient store errors.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Second,
	}
}

// Permanent wraps err so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// Do runs op, retrying on error according to cfg until the attempt budget is
// exhausted or ctx is canceled. The last error is returned.
func Do(ctx context.Context, cfg Config, op func() error) error {
	return DoNotify(ctx, cfg, op, nil)
}

// DoNotify is Do with a callback invoked before each retry sleep, carrying
// the failure and the upcoming delay. Useful for logging retry decisions.
func DoNotify(ctx context.Context, cfg Config, op func() error, notify func(err error, next time.Duration)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseDelay
	eb.Multiplier = cfg.Multiplier
	eb.MaxInterval = cfg.MaxDelay
	eb.MaxElapsedTime = 0 // bounded by attempt count, not wall clock
	eb.RandomizationFactor = 0
	eb.Reset()

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	if notify != nil {
		return backoff.RetryNotify(op, b, notify)
	}
	return backoff.Retry(op, b)
}

// Delays returns the delay sequence the policy produces, one entry per retry.
// Exposed for tests asserting the base, doubling, and cap behavior.
func Delays(cfg Config) []time.Duration {
	if cfg.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, 0, cfg.MaxAttempts-1)
	d := cfg.BaseDelay
	for i := 0; i < cfg.MaxAttempts-1; i++ {
		if d > cfg.MaxDelay {
			d = cfg.MaxDelay
		}
		delays = append(delays, d)
		d = time.Duration(float64(d) * cfg.Multiplier)
	}
	return delays
}
