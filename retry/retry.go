/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry runs upstream calls with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Config configures retry behavior for upstream calls.
type Config struct {
	// MaxRetries is the number of retries after the first call. 0 disables retrying.
	MaxRetries int
	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration
	// MaxJitter is the upper bound of the random delay added to each backoff.
	MaxJitter time.Duration
}

// Validate checks that the retry configuration has valid values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.BaseBackoff < 0 {
		return errors.New("base backoff cannot be negative")
	}
	if c.MaxBackoff < 0 {
		return errors.New("max backoff cannot be negative")
	}
	if c.MaxJitter < 0 {
		return errors.New("max jitter cannot be negative")
	}
	return nil
}

// Default returns a configuration suited to rate limited APIs, which often
// need several seconds to recover.
func Default() Config {
	return Config{
		MaxRetries:  5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Quick returns a configuration for local resources such as the database
// file, where a failure that outlasts a couple of seconds is not transient.
func Quick() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
		MaxJitter:   50 * time.Millisecond,
	}
}

// Do calls fn until it succeeds, returns an error isRetryable rejects, the
// context ends, or cfg.MaxRetries is used up.
func Do[T any](ctx context.Context, cfg Config, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !isRetryable(lastErr) {
			return result, lastErr
		}
		if attempt >= cfg.MaxRetries {
			break
		}

		delay := Backoff(cfg, attempt)

		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("max_retries", cfg.MaxRetries).
			With("backoff", delay).
			With("error", lastErr.Error()).
			Warn("Transient failure, retrying")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, fmt.Errorf("%s failed after %d retries: %w", operation, cfg.MaxRetries, lastErr)
}

// Backoff returns the delay before retry number attempt (zero based):
// BaseBackoff * 2^attempt capped at MaxBackoff, plus jitter.
func Backoff(cfg Config, attempt int) time.Duration {
	var backoff time.Duration
	if cfg.BaseBackoff > 0 {
		backoff = cfg.MaxBackoff
		// Shifts that overflow leave the cap in place.
		if b := cfg.BaseBackoff << attempt; attempt < 63 && b > 0 && b < backoff {
			backoff = b
		}
	}

	var jitter time.Duration
	if cfg.MaxJitter > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(cfg.MaxJitter)))
		if err == nil {
			jitter = time.Duration(n.Int64())
		}
	}
	return backoff + jitter
}
