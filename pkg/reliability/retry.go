// Package reliability provides the retry-with-backoff helper the agent
// manager uses around provider and store calls.
package reliability

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"wingman/pkg/errs"
	"wingman/pkg/logging"
	"wingman/pkg/telemetry"
)

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

// Strategy implements exponential backoff with jitter for retrying failed
// operations. Contract violations (validation, authorization, budget blocks)
// fail fast; everything else is treated as transient.
type Strategy struct {
	// MaxAttempts is the total number of executions, initial call included.
	// MaxAttempts=3 means 1 initial attempt plus up to 2 retries.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Subsequent delays grow
	// by Multiplier per attempt, capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retry attempts.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier (typically 2.0).
	Multiplier float64
}

// DefaultStrategy returns the strategy used when the host config is silent.
func DefaultStrategy() Strategy {
	return Strategy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

func (s Strategy) normalized() Strategy {
	if s.MaxAttempts < 1 {
		s.MaxAttempts = 1
	}
	if s.BaseDelay <= 0 {
		s.BaseDelay = 500 * time.Millisecond
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = 30 * time.Second
	}
	if s.Multiplier < 1 {
		s.Multiplier = 2.0
	}
	return s
}

// Do runs fn with automatic retry on transient errors, logging every attempt
// and the final outcome tagged with label.
//
// Delays between attempts use exponential backoff with ±25% jitter to avoid
// synchronized retries. Context cancellation stops the loop immediately.
// When attempts are exhausted the last failure is returned.
func (s Strategy) Do(ctx context.Context, log *logging.Logger, label string, fn func() error) error {
	s = s.normalized()

	var lastErr error
	delay := s.BaseDelay

	for attempt := 1; attempt <= s.MaxAttempts; attempt++ {
		if attempt > 1 {
			jitterFactor := 0.75 + cryptoRandFloat64()*0.5
			jitter := time.Duration(float64(delay) * jitterFactor)

			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				log.Warn(logging.CategoryRetry, "retry_abandoned", "", label, map[string]any{
					"attempt": attempt,
					"error":   ctx.Err().Error(),
				})
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * s.Multiplier)
			if delay > s.MaxDelay {
				delay = s.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info(logging.CategoryRetry, "retry_succeeded", "", label, map[string]any{
					"attempt": attempt,
				})
			}
			return nil
		}

		lastErr = err
		telemetry.RetryAttempts.Inc()
		log.Warn(logging.CategoryRetry, "attempt_failed", "", label, map[string]any{
			"attempt":      attempt,
			"max_attempts": s.MaxAttempts,
			"error":        err.Error(),
		})

		if !errs.Retriable(err) {
			log.Info(logging.CategoryRetry, "not_retriable", "", label, map[string]any{
				"error": err.Error(),
			})
			return err
		}
	}

	log.Error(logging.CategoryRetry, "attempts_exhausted", "", label, map[string]any{
		"max_attempts": s.MaxAttempts,
		"error":        lastErr.Error(),
	})
	return fmt.Errorf("%s: max attempts (%d) exceeded: %w", label, s.MaxAttempts, lastErr)
}
