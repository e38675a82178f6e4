// Package planner turns a recipient list and a provider rate-limit
// configuration into absolute send timestamps. It is pure: no I/O, no
// randomness, so the schedule arithmetic is independently testable.
package planner

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned for rate-limit parameters that cannot
// produce a plan. It is fatal to the invocation only.
var ErrInvalidConfig = errors.New("invalid rate limit configuration")

// Recipient is one (username, email) pair from the recipient source.
type Recipient struct {
	Username string
	Email    string
}

// RateLimitConfig bounds the send rate. Within any rolling window of
// InterBatchGap + BatchSize*IntraBatchDelay at most BatchSize sends occur,
// so BatchSize must be configured below the provider's true limit with
// margin. The config is immutable per planning run; there is no discovery
// or negotiation with the provider.
type RateLimitConfig struct {
	BatchSize       int
	IntraBatchDelay time.Duration
	InterBatchGap   time.Duration
}

// Validate rejects configurations before any planning happens.
func (c RateLimitConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.IntraBatchDelay < 0 {
		return fmt.Errorf("%w: intra-batch delay must not be negative, got %s", ErrInvalidConfig, c.IntraBatchDelay)
	}
	if c.InterBatchGap < 0 {
		return fmt.Errorf("%w: inter-batch gap must not be negative, got %s", ErrInvalidConfig, c.InterBatchGap)
	}
	return nil
}

// windowStride is the distance between consecutive batch window starts.
func (c RateLimitConfig) windowStride() time.Duration {
	return time.Duration(c.BatchSize)*c.IntraBatchDelay + c.InterBatchGap
}

// PlannedSend pairs a recipient with its computed send time.
type PlannedSend struct {
	Recipient   Recipient
	BatchIndex  int
	ScheduledAt time.Time
}

// Plan computes one send slot per recipient:
//
//	batch(i)        = i / batchSize
//	offset(i)       = (i mod batchSize) * intraBatchDelay
//	windowStart(b)  = start + b * (batchSize*intraBatchDelay + interBatchGap)
//	scheduledAt(i)  = windowStart(batch(i)) + offset(i)
//
// Timestamps are normalized to UTC and are non-decreasing in recipient
// order. Duplicate recipients within a single call each get their own slot;
// cross-run duplication is the dedup guard's job, not the planner's.
func Plan(recipients []Recipient, startTime time.Time, cfg RateLimitConfig) ([]PlannedSend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if len(recipients) == 0 {
		return []PlannedSend{}, nil
	}

	start := startTime.UTC()
	stride := cfg.windowStride()

	plan := make([]PlannedSend, len(recipients))
	for i, r := range recipients {
		batch := i / cfg.BatchSize
		offset := time.Duration(i%cfg.BatchSize) * cfg.IntraBatchDelay

		plan[i] = PlannedSend{
			Recipient:   r,
			BatchIndex:  batch,
			ScheduledAt: start.Add(time.Duration(batch)*stride + offset),
		}
	}

	return plan, nil
}

// Span returns the distance between the first and last send of a plan.
func Span(plan []PlannedSend) time.Duration {
	if len(plan) == 0 {
		return 0
	}
	return plan[len(plan)-1].ScheduledAt.Sub(plan[0].ScheduledAt)
}
