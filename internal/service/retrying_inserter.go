package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	defaultInitialBackoffWhenZero = 500 * time.Millisecond
	backoffMultiplier             = 2
)

// RetryingRetentionInserter wraps a RetentionInserter and retries Insert on failure with
// exponential backoff and jitter. Use for transient River/DB errors.
type RetryingRetentionInserter struct {
	inner          RetentionInserter
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// RetryingInserterConfig holds configuration for the retrying inserter.
type RetryingInserterConfig struct {
	MaxRetries     int           // Number of retries after the first attempt (total attempts = 1 + MaxRetries).
	InitialBackoff time.Duration // Backoff after first failure; doubles each attempt, capped by MaxBackoff.
	MaxBackoff     time.Duration // Upper bound on backoff between attempts.
}

// NewRetryingRetentionInserter returns a RetentionInserter that retries Insert on error.
func NewRetryingRetentionInserter(inner RetentionInserter, cfg RetryingInserterConfig) *RetryingRetentionInserter {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoffWhenZero
	}

	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	return &RetryingRetentionInserter{
		inner:          inner,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
}

// Insert calls the inner inserter; on error, retries up to maxRetries times with
// exponential backoff and jitter. Respects context cancellation during backoff.
func (r *RetryingRetentionInserter) Insert(
	ctx context.Context, args river.JobArgs, opts *river.InsertOpts,
) (*rivertype.JobInsertResult, error) {
	var lastErr error

	backoff := r.initialBackoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		result, err := r.inner.Insert(ctx, args, opts)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if attempt == r.maxRetries {
			break
		}

		sleep := jitter(backoff)
		slog.Warn("retention enqueue failed, retrying after backoff",
			"kind", args.Kind(),
			"attempt", attempt+1,
			"max_attempts", r.maxRetries+1,
			"backoff", sleep,
			"error", err,
		)

		if err := sleepContext(ctx, sleep); err != nil {
			return nil, err
		}

		backoff = min(backoff*backoffMultiplier, r.maxBackoff)
	}

	return nil, lastErr
}

// jitter returns a duration between 50% and 100% of duration to avoid thundering herd.
func jitter(duration time.Duration) time.Duration {
	const jitterHalf = 2

	half := duration / jitterHalf
	if half <= 0 {
		return duration
	}

	var buf [8]byte

	if _, err := rand.Read(buf[:]); err != nil {
		return half
	}

	randVal := binary.BigEndian.Uint64(buf[:])

	//nolint:gosec // G115: modulo result is in [0, half), safe to convert to int64
	jitterNanos := int64(randVal % uint64(half.Nanoseconds()))

	return half + time.Duration(jitterNanos)
}

// sleepContext blocks for d or until ctx is cancelled; returns the wrapped ctx error if cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Ensure RetryingRetentionInserter implements RetentionInserter.
var _ RetentionInserter = (*RetryingRetentionInserter)(nil)
