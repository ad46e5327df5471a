package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/observability"
)

// Stage names used in logs, spans and metrics.
const (
	StageEmbedding  = "embedding"
	StageRetrieval  = "retrieval"
	StageGeneration = "generation"
)

// Default stage policies.
const (
	DefaultEmbeddingTimeout  = 5 * time.Second
	DefaultRetrievalTimeout  = 5 * time.Second
	DefaultGenerationTimeout = 30 * time.Second
	DefaultMaxRetries        = 2
	DefaultInitialBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff        = 2 * time.Second
)

// StageState is a state of the per-stage retry machine:
// Pending -> Retrying(n) -> Succeeded | Degraded.
type StageState int

// Stage states.
const (
	StatePending StageState = iota
	StateRetrying
	StateSucceeded
	StateDegraded
)

func (s StageState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("StageState(%d)", int(s))
	}
}

// Transition is one step of a stage's state history. Retry is n for Retrying(n) and 0 otherwise.
type Transition struct {
	State StageState
	Retry int
}

func (t Transition) String() string {
	if t.State == StateRetrying {
		return fmt.Sprintf("retrying(%d)", t.Retry)
	}

	return t.State.String()
}

// StagePolicy bounds one network-bound stage.
type StagePolicy struct {
	// Timeout applies to each attempt separately.
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p StagePolicy) withDefaults(timeout time.Duration) StagePolicy {
	if p.Timeout <= 0 {
		p.Timeout = timeout
	}

	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}

	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}

	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}

	return p
}

func (p StagePolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// Stage is the state machine of one stage execution. It is not safe for concurrent use.
type Stage struct {
	Name    string
	State   StageState
	Retries int
	// Err is the last attempt error once the stage is Degraded.
	Err     error
	History []Transition
}

func newStage(name string) *Stage {
	s := &Stage{Name: name}
	s.History = []Transition{{State: StatePending}}

	return s
}

func (s *Stage) retry() {
	s.Retries++
	s.State = StateRetrying
	s.History = append(s.History, Transition{State: StateRetrying, Retry: s.Retries})
}

func (s *Stage) succeed() {
	s.State = StateSucceeded
	s.Err = nil
	s.History = append(s.History, Transition{State: StateSucceeded})
}

func (s *Stage) degrade(err error) {
	s.State = StateDegraded
	s.Err = err
	s.History = append(s.History, Transition{State: StateDegraded})
}

// Degraded reports whether the stage gave up.
func (s *Stage) Degraded() bool {
	return s.State == StateDegraded
}

// sleepFunc waits for d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stageRunner executes stage functions under their policies.
type stageRunner struct {
	metrics observability.PipelineMetrics
	logger  *slog.Logger
	sleep   sleepFunc
}

// runStage drives fn through the stage state machine. The returned error is non-nil only when the
// caller's context is done; a stage that gives up is reported through Stage.Degraded with a nil error.
func runStage[T any](
	ctx context.Context, r *stageRunner, name string, policy StagePolicy, fn func(context.Context) (T, error),
) (T, *Stage, error) {
	var zero T

	stage := newStage(name)
	bo := policy.newBackOff()
	start := time.Now()

	ctx, span := observability.StartSpan(ctx, "pipeline."+name, attribute.String(observability.AttrStage, name))
	defer span.End()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		value, err := fn(attemptCtx)
		cancel()

		if err == nil {
			stage.succeed()
			r.finish(ctx, stage, start)

			return value, stage, nil
		}

		if ctx.Err() != nil {
			r.recordFailure(ctx, name, "cancelled")
			r.finishCancelled(ctx, stage, start)
			span.SetStatus(codes.Error, "cancelled")

			return zero, stage, ctx.Err()
		}

		r.recordFailure(ctx, name, failureReason(err))
		r.logger.WarnContext(ctx, "pipeline: stage attempt failed",
			"stage", name, "retry", stage.Retries, "error", err)

		if !retryable(err) || stage.Retries >= policy.MaxRetries {
			stage.degrade(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "degraded")
			r.finish(ctx, stage, start)

			return zero, stage, nil
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			stage.degrade(err)
			r.finish(ctx, stage, start)

			return zero, stage, nil
		}

		stage.retry()

		if r.metrics != nil {
			r.metrics.RecordStageRetry(ctx, name)
		}

		if sleepErr := r.sleep(ctx, wait); sleepErr != nil {
			r.finishCancelled(ctx, stage, start)

			return zero, stage, ctx.Err()
		}
	}
}

func (r *stageRunner) recordFailure(ctx context.Context, stage, reason string) {
	if r.metrics != nil {
		r.metrics.RecordStageFailure(ctx, stage, reason)
	}
}

func (r *stageRunner) finish(ctx context.Context, stage *Stage, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordStageDuration(ctx, stage.Name, stage.State.String(), time.Since(start))
	}

	if stage.Degraded() {
		r.logger.ErrorContext(ctx, "pipeline: stage degraded",
			"stage", stage.Name, "retries", stage.Retries, "error", stage.Err)
	}
}

func (r *stageRunner) finishCancelled(ctx context.Context, stage *Stage, start time.Time) {
	if r.metrics != nil {
		r.metrics.RecordStageDuration(context.WithoutCancel(ctx), stage.Name, "cancelled", time.Since(start))
	}
}

// retryable reports whether another attempt could succeed. Malformed input never can.
func retryable(err error) bool {
	return !errors.Is(err, aiderrors.ErrInvalidQuery)
}

func failureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	return "unavailable"
}
