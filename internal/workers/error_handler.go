package workers

import (
	"context"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// ErrorHandler logs failed and panicking jobs. River's default retry schedule still applies.
type ErrorHandler struct {
	Logger *slog.Logger
}

func (h *ErrorHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}

	return h.Logger
}

// HandleError is called when a job returns an error.
func (h *ErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	level := slog.LevelWarn
	if job.Attempt >= job.MaxAttempts {
		level = slog.LevelError
	}

	h.logger().Log(ctx, level, "job failed",
		"job_kind", job.Kind,
		"job_id", job.ID,
		"queue", job.Queue,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"error", err,
	)

	return nil
}

// HandlePanic is called when a job panics. The job is marked errored and retried like any failure.
func (h *ErrorHandler) HandlePanic(
	ctx context.Context, job *rivertype.JobRow, panicVal any, trace string,
) *river.ErrorHandlerResult {
	h.logger().ErrorContext(ctx, "job panicked",
		"job_kind", job.Kind,
		"job_id", job.ID,
		"queue", job.Queue,
		"attempt", job.Attempt,
		"panic_value", panicVal,
		"stack_trace", trace,
	)

	return nil
}

var _ river.ErrorHandler = (*ErrorHandler)(nil)
