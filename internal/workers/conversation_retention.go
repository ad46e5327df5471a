// Package workers provides River job workers.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/firstaid/assistant/internal/observability"
	"github.com/firstaid/assistant/internal/service"
)

const conversationRetentionTimeout = 30 * time.Second

// conversationPruner is the minimal interface needed by the worker.
type conversationPruner interface {
	PruneUser(ctx context.Context, userID string, keep int) (int64, error)
}

// ConversationRetentionWorker deletes a user's oldest conversations beyond the configured limit.
type ConversationRetentionWorker struct {
	river.WorkerDefaults[service.ConversationRetentionArgs]

	store   conversationPruner
	metrics observability.ConversationMetrics
}

// NewConversationRetentionWorker creates a retention worker. metrics may be nil when metrics are disabled.
func NewConversationRetentionWorker(
	store conversationPruner, metrics observability.ConversationMetrics,
) *ConversationRetentionWorker {
	return &ConversationRetentionWorker{store: store, metrics: metrics}
}

// Timeout limits how long a single retention job can run.
func (w *ConversationRetentionWorker) Timeout(*river.Job[service.ConversationRetentionArgs]) time.Duration {
	return conversationRetentionTimeout
}

// Work prunes the user's conversations. Errors are returned so River retries the job.
func (w *ConversationRetentionWorker) Work(ctx context.Context, job *river.Job[service.ConversationRetentionArgs]) error {
	args := job.Args

	if args.UserID == "" || args.Keep <= 0 {
		slog.Warn("retention: invalid job args, dropping",
			"job_id", job.ID,
			"user_id", args.UserID,
			"keep", args.Keep,
		)

		return nil
	}

	pruned, err := w.store.PruneUser(ctx, args.UserID, args.Keep)
	if err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}

	if w.metrics != nil {
		w.metrics.RecordConversationsPruned(ctx, pruned)
	}

	if pruned > 0 {
		slog.Debug("retention: pruned conversations", "user_id", args.UserID, "pruned", pruned)
	}

	return nil
}
