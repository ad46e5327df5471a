package service

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	conversationRetentionKind = "conversation_retention"
	// RetentionQueueName is the River queue used for conversation retention jobs.
	RetentionQueueName = "retention"
)

// RetentionInserter inserts retention jobs (e.g. River client).
type RetentionInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// ConversationRetentionArgs is the job payload for trimming one user's conversations to the newest Keep.
// Uniqueness is by UserID so a burst of new conversations enqueues a single job.
type ConversationRetentionArgs struct {
	UserID string `json:"user_id" river:"unique"`
	Keep   int    `json:"keep"`
}

// Kind returns the River job kind.
func (ConversationRetentionArgs) Kind() string { return conversationRetentionKind }

var _ river.JobArgs = ConversationRetentionArgs{}
