package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/internal/observability"
)

// Conversation defaults.
const (
	DefaultConversationListLimit = 20
	DefaultTurnsLimit            = 50
	DefaultMaxConversations      = 10
	titleMaxRunes                = 60
	retentionUniquePeriod        = time.Minute
	discardTimeout               = 5 * time.Second
)

// ConversationStore defines the interface for conversation persistence. Every call is scoped to
// userID; conversations of other users behave as not found.
type ConversationStore interface {
	Create(ctx context.Context, userID, title string) (*models.Conversation, error)
	Get(ctx context.Context, id uuid.UUID, userID string) (*models.Conversation, error)
	List(ctx context.Context, userID string, limit int) ([]models.Conversation, error)
	GetTurns(ctx context.Context, id uuid.UUID, userID string, limit int) ([]models.ConversationTurn, error)
	AppendTurns(
		ctx context.Context, id uuid.UUID, userID, lastQuery string, turns ...models.ConversationTurn,
	) (*models.Conversation, error)
	Rename(ctx context.Context, id uuid.UUID, userID, title string) (*models.Conversation, error)
	Delete(ctx context.Context, id uuid.UUID, userID string) error
	PruneUser(ctx context.Context, userID string, keep int) (int64, error)
}

// ConversationServiceParams configures a ConversationService. Inserter, Metrics and Logger may be nil;
// without an inserter retention runs inline.
type ConversationServiceParams struct {
	Store            ConversationStore
	Inserter         RetentionInserter
	MaxConversations int
	Metrics          observability.ConversationMetrics
	Logger           *slog.Logger
}

// ConversationService handles business logic for stored conversations.
type ConversationService struct {
	store    ConversationStore
	inserter RetentionInserter
	maxConvs int
	metrics  observability.ConversationMetrics
	logger   *slog.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(p ConversationServiceParams) *ConversationService {
	s := &ConversationService{
		store:    p.Store,
		inserter: p.Inserter,
		maxConvs: p.MaxConversations,
		metrics:  p.Metrics,
		logger:   p.Logger,
	}

	if s.maxConvs <= 0 {
		s.maxConvs = DefaultMaxConversations
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// Title derives a conversation title from its first query.
func Title(query string) string {
	query = strings.Join(strings.Fields(query), " ")
	if utf8.RuneCountInString(query) <= titleMaxRunes {
		return query
	}

	return string([]rune(query)[:titleMaxRunes]) + "..."
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *ConversationService) ListConversations(
	ctx context.Context, userID string, filters *models.ListConversationsFilters,
) (*models.ListConversationsResponse, error) {
	if filters.Limit <= 0 {
		filters.Limit = DefaultConversationListLimit
	}

	conversations, err := s.store.List(ctx, userID, filters.Limit)
	if err != nil {
		return nil, err
	}

	if conversations == nil {
		conversations = []models.Conversation{}
	}

	return &models.ListConversationsResponse{Data: conversations, Limit: filters.Limit}, nil
}

// ListTurns returns the most recent turns of a conversation, oldest first.
func (s *ConversationService) ListTurns(
	ctx context.Context, id uuid.UUID, userID string, filters *models.ListTurnsFilters,
) (*models.ListTurnsResponse, error) {
	if filters.Limit <= 0 {
		filters.Limit = DefaultTurnsLimit
	}

	turns, err := s.store.GetTurns(ctx, id, userID, filters.Limit)
	if err != nil {
		return nil, err
	}

	if turns == nil {
		turns = []models.ConversationTurn{}
	}

	return &models.ListTurnsResponse{Data: turns, Limit: filters.Limit}, nil
}

// History returns up to limit recent turns used as pipeline context.
func (s *ConversationService) History(
	ctx context.Context, id uuid.UUID, userID string, limit int,
) ([]models.ConversationTurn, error) {
	return s.store.GetTurns(ctx, id, userID, limit)
}

// RenameConversation sets the title of a conversation.
func (s *ConversationService) RenameConversation(
	ctx context.Context, id uuid.UUID, userID string, req *models.RenameConversationRequest,
) (*models.Conversation, error) {
	return s.store.Rename(ctx, id, userID, strings.TrimSpace(req.Title))
}

// DeleteConversation deletes a conversation and its turns.
func (s *ConversationService) DeleteConversation(ctx context.Context, id uuid.UUID, userID string) error {
	return s.store.Delete(ctx, id, userID)
}

// Record appends the turns of one answered query. An empty id starts a new conversation titled
// after the query and triggers retention for the user.
func (s *ConversationService) Record(
	ctx context.Context, id uuid.UUID, userID, query string, turns []models.ConversationTurn,
) (*models.Conversation, error) {
	created := false

	if id == uuid.Nil {
		conv, err := s.store.Create(ctx, userID, Title(query))
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}

		id = conv.ID
		created = true
	}

	conv, err := s.store.AppendTurns(ctx, id, userID, query, turns...)
	if err != nil {
		if created {
			s.discardEmpty(ctx, id, userID)
		}

		return nil, fmt.Errorf("append turns: %w", err)
	}

	if created {
		s.enforceRetention(ctx, userID)
	}

	return conv, nil
}

// discardEmpty removes a conversation created by Record whose first turns could not be stored.
// It runs even when ctx is already cancelled.
func (s *ConversationService) discardEmpty(ctx context.Context, id uuid.UUID, userID string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	if err := s.store.Delete(cleanupCtx, id, userID); err != nil {
		s.logger.WarnContext(ctx, "failed to delete empty conversation",
			"conversation_id", id.String(), "error", err)
	}
}

// enforceRetention enqueues a retention job, or prunes inline when no inserter is configured or
// the enqueue fails.
func (s *ConversationService) enforceRetention(ctx context.Context, userID string) {
	if s.inserter != nil {
		_, err := s.inserter.Insert(ctx, ConversationRetentionArgs{UserID: userID, Keep: s.maxConvs}, &river.InsertOpts{
			Queue: RetentionQueueName,
			UniqueOpts: river.UniqueOpts{
				ByArgs:   true,
				ByPeriod: retentionUniquePeriod,
			},
		})
		if err == nil {
			if s.metrics != nil {
				s.metrics.RecordRetentionEnqueued(ctx)
			}

			return
		}

		s.logger.WarnContext(ctx, "conversation retention enqueue failed, pruning inline", "error", err)
	}

	pruned, err := s.store.PruneUser(ctx, userID, s.maxConvs)
	if err != nil {
		s.logger.ErrorContext(ctx, "conversation retention failed", "error", err)

		return
	}

	if s.metrics != nil {
		s.metrics.RecordConversationsPruned(ctx, pruned)
	}
}

// ParseConversationID parses a conversation ID from a request. Malformed IDs are InvalidQuery.
func ParseConversationID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, aiderrors.NewInvalidQueryError("conversation_id", "conversation_id must be a UUID")
	}

	return id, nil
}
