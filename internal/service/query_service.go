package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/internal/observability"
)

// DefaultHistoryTurns is how many stored turns are loaded as pipeline context.
const DefaultHistoryTurns = 6

// QueryPipeline answers one query given prior turns.
type QueryPipeline interface {
	Handle(ctx context.Context, q models.Query, history []models.ConversationTurn) (*models.PipelineResult, error)
}

// QueryServiceParams configures a QueryService. Conversations may be nil, in which case every
// caller is treated as a guest and nothing is persisted.
type QueryServiceParams struct {
	Pipeline      QueryPipeline
	Conversations *ConversationService
	HistoryTurns  int
	Logger        *slog.Logger
}

// QueryService answers queries and keeps authenticated users' conversations.
type QueryService struct {
	pipeline      QueryPipeline
	conversations *ConversationService
	historyTurns  int
	logger        *slog.Logger
}

// NewQueryService creates a new query service.
func NewQueryService(p QueryServiceParams) *QueryService {
	s := &QueryService{
		pipeline:      p.Pipeline,
		conversations: p.Conversations,
		historyTurns:  p.HistoryTurns,
		logger:        p.Logger,
	}

	if s.historyTurns <= 0 {
		s.historyTurns = DefaultHistoryTurns
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// Ask answers req for userID. Guests (empty userID) supply their own history in the request and
// nothing is stored. For authenticated users the stored conversation provides the history and the
// new turns are appended to it; a missing conversation_id starts a new conversation.
//
// A failure to persist is logged and does not withhold the answer.
func (s *QueryService) Ask(ctx context.Context, userID string, req *models.QueryRequest) (*models.PipelineResult, error) {
	if userID == "" || s.conversations == nil {
		return s.askAsGuest(ctx, req)
	}

	id, err := ParseConversationID(req.ConversationID)
	if err != nil {
		return nil, err
	}

	var history []models.ConversationTurn

	if id != uuid.Nil {
		ctx = observability.WithConversationID(ctx, id.String())

		history, err = s.conversations.History(ctx, id, userID, s.historyTurns)
		if err != nil {
			return nil, err
		}
	}

	result, err := s.pipeline.Handle(ctx, req.ToQuery(), history)
	if err != nil {
		return nil, err
	}

	if len(result.Turns) == 0 {
		return result, nil
	}

	conv, err := s.conversations.Record(ctx, id, userID, result.Turns[0].Content, result.Turns)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record conversation turns", "error", err)

		return result, nil
	}

	result.ConversationID = conv.ID.String()

	return result, nil
}

func (s *QueryService) askAsGuest(ctx context.Context, req *models.QueryRequest) (*models.PipelineResult, error) {
	q := req.ToQuery()
	q.ConversationID = ""

	result, err := s.pipeline.Handle(ctx, q, req.History)
	if err != nil {
		return nil, err
	}

	return result, nil
}
