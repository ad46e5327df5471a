package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
)

const conversationColumns = `id, user_id, title, message_count, last_query, created_at, updated_at`

// ConversationsRepository handles data access for conversations and their turns.
type ConversationsRepository struct {
	db *pgxpool.Pool
}

// NewConversationsRepository creates a new conversations repository.
func NewConversationsRepository(db *pgxpool.Pool) *ConversationsRepository {
	return &ConversationsRepository{db: db}
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var c models.Conversation

	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.MessageCount, &c.LastQuery, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, aiderrors.NewNotFoundError("conversation", "")
		}

		return nil, err
	}

	return &c, nil
}

// Create inserts an empty conversation owned by userID.
func (r *ConversationsRepository) Create(ctx context.Context, userID, title string) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRow(ctx, `
		INSERT INTO conversations (user_id, title)
		VALUES ($1, $2)
		RETURNING `+conversationColumns, userID, title))
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return conv, nil
}

// Get returns the conversation if it exists and belongs to userID.
func (r *ConversationsRepository) Get(ctx context.Context, id uuid.UUID, userID string) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conv, nil
}

// List returns the user's conversations, most recently updated first.
func (r *ConversationsRepository) List(ctx context.Context, userID string, limit int) ([]models.Conversation, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	conversations, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Conversation, error) {
		conv, scanErr := scanConversation(row)
		if scanErr != nil {
			return models.Conversation{}, scanErr
		}

		return *conv, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversations: %w", err)
	}

	return conversations, nil
}

// GetTurns returns the most recent limit turns of the conversation, oldest first.
func (r *ConversationsRepository) GetTurns(
	ctx context.Context, id uuid.UUID, userID string, limit int,
) ([]models.ConversationTurn, error) {
	if _, err := r.Get(ctx, id, userID); err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT role, content, citations, confidence, created_at
		FROM (
			SELECT seq, role, content, citations, confidence, created_at
			FROM conversation_turns
			WHERE conversation_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}

	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ConversationTurn, error) {
		var (
			turn      models.ConversationTurn
			role      string
			citations []byte
		)

		if err := row.Scan(&role, &turn.Content, &citations, &turn.Confidence, &turn.Timestamp); err != nil {
			return turn, err
		}

		turn.Role = models.Role(role)

		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &turn.Citations); err != nil {
				return turn, fmt.Errorf("decode citations: %w", err)
			}
		}

		return turn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan turns: %w", err)
	}

	return turns, nil
}

// AppendTurns appends turns to the conversation and updates its message count, last query and
// updated_at. The conversation row is locked for the duration so concurrent appends never interleave.
func (r *ConversationsRepository) AppendTurns(
	ctx context.Context, id uuid.UUID, userID, lastQuery string, turns ...models.ConversationTurn,
) (*models.Conversation, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }()

	var next int

	err = tx.QueryRow(ctx, `
		SELECT message_count FROM conversations
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, id, userID).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, aiderrors.NewNotFoundError("conversation", "")
		}

		return nil, fmt.Errorf("failed to lock conversation: %w", err)
	}

	batch := &pgx.Batch{}

	for i, turn := range turns {
		citations, err := json.Marshal(nonNilChunks(turn.Citations))
		if err != nil {
			return nil, fmt.Errorf("encode citations: %w", err)
		}

		ts := turn.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}

		batch.Queue(`
			INSERT INTO conversation_turns (conversation_id, seq, role, content, citations, confidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, next+i, string(turn.Role), turn.Content, citations, turn.Confidence, ts)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to insert turns: %w", err)
	}

	conv, err := scanConversation(tx.QueryRow(ctx, `
		UPDATE conversations
		SET message_count = message_count + $3, last_query = $4, updated_at = $5
		WHERE id = $1 AND user_id = $2
		RETURNING `+conversationColumns, id, userID, len(turns), lastQuery, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit turns: %w", err)
	}

	return conv, nil
}

// Rename sets the conversation title.
func (r *ConversationsRepository) Rename(
	ctx context.Context, id uuid.UUID, userID, title string,
) (*models.Conversation, error) {
	conv, err := scanConversation(r.db.QueryRow(ctx, `
		UPDATE conversations
		SET title = $3, updated_at = $4
		WHERE id = $1 AND user_id = $2
		RETURNING `+conversationColumns, id, userID, title, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to rename conversation: %w", err)
	}

	return conv, nil
}

// Delete removes the conversation and its turns.
func (r *ConversationsRepository) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return aiderrors.NewNotFoundError("conversation", "")
	}

	return nil
}

// PruneUser deletes all but the keep most recently updated conversations of userID and
// returns how many were removed.
func (r *ConversationsRepository) PruneUser(ctx context.Context, userID string, keep int) (int64, error) {
	result, err := r.db.Exec(ctx, `
		DELETE FROM conversations
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM conversations
			WHERE user_id = $1
			ORDER BY updated_at DESC, id DESC
			LIMIT $2
		)`, userID, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune conversations: %w", err)
	}

	return result.RowsAffected(), nil
}

func nonNilChunks(chunks []models.RetrievedChunk) []models.RetrievedChunk {
	if chunks == nil {
		return []models.RetrievedChunk{}
	}

	return chunks
}
