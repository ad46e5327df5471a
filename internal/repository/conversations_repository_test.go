package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firstaid/assistant/internal/aiderrors"
	"github.com/firstaid/assistant/internal/models"
	"github.com/firstaid/assistant/pkg/database"
)

// setupTestDB connects to DATABASE_URL and applies the schema. Tests are skipped without a database.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()

	require.NoError(t, database.ApplySchema(ctx, url, SchemaSQL))

	db, err := database.NewPostgresPool(ctx, url, database.WithAfterConnect(pgxvec.RegisterTypes))
	require.NoError(t, err)

	t.Cleanup(db.Close)

	return db
}

func testUserID() string {
	return "test-user-" + uuid.NewString()
}

func TestConversationsRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationsRepository(db)
	ctx := context.Background()
	userID := testUserID()

	t.Cleanup(func() { _, _ = db.Exec(ctx, "DELETE FROM conversations WHERE user_id = $1", userID) })

	conv, err := repo.Create(ctx, userID, "How do I treat a burn?")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, conv.ID)
	assert.Equal(t, 0, conv.MessageCount)

	score := 88.5
	now := time.Now().UTC().Truncate(time.Microsecond)

	updated, err := repo.AppendTurns(ctx, conv.ID, userID, "How do I treat a burn?",
		models.ConversationTurn{Role: models.RoleUser, Content: "How do I treat a burn?", Timestamp: now},
		models.ConversationTurn{
			Role:       models.RoleAssistant,
			Content:    "Cool the burn.",
			Citations:  []models.RetrievedChunk{{ID: "c1", Text: "cool water", Citation: "Manual", Score: 0.9}},
			Confidence: &score,
			Timestamp:  now,
		},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.MessageCount)
	assert.Equal(t, "How do I treat a burn?", updated.LastQuery)

	turns, err := repo.GetTurns(ctx, conv.ID, userID, 50)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	require.Len(t, turns[1].Citations, 1)
	assert.Equal(t, "c1", turns[1].Citations[0].ID)
	require.NotNil(t, turns[1].Confidence)
	assert.InDelta(t, score, *turns[1].Confidence, 1e-9)

	recent, err := repo.GetTurns(ctx, conv.ID, userID, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, models.RoleAssistant, recent[0].Role)

	renamed, err := repo.Rename(ctx, conv.ID, userID, "Burns")
	require.NoError(t, err)
	assert.Equal(t, "Burns", renamed.Title)

	list, err := repo.List(ctx, userID, 20)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, conv.ID, userID))

	_, err = repo.Get(ctx, conv.ID, userID)
	assert.ErrorIs(t, err, aiderrors.ErrNotFound)
}

func TestConversationsRepository_OwnershipIsEnforced(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationsRepository(db)
	ctx := context.Background()
	owner := testUserID()

	t.Cleanup(func() { _, _ = db.Exec(ctx, "DELETE FROM conversations WHERE user_id = $1", owner) })

	conv, err := repo.Create(ctx, owner, "mine")
	require.NoError(t, err)

	other := testUserID()

	_, err = repo.GetTurns(ctx, conv.ID, other, 10)
	assert.ErrorIs(t, err, aiderrors.ErrNotFound)

	_, err = repo.AppendTurns(ctx, conv.ID, other, "q", models.ConversationTurn{Role: models.RoleUser, Content: "q"})
	assert.ErrorIs(t, err, aiderrors.ErrNotFound)

	assert.ErrorIs(t, repo.Delete(ctx, conv.ID, other), aiderrors.ErrNotFound)
}

func TestConversationsRepository_PruneUser(t *testing.T) {
	db := setupTestDB(t)
	repo := NewConversationsRepository(db)
	ctx := context.Background()
	userID := testUserID()

	t.Cleanup(func() { _, _ = db.Exec(ctx, "DELETE FROM conversations WHERE user_id = $1", userID) })

	for i := 0; i < 4; i++ {
		_, err := repo.Create(ctx, userID, "conversation")
		require.NoError(t, err)
	}

	pruned, err := repo.PruneUser(ctx, userID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	list, err := repo.List(ctx, userID, 20)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestChunksRepository_SearchAndUpsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewChunksRepository(db)
	ctx := context.Background()
	model := "test-model-" + uuid.NewString()

	t.Cleanup(func() { _, _ = db.Exec(ctx, "DELETE FROM chunks WHERE model = $1", model) })

	require.NoError(t, repo.Upsert(ctx, corpusChunk("pg-a", model, 1, 0, 0)))
	require.NoError(t, repo.Upsert(ctx, corpusChunk("pg-b", model, 0.8, 0.6, 0)))
	require.NoError(t, repo.Upsert(ctx, corpusChunk("pg-c", model, 0, 0, 1)))

	count, err := repo.Count(ctx, model)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	got, err := repo.Search(ctx, models.EmbeddingVector{Values: []float32{1, 0, 0}, Model: model}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pg-a", got[0].ID)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)
	assert.Equal(t, "pg-b", got[1].ID)

	_, err = repo.Search(ctx, models.EmbeddingVector{Values: []float32{1}}, 10, 0)
	assert.ErrorIs(t, err, ErrMissingModel)
}
