package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firstaid/assistant/internal/generation"
	"github.com/firstaid/assistant/internal/models"
)

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request, body map[string]any)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		handler(w, r, body)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestClient_CreateEmbedding(t *testing.T) {
	t.Run("returns embedding with configured model and dimensions", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
			assert.Equal(t, "text-embedding-3-large", body["model"])
			assert.InDelta(t, 3, body["dimensions"], 1e-9)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-large",` +
				`"data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],` +
				`"usage":{"prompt_tokens":2,"total_tokens":2}}`))
		})

		client := NewClient("test-key",
			WithBaseURL(srv.URL+"/v1/"),
			WithModel("text-embedding-3-large"),
			WithDimensions(3),
		)

		vec, err := client.CreateEmbedding(context.Background(), "  bee sting ")
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, vec, 1e-6)
		assert.Equal(t, "text-embedding-3-large", client.Model())
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[0.1]}],` +
				`"usage":{"prompt_tokens":1,"total_tokens":1}}`))
		})

		client := NewClient("k", WithBaseURL(srv.URL+"/v1/"), WithDimensions(3))

		_, err := client.CreateEmbedding(context.Background(), "burn")
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("empty data", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
		})

		client := NewClient("k", WithBaseURL(srv.URL+"/v1/"))

		_, err := client.CreateEmbedding(context.Background(), "burn")
		assert.ErrorIs(t, err, ErrNoEmbeddingInResponse)
	})

	t.Run("input validation", func(t *testing.T) {
		client := NewClient("k", WithDimensions(0))

		_, err := client.CreateEmbedding(context.Background(), " ")
		require.ErrorIs(t, err, ErrEmptyInput)

		_, err = client.CreateEmbedding(context.Background(), "burn")
		assert.ErrorIs(t, err, ErrInvalidDims)
	})

	t.Run("api error is returned", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad input","type":"invalid_request_error"}}`))
		})

		client := NewClient("k", WithBaseURL(srv.URL+"/v1/"))

		_, err := client.CreateEmbedding(context.Background(), "burn")
		assert.Error(t, err)
	})
}

func TestChatClient_Generate(t *testing.T) {
	t.Run("sends system, history and question in order", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request, body map[string]any) {
			assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
			assert.Equal(t, "llama-3.3-70b-versatile", body["model"])
			assert.InDelta(t, 0.3, body["temperature"], 1e-9)
			assert.InDelta(t, 2048, body["max_completion_tokens"], 1e-9)

			msgs, ok := body["messages"].([]any)
			require.True(t, ok)
			require.Len(t, msgs, 4)

			roles := make([]string, 0, len(msgs))
			for _, m := range msgs {
				roles = append(roles, m.(map[string]any)["role"].(string))
			}

			assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"llama-3.3-70b-versatile",` +
				`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Cool the burn."}}]}`))
		})

		client := NewChatClient("k", WithBaseURL(srv.URL+"/openai/v1/"))

		out, err := client.Generate(context.Background(), generation.Prompt{
			System: "be safe",
			Messages: []generation.Message{
				{Role: models.RoleUser, Content: "earlier question"},
				{Role: models.RoleAssistant, Content: "earlier answer"},
				{Role: models.RoleUser, Content: "how to treat a burn"},
			},
			Temperature: 0.3,
			MaxTokens:   2048,
		})
		require.NoError(t, err)
		assert.Equal(t, "Cool the burn.", out)
	})

	t.Run("no choices", func(t *testing.T) {
		srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request, _ map[string]any) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`))
		})

		client := NewChatClient("k", WithBaseURL(srv.URL+"/v1/"), WithModel("m"))

		_, err := client.Generate(context.Background(), generation.Prompt{
			Messages: []generation.Message{{Role: models.RoleUser, Content: "q"}},
		})
		assert.ErrorIs(t, err, ErrNoChoiceInResponse)
	})
}
