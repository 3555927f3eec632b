package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/the-price-must-flow/internal/common"
	"github.com/Veraticus/the-price-must-flow/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{name: "openai", config: Config{Provider: "openai", APIKey: "test-key"}},
		{name: "anthropic mixed case", config: Config{Provider: "Anthropic", APIKey: "test-key"}},
		{name: "missing API key", config: Config{Provider: "openai"}, wantErr: common.ErrMissingConfig},
		{name: "unknown provider", config: Config{Provider: "gemini", APIKey: "k"}, wantErr: common.ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.config)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, client)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	t.Run("sends options and returns content", func(t *testing.T) {
		var captured map[string]any
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/chat/completions", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"price\": 24.99}"}}]}`))
		}))
		defer server.Close()

		client, err := newOpenAIClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "gpt-test"})
		require.NoError(t, err)

		text, err := client.Complete(context.Background(), "price this", Options{
			System:          "You are a pricing analyst.",
			JSONMode:        true,
			ReasoningEffort: ReasoningHigh,
			MaxTokens:       500,
		})
		require.NoError(t, err)
		assert.Equal(t, `{"price": 24.99}`, text)

		assert.Equal(t, "gpt-test", captured["model"])
		assert.Equal(t, "high", captured["reasoning_effort"])
		assert.Equal(t, float64(500), captured["max_completion_tokens"])
		assert.NotContains(t, captured, "temperature")
		assert.Equal(t, map[string]any{"type": "json_object"}, captured["response_format"])
		messages, ok := captured["messages"].([]any)
		require.True(t, ok)
		assert.Len(t, messages, 2)
	})

	t.Run("non-200 becomes a classifiable status error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached for requests"}}`))
		}))
		defer server.Close()

		client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), "p", Options{})
		var statusErr *common.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
		assert.True(t, common.IsTransient(err))
	})

	t.Run("quota errors are fatal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"insufficient_quota","message":"You exceeded your current quota"}}`))
		}))
		defer server.Close()

		client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
		require.NoError(t, err)

		_, err = client.Complete(context.Background(), "p", Options{})
		require.Error(t, err)
		assert.False(t, common.IsTransient(err))
		assert.True(t, common.IsFatal(err.Error()))
	})

	t.Run("no choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}))
		defer server.Close()

		client, err := newOpenAIClient(Config{APIKey: "k", BaseURL: server.URL})
		require.NoError(t, err)
		_, err = client.Complete(context.Background(), "p", Options{})
		assert.Error(t, err)
	})
}

func TestAnthropicClient_Complete(t *testing.T) {
	t.Run("joins text blocks and enables thinking", func(t *testing.T) {
		var captured anthropicRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/messages", r.URL.Path)
			assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
			assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

			_, _ = w.Write([]byte(`{"content":[{"type":"thinking","text":""},{"type":"text","text":"{\"price\":"},{"type":"text","text":" 10}"}]}`))
		}))
		defer server.Close()

		client, err := newAnthropicClient(Config{APIKey: "test-key", BaseURL: server.URL, MaxTokens: 1000})
		require.NoError(t, err)

		text, err := client.Complete(context.Background(), "price this", Options{JSONMode: true, ReasoningEffort: ReasoningMedium})
		require.NoError(t, err)
		assert.Equal(t, `{"price": 10}`, text)

		require.NotNil(t, captured.Thinking)
		assert.Equal(t, 4096, captured.Thinking.BudgetTokens)
		assert.Equal(t, 1000+4096, captured.MaxTokens)
		assert.Nil(t, captured.Temperature)
		assert.Contains(t, captured.System, "valid JSON")
	})

	t.Run("overloaded is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(529)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
		}))
		defer server.Close()

		client, err := newAnthropicClient(Config{APIKey: "k", BaseURL: server.URL})
		require.NoError(t, err)
		_, err = client.Complete(context.Background(), "p", Options{})
		assert.True(t, common.IsTransient(err))
	})
}

func TestLimited(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("overloaded"))
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	limiter, err := ratelimit.New(ratelimit.Config{Name: "ai", MaxConcurrent: 2, MaxPerMinute: 60, BaseBackoff: time.Millisecond})
	require.NoError(t, err)

	client, err := NewLimitedClient(Config{Provider: "openai", APIKey: "k", BaseURL: server.URL}, limiter, 2)
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(2), limiter.Stats().Started)
}

func TestMockClient(t *testing.T) {
	m := NewMockClient().On("identify", `{"category":"Vitamins"}`).Default("fallback")

	text, err := m.Complete(context.Background(), "please identify this", Options{})
	require.NoError(t, err)
	assert.Equal(t, `{"category":"Vitamins"}`, text)

	text, err = m.Complete(context.Background(), "something else", Options{})
	require.NoError(t, err)
	assert.Equal(t, "fallback", text)

	assert.Equal(t, 1, m.CallCount("identify"))
	assert.Equal(t, 2, m.CallCount(""))
}
