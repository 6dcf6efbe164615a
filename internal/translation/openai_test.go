package translation

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHub struct {
	mu    sync.Mutex
	types []string
}

func (h *recordingHub) Publish(kind string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, kind)
}

func TestOpenAIBackendTranslate(t *testing.T) {
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"你好，世界"},"finish_reason":"stop"}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(OpenAIConfig{
		APIKey:    "test-key",
		BaseURL:   srv.URL + "/",
		Model:     "gpt-4o",
		MaxTokens: 256,
		Timeout:   5 * time.Second,
	}, logrus.New())
	hub := &recordingHub{}
	backend.SetPublisher(hub)

	out, err := backend.Translate(t.Context(), "Hello, world", "translate")
	require.NoError(t, err)
	assert.Equal(t, "你好，世界", out)

	assert.Equal(t, "gpt-4o", got.Model)
	assert.Equal(t, 256, got.MaxTokens)
	assert.Equal(t, float32(math.SmallestNonzeroFloat32), got.Temperature)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, got.Messages[0].Role)
	assert.Equal(t, "translate", got.Messages[0].Content)
	assert.Equal(t, "Hello, world", got.Messages[1].Content)

	assert.Equal(t, []string{"llm_request", "llm_response"}, hub.types)
}

func TestOpenAIBackendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(OpenAIConfig{
		APIKey:  "k",
		BaseURL: srv.URL,
		Model:   "m",
		Timeout: 50 * time.Millisecond,
	}, logrus.New())

	_, err := backend.Translate(t.Context(), "Hello", "translate")
	assert.ErrorIs(t, err, ErrBackendTimeout)
}

func TestOpenAIBackendServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	backend := NewOpenAIBackend(OpenAIConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"}, logrus.New())

	_, err := backend.Translate(t.Context(), "Hello", "translate")
	assert.ErrorIs(t, err, ErrBackend)
	assert.NotErrorIs(t, err, ErrBackendTimeout)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "short", truncateText("short", 10))
	assert.Equal(t, "你好世...", truncateText("你好世界你好世界", 6))
	assert.Equal(t, "...", truncateText("abcdef", 2))
}
