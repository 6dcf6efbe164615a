package translation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Publisher receives request and response events for live display.
type Publisher interface {
	Publish(kind string, data any)
}

// RequestEvent is published as "llm_request" before each completion.
type RequestEvent struct {
	RequestID   string    `json:"request_id"`
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature"`
	Timestamp   time.Time `json:"timestamp"`
}

// ResponseEvent is published as "llm_response" once a completion returns.
type ResponseEvent struct {
	RequestID    string    `json:"request_id"`
	Response     string    `json:"response"`
	TokensUsed   int       `json:"tokens_used,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Duration     string    `json:"duration"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const eventPreviewLen = 1000

// OpenAIConfig configures an OpenAI-compatible chat completion backend.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// OpenAIBackend sends one system and one user message per request.
type OpenAIBackend struct {
	client      *openai.Client
	logger      *logrus.Logger
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	events      Publisher
}

func NewOpenAIBackend(cfg OpenAIConfig, logger *logrus.Logger) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	// go-openai omits a zero temperature, which servers read as their default
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	return &OpenAIBackend{
		client:      openai.NewClientWithConfig(clientConfig),
		logger:      logger,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: temperature,
		timeout:     cfg.Timeout,
	}
}

// SetPublisher streams every request and response to p.
func (b *OpenAIBackend) SetPublisher(p Publisher) {
	b.events = p
}

// Translate performs a single chat completion. Timeouts are reported as
// ErrBackendTimeout, every other failure as ErrBackend.
func (b *OpenAIBackend) Translate(ctx context.Context, text, systemPrompt string) (string, error) {
	requestID := uuid.New().String()
	startTime := time.Now()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if b.events != nil {
		b.events.Publish("llm_request", RequestEvent{
			RequestID:   requestID,
			Model:       b.model,
			Prompt:      truncateText(text, eventPreviewLen),
			MaxTokens:   b.maxTokens,
			Temperature: b.temperature,
			Timestamp:   startTime,
		})
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})

	var response string
	if err == nil {
		if len(resp.Choices) == 0 {
			err = fmt.Errorf("no response choices returned")
		} else {
			response = resp.Choices[0].Message.Content
		}
	}

	duration := time.Since(startTime)
	if b.events != nil {
		ev := ResponseEvent{
			RequestID: requestID,
			Response:  truncateText(response, eventPreviewLen),
			Duration:  duration.String(),
			Success:   err == nil,
			Timestamp: time.Now(),
		}
		if err == nil {
			ev.TokensUsed = resp.Usage.TotalTokens
			ev.FinishReason = string(resp.Choices[0].FinishReason)
		} else {
			ev.Error = err.Error()
		}
		b.events.Publish("llm_response", ev)
	}

	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"duration":   duration,
		}).Debugf("OpenAI request failed: %v", err)

		if isTimeout(err) {
			return "", fmt.Errorf("%w: %v", ErrBackendTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	return response, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusRequestTimeout || apiErr.HTTPStatusCode == http.StatusGatewayTimeout
	}
	return false
}

// truncateText shortens text to at most maxRunes runes, marking the cut.
func truncateText(text string, maxRunes int) string {
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	if maxRunes <= 3 {
		return "..."
	}
	return string(runes[:maxRunes-3]) + "..."
}
