package services

import (
	"chatrelay/models"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Sampling parameters are fixed; callers cannot override them.
const (
	Temperature = 0.8
	MaxTokens   = 4096
)

// Completer sends an ordered message list to the remote model and returns the
// reply text. Failures are reported as *RemoteError.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

// RemoteKind tells an API-level failure apart from anything else.
type RemoteKind int

const (
	RemoteAPI RemoteKind = iota
	RemoteUnexpected
)

func (k RemoteKind) String() string {
	if k == RemoteAPI {
		return "api"
	}
	return "unexpected"
}

// RemoteError is a failed remote model call.
type RemoteError struct {
	Kind RemoteKind
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote model (%s): %v", e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// ClassifyRemoteError maps any error from the model client onto a RemoteError.
// Errors reaching or talking to the endpoint (HTTP status, connection,
// timeout) are API errors; anything else, such as a reply that cannot be
// decoded, is unexpected.
func ClassifyRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		return &RemoteError{Kind: RemoteAPI, Err: err}
	}
	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &RemoteError{Kind: RemoteAPI, Err: err}
	}
	return &RemoteError{Kind: RemoteUnexpected, Err: err}
}

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint
// (Yandex Foundation Models by default).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(apiKey, baseURL, model string, timeout time.Duration) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	log.Printf("LLM client configured: model=%s base=%s", model, cfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []models.Message) (string, error) {
	openAIMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		openAIMessages = append(openAIMessages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    openAIMessages,
		Temperature: Temperature,
		MaxTokens:   MaxTokens,
	})
	if err != nil {
		return "", ClassifyRemoteError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &RemoteError{Kind: RemoteUnexpected, Err: errors.New("no choices in response")}
	}

	reply := resp.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", &RemoteError{Kind: RemoteUnexpected, Err: errors.New("empty reply")}
	}
	log.Printf("LLM reply received: %d prompt / %d completion tokens", resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return reply, nil
}
