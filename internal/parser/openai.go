package parser

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openaigo "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const defaultInferTimeout = 30 * time.Second

// OpenAIInferencer calls the chat completions API. Client-side retries are
// disabled: the parser owns the retry policy, and double retry layers make
// duplicate submissions harder to reason about.
type OpenAIInferencer struct {
	client openaigo.Client
	model  string
}

// NewOpenAIInferencer builds an inferencer for the given API key and model.
func NewOpenAIInferencer(apiKey, model string) *OpenAIInferencer {
	client := openaigo.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: defaultInferTimeout}),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(defaultInferTimeout),
	)
	return &OpenAIInferencer{client: client, model: model}
}

// Infer submits the instruction template and message, returning the raw
// completion text. All transport and API errors are wrapped in
// ErrInferenceFailed so the parser's retry loop recognizes them.
func (o *OpenAIInferencer) Infer(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openaigo.ChatCompletionNewParams{
		Model: openaigo.ChatModel(o.model),
		Messages: []openaigo.ChatCompletionMessageParamUnion{
			openaigo.SystemMessage(system),
			openaigo.UserMessage(user),
		},
		Temperature: openaigo.Float(0.1),
		MaxTokens:   openaigo.Int(600),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", ErrInferenceFailed)
	}
	return resp.Choices[0].Message.Content, nil
}

// NoopInferencer always answers with an empty event list. Used when no
// API key is configured.
type NoopInferencer struct{}

func (NoopInferencer) Infer(_ context.Context, _, _ string) (string, error) {
	return "[]", nil
}
