// Package openai adapts the OpenAI SDK to the llmprovider.Provider interface.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/llmprovider"
)

// Adapter wraps an OpenAI client behind llmprovider.Provider.
type Adapter struct {
	client openai.Client
}

// New constructs an Adapter. baseURL may be empty to use the default endpoint.
func New(apiKey, baseURL string, httpClient *http.Client) *Adapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	return &Adapter{client: openai.NewClient(opts...)}
}

func (a *Adapter) Name() string { return "openai" }

func toOpenAIMessages(msgs []llmprovider.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func (a *Adapter) Generate(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (llmprovider.Result, error) {
	req := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toOpenAIMessages(msgs),
	}
	if params.Temperature > 0 {
		req.Temperature = openai.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = openai.Int(int64(params.MaxTokens))
	}
	resp, err := a.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return llmprovider.Result{}, translateErr(err)
	}
	if len(resp.Choices) == 0 {
		return llmprovider.Result{}, errs.New(errs.KindProviderPermanent, "empty_choices", nil)
	}
	choice := resp.Choices[0]
	return llmprovider.Result{
		Content:      choice.Message.Content,
		TokensIn:     int(resp.Usage.PromptTokens),
		TokensOut:    int(resp.Usage.CompletionTokens),
		FinishReason: string(choice.FinishReason),
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (<-chan llmprovider.Chunk, error) {
	req := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: toOpenAIMessages(msgs),
	}
	if params.Temperature > 0 {
		req.Temperature = openai.Float(params.Temperature)
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, req)
	out := make(chan llmprovider.Chunk, 16)

	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta != "" {
				out <- llmprovider.Chunk{ContentDelta: delta}
			}
		}
		out <- llmprovider.Chunk{Final: true}
		_ = stream.Close()
	}()

	if err := stream.Err(); err != nil {
		return nil, translateErr(err)
	}
	return out, nil
}

func translateErr(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return errs.New(errs.KindProviderTransient, "rate_limited_or_5xx", err)
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return errs.New(errs.KindProviderPermanent, "auth", err)
		case apiErr.StatusCode >= 400:
			return errs.New(errs.KindProviderPermanent, "invalid_request", err)
		}
	}
	return errs.New(errs.KindProviderTransient, "unknown", err)
}
