// Package anthropic adapts the Anthropic SDK to the llmprovider.Provider interface.
package anthropic

import (
	"context"
	"errors"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/llmprovider"
)

// Adapter wraps an Anthropic client behind llmprovider.Provider.
type Adapter struct {
	client anthropic.Client
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
	return &Adapter{client: anthropic.NewClient(opts...)}
}

func (a *Adapter) Name() string { return "anthropic" }

func split(msgs []llmprovider.Message) (system string, rest []anthropic.MessageParam) {
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			rest = append(rest, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			rest = append(rest, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, rest
}

func (a *Adapter) Generate(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (llmprovider.Result, error) {
	system, rest := split(msgs)
	maxTokens := int64(params.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  rest,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}
	resp, err := a.client.Messages.New(ctx, req)
	if err != nil {
		return llmprovider.Result{}, translateErr(err)
	}
	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	return llmprovider.Result{
		Content:      content,
		TokensIn:     int(resp.Usage.InputTokens),
		TokensOut:    int(resp.Usage.OutputTokens),
		FinishReason: string(resp.StopReason),
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (<-chan llmprovider.Chunk, error) {
	system, rest := split(msgs)
	maxTokens := int64(params.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}
	req := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  rest,
	}
	if system != "" {
		req.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := a.client.Messages.NewStreaming(ctx, req)
	out := make(chan llmprovider.Chunk, 16)

	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if delta.Delta.Text != "" {
					out <- llmprovider.Chunk{ContentDelta: delta.Delta.Text}
				}
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
	var apiErr *anthropic.Error
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
