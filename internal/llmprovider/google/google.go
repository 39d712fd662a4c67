// Package google adapts the google.golang.org/genai SDK to the
// llmprovider.Provider interface.
package google

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/genai"

	"github.com/conclave-ai/conclave/internal/errs"
	"github.com/conclave-ai/conclave/internal/llmprovider"
)

// Adapter wraps a genai client behind llmprovider.Provider.
type Adapter struct {
	client *genai.Client
}

// New constructs an Adapter against the Gemini API with apiKey.
func New(ctx context.Context, apiKey string) (*Adapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, errs.New(errs.KindInternal, "genai_client_init", err)
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Name() string { return "google" }

func toContents(msgs []llmprovider.Message) (system string, contents []*genai.Content) {
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return system, contents
}

func (a *Adapter) Generate(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (llmprovider.Result, error) {
	system, contents := toContents(msgs)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if params.Temperature > 0 {
		t := float32(params.Temperature)
		cfg.Temperature = &t
	}
	resp, err := a.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return llmprovider.Result{}, translateErr(err)
	}
	return llmprovider.Result{
		Content:      resp.Text(),
		TokensIn:     int(resp.UsageMetadata.PromptTokenCount),
		TokensOut:    int(resp.UsageMetadata.CandidatesTokenCount),
		FinishReason: "stop",
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, model string, msgs []llmprovider.Message, params llmprovider.Params) (<-chan llmprovider.Chunk, error) {
	system, contents := toContents(msgs)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	out := make(chan llmprovider.Chunk, 16)
	go func() {
		defer close(out)
		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				return
			}
			if text := resp.Text(); text != "" {
				out <- llmprovider.Chunk{ContentDelta: text}
			}
		}
		out <- llmprovider.Chunk{Final: true}
	}()
	return out, nil
}

func translateErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return errs.New(errs.KindProviderTransient, "rate_limited_or_5xx", err)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
			return errs.New(errs.KindProviderPermanent, "auth", err)
		case apiErr.Code >= 400:
			return errs.New(errs.KindProviderPermanent, "invalid_request", err)
		}
	}
	return errs.New(errs.KindProviderTransient, "unknown", err)
}
