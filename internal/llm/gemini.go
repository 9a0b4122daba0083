package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"voice-notes-go/internal/types"
)

// GeminiProvider calls Gemini through the genai SDK.
type GeminiProvider struct {
	apiKey string
	model  string
	// HTTPClient is handed to the SDK; set its Timeout to bound each call.
	HTTPClient *http.Client

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiProvider(apiKey, model string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, model: model, HTTPClient: &http.Client{}}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     p.apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

func (p *GeminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	client, err := p.getClient(ctx)
	if err != nil {
		return nil, &types.ProviderError{Provider: p.Name(), Class: types.ClassPermanent, Reason: types.ReasonRejected, Err: fmt.Errorf("create client: %w", err)}
	}

	var (
		system   []string
		contents []*genai.Content
	)
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	result, err := client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, p.classify(err)
	}

	var text strings.Builder
	if result != nil && len(result.Candidates) > 0 && result.Candidates[0].Content != nil {
		for _, part := range result.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" {
				text.WriteString(part.Text)
			}
		}
	}
	if text.Len() == 0 {
		return nil, &types.ProviderError{Provider: p.Name(), Class: types.ClassTransient, Reason: types.ReasonMalformed, Err: errors.New("empty response from Gemini")}
	}

	out := &ChatResponse{Content: text.String(), Model: p.model}
	if result.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func (p *GeminiProvider) classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		class, reason := types.ClassifyStatus(apiErr.Code)
		if apiErr.Status == "RESOURCE_EXHAUSTED" {
			class, reason = types.ClassRateLimited, types.ReasonRateLimited
		}
		return &types.ProviderError{Provider: p.Name(), Class: class, Reason: reason, Status: apiErr.Code, Err: err}
	}
	return types.ClassifyTransport(p.Name(), err)
}
