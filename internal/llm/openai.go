package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"voice-notes-go/internal/types"
)

// OpenAIProvider is any OpenAI-compatible chat/completions endpoint
// (OpenAI, OpenRouter, Groq, Ollama, an internal gateway).
type OpenAIProvider struct {
	NameStr    string
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewOpenAIProvider(name, baseURL, apiKey, model string) *OpenAIProvider {
	return &OpenAIProvider{
		NameStr:    name,
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return p.NameStr }

type openAIRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	Temperature    float64           `json:"temperature"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

func (p *OpenAIProvider) endpoint() string {
	if strings.HasSuffix(p.BaseURL, "/chat/completions") {
		return p.BaseURL
	}
	return p.BaseURL + "/chat/completions"
}

func (p *OpenAIProvider) fail(class types.Class, reason string, status int, err error) error {
	return &types.ProviderError{Provider: p.NameStr, Class: class, Reason: reason, Status: status, Err: err}
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	apiReq := openAIRequest{
		Model:       p.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		apiReq.ResponseFormat = map[string]string{"type": "json_object"}
	}
	data, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, types.ClassifyTransport(p.NameStr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.ClassifyTransport(p.NameStr, err)
	}

	if looksLikeErrorPage(resp.Header.Get("Content-Type"), body) {
		// Gateways and proxies answer with HTML when the upstream is down.
		return nil, p.fail(types.ClassTransient, types.ReasonErrorPage, resp.StatusCode, fmt.Errorf("html error page: %s", snippet(body)))
	}

	var parsed openAIResponse
	decodeErr := json.Unmarshal(body, &parsed)

	if resp.StatusCode != http.StatusOK {
		class, reason := types.ClassifyStatus(resp.StatusCode)
		if resp.StatusCode == http.StatusBadRequest && decodeErr == nil && parsed.Error != nil && mentionsMissingModel(parsed.Error.Message) {
			class, reason = types.ClassPermanent, types.ReasonModelNotFound
		}
		return nil, p.fail(class, reason, resp.StatusCode, fmt.Errorf("%s", snippet(body)))
	}
	if decodeErr != nil {
		return nil, p.fail(types.ClassTransient, types.ReasonMalformed, resp.StatusCode, fmt.Errorf("decode response: %w", decodeErr))
	}
	if parsed.Error != nil {
		return nil, p.fail(types.ClassTransient, types.ReasonOverloaded, resp.StatusCode, fmt.Errorf("%s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return nil, p.fail(types.ClassTransient, types.ReasonMalformed, resp.StatusCode, fmt.Errorf("no choices returned"))
	}

	return &ChatResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage:   parsed.Usage,
	}, nil
}

func looksLikeErrorPage(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	head := strings.ToLower(strings.TrimSpace(string(body[:min(len(body), 64)])))
	return strings.HasPrefix(head, "<!doctype html") || strings.HasPrefix(head, "<html")
}

func mentionsMissingModel(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "model") && (strings.Contains(m, "not found") || strings.Contains(m, "does not exist"))
}

func snippet(b []byte) string {
	const n = 300
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
