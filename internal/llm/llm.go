package llm

import "context"

// Message is one role/content pair of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest holds the parameters for a chat completion.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSON asks the provider for a JSON-only response when it supports it.
	JSON bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResponse struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider is a chat-completion backend. Failures are *types.ProviderError
// with the class already decided by the implementation.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// System and User build messages.
func System(content string) Message { return Message{Role: "system", Content: content} }

func User(content string) Message { return Message{Role: "user", Content: content} }
