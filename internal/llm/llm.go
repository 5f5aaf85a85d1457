package llm

import "context"

// Role constants mirror the chat completion wire format.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest carries everything needed for one completion call.
type ChatRequest struct {
	System      string
	Messages    []Message
	Temperature float64
}

// Client is the unified interface for chat completion providers.
type Client interface {
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// Embedder turns text into a vector for similarity retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
