package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"whizy-agent/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModel     = "gpt-4o-mini"
	defaultEmbedding = "text-embedding-3-small"
	defaultTimeout   = 60 * time.Second
)

// Config describes how to reach an OpenAI-compatible API.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Temperature    float64
	Timeout        time.Duration
}

// Client calls the Chat Completions and Embeddings endpoints over plain HTTP.
type Client struct {
	apiKey         string
	baseURL        string
	model          string
	embeddingModel string
	temperature    float64
	httpClient     *http.Client
}

// NewClient validates the config and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbedding
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = 0.2
	}

	return &Client{
		apiKey:         apiKey,
		baseURL:        baseURL,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		httpClient:     &http.Client{Timeout: timeout},
	}, nil
}

// Complete sends one chat completion request and returns the raw content of
// the first choice.
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (string, error) {
	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: req.System})
	}
	messages = append(messages, req.Messages...)
	if len(messages) == 0 {
		return "", errors.New("openai: chat request has no messages")
	}

	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": temperature,
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", body, &decoded); err != nil {
		return "", err
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openai: response contained no choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", errors.New("openai: response content is empty")
	}
	return content, nil
}

// Embed returns the embedding vector for a single input text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("openai: embedding input is empty")
	}

	body := map[string]any{
		"model": c.embeddingModel,
		"input": text,
	}

	var decoded struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", body, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: response contained no embedding")
	}
	return decoded.Data[0].Embedding, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openai: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("openai: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("openai: perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("openai: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("openai: decode response: %w", err)
	}
	return nil
}

var (
	_ llm.Client   = (*Client)(nil)
	_ llm.Embedder = (*Client)(nil)
)
