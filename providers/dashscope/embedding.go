// Package dashscope wraps the multimodal embedding endpoint used by the
// voice decider.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quailyquaily/personabot/llm"
)

const (
	DefaultBaseURL = "https://dashscope.aliyuncs.com"
	DefaultModel   = "qwen3-vl-embedding"

	embedPath = "/api/v1/services/embeddings/multimodal-embedding/multimodal-embedding"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model string         `json:"model"`
	Input embeddingInput `json:"input"`
}

type embeddingInput struct {
	Contents []embeddingContent `json:"contents"`
}

type embeddingContent struct {
	Text string `json:"text"`
}

type embeddingResponse struct {
	Output struct {
		Embeddings []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"embeddings"`
	} `json:"output"`
	Message string `json:"message,omitempty"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body := embeddingRequest{
		Model: c.model,
		Input: embeddingInput{Contents: []embeddingContent{{Text: text}}},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embedPath, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, llm.WrapNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.WrapNetwork(err)
	}

	var out embeddingResponse
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		if json.Unmarshal(raw, &out) == nil && out.Message != "" {
			msg = out.Message
		}
		return nil, &llm.TransportError{Status: resp.StatusCode, Body: msg}
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Output.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response is empty")
	}
	return out.Output.Embeddings[0].Embedding, nil
}
