// Package ollama talks to a locally deployed inference endpoint used by the
// reply gate's classifier backend.
package ollama

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

const DefaultBaseURL = "http://127.0.0.1:11434"

// DefaultSampling mirrors the documented defaults for the judgment task.
func DefaultSampling() llm.SamplingOptions {
	return llm.SamplingOptions{
		Temperature:   0.8,
		TopP:          0.9,
		TopK:          40,
		NumPredict:    2048,
		NumCtx:        65536,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string               `json:"model"`
	Messages []llm.Message        `json:"messages"`
	Stream   bool                 `json:"stream"`
	Options  *llm.SamplingOptions `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Error string `json:"error,omitempty"`
}

func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	start := time.Now()

	body := chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
		Options:  req.Sampling,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return llm.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(b))
	if err != nil {
		return llm.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return llm.Result{}, llm.WrapNetwork(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Result{}, llm.WrapNetwork(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return llm.Result{}, &llm.TransportError{Status: resp.StatusCode, Body: string(raw)}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.Result{}, fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return llm.Result{}, fmt.Errorf("ollama: %s", out.Error)
	}

	return llm.Result{
		Text:     out.Message.Content,
		Duration: time.Since(start),
	}, nil
}
