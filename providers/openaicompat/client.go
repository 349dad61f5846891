// Package openaicompat talks to OpenAI-compatible chat-completion endpoints.
// The primary (DeepSeek) and alternate (Moonshot) backends are the same
// client with different endpoint, credential and default model.
package openaicompat

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
	DeepSeekBaseURL = "https://api.deepseek.com"
	MoonshotBaseURL = "https://api.moonshot.cn"

	DeepSeekDefaultModel = "deepseek-chat"
	MoonshotDefaultModel = "kimi-k2.5"

	// DeepSeek recommends 1.3 for general conversation; Moonshot defaults
	// to 1.0.
	DeepSeekDefaultTemperature = 1.3
	MoonshotDefaultTemperature = 1.0
)

type Config struct {
	BaseURL            string
	APIKey             string
	DefaultModel       string
	DefaultTemperature float64
	RequestTimeout     time.Duration
}

type Client struct {
	baseURL            string
	apiKey             string
	defaultModel       string
	defaultTemperature float64
	http               *http.Client
}

func New(cfg Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Client{
		baseURL:            strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:             strings.TrimSpace(cfg.APIKey),
		defaultModel:       cfg.DefaultModel,
		defaultTemperature: cfg.DefaultTemperature,
		http:               &http.Client{Timeout: timeout},
	}
}

// NewDeepSeek builds the primary backend client.
func NewDeepSeek(apiKey string, timeout time.Duration) *Client {
	return New(Config{
		BaseURL:            DeepSeekBaseURL,
		APIKey:             apiKey,
		DefaultModel:       DeepSeekDefaultModel,
		DefaultTemperature: DeepSeekDefaultTemperature,
		RequestTimeout:     timeout,
	})
}

// NewMoonshot builds the alternate backend client.
func NewMoonshot(apiKey string, timeout time.Duration) *Client {
	return New(Config{
		BaseURL:            MoonshotBaseURL,
		APIKey:             apiKey,
		DefaultModel:       MoonshotDefaultModel,
		DefaultTemperature: MoonshotDefaultTemperature,
		RequestTimeout:     timeout,
	})
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req llm.Request) (llm.Result, error) {
	start := time.Now()

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.defaultModel
	}
	temperature := c.defaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	body := chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: temperature,
		Stream:      false,
	}
	b, err := json.Marshal(body)
	if err != nil {
		return llm.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(b))
	if err != nil {
		return llm.Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

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

	var out chatCompletionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.Result{}, fmt.Errorf("decode completion response: %w", err)
	}
	if len(out.Choices) == 0 {
		return llm.Result{}, fmt.Errorf("completion response has no choices")
	}

	return llm.Result{
		Text: out.Choices[0].Message.Content,
		Usage: llm.Usage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
			TotalTokens:  out.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}
