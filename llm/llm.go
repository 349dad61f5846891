package llm

import (
	"context"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type Result struct {
	Text     string
	Usage    Usage
	Duration time.Duration
}

// SamplingOptions carries the knobs the local classifier endpoint accepts.
// Zero values mean "omit from the request".
type SamplingOptions struct {
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	NumPredict    int     `json:"num_predict,omitempty"`
	NumCtx        int     `json:"num_ctx,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN   int     `json:"repeat_last_n,omitempty"`
}

type Request struct {
	Model    string
	Messages []Message
	// Temperature nil means the backend's default for conversation.
	Temperature *float64
	Sampling    *SamplingOptions
}

// Temp is a literal-temperature convenience for building requests.
func Temp(v float64) *float64 { return &v }

// Client is the chat-completion contract every decider composes over.
// Implementations return a typed error (TransportError, NetworkError, or a
// plain error for anything else); mapping errors to user-facing sentinel
// strings happens at the session boundary, never here.
type Client interface {
	Chat(ctx context.Context, req Request) (Result, error)
}
