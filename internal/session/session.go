// Package session owns one growing conversation history per chat identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quailyquaily/personabot/internal/prompts"
	"github.com/quailyquaily/personabot/llm"
)

// ErrNotInitialized is returned by Submit when role initialization failed:
// the session must fail fast rather than silently send unprimed context.
var ErrNotInitialized = errors.New("session has no role prompt")

type Options struct {
	Model string
	// Temperature nil uses the backend's conversational default.
	Temperature *float64
	// MaxTurns bounds the number of non-system turns kept in history.
	// 0 keeps everything (the remote model's context window is then the
	// only limit).
	MaxTurns int
	Logger   *slog.Logger
}

// Session holds the ordered role-tagged history for one identity. Index 0 is
// always the system turn once initialized; history is never reordered. All
// mutation happens under the mutex, so concurrent Submit calls cannot
// interleave the user/assistant append pair.
type Session struct {
	mu          sync.Mutex
	id          string
	roleName    string
	history     []llm.Message
	initialized bool

	client llm.Client
	opts   Options
	logger *slog.Logger
}

func New(id string, client llm.Client, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:     id,
		client: client,
		opts:   opts,
		logger: logger.With("session", id),
	}
}

// Init resets the history to a single system turn with the role's prompt
// text. On an unrecognized role the history is cleared and every later
// Submit fails with ErrNotInitialized.
func (s *Session) Init(store *prompts.Store, roleName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	canonical, text, err := store.RolePrompt(roleName)
	if err != nil {
		s.history = nil
		s.initialized = false
		return fmt.Errorf("init role: %w", err)
	}
	s.roleName = canonical
	s.history = []llm.Message{{Role: llm.RoleSystem, Content: text}}
	s.initialized = true
	s.logger.Info("session_role_initialized", "role", canonical)
	return nil
}

// Submit appends the user turn, runs the completion, and appends the
// assistant turn only on success. On failure the speculative user turn is
// rolled back (net history delta zero) and the returned string is the
// user-facing sentinel for that failure class.
func (s *Session) Submit(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return "", ErrNotInitialized
	}

	s.history = append(s.history, llm.Message{Role: llm.RoleUser, Content: text})

	res, err := s.client.Chat(ctx, llm.Request{
		Model:       s.opts.Model,
		Messages:    append([]llm.Message(nil), s.history...),
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		s.history = s.history[:len(s.history)-1]
		s.logger.Warn("session_completion_failed", "error", err.Error())
		return llm.SentinelFor(err), err
	}

	s.history = append(s.history, llm.Message{Role: llm.RoleAssistant, Content: res.Text})
	s.truncateLocked()
	return res.Text, nil
}

// truncateLocked applies the max-turns window, always preserving the system
// turn at index 0. The window never opens on an assistant turn whose user
// turn was evicted: the model must not see a context that starts mid-exchange.
func (s *Session) truncateLocked() {
	if s.opts.MaxTurns <= 0 || len(s.history) == 0 {
		return
	}
	turns := len(s.history) - 1
	if turns <= s.opts.MaxTurns {
		return
	}
	kept := s.history[len(s.history)-s.opts.MaxTurns:]
	if kept[0].Role == llm.RoleAssistant {
		kept = kept[1:]
	}
	s.history = append(s.history[:1:1], kept...)
}

// RoleName reports the canonical role this session was initialized with.
func (s *Session) RoleName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleName
}

// History returns a copy of the current history.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.history...)
}

// SetHistory replaces the history wholesale. The reply gate uses this to
// seed and resynchronize its judge session.
func (s *Session) SetHistory(history []llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append([]llm.Message(nil), history...)
	s.initialized = len(s.history) > 0
}

// Len reports the current history length.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}
